package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type helloData struct {
	ClientID string `json:"clientId"`
	Channel  string `json:"channel"`
}

// Handler は /ws?channel=<id> でオーバーレイの購読を受け付ける。
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler は allowedOrigins が空か "*" を含む場合、全てのオリジンを許可する。
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool)
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			continue
		}
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// OBSのブラウザソースなどOriginを付けないクライアントは許可
		if origin == "" {
			return true
		}
		return set[strings.TrimRight(origin, "/")]
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channelID == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	sub, err := h.hub.Subscribe(channelID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	logger.Info("Overlay connected",
		zap.String("client_id", sub.ID()),
		zap.String("channel_id", channelID),
		zap.String("remote_addr", r.RemoteAddr))

	client := &wsClient{conn: conn, sub: sub}
	go client.writePump()
	go client.readPump()
}

type wsClient struct {
	conn *websocket.Conn
	sub  *Subscription
}

// readPump はクライアントからのメッセージを読み捨て、切断を検知したら購読を閉じる。
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		logger.Info("Overlay disconnected",
			zap.String("client_id", c.sub.ID()),
			zap.String("channel_id", c.sub.ChannelID()))
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	hello, err := encodeFrame(FrameConnected, helloData{ClientID: c.sub.ID(), Channel: c.sub.ChannelID()})
	if err != nil {
		logger.Error("Failed to encode hello frame", zap.Error(err))
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	frames := c.sub.Frames()
	for {
		select {
		case frame, ok := <-frames:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

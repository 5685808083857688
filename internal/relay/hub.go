package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ichi0g0y/giveaway-o-tron/internal/metrics"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const (
	FrameEvent     = "event"
	FrameConnected = "connected"

	defaultSendBuffer = 16
)

var (
	ErrInvalidChannel  = errors.New("channel is required")
	ErrChannelMismatch = errors.New("event channel does not match publish channel")
	ErrHubClosed       = errors.New("relay hub closed")
)

// Frame はオーバーレイへ送るメッセージ
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscription は1つのオーバーレイ接続の購読。Close は何度呼んでもよい。
type Subscription struct {
	id        string
	channelID string
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) ChannelID() string {
	return s.channelID
}

// Frames は購読が閉じられると閉じる。
func (s *Subscription) Frames() <-chan []byte {
	return s.send
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
	})
}

// Hub は channelID ごとに購読を管理し、イベントを一致する購読にだけ配信する。
// 配信は最大1回のベストエフォートで、履歴は持たない。
type Hub struct {
	mu         sync.RWMutex
	channels   map[string]map[string]*Subscription
	closed     bool
	sendBuffer int
}

type HubOption func(*Hub)

// WithSendBuffer sets the per-subscription frame buffer.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		channels:   make(map[string]map[string]*Subscription),
		sendBuffer: defaultSendBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe は channelID の購読を作る。
func (h *Hub) Subscribe(channelID string) (*Subscription, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, ErrInvalidChannel
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate subscription id: %w", err)
	}

	sub := &Subscription{
		id:        id,
		channelID: channelID,
		send:      make(chan []byte, h.sendBuffer),
		hub:       h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	subs, ok := h.channels[channelID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.channels[channelID] = subs
	}
	subs[id] = sub
	metrics.RelaySubscribers.Inc()

	logger.Debug("Relay subscription added",
		zap.String("subscription_id", id),
		zap.String("channel_id", channelID),
		zap.Int("channel_subscribers", len(subs)))
	return sub, nil
}

// Publish は channelID の購読すべてに evt を送り、送れた数を返す。
// evt.ChannelID が空なら channelID を入れる。
func (h *Hub) Publish(ctx context.Context, channelID string, evt types.WinnerEvent) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return 0, ErrInvalidChannel
	}
	if evt.ChannelID == "" {
		evt.ChannelID = channelID
	}
	if evt.ChannelID != channelID {
		return 0, ErrChannelMismatch
	}

	data, err := encodeFrame(FrameEvent, evt)
	if err != nil {
		return 0, err
	}

	delivered, slow := h.deliver(channelID, data)
	for _, sub := range slow {
		logger.Warn("Relay subscriber too slow, dropping",
			zap.String("subscription_id", sub.id),
			zap.String("channel_id", channelID))
		sub.Close()
	}

	eventType := evt.Type
	if eventType == "" {
		eventType = types.EventTypeWinner
	}
	metrics.RelayEventsPublished.WithLabelValues(eventType).Inc()

	logger.Debug("Relay event published",
		zap.String("channel_id", channelID),
		zap.String("type", eventType),
		zap.Int("delivered", delivered))
	return delivered, nil
}

// deliver は購読一覧をロックしたまま送るので、配信中に追加された購読には届かない。
func (h *Hub) deliver(channelID string, data []byte) (int, []*Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	var slow []*Subscription
	for _, sub := range h.channels[channelID] {
		select {
		case sub.send <- data:
			delivered++
		default:
			metrics.RelayFramesDropped.Inc()
			slow = append(slow, sub)
		}
	}
	return delivered, slow
}

// SubscriberCount returns the number of subscriptions for channelID.
func (h *Hub) SubscriberCount(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// Close は全ての購読を閉じ、以降の Subscribe を拒否する。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, channelSubs := range h.channels {
		for _, sub := range channelSubs {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[sub.channelID]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.channels, sub.channelID)
	}
	close(sub.send)
	metrics.RelaySubscribers.Dec()

	logger.Debug("Relay subscription removed",
		zap.String("subscription_id", sub.id),
		zap.String("channel_id", sub.channelID))
}

func encodeFrame(frameType string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}
	frame, err := json.Marshal(Frame{Type: frameType, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}
	return frame, nil
}

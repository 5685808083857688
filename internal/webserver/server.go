package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/giveaway"
	"github.com/ichi0g0y/giveaway-o-tron/internal/relay"
	"github.com/ichi0g0y/giveaway-o-tron/internal/settings"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/twitcheventsub"
	"github.com/ichi0g0y/giveaway-o-tron/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Config はHTTPサーバーの設定
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server は操作用APIとオーバーレイ配信用のWebSocketを提供する。
// giveaway が nil の場合はリレー専用ノードとして動作する。
type Server struct {
	cfg      Config
	hub      *relay.Hub
	giveaway *giveaway.Service
	settings *settings.SettingsManager
	mux      *http.ServeMux
}

type Option func(*Server)

// WithGiveaway enables the operator API.
func WithGiveaway(svc *giveaway.Service, sm *settings.SettingsManager) Option {
	return func(s *Server) {
		s.giveaway = svc
		s.settings = sm
	}
}

func NewServer(cfg Config, hub *relay.Hub, opts ...Option) *Server {
	s := &Server{cfg: cfg, hub: hub, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/ws", relay.NewHandler(s.hub, s.cfg.AllowedOrigins))
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/health", handleHealth)
	s.mux.HandleFunc("/api/version", corsMiddleware(handleVersion))

	if s.giveaway == nil {
		return
	}

	// 抽選操作
	s.mux.HandleFunc("/api/giveaway/state", corsMiddleware(s.handleState))
	s.mux.HandleFunc("/api/giveaway/start", corsMiddleware(s.handleStart))
	s.mux.HandleFunc("/api/giveaway/pause", corsMiddleware(s.transitionHandler(s.giveaway.Pause)))
	s.mux.HandleFunc("/api/giveaway/resume", corsMiddleware(s.transitionHandler(s.giveaway.Resume)))
	s.mux.HandleFunc("/api/giveaway/reset", corsMiddleware(s.transitionHandler(s.giveaway.Reset)))
	s.mux.HandleFunc("/api/giveaway/stop", corsMiddleware(s.transitionHandler(s.giveaway.Stop)))
	s.mux.HandleFunc("/api/giveaway/draw", corsMiddleware(s.handleDraw))
	s.mux.HandleFunc("/api/giveaway/timer", corsMiddleware(s.handleTimer))

	// チャット接続
	s.mux.HandleFunc("/api/chat/connect", corsMiddleware(s.handleChatConnect))
	s.mux.HandleFunc("/api/chat/disconnect", corsMiddleware(s.handleChatDisconnect))

	s.mux.HandleFunc("/api/settings", corsMiddleware(s.handleSettings))
	s.mux.HandleFunc("/api/overlay/qr", corsMiddleware(s.handleOverlayQR))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run はctxがキャンセルされるまでHTTPサーバーを動かす。
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to start web server", zap.Error(err))
		return fmt.Errorf("failed to start web server on port %d: %w", s.cfg.Port, err)
	}

	httpServer := &http.Server{
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.Serve(ln)
	}()
	logger.Info("Starting web server", zap.String("address", addr))

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown web server gracefully", zap.Error(err))
		return err
	}
	logger.Info("Web server shutdown complete")
	return nil
}

// corsMiddleware adds CORS headers to HTTP handlers
func corsMiddleware(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		handler(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, giveaway.ErrInvalidChannel),
		errors.Is(err, twitcheventsub.ErrInvalidChannel),
		errors.Is(err, relay.ErrInvalidChannel),
		errors.Is(err, giveaway.ErrInvalidTimer),
		errors.Is(err, settings.ErrInvalidSetting),
		errors.Is(err, settings.ErrUnknownSetting):
		return http.StatusBadRequest
	case errors.Is(err, giveaway.ErrChatDisconnected):
		return http.StatusConflict
	case errors.Is(err, twitcheventsub.ErrConnectionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, msg string, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
	} else {
		logger.Debug(msg, zap.Error(err))
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), code)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, version.Get())
}

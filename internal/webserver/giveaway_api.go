package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/giveaway"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/status"
	"go.uber.org/zap"
)

type stateResponse struct {
	Session *giveaway.Snapshot `json:"session"`
	Chat    status.ChatStatus  `json:"chat"`
}

type transitionResponse struct {
	Changed bool               `json:"changed"`
	Session *giveaway.Snapshot `json:"session"`
}

type drawRequest struct {
	NumberOfWinners int `json:"number_of_winners"`
}

type timerRequest struct {
	DurationMS int64 `json:"duration_ms"`
}

type chatConnectRequest struct {
	Channel string `json:"channel"`
}

// decodeOptionalBody は空ボディを許容してJSONを読む。
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := s.giveaway.Snapshot(r.Context())
	if err != nil {
		writeError(w, "Failed to get giveaway state", err)
		return
	}
	writeJSON(w, stateResponse{Session: snap, Chat: status.GetChatStatus()})
}

// handleStart は保存済みの設定で収集を開始する。
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg, err := s.settings.LoadGiveawayConfig()
	if err != nil {
		writeError(w, "Failed to load giveaway settings", err)
		return
	}

	changed, err := s.giveaway.Start(r.Context(), cfg)
	if err != nil {
		writeError(w, "Failed to start giveaway", err)
		return
	}
	s.writeTransition(w, r, changed)
}

func (s *Server) transitionHandler(fn func(ctx context.Context) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		changed, err := fn(r.Context())
		if err != nil {
			writeError(w, "Failed to update giveaway", err)
			return
		}
		s.writeTransition(w, r, changed)
	}
}

func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, changed bool) {
	snap, err := s.giveaway.Snapshot(r.Context())
	if err != nil {
		writeError(w, "Failed to get giveaway state", err)
		return
	}
	writeJSON(w, transitionResponse{Changed: changed, Session: snap})
}

// handleDraw は抽選を実行する。number_of_winners を省略した場合は設定値を使う。
func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req drawRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NumberOfWinners < 0 || req.NumberOfWinners > 10 {
		http.Error(w, "number_of_winners must be between 1 and 10", http.StatusBadRequest)
		return
	}

	outcome, err := s.giveaway.Draw(r.Context(), req.NumberOfWinners)
	if err != nil {
		writeError(w, "Failed to draw winners", err)
		return
	}

	logger.Info("Draw requested from API",
		zap.Int("winners", len(outcome.Winners)),
		zap.Int("delivered", outcome.Delivered))
	writeJSON(w, outcome)
}

func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req timerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		deadline, err := s.giveaway.StartTimer(r.Context(), time.Duration(req.DurationMS)*time.Millisecond)
		if err != nil {
			writeError(w, "Failed to start timer", err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"deadline": deadline,
		})
	case http.MethodDelete:
		if err := s.giveaway.CancelTimer(r.Context()); err != nil {
			writeError(w, "Failed to cancel timer", err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"success": true,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleChatConnect はチャットに接続する。channel を省略した場合は TWITCH_CHANNEL を使う。
func (s *Server) handleChatConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatConnectRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel, _ = s.settings.GetSetting("TWITCH_CHANNEL")
	}

	cfg, err := s.settings.LoadGiveawayConfig()
	if err != nil {
		writeError(w, "Failed to load giveaway settings", err)
		return
	}

	channelID, err := s.giveaway.ConnectChat(r.Context(), channel, cfg)
	if err != nil {
		writeError(w, "Failed to connect chat", err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"channel_id": channelID,
		"chat":       status.GetChatStatus(),
	})
}

func (s *Server) handleChatDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.giveaway.DisconnectChat()
	writeJSON(w, map[string]interface{}{
		"chat": status.GetChatStatus(),
	})
}

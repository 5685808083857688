package webserver

import (
	"encoding/json"
	"net/http"

	"github.com/ichi0g0y/giveaway-o-tron/internal/settings"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"go.uber.org/zap"
)

const maskedValue = "********"

type settingsResponse struct {
	Settings map[string]settings.Setting `json:"settings"`
	Status   *settings.FeatureStatus     `json:"status"`
}

// handleSettings は設定の取得・更新を処理する。
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetSettings(w)
	case http.MethodPut:
		s.handlePutSettings(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter) {
	all, err := s.settings.GetAllSettings()
	if err != nil {
		logger.Error("Failed to get settings", zap.Error(err))
		http.Error(w, "Failed to get settings", http.StatusInternalServerError)
		return
	}
	featureStatus, err := s.settings.CheckFeatureStatus()
	if err != nil {
		logger.Error("Failed to check feature status", zap.Error(err))
		http.Error(w, "Failed to get settings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, settingsResponse{Settings: settings.MaskSecrets(all), Status: featureStatus})
}

// handlePutSettings は値を検証して保存し、抽選設定を動作中のセッションへ反映する。
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// マスクされたままのシークレットは更新しない
	for key, value := range req {
		if def, ok := settings.DefaultSettings[key]; ok && def.Type == settings.SettingTypeSecret && value == maskedValue {
			delete(req, key)
		}
	}

	if err := s.settings.UpdateSettings(req); err != nil {
		writeError(w, "Failed to update settings", err)
		return
	}

	cfg, err := s.settings.LoadGiveawayConfig()
	if err != nil {
		writeError(w, "Failed to load giveaway settings", err)
		return
	}
	if err := s.giveaway.Configure(r.Context(), cfg); err != nil {
		writeError(w, "Failed to apply settings", err)
		return
	}

	logger.Info("Settings updated", zap.Int("count", len(req)))
	s.handleGetSettings(w)
}

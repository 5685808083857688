package webserver

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	defaultQRSize = 256
	minQRSize     = 128
	maxQRSize     = 1024
)

// overlayURL はチャンネルIDを付けたオーバーレイのURLを返す。
func overlayURL(base, channelID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("channel", channelID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handleOverlayQR はオーバーレイURLのQRコードをPNGで返す。
func (s *Server) handleOverlayQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channelID == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQRSize || n > maxQRSize {
			http.Error(w, "size must be between 128 and 1024", http.StatusBadRequest)
			return
		}
		size = n
	}

	base, _ := s.settings.GetSetting("OVERLAY_BASE_URL")
	if base == "" {
		http.Error(w, "OVERLAY_BASE_URL is not configured", http.StatusNotFound)
		return
	}

	target, err := overlayURL(base, channelID)
	if err != nil {
		http.Error(w, "Invalid OVERLAY_BASE_URL", http.StatusInternalServerError)
		return
	}

	png, err := qrcode.Encode(target, qrcode.Medium, size)
	if err != nil {
		logger.Error("Failed to encode QR code", zap.Error(err))
		http.Error(w, "Failed to encode QR code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

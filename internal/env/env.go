package env

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ichi0g0y/giveaway-o-tron/internal/localdb"
	"github.com/ichi0g0y/giveaway-o-tron/internal/settings"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/paths"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type EnvValue struct {
	ClientID      *string
	AccessToken   *string
	TwitchChannel *string

	ServerPort     int
	DebugMode      bool
	RedisURL       *string
	OverlayBaseURL *string
	AllowedOrigins []string
	AutoConnect    bool
}

var Value = EnvValue{ServerPort: 8080, AutoConnect: true}

var ErrDatabaseNotReady = errors.New("database not initialized")

// LoadEnv は.envファイルを読み込み、環境変数をDBへ移行したうえでDBから値を読む。
// localdb.SetupDB の後に呼ぶこと。
func LoadEnv() error {
	loadDotEnv()

	db := localdb.GetDB()
	if db == nil {
		return ErrDatabaseNotReady
	}

	sm := settings.NewSettingsManager(db)
	if err := sm.MigrateFromEnv(); err != nil {
		return err
	}
	if err := sm.InitializeDefaultSettings(); err != nil {
		return err
	}

	return ReloadFromDatabase()
}

// ReloadFromDatabase は設定変更後に Value を更新する。
func ReloadFromDatabase() error {
	db := localdb.GetDB()
	if db == nil {
		return ErrDatabaseNotReady
	}
	sm := settings.NewSettingsManager(db)

	get := func(key string) string {
		value, err := sm.GetRealValue(key)
		if err != nil {
			logger.Warn("Failed to read setting", zap.String("key", key), zap.Error(err))
			return settings.DefaultSettings[key].Value
		}
		return value
	}

	next := EnvValue{
		ClientID:       optional(get("CLIENT_ID")),
		AccessToken:    optional(get("TWITCH_ACCESS_TOKEN")),
		TwitchChannel:  optional(get("TWITCH_CHANNEL")),
		DebugMode:      get("DEBUG_MODE") == "true",
		RedisURL:       optional(get("REDIS_URL")),
		OverlayBaseURL: optional(get("OVERLAY_BASE_URL")),
		AllowedOrigins: splitList(get("WS_ALLOWED_ORIGINS")),
		AutoConnect:    get("AUTO_CONNECT") == "true",
	}

	port, err := strconv.Atoi(get("SERVER_PORT"))
	if err != nil {
		port, _ = strconv.Atoi(settings.DefaultSettings["SERVER_PORT"].Value)
	}
	next.ServerPort = port

	Value = next
	return nil
}

// .envはカレントディレクトリとデータディレクトリの順に探す。既にある環境変数は上書きしない。
func loadDotEnv() {
	candidates := []string{".env", filepath.Join(paths.GetDataDir(), ".env")}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			logger.Warn("Failed to load .env", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Debug("Loaded .env", zap.String("path", path))
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Deref は未設定ならfallbackを返す。
func Deref(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return *value
}

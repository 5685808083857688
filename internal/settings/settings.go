package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	"go.uber.org/zap"
)

type SettingType string

const (
	SettingTypeNormal SettingType = "normal"
	SettingTypeSecret SettingType = "secret"
)

type Setting struct {
	Key         string      `json:"key"`
	Value       string      `json:"value"`
	Type        SettingType `json:"type"`
	Required    bool        `json:"required"`
	Description string      `json:"description"`
	UpdatedAt   time.Time   `json:"updated_at"`
	HasValue    bool        `json:"has_value"` // シークレット値が設定されているかどうか
}

var (
	ErrUnknownSetting = errors.New("unknown setting key")
	ErrInvalidSetting = errors.New("invalid setting value")
)

type SettingsManager struct {
	db *sql.DB
}

func NewSettingsManager(db *sql.DB) *SettingsManager {
	return &SettingsManager{db: db}
}

// 設定の定義
var DefaultSettings = map[string]Setting{
	// Twitch設定（機密情報）
	"CLIENT_ID": {
		Key: "CLIENT_ID", Value: "", Type: SettingTypeSecret, Required: true,
		Description: "Twitch API Client ID",
	},
	"TWITCH_ACCESS_TOKEN": {
		Key: "TWITCH_ACCESS_TOKEN", Value: "", Type: SettingTypeSecret, Required: true,
		Description: "User access token with user:read:chat, user:write:chat and moderator:read:followers",
	},
	"TWITCH_CHANNEL": {
		Key: "TWITCH_CHANNEL", Value: "", Type: SettingTypeNormal, Required: false,
		Description: "Channel login or ID to join on startup",
	},

	// サーバー設定
	"SERVER_PORT": {
		Key: "SERVER_PORT", Value: "8080", Type: SettingTypeNormal, Required: false,
		Description: "Web server port for the operator API and overlay relay",
	},
	"DEBUG_MODE": {
		Key: "DEBUG_MODE", Value: "false", Type: SettingTypeNormal, Required: false,
		Description: "Enable debug logging",
	},
	"REDIS_URL": {
		Key: "REDIS_URL", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "Redis URL for sharing winner events between relay instances",
	},
	"OVERLAY_BASE_URL": {
		Key: "OVERLAY_BASE_URL", Value: "", Type: SettingTypeNormal, Required: false,
		Description: "Public overlay URL encoded in the overlay QR code",
	},
	"WS_ALLOWED_ORIGINS": {
		Key: "WS_ALLOWED_ORIGINS", Value: "", Type: SettingTypeNormal, Required: false,
		Description: "Comma separated origins allowed to subscribe (empty allows all)",
	},

	// 抽選設定
	"AUTO_CONNECT": {
		Key: "AUTO_CONNECT", Value: "true", Type: SettingTypeNormal, Required: false,
		Description: "Connect to TWITCH_CHANNEL chat on startup",
	},
	"SUB_LUCK": {
		Key: "SUB_LUCK", Value: "2", Type: SettingTypeNormal, Required: false,
		Description: "Entries per subscriber (1-10)",
	},
	"NUMBER_OF_WINNERS": {
		Key: "NUMBER_OF_WINNERS", Value: "1", Type: SettingTypeNormal, Required: false,
		Description: "Winners per draw (1-10)",
	},
	"FOLLOWERS_ONLY": {
		Key: "FOLLOWERS_ONLY", Value: "true", Type: SettingTypeNormal, Required: false,
		Description: "Only followers can enter",
	},
	"CHAT_COMMAND": {
		Key: "CHAT_COMMAND", Value: "", Type: SettingTypeNormal, Required: false,
		Description: "Chat command to enter (empty accepts any message)",
	},
	"WINNER_MESSAGE": {
		Key: "WINNER_MESSAGE", Value: "PartyHat @name won!", Type: SettingTypeNormal, Required: false,
		Description: "Chat message for winners, @name is replaced",
	},
	"SEND_MESSAGES": {
		Key: "SEND_MESSAGES", Value: "false", Type: SettingTypeNormal, Required: false,
		Description: "Announce winners in chat",
	},
	"ALERT_DURATION": {
		Key: "ALERT_DURATION", Value: "4000", Type: SettingTypeNormal, Required: false,
		Description: "Overlay alert duration in milliseconds",
	},
	"ALERT_THEME": {
		Key: "ALERT_THEME", Value: "default", Type: SettingTypeNormal, Required: false,
		Description: "Overlay alert theme",
	},
}

// 機能の有効性チェック
type FeatureStatus struct {
	TwitchConfigured bool     `json:"twitch_configured"`
	RelayShared      bool     `json:"relay_shared"`
	MissingSettings  []string `json:"missing_settings"`
	Warnings         []string `json:"warnings"`
}

func (sm *SettingsManager) CheckFeatureStatus() (*FeatureStatus, error) {
	status := &FeatureStatus{
		MissingSettings: []string{},
		Warnings:        []string{},
	}

	twitchComplete := true
	for _, key := range []string{"CLIENT_ID", "TWITCH_ACCESS_TOKEN"} {
		if val, err := sm.GetSetting(key); err != nil || val == "" {
			status.MissingSettings = append(status.MissingSettings, key)
			twitchComplete = false
		}
	}
	status.TwitchConfigured = twitchComplete

	if redisURL, _ := sm.GetSetting("REDIS_URL"); redisURL != "" {
		status.RelayShared = true
	}

	if sendMessages, _ := sm.GetSetting("SEND_MESSAGES"); sendMessages == "true" && !twitchComplete {
		status.Warnings = append(status.Warnings, "SEND_MESSAGES is enabled but Twitch credentials are missing")
	}
	if autoConnect, _ := sm.GetSetting("AUTO_CONNECT"); autoConnect == "true" {
		if channel, _ := sm.GetSetting("TWITCH_CHANNEL"); channel == "" {
			status.Warnings = append(status.Warnings, "AUTO_CONNECT is enabled but TWITCH_CHANNEL is empty")
		}
	}

	return status, nil
}

// CRUD操作
func (sm *SettingsManager) GetSetting(key string) (string, error) {
	var value string
	err := sm.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		// デフォルト値を返す
		if defaultSetting, exists := DefaultSettings[key]; exists {
			return defaultSetting.Value, nil
		}
		return "", fmt.Errorf("setting not found: %s", key)
	}
	return value, err
}

func (sm *SettingsManager) SetSetting(key, value string) error {
	defaultSetting, exists := DefaultSettings[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	_, err := sm.db.Exec(`
		INSERT INTO settings (key, value, setting_type, is_required, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		key, value,
		string(defaultSetting.Type),
		defaultSetting.Required,
		defaultSetting.Description,
	)
	return err
}

// UpdateSettings は全ての値を検証してから保存する。1つでも不正なら何も保存しない。
func (sm *SettingsManager) UpdateSettings(values map[string]string) error {
	for key, value := range values {
		if _, exists := DefaultSettings[key]; !exists {
			return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
		}
		if err := ValidateSetting(key, value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key, err)
		}
	}

	tx, err := sm.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, value := range values {
		def := DefaultSettings[key]
		if _, err := tx.Exec(`
			INSERT INTO settings (key, value, setting_type, is_required, description)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP`,
			key, value, string(def.Type), def.Required, def.Description); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (sm *SettingsManager) GetAllSettings() (map[string]Setting, error) {
	rows, err := sm.db.Query(`
		SELECT key, value, setting_type, is_required, description, updated_at
		FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]Setting)
	for rows.Next() {
		var s Setting
		var settingType string
		var description sql.NullString
		err := rows.Scan(&s.Key, &s.Value, &settingType, &s.Required, &description, &s.UpdatedAt)
		if err != nil {
			return nil, err
		}
		s.Type = SettingType(settingType)
		s.Description = description.String
		s.HasValue = s.Value != ""

		settings[s.Key] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// DBにない設定はデフォルト値で補完
	for key, defaultSetting := range DefaultSettings {
		if _, exists := settings[key]; !exists {
			defaultSetting.HasValue = defaultSetting.Value != ""
			settings[key] = defaultSetting
		}
	}

	return settings, nil
}

// MaskSecrets はAPIレスポンス用にシークレット値を伏せる。
func MaskSecrets(all map[string]Setting) map[string]Setting {
	masked := make(map[string]Setting, len(all))
	for key, s := range all {
		if s.Type == SettingTypeSecret && s.Value != "" {
			s.Value = "********"
		}
		masked[key] = s
	}
	return masked
}

// 実際の値を取得（マスクなし）- 内部処理用
func (sm *SettingsManager) GetRealValue(key string) (string, error) {
	return sm.GetSetting(key)
}

// 環境変数からの移行
func (sm *SettingsManager) MigrateFromEnv() error {
	migrated := 0

	for key := range DefaultSettings {
		// 既にDB設定が存在する場合はスキップ
		var existingKey string
		if err := sm.db.QueryRow("SELECT key FROM settings WHERE key = ?", key).Scan(&existingKey); err == nil {
			continue
		}

		envValue := os.Getenv(key)
		if envValue == "" {
			continue
		}
		if err := ValidateSetting(key, envValue); err != nil {
			logger.Warn("Skipping invalid setting from environment", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := sm.SetSetting(key, envValue); err != nil {
			logger.Error("Failed to migrate setting", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("failed to migrate %s: %w", key, err)
		}
		logger.Info("Migrated setting from environment", zap.String("key", key))
		migrated++
	}

	if migrated > 0 {
		logger.Info("Migration completed", zap.Int("migrated_count", migrated))

		if hasSecretInEnv() {
			logger.Warn("SECURITY WARNING: Sensitive data found in environment variables.")
			logger.Warn("Please remove TWITCH_ACCESS_TOKEN and other sensitive values from .env file after confirming the migration is successful.")
		}
	}

	return nil
}

func hasSecretInEnv() bool {
	for key, s := range DefaultSettings {
		if s.Type == SettingTypeSecret && os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// バリデーション
func ValidateSetting(key, value string) error {
	switch key {
	case "SUB_LUCK", "NUMBER_OF_WINNERS":
		if val, err := strconv.Atoi(value); err != nil || val < 1 || val > 10 {
			return fmt.Errorf("must be integer between 1 and 10")
		}
	case "SERVER_PORT":
		if val, err := strconv.Atoi(value); err != nil || val < 1 || val > 65535 {
			return fmt.Errorf("must be integer between 1 and 65535")
		}
	case "ALERT_DURATION":
		if val, err := strconv.Atoi(value); err != nil || val < 500 || val > 60000 {
			return fmt.Errorf("must be integer between 500 and 60000 milliseconds")
		}
	case "CHAT_COMMAND":
		if strings.ContainsAny(strings.TrimSpace(value), " \t\n") {
			return fmt.Errorf("must be a single word")
		}
	case "WINNER_MESSAGE":
		if len(value) > 500 {
			return fmt.Errorf("must be at most 500 characters")
		}
	case "REDIS_URL", "OVERLAY_BASE_URL":
		if value != "" {
			u, err := url.Parse(value)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("must be an absolute URL")
			}
		}
	case "AUTO_CONNECT", "FOLLOWERS_ONLY", "SEND_MESSAGES", "DEBUG_MODE":
		// boolean値のチェック
		if value != "true" && value != "false" {
			return fmt.Errorf("must be 'true' or 'false'")
		}
	}
	return nil
}

// 初期設定のセットアップ
func (sm *SettingsManager) InitializeDefaultSettings() error {
	for key, setting := range DefaultSettings {
		// 既に設定が存在する場合はスキップ
		var existingKey string
		if err := sm.db.QueryRow("SELECT key FROM settings WHERE key = ?", key).Scan(&existingKey); err == nil {
			continue
		}

		// デフォルト値で初期化
		if err := sm.SetSetting(key, setting.Value); err != nil {
			return fmt.Errorf("failed to initialize setting %s: %w", key, err)
		}
	}
	return nil
}

// LoadGiveawayConfig は抽選の設定をスナップショットとして読み出す。
func (sm *SettingsManager) LoadGiveawayConfig() (types.GiveawayConfig, error) {
	var firstErr error
	get := func(key string) string {
		value, err := sm.GetSetting(key)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to read %s: %w", key, err)
			}
			return DefaultSettings[key].Value
		}
		return value
	}
	getInt := func(key string) int {
		value, err := strconv.Atoi(get(key))
		if err != nil {
			value, _ = strconv.Atoi(DefaultSettings[key].Value)
		}
		return value
	}

	cfg := types.GiveawayConfig{
		AutoConnect:     get("AUTO_CONNECT") == "true",
		SubLuck:         getInt("SUB_LUCK"),
		NumberOfWinners: getInt("NUMBER_OF_WINNERS"),
		FollowersOnly:   get("FOLLOWERS_ONLY") == "true",
		ChatCommand:     strings.TrimSpace(get("CHAT_COMMAND")),
		WinnerMessage:   get("WINNER_MESSAGE"),
		SendMessages:    get("SEND_MESSAGES") == "true",
		AlertDuration:   getInt("ALERT_DURATION"),
		AlertTheme:      get("ALERT_THEME"),
	}
	return cfg, firstErr
}

package types

import (
	"encoding/json"
	"time"
)

// FollowerStatus はチャット送信者のフォロー状態。取得できなかった場合は FollowerUnknown。
type FollowerStatus int

const (
	FollowerUnknown FollowerStatus = iota
	FollowerYes
	FollowerNo
)

func (s FollowerStatus) String() string {
	switch s {
	case FollowerYes:
		return "following"
	case FollowerNo:
		return "not_following"
	default:
		return "unknown"
	}
}

// ChatEvent は正規化済みのチャットメッセージ。生成後は変更しない。
type ChatEvent struct {
	SenderID     string         `json:"sender_id"`
	SenderName   string         `json:"sender_name"`
	Text         string         `json:"text"`
	IsSubscriber bool           `json:"is_subscriber"`
	IsFollower   FollowerStatus `json:"is_follower"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Entrant は抽選の参加者。UserIDで一意。
type Entrant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Weight      int    `json:"weight"`
}

// SessionState は抽選セッションの状態
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateCollecting SessionState = "collecting"
	StatePaused     SessionState = "paused"
	StateDrawing    SessionState = "drawing"
)

// GiveawayConfig は start() 時に渡される設定のスナップショット
type GiveawayConfig struct {
	AutoConnect     bool   `json:"auto_connect"`
	SubLuck         int    `json:"sub_luck"`
	NumberOfWinners int    `json:"number_of_winners"`
	FollowersOnly   bool   `json:"followers_only"`
	ChatCommand     string `json:"chat_command"`
	WinnerMessage   string `json:"winner_message"`
	SendMessages    bool   `json:"send_messages"`
	AlertDuration   int    `json:"alert_duration"` // ms
	AlertTheme      string `json:"alert_theme"`
}

const (
	DefaultAlertDuration = 4000
	DefaultAlertTheme    = "default"
	EventTypeWinner      = "winner"
)

// WinnerEvent はオーバーレイへ配信される当選イベント。配信中のみ存在し、保存しない。
type WinnerEvent struct {
	Winner        string `json:"winner"`
	ChannelID     string `json:"channelId"`
	AlertDuration int    `json:"alertDuration"`
	AlertTheme    string `json:"alertTheme"`
	Type          string `json:"type,omitempty"`
}

// UnmarshalJSON は channelId が数値で届いた場合も文字列として受け付ける。
func (e *WinnerEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Winner        string          `json:"winner"`
		ChannelID     json.RawMessage `json:"channelId"`
		AlertDuration int             `json:"alertDuration"`
		AlertTheme    string          `json:"alertTheme"`
		Type          string          `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	channelID := ""
	if len(raw.ChannelID) > 0 && string(raw.ChannelID) != "null" {
		var s string
		if err := json.Unmarshal(raw.ChannelID, &s); err == nil {
			channelID = s
		} else {
			var n json.Number
			if err := json.Unmarshal(raw.ChannelID, &n); err != nil {
				return err
			}
			channelID = n.String()
		}
	}

	*e = WinnerEvent{
		Winner:        raw.Winner,
		ChannelID:     channelID,
		AlertDuration: raw.AlertDuration,
		AlertTheme:    raw.AlertTheme,
		Type:          raw.Type,
	}
	return nil
}

// IsWinner reports whether the event should trigger the winner presentation.
func (e WinnerEvent) IsWinner() bool {
	return e.Type == "" || e.Type == EventTypeWinner
}

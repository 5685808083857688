package status

import (
	"sync"
	"time"
)

// ChatState はチャット接続の状態
type ChatState string

const (
	ChatDisconnected ChatState = "disconnected"
	ChatConnecting   ChatState = "connecting"
	ChatConnected    ChatState = "connected"
)

// ChatStatus は操作画面に表示するチャット接続状態
type ChatStatus struct {
	State     ChatState `json:"state"`
	ChannelID string    `json:"channel_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatStatusChangeCallback is called when the chat connection state changes.
type ChatStatusChangeCallback func(status ChatStatus)

var (
	mu            sync.RWMutex
	chatStatus    = ChatStatus{State: ChatDisconnected}
	chatCallbacks []ChatStatusChangeCallback
)

// SetChatConnecting marks a (re)connect attempt for channel.
func SetChatConnecting(channelID, channel string) {
	update(ChatStatus{State: ChatConnecting, ChannelID: channelID, Channel: channel})
}

// SetChatConnected marks the chat session as live.
func SetChatConnected(channelID, channel string) {
	update(ChatStatus{State: ChatConnected, ChannelID: channelID, Channel: channel})
}

// SetChatDisconnected は切断状態にする。errがnilの場合は正常な切断。
func SetChatDisconnected(err error) {
	s := ChatStatus{State: ChatDisconnected}
	if err != nil {
		s.LastError = err.Error()
	}
	update(s)
}

func update(next ChatStatus) {
	next.UpdatedAt = time.Now()

	mu.Lock()
	previous := chatStatus
	chatStatus = next
	callbacks := make([]ChatStatusChangeCallback, len(chatCallbacks))
	copy(callbacks, chatCallbacks)
	mu.Unlock()

	// 状態が変わった場合のみ通知
	if previous.State == next.State && previous.ChannelID == next.ChannelID && previous.LastError == next.LastError {
		return
	}
	for _, callback := range callbacks {
		if callback != nil {
			callback(next)
		}
	}
}

// GetChatStatus returns the current chat connection status.
func GetChatStatus() ChatStatus {
	mu.RLock()
	defer mu.RUnlock()
	return chatStatus
}

// IsChatConnected reports whether chat is connected.
func IsChatConnected() bool {
	return GetChatStatus().State == ChatConnected
}

// RegisterChatStatusChangeCallback registers a callback for chat status changes.
func RegisterChatStatusChangeCallback(callback ChatStatusChangeCallback) {
	mu.Lock()
	defer mu.Unlock()
	chatCallbacks = append(chatCallbacks, callback)
}

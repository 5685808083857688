package twitcheventsub

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	twitch "github.com/joeyak/go-twitch-eventsub/v3"
)

var (
	TypeChatMessage   = string(twitch.SubChannelChatMessage)
	TypeChannelFollow = string(twitch.SubChannelFollow)
)

var ErrMalformedMessage = errors.New("malformed chat message")

// Notification は EventSub の通知1件。Payload は event フィールドの生JSON。
type Notification struct {
	Type    string
	Payload []byte
}

// ParseChatMessage は channel.chat.message の event を ChatEvent に正規化する。
// 送信者IDのないメッセージは ErrMalformedMessage。フォロー状態は呼び出し側で埋める。
func ParseChatMessage(raw []byte, receivedAt time.Time) (types.ChatEvent, string, error) {
	var evt twitch.EventChannelChatMessage
	if err := json.Unmarshal(raw, &evt); err != nil {
		return types.ChatEvent{}, "", errors.Join(ErrMalformedMessage, err)
	}
	if evt.ChatterUserId == "" {
		return types.ChatEvent{}, "", ErrMalformedMessage
	}

	name := evt.ChatterUserName
	if name == "" {
		name = evt.ChatterUserLogin
	}

	return types.ChatEvent{
		SenderID:     evt.ChatterUserId,
		SenderName:   name,
		Text:         strings.TrimSpace(evt.Message.Text),
		IsSubscriber: hasSubscriberBadge(evt.Badges),
		IsFollower:   types.FollowerUnknown,
		Timestamp:    receivedAt,
	}, evt.BroadcasterUserId, nil
}

func hasSubscriberBadge(badges []twitch.ChatMessageUserBadge) bool {
	for _, badge := range badges {
		// founder は初期サブスクライバーのバッジ
		if badge.SetId == "subscriber" || badge.SetId == "founder" {
			return true
		}
	}
	return false
}

// ParseFollow returns the follower's user ID of a channel.follow event.
func ParseFollow(raw []byte) (string, error) {
	var evt twitch.EventChannelFollow
	if err := json.Unmarshal(raw, &evt); err != nil {
		return "", errors.Join(ErrMalformedMessage, err)
	}
	if evt.UserID == "" {
		return "", ErrMalformedMessage
	}
	return evt.UserID, nil
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultWinnerMessage = "PartyHat @name won!"
	namePlaceholder      = "@name"
	maxMessageLength     = 500

	// Twitch の通常ユーザーは30秒で20メッセージまで
	defaultInterval = 1500 * time.Millisecond
	defaultBurst    = 3
)

var ErrNoSender = errors.New("chat sender is not configured")

// ChatSender はチャットへのメッセージ送信
type ChatSender interface {
	SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) error
}

// Announcer は当選者をチャットで告知する。
type Announcer struct {
	sender   ChatSender
	senderID string
	limiter  *rate.Limiter
}

// NewAnnouncer は senderID のアカウントで告知する Announcer を作る。
func NewAnnouncer(sender ChatSender, senderID string) *Announcer {
	return &Announcer{
		sender:   sender,
		senderID: senderID,
		limiter:  rate.NewLimiter(rate.Every(defaultInterval), defaultBurst),
	}
}

// SetLimit は送信間隔を変更する。
func (a *Announcer) SetLimit(interval time.Duration, burst int) {
	a.limiter.SetLimit(rate.Every(interval))
	a.limiter.SetBurst(burst)
}

// Announce は当選者ごとに1メッセージ送る。sendMessages が無効なら何もしない。
func (a *Announcer) Announce(ctx context.Context, channelID string, cfg types.GiveawayConfig, winners []types.Entrant) error {
	if !cfg.SendMessages || len(winners) == 0 {
		return nil
	}
	if a.sender == nil || a.senderID == "" {
		return ErrNoSender
	}

	var errs []error
	for _, winner := range winners {
		if err := a.limiter.Wait(ctx); err != nil {
			return errors.Join(append(errs, err)...)
		}

		message := FormatWinnerMessage(cfg.WinnerMessage, winner.DisplayName)
		if err := a.sender.SendChatMessage(ctx, channelID, a.senderID, message); err != nil {
			errs = append(errs, fmt.Errorf("announce %s: %w", winner.DisplayName, err))
			continue
		}
		logger.Info("Winner announced in chat",
			zap.String("channel_id", channelID),
			zap.String("winner", winner.DisplayName))
	}
	return errors.Join(errs...)
}

// FormatWinnerMessage は template の @name を当選者の名前に置き換える。
// @name がなければ末尾に付ける。
func FormatWinnerMessage(template, name string) string {
	template = strings.TrimSpace(template)
	if template == "" {
		template = DefaultWinnerMessage
	}

	var message string
	if strings.Contains(template, namePlaceholder) {
		message = strings.ReplaceAll(template, namePlaceholder, "@"+name)
	} else {
		message = template + " @" + name
	}

	if len(message) > maxMessageLength {
		message = truncate(message, maxMessageLength)
	}
	return message
}

func truncate(s string, limit int) string {
	for i, r := range s {
		if i+utf8.RuneLen(r) > limit {
			return s[:i]
		}
	}
	return s
}

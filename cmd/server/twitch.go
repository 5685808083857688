package main

import (
	"context"
	"errors"

	"github.com/ichi0g0y/giveaway-o-tron/internal/env"
	"github.com/ichi0g0y/giveaway-o-tron/internal/giveaway"
	"github.com/ichi0g0y/giveaway-o-tron/internal/notification"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/twitchapi"
	"github.com/ichi0g0y/giveaway-o-tron/internal/twitcheventsub"
	"go.uber.org/zap"
)

var errTwitchNotConfigured = errors.New("CLIENT_ID and TWITCH_ACCESS_TOKEN are required")

// chatSource は twitcheventsub.Adapter を giveaway.ChatSource として使う。
type chatSource struct {
	adapter *twitcheventsub.Adapter
}

func (c chatSource) Connect(ctx context.Context, channelRef string) (giveaway.ChatStream, error) {
	stream, err := c.adapter.Connect(ctx, channelRef)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c chatSource) Disconnect() {
	c.adapter.Disconnect()
}

type twitchComponents struct {
	source    giveaway.ChatSource
	announcer giveaway.Announcer
}

func newTwitchComponents(ctx context.Context) (*twitchComponents, error) {
	clientID := env.Deref(env.Value.ClientID, "")
	accessToken := env.Deref(env.Value.AccessToken, "")
	if clientID == "" || accessToken == "" {
		return nil, errTwitchNotConfigured
	}

	api := twitchapi.NewClient(clientID, accessToken)
	adapter := twitcheventsub.NewAdapter(
		twitcheventsub.NewEventSubDialer(api),
		twitcheventsub.WithFollowChecker(api),
	)
	components := &twitchComponents{source: chatSource{adapter: adapter}}

	// チャット告知には送信者(トークンの持ち主)のIDが必要
	info, err := api.ValidateToken(ctx)
	if err != nil {
		logger.Warn("Failed to validate Twitch token, chat announcements disabled", zap.Error(err))
		return components, nil
	}
	components.announcer = notification.NewAnnouncer(api, info.UserID)
	logger.Info("Twitch token validated", zap.String("login", info.Login), zap.Strings("scopes", info.Scopes))
	return components, nil
}

package twitcheventsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/twitchapi"
	"github.com/joeyak/go-twitch-eventsub/v3"
	"go.uber.org/zap"
)

const (
	welcomeTimeout       = 15 * time.Second
	notificationQueueLen = 1000
)

var errSessionClosed = errors.New("eventsub session closed")

// EventSubDialer は Twitch EventSub WebSocket でチャットとフォロー通知を購読する。
type EventSubDialer struct {
	api *twitchapi.Client
}

func NewEventSubDialer(api *twitchapi.Client) *EventSubDialer {
	return &EventSubDialer{api: api}
}

// Resolve はログイン名または数値IDから配信者を引く。
func (d *EventSubDialer) Resolve(ctx context.Context, ref string) (Channel, error) {
	user, err := d.api.GetUser(ctx, ref)
	if err != nil {
		return Channel{}, err
	}
	return Channel{ID: user.ID, Login: user.Login}, nil
}

// Dial はトークンを検証してから接続し、welcome を受けて購読が完了するまで待つ。
func (d *EventSubDialer) Dial(ctx context.Context, ch Channel) (Conn, error) {
	token, err := d.api.ValidateToken(ctx)
	if err != nil {
		return nil, err
	}

	client := twitch.NewClient()
	conn := &eventSubConn{
		client:        client,
		notifications: make(chan Notification, notificationQueueLen),
		ended:         make(chan error, 1),
		closed:        make(chan struct{}),
	}
	ready := make(chan error, 1)

	client.OnError(func(err error) {
		logger.Warn("EventSub error", zap.Error(err))
	})
	client.OnWelcome(func(message twitch.WelcomeMessage) {
		err := d.subscribe(message.Payload.Session.ID, ch, token.UserID)
		select {
		case ready <- err:
		default:
		}
	})
	client.OnNotification(func(message twitch.NotificationMessage) {
		if message.Payload.Event == nil {
			return
		}
		n := Notification{
			Type:    string(message.Payload.Subscription.Type),
			Payload: []byte(*message.Payload.Event),
		}
		select {
		case conn.notifications <- n:
		case <-conn.closed:
		}
	})
	client.OnRevoke(func(message twitch.RevokeMessage) {
		logger.Warn("EventSub subscription revoked",
			zap.String("type", string(message.Payload.Subscription.Type)),
			zap.String("status", message.Payload.Subscription.Status))
	})

	go func() {
		conn.ended <- client.Connect()
	}()

	timer := time.NewTimer(welcomeTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			conn.close()
			return nil, err
		}
	case err := <-conn.ended:
		conn.close()
		return nil, sessionError(err)
	case <-ctx.Done():
		conn.close()
		return nil, ctx.Err()
	case <-timer.C:
		conn.close()
		return nil, fmt.Errorf("eventsub welcome not received within %s", welcomeTimeout)
	}

	logger.Info("EventSub subscriptions ready", zap.String("channel_id", ch.ID))
	return conn, nil
}

func (d *EventSubDialer) subscribe(sessionID string, ch Channel, userID string) error {
	_, err := twitch.SubscribeEvent(twitch.SubscribeRequest{
		SessionID:   sessionID,
		ClientID:    d.api.ClientID,
		AccessToken: d.api.AccessToken,
		Event:       twitch.SubChannelChatMessage,
		Condition: map[string]string{
			"broadcaster_user_id": ch.ID,
			"user_id":             userID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", twitch.SubChannelChatMessage, err)
	}

	// フォロー通知はモデレーター権限が必要。失敗してもHelixの問い合わせで補う
	_, err = twitch.SubscribeEvent(twitch.SubscribeRequest{
		SessionID:   sessionID,
		ClientID:    d.api.ClientID,
		AccessToken: d.api.AccessToken,
		Event:       twitch.SubChannelFollow,
		Condition: map[string]string{
			"broadcaster_user_id": ch.ID,
			"moderator_user_id":   userID,
		},
	})
	if err != nil {
		logger.Warn("Failed to subscribe to follow events",
			zap.String("channel_id", ch.ID),
			zap.Error(err))
	}
	return nil
}

type eventSubConn struct {
	client        *twitch.Client
	notifications chan Notification
	ended         chan error
	closed        chan struct{}
	closeOnce     sync.Once
}

func (c *eventSubConn) Run(ctx context.Context, handle func(Notification)) error {
	defer c.close()
	for {
		select {
		case n := <-c.notifications:
			handle(n)
		case err := <-c.ended:
			return sessionError(err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *eventSubConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.Close()
	})
}

func sessionError(err error) error {
	if err == nil {
		return errSessionClosed
	}
	return fmt.Errorf("%w: %v", errSessionClosed, err)
}

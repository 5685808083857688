package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/env"
	"github.com/ichi0g0y/giveaway-o-tron/internal/giveaway"
	"github.com/ichi0g0y/giveaway-o-tron/internal/localdb"
	"github.com/ichi0g0y/giveaway-o-tron/internal/relay"
	"github.com/ichi0g0y/giveaway-o-tron/internal/settings"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/paths"
	"github.com/ichi0g0y/giveaway-o-tron/internal/status"
	"github.com/ichi0g0y/giveaway-o-tron/internal/version"
	"github.com/ichi0g0y/giveaway-o-tron/internal/webserver"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const redisPingTimeout = 5 * time.Second

// bootstrap はログ・データディレクトリ・DB・設定を初期化する。
func bootstrap(opts options) error {
	logger.Init(opts.debug)

	if err := paths.EnsureDataDirs(); err != nil {
		return fmt.Errorf("failed to ensure data directories: %w", err)
	}
	if _, err := localdb.SetupDB(paths.GetDBPath()); err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}

	// env.LoadEnv must run after DB initialization.
	if err := env.LoadEnv(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if env.Value.DebugMode && !opts.debug {
		logger.Init(true)
		logger.Info("Debug mode enabled")
	}

	logger.Info("Starting giveaway-o-tron", zap.String("version", version.String()))
	return nil
}

func listenPort(opts options) int {
	if opts.port != 0 {
		return opts.port
	}
	if env.Value.ServerPort != 0 {
		return env.Value.ServerPort
	}
	return 8080
}

func newRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// runServe は抽選サービス一式を起動し、ctxが終了するまでブロックする。
func runServe(ctx context.Context, opts options) error {
	defer logger.Sync()
	if err := bootstrap(opts); err != nil {
		return err
	}
	defer localdb.Close()

	sm := settings.NewSettingsManager(localdb.GetDB())
	if featureStatus, err := sm.CheckFeatureStatus(); err == nil {
		for _, warning := range featureStatus.Warnings {
			logger.Warn(warning)
		}
	}

	hub := relay.NewHub()
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)

	var publisher giveaway.Publisher = hub
	if redisURL := env.Deref(env.Value.RedisURL, ""); redisURL != "" {
		client, err := newRedisClient(ctx, redisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		bridge := relay.NewRedisBridge(client, hub)
		publisher = bridge
		g.Go(func() error { return bridge.Run(gctx) })
		logger.Info("Relay shared through redis")
	}

	serviceOpts := []giveaway.Option{}
	twitch, err := newTwitchComponents(ctx)
	if err != nil {
		logger.Warn("Twitch chat is unavailable", zap.Error(err))
	} else {
		serviceOpts = append(serviceOpts, giveaway.WithChatSource(twitch.source))
		if twitch.announcer != nil {
			serviceOpts = append(serviceOpts, giveaway.WithAnnouncer(twitch.announcer))
		}
	}
	svc := giveaway.NewService(publisher, serviceOpts...)

	status.RegisterChatStatusChangeCallback(func(s status.ChatStatus) {
		logger.Info("Chat connection status changed",
			zap.String("state", string(s.State)),
			zap.String("channel_id", s.ChannelID),
			zap.String("last_error", s.LastError))
	})

	server := webserver.NewServer(webserver.Config{
		Port:           listenPort(opts),
		AllowedOrigins: env.Value.AllowedOrigins,
	}, hub, webserver.WithGiveaway(svc, sm))

	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Run(gctx) })

	if twitch != nil {
		g.Go(func() error {
			autoConnect(gctx, svc, sm)
			return nil
		})
	}

	logger.Info("Server started", zap.Int("port", listenPort(opts)))

	err = g.Wait()
	svc.DisconnectChat()
	svc.Wait()
	logger.Info("Shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// autoConnect は AUTO_CONNECT と TWITCH_CHANNEL が設定されていれば起動時に接続する。
func autoConnect(ctx context.Context, svc *giveaway.Service, sm *settings.SettingsManager) {
	channel := env.Deref(env.Value.TwitchChannel, "")
	if !env.Value.AutoConnect || channel == "" {
		return
	}

	cfg, err := sm.LoadGiveawayConfig()
	if err != nil {
		logger.Warn("Failed to load giveaway settings", zap.Error(err))
	}

	channelID, err := svc.ConnectChat(ctx, channel, cfg)
	if err != nil {
		logger.Error("Auto connect failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	logger.Info("Auto connected to chat", zap.String("channel", channel), zap.String("channel_id", channelID))
}

// runRelay はredisから受けた当選イベントをオーバーレイへ中継するだけのノードを動かす。
func runRelay(ctx context.Context, opts options) error {
	defer logger.Sync()
	if err := bootstrap(opts); err != nil {
		return err
	}
	defer localdb.Close()

	redisURL := env.Deref(env.Value.RedisURL, "")
	if redisURL == "" {
		return errors.New("relay mode requires REDIS_URL")
	}
	client, err := newRedisClient(ctx, redisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	hub := relay.NewHub()
	defer hub.Close()
	bridge := relay.NewRedisBridge(client, hub)

	server := webserver.NewServer(webserver.Config{
		Port:           listenPort(opts),
		AllowedOrigins: env.Value.AllowedOrigins,
	}, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("Relay node started", zap.Int("port", listenPort(opts)))
	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

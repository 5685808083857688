package main

import (
	"context"
	"errors"
	"testing"

	"github.com/ichi0g0y/giveaway-o-tron/internal/env"
	"github.com/ichi0g0y/giveaway-o-tron/internal/twitcheventsub"
)

func TestChatSource_ConnectErrorReturnsNilStream(t *testing.T) {
	src := chatSource{adapter: twitcheventsub.NewAdapter(nil)}

	stream, err := src.Connect(context.Background(), "not a channel!")
	if !errors.Is(err, twitcheventsub.ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if stream != nil {
		t.Fatalf("stream should be nil on error: %#v", stream)
	}
}

func TestNewTwitchComponents_NotConfigured(t *testing.T) {
	saved := env.Value
	t.Cleanup(func() { env.Value = saved })
	env.Value = env.EnvValue{}

	if _, err := newTwitchComponents(context.Background()); !errors.Is(err, errTwitchNotConfigured) {
		t.Fatalf("expected errTwitchNotConfigured, got %v", err)
	}
}

func TestListenPort(t *testing.T) {
	saved := env.Value
	t.Cleanup(func() { env.Value = saved })

	env.Value = env.EnvValue{ServerPort: 9000}
	if got := listenPort(options{port: 7000}); got != 7000 {
		t.Fatalf("flag should win: got=%d want=%d", got, 7000)
	}
	if got := listenPort(options{}); got != 9000 {
		t.Fatalf("setting should be used: got=%d want=%d", got, 9000)
	}

	env.Value = env.EnvValue{}
	if got := listenPort(options{}); got != 8080 {
		t.Fatalf("default port mismatch: got=%d want=%d", got, 8080)
	}
}

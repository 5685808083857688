package twitcheventsub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ichi0g0y/giveaway-o-tron/internal/metrics"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/status"
	"github.com/ichi0g0y/giveaway-o-tron/internal/twitchapi"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const streamBufferSize = 256

var (
	ErrConnectionFailed = errors.New("chat connection failed")
	ErrInvalidChannel   = errors.New("invalid channel reference")
)

var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,25}$`)

// Channel は接続先の配信者
type Channel struct {
	ID    string
	Login string
}

// Conn is one established chat session.
type Conn interface {
	// Run は接続が切れるかctxが終了するまで通知を handle に渡す。
	Run(ctx context.Context, handle func(Notification)) error
}

// Dialer resolves channel references and opens chat sessions.
type Dialer interface {
	Resolve(ctx context.Context, ref string) (Channel, error)
	Dial(ctx context.Context, ch Channel) (Conn, error)
}

// NormalizeChannelRef はログイン名または数値IDを検証して正規化する。
func NormalizeChannelRef(ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	if ref == "" || !loginPattern.MatchString(ref) {
		return "", ErrInvalidChannel
	}
	return strings.ToLower(ref), nil
}

// Adapter はチャット接続を1つ保持し、切断時は指数バックオフで再接続する。
type Adapter struct {
	dialer  Dialer
	checker FollowChecker
	clock   clockwork.Clock
	backoff Backoff

	// Connect は1つずつ実行する
	connectMu sync.Mutex

	mu     sync.Mutex
	stream *Stream
	gen    uint64 // Disconnect のたびに進む
}

type AdapterOption func(*Adapter)

func WithClock(clock clockwork.Clock) AdapterOption {
	return func(a *Adapter) { a.clock = clock }
}

func WithBackoff(b Backoff) AdapterOption {
	return func(a *Adapter) { a.backoff = b }
}

func WithFollowChecker(checker FollowChecker) AdapterOption {
	return func(a *Adapter) { a.checker = checker }
}

func NewAdapter(dialer Dialer, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		dialer:  dialer,
		clock:   clockwork.NewRealClock(),
		backoff: DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect はチャンネルへ接続してストリームを返す。既存の接続は閉じる。
// 参照が不正な場合は接続を試みずに ErrInvalidChannel を返す。
// 初回の接続失敗は ErrConnectionFailed で、再試行しない。
// 接続中に Disconnect された場合は確立した接続を閉じて ErrConnectionFailed を返す。
func (a *Adapter) Connect(ctx context.Context, channelRef string) (*Stream, error) {
	ref, err := NormalizeChannelRef(channelRef)
	if err != nil {
		return nil, err
	}

	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.Disconnect()
	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()

	status.SetChatConnecting("", ref)
	ch, err := a.dialer.Resolve(ctx, ref)
	if err != nil {
		err = fmt.Errorf("%w: resolve %s: %v", ErrConnectionFailed, ref, err)
		status.SetChatDisconnected(err)
		return nil, err
	}

	conn, err := a.dialer.Dial(ctx, ch)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		status.SetChatDisconnected(err)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		channel:   ch,
		events:    make(chan types.ChatEvent, streamBufferSize),
		followers: NewFollowerCache(ch.ID, a.checker, a.clock),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		// キャンセル済みのctxで Run させて接続を解放する
		cancel()
		_ = conn.Run(runCtx, func(Notification) {})
		status.SetChatDisconnected(nil)
		return nil, fmt.Errorf("%w: disconnected while connecting to %s", ErrConnectionFailed, ch.Login)
	}
	a.stream = s
	a.mu.Unlock()

	status.SetChatConnected(ch.ID, ch.Login)
	logger.Info("Chat connected", zap.String("channel_id", ch.ID), zap.String("channel", ch.Login))

	go a.run(runCtx, s, conn)
	return s, nil
}

// Disconnect は現在の接続を閉じる。再接続の待機中でもすぐに戻る。
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.gen++
	s := a.stream
	a.stream = nil
	a.mu.Unlock()

	if s == nil {
		return
	}
	s.Close()
	status.SetChatDisconnected(nil)
	logger.Info("Chat disconnected", zap.String("channel_id", s.channel.ID))
}

func (a *Adapter) run(ctx context.Context, s *Stream, conn Conn) {
	defer close(s.done)
	defer close(s.events)

	for {
		err := conn.Run(ctx, func(n Notification) {
			a.handle(ctx, s, n)
		})
		if ctx.Err() != nil {
			return
		}

		logger.Warn("Chat connection lost, reconnecting",
			zap.String("channel_id", s.channel.ID),
			zap.Error(err))
		status.SetChatConnecting(s.channel.ID, s.channel.Login)

		conn, err = a.reconnect(ctx, s.channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(err)
			status.SetChatDisconnected(err)
			logger.Error("Chat connection failed", zap.String("channel_id", s.channel.ID), zap.Error(err))
			return
		}
		status.SetChatConnected(s.channel.ID, s.channel.Login)
		logger.Info("Chat reconnected", zap.String("channel_id", s.channel.ID))
	}
}

func (a *Adapter) reconnect(ctx context.Context, ch Channel) (Conn, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if a.backoff.exhausted(attempt) {
			return nil, fmt.Errorf("%w: gave up after %d attempts: %v", ErrConnectionFailed, attempt-1, lastErr)
		}

		delay := a.backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.clock.After(delay):
		}

		metrics.ChatReconnects.Inc()
		conn, err := a.dialer.Dial(ctx, ch)
		if err == nil {
			return conn, nil
		}
		if isTerminal(err) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}

		lastErr = err
		logger.Warn("Chat reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

func (a *Adapter) handle(ctx context.Context, s *Stream, n Notification) {
	switch n.Type {
	case TypeChatMessage:
		e, broadcasterID, err := ParseChatMessage(n.Payload, a.clock.Now())
		if err != nil {
			metrics.ChatMessagesDropped.Inc()
			logger.Debug("Dropped malformed chat message", zap.Error(err))
			return
		}
		if broadcasterID != "" && broadcasterID != s.channel.ID {
			return
		}
		e.IsFollower = s.followers.Lookup(ctx, e.SenderID)

		select {
		case s.events <- e:
		case <-ctx.Done():
		}

	case TypeChannelFollow:
		userID, err := ParseFollow(n.Payload)
		if err != nil {
			logger.Debug("Dropped malformed follow event", zap.Error(err))
			return
		}
		s.followers.MarkFollowing(userID)
	}
}

// isTerminal は再試行しても回復しないエラーかどうか
func isTerminal(err error) bool {
	return errors.Is(err, twitchapi.ErrUnauthorized) ||
		errors.Is(err, twitchapi.ErrUserNotFound) ||
		errors.Is(err, ErrInvalidChannel)
}

// Stream は接続中のチャンネルのチャットイベント列。
// 再接続しても同じ Events() を使い続け、過去のメッセージは再送しない。
type Stream struct {
	channel   Channel
	events    chan types.ChatEvent
	followers *FollowerCache
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func (s *Stream) ChannelID() string {
	return s.channel.ID
}

func (s *Stream) Channel() Channel {
	return s.channel
}

// Events はストリーム終了時に閉じられる。
func (s *Stream) Events() <-chan types.ChatEvent {
	return s.events
}

// Err returns the terminal error once Events is closed, nil after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for the connection to be released.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
	s.followers.Wait()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

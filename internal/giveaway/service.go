package giveaway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/lottery"
	"github.com/ichi0g0y/giveaway-o-tron/internal/metrics"
	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	eventQueueSize   = 1000
	announceTimeout  = 30 * time.Second
	MinTimerDuration = time.Minute
	MaxTimerDuration = 30 * time.Minute
)

var (
	ErrServiceStopped   = errors.New("giveaway service stopped")
	ErrNoChatSource     = errors.New("no chat source configured")
	ErrChatDisconnected = errors.New("chat disconnected while connecting")
	ErrInvalidTimer     = fmt.Errorf("timer duration must be between %s and %s", MinTimerDuration, MaxTimerDuration)
)

// Publisher は当選イベントをオーバーレイへ配信する。戻り値は配信先の数。
type Publisher interface {
	Publish(ctx context.Context, channelID string, evt types.WinnerEvent) (int, error)
}

// Announcer はチャットへ当選者を告知する。
type Announcer interface {
	Announce(ctx context.Context, channelID string, cfg types.GiveawayConfig, winners []types.Entrant) error
}

// ChatStream is one connected chat session.
type ChatStream interface {
	ChannelID() string
	Events() <-chan types.ChatEvent
	Err() error
}

// ChatSource opens chat streams for a channel reference.
type ChatSource interface {
	Connect(ctx context.Context, channelRef string) (ChatStream, error)
	Disconnect()
}

// Snapshot は操作画面向けのセッション状態
type Snapshot struct {
	ChannelID     string               `json:"channel_id"`
	State         types.SessionState   `json:"state"`
	EntrantCount  int                  `json:"entrant_count"`
	Entrants      []types.Entrant      `json:"entrants"`
	Config        types.GiveawayConfig `json:"config"`
	TimerDeadline *time.Time           `json:"timer_deadline,omitempty"`
}

// DrawOutcome は1回の抽選結果と配信結果
type DrawOutcome struct {
	Winners       []types.Entrant     `json:"winners"`
	Events        []types.WinnerEvent `json:"events"`
	TotalEntrants int                 `json:"total_entrants"`
	TotalWeight   int                 `json:"total_weight"`
	Delivered     int                 `json:"delivered"`
}

// Service は抽選セッションのイベントループ。
// チャットイベントと操作コマンドは1つのgoroutineで到着順に処理する。
type Service struct {
	publisher Publisher
	announcer Announcer
	source    ChatSource
	clock     clockwork.Clock

	events chan types.ChatEvent
	cmds   chan func()
	done   chan struct{}

	// イベントループ内からのみ参照する
	tracker       *Tracker
	timer         clockwork.Timer
	timerGen      int
	timerDeadline time.Time

	// ConnectChat は1つずつ実行する
	connectMu sync.Mutex

	mu         sync.Mutex
	feedCancel context.CancelFunc
	feedDone   chan struct{}
	chatGen    uint64 // DisconnectChat のたびに進む
	announceWG sync.WaitGroup
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithAnnouncer(a Announcer) Option {
	return func(s *Service) { s.announcer = a }
}

func WithChatSource(src ChatSource) Option {
	return func(s *Service) { s.source = src }
}

// NewService creates a service publishing winners through publisher.
func NewService(publisher Publisher, opts ...Option) *Service {
	s := &Service{
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
		events:    make(chan types.ChatEvent, eventQueueSize),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run はctxがキャンセルされるまでイベントループを実行する。一度だけ呼び出すこと。
func (s *Service) Run(ctx context.Context) {
	logger.Info("Giveaway event loop started")
	defer func() {
		s.stopTimer()
		close(s.done)
		logger.Info("Giveaway event loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.cmds:
			// コマンドより先に到着済みのチャットイベントを処理する
			for n := len(s.events); n > 0; n-- {
				s.handleChatEvent(<-s.events)
			}
			fn()
		case e := <-s.events:
			s.handleChatEvent(e)
		}
	}
}

// Wait blocks until background announcements finish.
func (s *Service) Wait() {
	s.announceWG.Wait()
}

func (s *Service) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrServiceStopped
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrServiceStopped
	}
}

func (s *Service) handleChatEvent(e types.ChatEvent) {
	metrics.ChatEventsReceived.Inc()
	if s.tracker == nil {
		return
	}
	if s.tracker.OnChatEvent(e) {
		metrics.EntrantsCurrent.Set(float64(s.tracker.Count()))
		logger.Debug("Entrant added",
			zap.String("channel_id", s.tracker.ChannelID()),
			zap.String("user_id", e.SenderID),
			zap.String("display_name", e.SenderName),
			zap.Bool("is_subscriber", e.IsSubscriber))
	}
}

// Enqueue はチャットイベントをキューに積む。ctxが終了するまでブロックする。
func (s *Service) Enqueue(ctx context.Context, e types.ChatEvent) error {
	select {
	case <-s.done:
		return ErrServiceStopped
	default:
	}

	select {
	case s.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrServiceStopped
	}
}

// OpenSession はチャンネルのセッションを用意し、設定を渡して収集を開始する。
// 別チャンネルのセッションがあれば破棄する。
func (s *Service) OpenSession(ctx context.Context, channelID string, cfg types.GiveawayConfig) error {
	if channelID == "" {
		return ErrInvalidChannel
	}
	return s.exec(ctx, func() {
		if s.tracker != nil && s.tracker.ChannelID() != channelID {
			s.tracker.Stop()
			s.tracker = nil
		}
		if s.tracker == nil {
			s.tracker = NewTracker(channelID)
		}
		if s.tracker.Start(cfg) {
			metrics.EntrantsCurrent.Set(0)
		}
		logger.Info("Giveaway session opened",
			zap.String("channel_id", channelID),
			zap.String("state", string(s.tracker.State())))
	})
}

// ConnectChat はチャットに接続し、そのチャンネルのセッションで収集を始める。
// 接続中に DisconnectChat が呼ばれた場合は接続を解放して ErrChatDisconnected を返す。
func (s *Service) ConnectChat(ctx context.Context, channelRef string, cfg types.GiveawayConfig) (string, error) {
	if s.source == nil {
		return "", ErrNoChatSource
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.DisconnectChat()
	s.mu.Lock()
	gen := s.chatGen
	s.mu.Unlock()

	stream, err := s.source.Connect(ctx, channelRef)
	if err != nil {
		return "", err
	}

	channelID := stream.ChannelID()
	if err := s.OpenSession(ctx, channelID, cfg); err != nil {
		s.source.Disconnect()
		return "", err
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.chatGen != gen {
		s.mu.Unlock()
		cancel()
		s.source.Disconnect()
		return "", ErrChatDisconnected
	}
	prev, prevDone := s.feedCancel, s.feedDone
	s.feedCancel, s.feedDone = cancel, done
	s.mu.Unlock()

	if prev != nil {
		prev()
		<-prevDone
	}

	go s.feed(feedCtx, stream, done)
	return channelID, nil
}

func (s *Service) feed(ctx context.Context, stream ChatStream, done chan struct{}) {
	defer close(done)
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					logger.Error("Chat stream ended", zap.Error(err))
				}
				return
			}
			if err := s.Enqueue(ctx, e); err != nil {
				return
			}
		}
	}
}

// DisconnectChat はチャット接続を解放する。セッションの参加者は保持する。
// 戻った時点で新しいイベントはキューに積まれない。
func (s *Service) DisconnectChat() {
	s.mu.Lock()
	s.chatGen++
	cancel, done := s.feedCancel, s.feedDone
	s.feedCancel, s.feedDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if s.source != nil {
		s.source.Disconnect()
	}
}

// Start は Idle のセッションを Collecting にする。
func (s *Service) Start(ctx context.Context, cfg types.GiveawayConfig) (bool, error) {
	var started bool
	var startErr error
	err := s.exec(ctx, func() {
		if s.tracker == nil {
			startErr = ErrInvalidChannel
			return
		}
		started = s.tracker.Start(cfg)
		if started {
			metrics.EntrantsCurrent.Set(0)
		}
	})
	if err != nil {
		return false, err
	}
	return started, startErr
}

// Configure applies cfg to the live session for subsequent chat events.
func (s *Service) Configure(ctx context.Context, cfg types.GiveawayConfig) error {
	return s.exec(ctx, func() {
		if s.tracker != nil {
			s.tracker.Configure(cfg)
		}
	})
}

func (s *Service) Pause(ctx context.Context) (bool, error) {
	return s.transition(ctx, func(t *Tracker) bool { return t.Pause() })
}

func (s *Service) Resume(ctx context.Context) (bool, error) {
	return s.transition(ctx, func(t *Tracker) bool { return t.Resume() })
}

// Reset は参加者をクリアして Collecting に戻す。動作中のタイマーは止める。
func (s *Service) Reset(ctx context.Context) (bool, error) {
	return s.transition(ctx, func(t *Tracker) bool {
		s.stopTimer()
		t.Reset()
		return true
	})
}

// Stop はチャット接続を解放し、セッションを Idle に戻して参加者を破棄する。
func (s *Service) Stop(ctx context.Context) (bool, error) {
	s.DisconnectChat()
	return s.transition(ctx, func(t *Tracker) bool {
		s.stopTimer()
		t.Stop()
		return true
	})
}

func (s *Service) transition(ctx context.Context, fn func(*Tracker) bool) (bool, error) {
	var changed bool
	err := s.exec(ctx, func() {
		if s.tracker == nil {
			return
		}
		changed = fn(s.tracker)
		metrics.EntrantsCurrent.Set(float64(s.tracker.Count()))
	})
	return changed, err
}

// Draw は抽選を行い、当選者ごとに WinnerEvent を配信する。
// 配信はベストエフォートで、失敗しても抽選結果は返す。
func (s *Service) Draw(ctx context.Context, numberOfWinners int) (*DrawOutcome, error) {
	var (
		result    *lottery.DrawResult
		cfg       types.GiveawayConfig
		channelID string
		drawErr   error
	)
	err := s.exec(ctx, func() {
		if s.tracker == nil {
			drawErr = ErrInvalidChannel
			return
		}
		s.stopTimer()
		result, drawErr = s.tracker.Draw(numberOfWinners)
		cfg = s.tracker.Config()
		channelID = s.tracker.ChannelID()
	})
	if err != nil {
		return nil, err
	}
	if drawErr != nil {
		return nil, drawErr
	}

	outcome := &DrawOutcome{
		Winners:       result.Winners,
		Events:        []types.WinnerEvent{},
		TotalEntrants: result.TotalEntrants,
		TotalWeight:   result.TotalWeight,
	}
	metrics.DrawsTotal.Inc()

	if result.Empty() {
		logger.Info("Giveaway draw finished with no entrants", zap.String("channel_id", channelID))
		return outcome, nil
	}

	for _, winner := range result.Winners {
		evt := types.WinnerEvent{
			Winner:        winner.DisplayName,
			ChannelID:     channelID,
			AlertDuration: cfg.AlertDuration,
			AlertTheme:    cfg.AlertTheme,
			Type:          types.EventTypeWinner,
		}
		outcome.Events = append(outcome.Events, evt)

		delivered, err := s.publisher.Publish(ctx, channelID, evt)
		if err != nil {
			logger.Warn("Failed to publish winner event",
				zap.String("channel_id", channelID),
				zap.String("winner", winner.DisplayName),
				zap.Error(err))
			continue
		}
		outcome.Delivered += delivered
	}
	metrics.WinnersTotal.Add(float64(len(result.Winners)))

	logger.Info("Giveaway draw finished",
		zap.String("channel_id", channelID),
		zap.Int("winners", len(result.Winners)),
		zap.Int("total_entrants", result.TotalEntrants),
		zap.Int("total_weight", result.TotalWeight),
		zap.Int("delivered", outcome.Delivered))

	if cfg.SendMessages && s.announcer != nil {
		s.announce(channelID, cfg, result.Winners)
	}

	return outcome, nil
}

func (s *Service) announce(channelID string, cfg types.GiveawayConfig, winners []types.Entrant) {
	s.announceWG.Add(1)
	go func() {
		defer s.announceWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		defer cancel()
		if err := s.announcer.Announce(ctx, channelID, cfg, winners); err != nil {
			logger.Warn("Failed to announce winners in chat", zap.Error(err))
		}
	}()
}

// StartTimer は参加者をクリアし、d経過後にチャットの受付を一時停止する。
// 既存のタイマーは置き換える。
func (s *Service) StartTimer(ctx context.Context, d time.Duration) (time.Time, error) {
	if d < MinTimerDuration || d > MaxTimerDuration {
		return time.Time{}, ErrInvalidTimer
	}

	var deadline time.Time
	var timerErr error
	err := s.exec(ctx, func() {
		if s.tracker == nil {
			timerErr = ErrInvalidChannel
			return
		}
		s.stopTimer()
		s.tracker.Reset()
		metrics.EntrantsCurrent.Set(0)

		s.timerGen++
		gen := s.timerGen
		deadline = s.clock.Now().Add(d)
		s.timerDeadline = deadline
		s.timer = s.clock.AfterFunc(d, func() {
			s.onTimerElapsed(gen)
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	if timerErr != nil {
		return time.Time{}, timerErr
	}

	logger.Info("Giveaway timer started", zap.Duration("duration", d), zap.Time("deadline", deadline))
	return deadline, nil
}

// CancelTimer stops a running timer without pausing the session.
func (s *Service) CancelTimer(ctx context.Context) error {
	return s.exec(ctx, s.stopTimer)
}

func (s *Service) onTimerElapsed(gen int) {
	_ = s.exec(context.Background(), func() {
		if gen != s.timerGen || s.timer == nil {
			return
		}
		s.timer = nil
		s.timerDeadline = time.Time{}
		if s.tracker != nil && s.tracker.Pause() {
			logger.Info("Giveaway timer finished, chat paused",
				zap.String("channel_id", s.tracker.ChannelID()),
				zap.Int("entrants", s.tracker.Count()))
		}
	})
}

// stopTimer はイベントループ内から呼び出す。
func (s *Service) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.timerDeadline = time.Time{}
}

// Snapshot returns the current session state for the operator UI.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{State: types.StateIdle, Entrants: []types.Entrant{}}
	err := s.exec(ctx, func() {
		if s.tracker == nil {
			return
		}
		snap.ChannelID = s.tracker.ChannelID()
		snap.State = s.tracker.State()
		snap.Entrants = s.tracker.Entrants()
		snap.EntrantCount = len(snap.Entrants)
		snap.Config = s.tracker.Config()
		if !s.timerDeadline.IsZero() {
			deadline := s.timerDeadline
			snap.TimerDeadline = &deadline
		}
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

package giveaway

import (
	"errors"
	"strings"

	"github.com/ichi0g0y/giveaway-o-tron/internal/lottery"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
)

// ErrInvalidChannel is returned when no channel identity backs the request.
var ErrInvalidChannel = errors.New("invalid channel")

// Tracker は1チャンネル分の抽選セッションを保持するステートマシン。
// 並行呼び出しには対応しない。Service のイベントループからのみ操作する。
type Tracker struct {
	channelID string
	state     types.SessionState
	config    types.GiveawayConfig
	entrants  map[string]types.Entrant
	order     []string

	selectWinners func([]types.Entrant, int) *lottery.DrawResult
}

// NewTracker はIdle状態のトラッカーを作成する。
func NewTracker(channelID string) *Tracker {
	return &Tracker{
		channelID:     strings.TrimSpace(channelID),
		state:         types.StateIdle,
		entrants:      make(map[string]types.Entrant),
		selectWinners: lottery.Draw,
	}
}

func (t *Tracker) ChannelID() string            { return t.channelID }
func (t *Tracker) State() types.SessionState    { return t.state }
func (t *Tracker) Config() types.GiveawayConfig { return t.config }
func (t *Tracker) Count() int                   { return len(t.order) }

// Entrants は参加順の参加者スナップショットを返す。
func (t *Tracker) Entrants() []types.Entrant {
	out := make([]types.Entrant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entrants[id])
	}
	return out
}

// Start は Idle → Collecting に遷移し、設定のスナップショットを保持する。
// Idle以外では何もしない。
func (t *Tracker) Start(cfg types.GiveawayConfig) bool {
	if t.state != types.StateIdle {
		return false
	}
	t.config = normalizeConfig(cfg)
	t.clearEntrants()
	t.state = types.StateCollecting
	return true
}

// Configure はセッション中の設定を差し替える。以降のチャットイベントから反映される。
func (t *Tracker) Configure(cfg types.GiveawayConfig) bool {
	if t.state == types.StateIdle {
		return false
	}
	t.config = normalizeConfig(cfg)
	return true
}

// OnChatEvent はCollecting中のみチャットイベントを処理し、参加者が追加された場合にtrueを返す。
func (t *Tracker) OnChatEvent(e types.ChatEvent) bool {
	if t.state != types.StateCollecting {
		return false
	}
	if e.SenderID == "" {
		return false
	}

	// コマンドは完全一致(前後の空白は除く)
	if command := strings.TrimSpace(t.config.ChatCommand); command != "" {
		if strings.TrimSpace(e.Text) != command {
			return false
		}
	}

	// フォロー状態が不明な場合は参加可能として扱う
	if t.config.FollowersOnly && e.IsFollower == types.FollowerNo {
		return false
	}

	// 再エントリーでは重みも表示名も変えない
	if _, exists := t.entrants[e.SenderID]; exists {
		return false
	}

	displayName := e.SenderName
	if displayName == "" {
		displayName = e.SenderID
	}
	t.entrants[e.SenderID] = types.Entrant{
		UserID:      e.SenderID,
		DisplayName: displayName,
		Weight:      lottery.EntrantWeight(e.IsSubscriber, t.config.SubLuck),
	}
	t.order = append(t.order, e.SenderID)
	return true
}

// Pause は Collecting → Paused に遷移する。参加者は保持する。
func (t *Tracker) Pause() bool {
	if t.state != types.StateCollecting {
		return false
	}
	t.state = types.StatePaused
	return true
}

// Resume は Paused → Collecting に遷移する。
func (t *Tracker) Resume() bool {
	if t.state != types.StatePaused {
		return false
	}
	t.state = types.StateCollecting
	return true
}

// Reset は参加者を全てクリアして Collecting に戻す。前回の当選者も除外しない。
func (t *Tracker) Reset() {
	t.clearEntrants()
	t.state = types.StateCollecting
}

// Draw は Collecting/Paused から抽選を行い、終了後は Paused で止める。
// 参加者がいない場合は空の結果を返す。
func (t *Tracker) Draw(k int) (*lottery.DrawResult, error) {
	if t.channelID == "" {
		return nil, ErrInvalidChannel
	}
	if t.state != types.StateCollecting && t.state != types.StatePaused {
		return &lottery.DrawResult{Winners: []types.Entrant{}}, nil
	}

	if k <= 0 {
		k = t.config.NumberOfWinners
	}
	if k <= 0 {
		k = 1
	}

	t.state = types.StateDrawing
	result := t.selectWinners(t.Entrants(), k)
	t.state = types.StatePaused
	return result, nil
}

// Stop はセッションを破棄して Idle に戻す。
func (t *Tracker) Stop() {
	t.clearEntrants()
	t.state = types.StateIdle
}

func (t *Tracker) clearEntrants() {
	t.entrants = make(map[string]types.Entrant)
	t.order = nil
}

func normalizeConfig(cfg types.GiveawayConfig) types.GiveawayConfig {
	cfg.ChatCommand = strings.TrimSpace(cfg.ChatCommand)
	cfg.SubLuck = lottery.ClampSubLuck(cfg.SubLuck)
	if cfg.NumberOfWinners <= 0 {
		cfg.NumberOfWinners = 1
	}
	if cfg.AlertDuration <= 0 {
		cfg.AlertDuration = types.DefaultAlertDuration
	}
	if strings.TrimSpace(cfg.AlertTheme) == "" {
		cfg.AlertTheme = types.DefaultAlertTheme
	}
	return cfg
}

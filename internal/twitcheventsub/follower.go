package twitcheventsub

import (
	"context"
	"sync"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	followerCacheTTL     = 10 * time.Minute
	followerCheckTimeout = 5 * time.Second
)

// FollowChecker は配信者のフォロワーかどうかを問い合わせる。
type FollowChecker interface {
	IsFollower(ctx context.Context, broadcasterID, userID string) (bool, error)
}

type followerEntry struct {
	following bool
	expiresAt time.Time
}

// FollowerCache keeps follower status per user for one broadcaster.
// Lookup never blocks: unknown users return FollowerUnknown and are resolved in the background.
type FollowerCache struct {
	broadcasterID string
	checker       FollowChecker
	clock         clockwork.Clock
	ttl           time.Duration

	mu      sync.Mutex
	entries map[string]followerEntry

	group singleflight.Group
	wg    sync.WaitGroup
}

func NewFollowerCache(broadcasterID string, checker FollowChecker, clock clockwork.Clock) *FollowerCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FollowerCache{
		broadcasterID: broadcasterID,
		checker:       checker,
		clock:         clock,
		ttl:           followerCacheTTL,
		entries:       make(map[string]followerEntry),
	}
}

// MarkFollowing は channel.follow 通知でフォロー済みとして記録する。
func (c *FollowerCache) MarkFollowing(userID string) {
	c.store(userID, true)
}

// Lookup returns the cached status of userID.
func (c *FollowerCache) Lookup(ctx context.Context, userID string) types.FollowerStatus {
	c.mu.Lock()
	entry, ok := c.entries[userID]
	c.mu.Unlock()

	if ok && c.clock.Now().Before(entry.expiresAt) {
		if entry.following {
			return types.FollowerYes
		}
		return types.FollowerNo
	}

	c.resolve(ctx, userID)
	return types.FollowerUnknown
}

func (c *FollowerCache) resolve(ctx context.Context, userID string) {
	if c.checker == nil || c.broadcasterID == "" {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, err, _ := c.group.Do(userID, func() (interface{}, error) {
			checkCtx, cancel := context.WithTimeout(ctx, followerCheckTimeout)
			defer cancel()

			following, err := c.checker.IsFollower(checkCtx, c.broadcasterID, userID)
			if err != nil {
				return nil, err
			}
			c.store(userID, following)
			return following, nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Debug("Failed to check follower status",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}()
}

func (c *FollowerCache) store(userID string, following bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = followerEntry{
		following: following,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}

// Wait blocks until background lookups finish.
func (c *FollowerCache) Wait() {
	c.wg.Wait()
}

package twitcheventsub

import "time"

// Backoff は再接続の待ち時間。MaxAttempts が0なら無制限に再試行する。
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
	}
}

// Delay returns the wait before the given attempt, starting at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	limit := b.Max
	if limit < initial {
		limit = initial
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

func (b Backoff) exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

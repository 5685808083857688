package lottery

import (
	"fmt"

	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
)

// GenerateEntrants はN人分のテスト参加者を決定論的に生成する。
// 偶数番目はサブスク登録者として subLuck 口を持つ。
func GenerateEntrants(n, subLuck int) []types.Entrant {
	if n <= 0 {
		return []types.Entrant{}
	}

	entrants := make([]types.Entrant, n)
	for i := 0; i < n; i++ {
		entrants[i] = types.Entrant{
			UserID:      fmt.Sprintf("test-user-%03d", i+1),
			DisplayName: fmt.Sprintf("User%03d", i+1),
			Weight:      EntrantWeight(i%2 == 0, subLuck),
		}
	}
	return entrants
}

func stubRandom(fn func(max int) int) func() {
	original := drawRandomInt
	drawRandomInt = fn
	return func() {
		drawRandomInt = original
	}
}

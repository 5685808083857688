package lottery

import (
	"math/rand/v2"
	"sort"

	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
)

// weightedEntrant は累積重み抽選に使用するエントリ。
type weightedEntrant struct {
	Entrant       types.Entrant
	CumulativeSum int
}

// DrawResult は抽選結果。
type DrawResult struct {
	Winners       []types.Entrant
	TotalEntrants int
	TotalWeight   int
}

// Empty は当選者がいない(参加者0人)場合にtrueを返す。
func (r *DrawResult) Empty() bool {
	return r == nil || len(r.Winners) == 0
}

// math/rand/v2 のトップレベル関数はプロセスごとにランダムなシードを持つ。
var drawRandomInt = func(max int) int {
	return rand.IntN(max)
}

// Select は重み付きで非復元抽出を行い、最大k人の当選者を当選順に返す。
// 参加者がk人未満の場合は全員を返し、0人の場合は空のスライスを返す。
func Select(entrants []types.Entrant, k int) []types.Entrant {
	return Draw(entrants, k).Winners
}

// Draw は Select と同じ抽選を行い、ログ用の集計値も返す。
func Draw(entrants []types.Entrant, k int) *DrawResult {
	pool, totalWeight := buildWeightedPool(entrants)
	result := &DrawResult{
		Winners:       []types.Entrant{},
		TotalEntrants: len(pool),
		TotalWeight:   totalWeight,
	}

	for len(result.Winners) < k && len(pool) > 0 {
		total := pool[len(pool)-1].CumulativeSum
		target := drawRandomInt(total) + 1 // 1-based index
		idx := sort.Search(len(pool), func(i int) bool {
			return pool[i].CumulativeSum >= target
		})
		if idx >= len(pool) {
			idx = len(pool) - 1
		}

		result.Winners = append(result.Winners, pool[idx].Entrant)
		pool = removeAt(pool, idx)
	}

	return result
}

func buildWeightedPool(entrants []types.Entrant) ([]weightedEntrant, int) {
	pool := make([]weightedEntrant, 0, len(entrants))
	seen := make(map[string]struct{}, len(entrants))
	total := 0

	for _, entrant := range entrants {
		if _, dup := seen[entrant.UserID]; dup {
			continue
		}
		seen[entrant.UserID] = struct{}{}

		// 重みは最低1口
		if entrant.Weight < minWeight {
			entrant.Weight = minWeight
		}
		total += entrant.Weight
		pool = append(pool, weightedEntrant{
			Entrant:       entrant,
			CumulativeSum: total,
		})
	}

	return pool, total
}

// removeAt は当選者をプールから取り除き、以降の累積和から当選者の重みを差し引く。
func removeAt(pool []weightedEntrant, idx int) []weightedEntrant {
	weight := pool[idx].Entrant.Weight
	for i := idx + 1; i < len(pool); i++ {
		pool[i].CumulativeSum -= weight
	}
	return append(pool[:idx], pool[idx+1:]...)
}

package lottery

import (
	"math"
	"testing"

	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
)

func TestSelect_EmptyPool(t *testing.T) {
	winners := Select(nil, 3)
	if winners == nil {
		t.Fatalf("winners should be an empty slice, not nil")
	}
	if len(winners) != 0 {
		t.Fatalf("unexpected winners: got=%d want=0", len(winners))
	}
}

func TestSelect_LengthAndDistinct(t *testing.T) {
	entrants := GenerateEntrants(7, 3)

	for k := 0; k <= 10; k++ {
		winners := Select(entrants, k)
		want := k
		if want > len(entrants) {
			want = len(entrants)
		}
		if len(winners) != want {
			t.Fatalf("k=%d: unexpected winner count: got=%d want=%d", k, len(winners), want)
		}

		seen := make(map[string]bool)
		for _, w := range winners {
			if seen[w.UserID] {
				t.Fatalf("k=%d: duplicate winner %q", k, w.UserID)
			}
			seen[w.UserID] = true
		}
	}
}

func TestSelect_KExceedsPoolReturnsAll(t *testing.T) {
	entrants := GenerateEntrants(3, 2)
	winners := Select(entrants, 10)
	if len(winners) != 3 {
		t.Fatalf("unexpected winner count: got=%d want=3", len(winners))
	}
}

func TestDraw_CumulativeIntervals(t *testing.T) {
	entrants := []types.Entrant{
		{UserID: "1", DisplayName: "alice", Weight: 1},
		{UserID: "2", DisplayName: "bob", Weight: 3},
		{UserID: "3", DisplayName: "carol", Weight: 2},
	}

	var maxes []int
	defer stubRandom(func(max int) int {
		maxes = append(maxes, max)
		// 1回目: 6口中の2口目 => bob, 2回目: 残り3口中の3口目 => carol
		if len(maxes) == 1 {
			return 1
		}
		return max - 1
	})()

	result := Draw(entrants, 2)
	if result.TotalWeight != 6 {
		t.Fatalf("unexpected total weight: got=%d want=6", result.TotalWeight)
	}
	if len(result.Winners) != 2 {
		t.Fatalf("unexpected winner count: got=%d want=2", len(result.Winners))
	}
	if result.Winners[0].DisplayName != "bob" || result.Winners[1].DisplayName != "carol" {
		t.Fatalf("unexpected winners: got=%v", result.Winners)
	}
	if len(maxes) != 2 || maxes[0] != 6 || maxes[1] != 3 {
		t.Fatalf("total weight should shrink after removal: got=%v want=[6 3]", maxes)
	}
}

func TestDraw_NonPositiveWeightCountsAsOne(t *testing.T) {
	entrants := []types.Entrant{
		{UserID: "1", DisplayName: "alice", Weight: 0},
		{UserID: "2", DisplayName: "bob", Weight: -3},
	}
	result := Draw(entrants, 1)
	if result.TotalWeight != 2 {
		t.Fatalf("unexpected total weight: got=%d want=2", result.TotalWeight)
	}
}

func TestDraw_DuplicateUserIDsIgnored(t *testing.T) {
	entrants := []types.Entrant{
		{UserID: "1", DisplayName: "alice", Weight: 1},
		{UserID: "1", DisplayName: "alice", Weight: 1},
	}
	result := Draw(entrants, 2)
	if len(result.Winners) != 1 {
		t.Fatalf("unexpected winner count: got=%d want=1", len(result.Winners))
	}
}

func TestSelect_EqualWeightsConverge(t *testing.T) {
	entrants := GenerateEntrants(5, 1)
	const (
		rounds = 20000
		k      = 2
	)

	counts := make(map[string]int)
	for i := 0; i < rounds; i++ {
		for _, w := range Select(entrants, k) {
			counts[w.UserID]++
		}
	}

	expected := float64(k) / float64(len(entrants))
	for _, e := range entrants {
		freq := float64(counts[e.UserID]) / rounds
		if math.Abs(freq-expected) > 0.03 {
			t.Fatalf("frequency for %s out of range: got=%.3f want=%.3f±0.03", e.UserID, freq, expected)
		}
	}
}

func TestSelect_SubLuckThreeInFour(t *testing.T) {
	entrants := []types.Entrant{
		{UserID: "sub", DisplayName: "sub", Weight: EntrantWeight(true, 3)},
		{UserID: "viewer", DisplayName: "viewer", Weight: EntrantWeight(false, 3)},
	}

	const rounds = 20000
	subWins := 0
	for i := 0; i < rounds; i++ {
		winners := Select(entrants, 1)
		if len(winners) != 1 {
			t.Fatalf("unexpected winner count: got=%d want=1", len(winners))
		}
		if winners[0].UserID == "sub" {
			subWins++
		}
	}

	ratio := float64(subWins) / rounds
	if math.Abs(ratio-0.75) > 0.02 {
		t.Fatalf("subscriber win ratio out of range: got=%.3f want=0.75±0.02", ratio)
	}
}

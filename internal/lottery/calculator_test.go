package lottery

import "testing"

func TestEntrantWeight(t *testing.T) {
	tests := []struct {
		name         string
		isSubscriber bool
		subLuck      int
		expect       int
	}{
		{name: "non subscriber", isSubscriber: false, subLuck: 3, expect: 1},
		{name: "subscriber gets sub luck", isSubscriber: true, subLuck: 3, expect: 3},
		{name: "subscriber with zero sub luck", isSubscriber: true, subLuck: 0, expect: 1},
		{name: "subscriber with negative sub luck", isSubscriber: true, subLuck: -4, expect: 1},
		{name: "sub luck capped", isSubscriber: true, subLuck: 42, expect: 10},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := EntrantWeight(tc.isSubscriber, tc.subLuck)
			if got != tc.expect {
				t.Fatalf("EntrantWeight() = %d, want %d", got, tc.expect)
			}
		})
	}
}

package lottery

const (
	minWeight  = 1
	maxSubLuck = 10
)

// EntrantWeight はサブスク状態とsubLuckから抽選の重みを計算する。
// サブスク登録者は subLuck 口、それ以外は1口。
func EntrantWeight(isSubscriber bool, subLuck int) int {
	if !isSubscriber {
		return minWeight
	}
	return ClampSubLuck(subLuck)
}

// ClampSubLuck は subLuck を 1〜10 の範囲に丸める。
func ClampSubLuck(subLuck int) int {
	if subLuck < minWeight {
		return minWeight
	}
	if subLuck > maxSubLuck {
		return maxSubLuck
	}
	return subLuck
}

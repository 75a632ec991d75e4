package repository

import "fmt"

// Document keys. Couple-scoped documents are partitioned by couple id.

func CoupleKey(coupleID string) string {
	return "couple:" + coupleID
}

func UserCoupleKey(userID string) string {
	return "user-couple:" + userID
}

func QuestSetKey(coupleID, dateKey string) string {
	return fmt.Sprintf("quests:%s:%s", coupleID, dateKey)
}

func CompletionKey(questID string) string {
	return "completion:" + questID
}

func ProgressionKey(coupleID string) string {
	return "progression:" + coupleID
}

func RewardEventKey(dedupKey string) string {
	return "reward:" + dedupKey
}

func BalanceKey(userID string) string {
	return "balance:" + userID
}

func ActivityLogKey(coupleID, activityType string) string {
	return fmt.Sprintf("activity:%s:%s", coupleID, activityType)
}

func MatchKey(matchID string) string {
	return "match:" + matchID
}

func ProgressionEventKey(coupleID, eventKey string) string {
	return fmt.Sprintf("progression-event:%s:%s", coupleID, eventKey)
}

func RewardHistoryKey(coupleID string) string {
	return "reward-history:" + coupleID
}

func QuestContentKey(coupleID string) string {
	return "quest-content:" + coupleID
}

package models

import "time"

// Couple represents two linked users. UserAID is always the lexically
// smaller identifier.
type Couple struct {
	ID        string    `json:"id"`
	UserAID   string    `json:"user_a_id"`
	UserBID   string    `json:"user_b_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether userID belongs to the couple
func (c *Couple) HasMember(userID string) bool {
	return userID != "" && (c.UserAID == userID || c.UserBID == userID)
}

// PartnerOf returns the other member of the couple
func (c *Couple) PartnerOf(userID string) string {
	if c.UserAID == userID {
		return c.UserBID
	}
	return c.UserAID
}

// UserCouple points a user at their couple document
type UserCouple struct {
	UserID   string `json:"user_id"`
	CoupleID string `json:"couple_id"`
}

// QuestType is the closed set of daily quest kinds
type QuestType string

const (
	QuestReminder       QuestType = "reminder"
	QuestPoke           QuestType = "poke"
	QuestQuestion       QuestType = "question"
	QuestAffirmation    QuestType = "affirmation"
	QuestQuiz           QuestType = "quiz"
	QuestWouldYouRather QuestType = "would_you_rather"
	QuestDailyPulse     QuestType = "daily_pulse"
)

// DailyQuest is one quest slot for a couple on one calendar day
type DailyQuest struct {
	ID        string    `json:"id"`
	CoupleID  string    `json:"couple_id"`
	Slot      int       `json:"slot"`
	Type      QuestType `json:"type"`
	ContentID string    `json:"content_id"`
	DateKey   string    `json:"date_key"`
}

// DailyQuestSet is the immutable set of quests generated for a couple
// on one dateKey
type DailyQuestSet struct {
	CoupleID  string       `json:"couple_id"`
	DateKey   string       `json:"date_key"`
	Track     int          `json:"track"`
	Quests    []DailyQuest `json:"quests"`
	CreatedAt time.Time    `json:"created_at"`
}

// QuestContentLog records the content items a couple has already been
// given, per quest type
type QuestContentLog struct {
	CoupleID string                 `json:"couple_id"`
	Used     map[QuestType][]string `json:"used"`
}

// QuestCompletion holds per-user completion flags of one quest. Flags are
// never unset.
type QuestCompletion struct {
	QuestID           string               `json:"quest_id"`
	CoupleID          string               `json:"couple_id"`
	DateKey           string               `json:"date_key"`
	CompletedBy       map[string]time.Time `json:"completed_by"`
	MutualCompletedAt *time.Time           `json:"mutual_completed_at,omitempty"`
}

// IsCompletedBy reports whether userID has completed the quest
func (c *QuestCompletion) IsCompletedBy(userID string) bool {
	_, ok := c.CompletedBy[userID]
	return ok
}

const (
	// TrackCount is the number of content tracks
	TrackCount = 3
	// PositionsPerTrack is the number of steps in each track
	PositionsPerTrack = 4
)

// ProgressionState is a couple's cursor through the track sequence
type ProgressionState struct {
	CoupleID              string    `json:"couple_id"`
	CurrentTrack          int       `json:"current_track"`
	CurrentPosition       int       `json:"current_position"`
	HasCompletedAllTracks bool      `json:"has_completed_all_tracks"`
	LastEventKey          string    `json:"last_event_key,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ProgressionEvent marks a keyed advance as applied and records where it
// left the couple. Markers are never removed.
type ProgressionEvent struct {
	CoupleID  string    `json:"couple_id"`
	EventKey  string    `json:"event_key"`
	Steps     int       `json:"steps"`
	Track     int       `json:"track"`
	Position  int       `json:"position"`
	AppliedAt time.Time `json:"applied_at"`
}

// RewardEvent is the single record of an LP award for one dedup key
type RewardEvent struct {
	DedupKey  string    `json:"dedup_key"`
	CoupleID  string    `json:"couple_id,omitempty"`
	UserIDs   []string  `json:"user_ids"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	RelatedID string    `json:"related_id"`
	Nonce     string    `json:"nonce"`
	AppliedAt time.Time `json:"applied_at"`
}

// RewardHistory lists the most recent reward events of a couple, oldest
// first
type RewardHistory struct {
	CoupleID  string        `json:"couple_id"`
	Events    []RewardEvent `json:"events"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Balance is a user's LP total
type Balance struct {
	UserID     string    `json:"user_id"`
	LovePoints int64     `json:"love_points"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CooldownStatus is derived from stored activity-start timestamps
type CooldownStatus struct {
	ActivityType        string     `json:"activity_type"`
	CanPlay             bool       `json:"can_play"`
	RemainingInBatch    int        `json:"remaining_in_batch"`
	CooldownEndsAt      *time.Time `json:"cooldown_ends_at,omitempty"`
	CooldownRemainingMs int64      `json:"cooldown_remaining_ms"`
	Degraded            bool       `json:"degraded,omitempty"`
}

// ActivityLog records the match-creation timestamps of a couple for one
// activity type, plus bookkeeping for the open match
type ActivityLog struct {
	CoupleID      string      `json:"couple_id"`
	ActivityType  string      `json:"activity_type"`
	Starts        []time.Time `json:"starts"`
	OpenMatchID   string      `json:"open_match_id,omitempty"`
	LastStarterID string      `json:"last_starter_id,omitempty"`
}

// MatchDocument is one turn-based match between the two members of a couple
type MatchDocument struct {
	MatchID             string            `json:"match_id"`
	CoupleID            string            `json:"couple_id"`
	ActivityType        string            `json:"activity_type"`
	Player1ID           string            `json:"player1_id"`
	Player2ID           string            `json:"player2_id"`
	Player1Score        int64             `json:"player1_score"`
	Player2Score        int64             `json:"player2_score"`
	TurnNumber          int               `json:"turn_number"`
	CurrentTurnPlayerID string            `json:"current_turn_player_id"`
	BoardState          map[string]string `json:"board_state"`
	IsComplete          bool              `json:"is_complete"`
	WinnerID            string            `json:"winner_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// OtherPlayer returns the opponent of userID
func (m *MatchDocument) OtherPlayer(userID string) string {
	if m.Player1ID == userID {
		return m.Player2ID
	}
	return m.Player1ID
}

// TurnPayload is what a player submits for one turn
type TurnPayload struct {
	Placements map[string]string `json:"placements"`
	Points     int64             `json:"points"`
	Finished   bool              `json:"finished"`
}

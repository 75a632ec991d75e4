package services

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"together-backend/internal/clock"
	"together-backend/internal/config"
	"together-backend/internal/models"
	"together-backend/internal/repository"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

const dateKeyLayout = "2006-01-02"

// contentPoolSize is the number of content items per quest type
const contentPoolSize = 120

// questSlotPools lists the quest types each daily slot draws from
var questSlotPools = [][]models.QuestType{
	{models.QuestQuiz, models.QuestWouldYouRather},
	{models.QuestQuestion, models.QuestAffirmation, models.QuestDailyPulse},
	{models.QuestReminder, models.QuestPoke},
}

// QuestSlot is one planned quest of a day
type QuestSlot struct {
	Type      models.QuestType
	ContentID string
}

// PlanRequest is what a planner sees when a couple's day is generated
type PlanRequest struct {
	CoupleID string
	DateKey  string
	// Track is the couple's progression track; content is drawn from it.
	Track int
	// Used lists the content ids the couple was already given, per type.
	Used map[models.QuestType][]string
}

// QuestPlanner decides the quests of a couple for a date. It must be
// deterministic for a given request.
type QuestPlanner func(req PlanRequest) []QuestSlot

// HashQuestPlanner picks one type per slot pool and a content item, seeded
// by the couple id, the date and the slot. Items the couple was already
// given are skipped while the pool has fresh ones.
func HashQuestPlanner(req PlanRequest) []QuestSlot {
	slots := make([]QuestSlot, 0, len(questSlotPools))
	for i, pool := range questSlotPools {
		sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%s|%d", req.CoupleID, req.DateKey, i)))
		questType := pool[int(sum[0])%len(pool)]
		start := int(binary.BigEndian.Uint16(sum[1:3]) % contentPoolSize)
		slots = append(slots, QuestSlot{
			Type:      questType,
			ContentID: pickContent(questType, req.Track, start, req.Used[questType]),
		})
	}
	return slots
}

func contentID(questType models.QuestType, track, item int) string {
	return fmt.Sprintf("%s-%d-%03d", questType, track, item)
}

func pickContent(questType models.QuestType, track, start int, used []string) string {
	seen := make(map[string]bool, len(used))
	for _, id := range used {
		seen[id] = true
	}
	for i := 0; i < contentPoolSize; i++ {
		id := contentID(questType, track, (start+i)%contentPoolSize)
		if !seen[id] {
			return id
		}
	}
	return contentID(questType, track, start)
}

// recordContent adds the set's content ids to the log. A type whose log
// already holds a full pool starts over.
func recordContent(content *models.QuestContentLog, set models.DailyQuestSet) {
	if content.Used == nil {
		content.Used = make(map[models.QuestType][]string)
	}
	for _, quest := range set.Quests {
		used := content.Used[quest.Type]
		if len(used) >= contentPoolSize {
			used = nil
		}
		content.Used[quest.Type] = append(used, quest.ContentID)
	}
}

// completionPredicate reports whether a quest is done for the couple
type completionPredicate func(couple *models.Couple, completion *models.QuestCompletion) bool

func bothPartners(couple *models.Couple, completion *models.QuestCompletion) bool {
	return completion.IsCompletedBy(couple.UserAID) && completion.IsCompletedBy(couple.UserBID)
}

// completionRule returns how a quest type is completed. Every known type
// currently needs both partners.
func completionRule(questType models.QuestType) (completionPredicate, error) {
	switch questType {
	case models.QuestReminder, models.QuestPoke,
		models.QuestQuestion, models.QuestAffirmation, models.QuestDailyPulse,
		models.QuestQuiz, models.QuestWouldYouRather:
		return bothPartners, nil
	}
	return nil, fmt.Errorf("%w: unknown quest type %q", ErrInvalidQuest, questType)
}

// QuestID builds the id of a quest slot. The couple id goes last since it
// may itself contain separators.
func QuestID(coupleID, dateKey string, slot int) string {
	return fmt.Sprintf("%s:%d:%s", dateKey, slot, coupleID)
}

func parseQuestID(questID string) (coupleID, dateKey string, slot int, err error) {
	parts := strings.SplitN(questID, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", "", 0, fmt.Errorf("%w: malformed quest id %q", ErrNotFound, questID)
	}
	if _, err := time.Parse(dateKeyLayout, parts[0]); err != nil {
		return "", "", 0, fmt.Errorf("%w: malformed quest id %q", ErrNotFound, questID)
	}
	slot, err = strconv.Atoi(parts[1])
	if err != nil || slot < 0 {
		return "", "", 0, fmt.Errorf("%w: malformed quest id %q", ErrNotFound, questID)
	}
	return parts[2], parts[0], slot, nil
}

// CompletionResult describes what a completion call changed. Follow-up
// rewards and progression are best effort: their failures are logged and
// leave the corresponding fields nil.
type CompletionResult struct {
	QuestID           string                   `json:"quest_id"`
	BothCompleted     bool                     `json:"both_completed"`
	Completion        models.QuestCompletion   `json:"completion"`
	QuestReward       *AwardResult             `json:"quest_reward,omitempty"`
	AllCompleted      bool                     `json:"all_completed"`
	Progression       *models.ProgressionState `json:"progression,omitempty"`
	ProgressionReward *AwardResult             `json:"progression_reward,omitempty"`
}

// QuestOption customizes a QuestService
type QuestOption func(*QuestService)

// WithQuestPlanner replaces the default hash based planner
func WithQuestPlanner(planner QuestPlanner) QuestOption {
	return func(s *QuestService) { s.planner = planner }
}

// QuestService generates each couple's daily quests and tracks per-user
// completion. When the second partner completes a quest it awards the
// quest reward; when every quest of the day is mutually complete it
// advances the couple's progression.
type QuestService struct {
	store       repository.Store
	clock       clock.Clock
	couples     *CoupleService
	rewards     *RewardService
	progression *ProgressionService
	planner     QuestPlanner
	location    *time.Location
	amounts     config.RewardConfig
	retry       retryPolicy
}

// NewQuestService creates a new quest registry
func NewQuestService(
	store repository.Store,
	clk clock.Clock,
	couples *CoupleService,
	rewards *RewardService,
	progression *ProgressionService,
	cfg config.EngineConfig,
	opts ...QuestOption,
) *QuestService {
	s := &QuestService{
		store:       store,
		clock:       clk,
		couples:     couples,
		rewards:     rewards,
		progression: progression,
		planner:     HashQuestPlanner,
		location:    cfg.Location(),
		amounts:     cfg.Rewards,
		retry:       newRetryPolicy(cfg.Retry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DateKey returns the calendar day that now falls on
func (s *QuestService) DateKey(now time.Time) string {
	return now.In(s.location).Format(dateKeyLayout)
}

// GetTodayQuests returns today's quests for the couple, creating them on
// first access
func (s *QuestService) GetTodayQuests(ctx context.Context, coupleID string) ([]models.DailyQuest, error) {
	if _, err := s.couples.Get(ctx, coupleID); err != nil {
		return nil, err
	}

	dateKey := s.DateKey(s.clock.Now())
	var set models.DailyQuestSet

	// Create-if-absent is safe to re-run.
	err := s.retry.do(ctx, func() error {
		err := s.store.Transact(ctx, func(tx repository.Txn) error {
			set = models.DailyQuestSet{}
			found, err := tx.Get(ctx, repository.QuestSetKey(coupleID, dateKey), &set)
			if err != nil || found {
				return err
			}

			progression, err := loadProgression(ctx, tx, coupleID)
			if err != nil {
				return err
			}
			var content models.QuestContentLog
			if _, err := tx.Get(ctx, repository.QuestContentKey(coupleID), &content); err != nil {
				return err
			}

			set, err = s.plan(PlanRequest{
				CoupleID: coupleID,
				DateKey:  dateKey,
				Track:    progression.CurrentTrack,
				Used:     content.Used,
			})
			if err != nil {
				return err
			}
			content.CoupleID = coupleID
			recordContent(&content, set)

			if err := tx.Put(repository.QuestContentKey(coupleID), content); err != nil {
				return err
			}
			return tx.Put(repository.QuestSetKey(coupleID, dateKey), set)
		})
		return storeError("failed to get today's quests", err)
	})
	if err != nil {
		return nil, err
	}

	return set.Quests, nil
}

func (s *QuestService) plan(req PlanRequest) (models.DailyQuestSet, error) {
	slots := s.planner(req)
	set := models.DailyQuestSet{
		CoupleID:  req.CoupleID,
		DateKey:   req.DateKey,
		Track:     req.Track,
		Quests:    make([]models.DailyQuest, 0, len(slots)),
		CreatedAt: s.clock.Now(),
	}
	for i, slot := range slots {
		if _, err := completionRule(slot.Type); err != nil {
			return models.DailyQuestSet{}, err
		}
		set.Quests = append(set.Quests, models.DailyQuest{
			ID:        QuestID(req.CoupleID, req.DateKey, i),
			CoupleID:  req.CoupleID,
			Slot:      i,
			Type:      slot.Type,
			ContentID: slot.ContentID,
			DateKey:   req.DateKey,
		})
	}
	log.Debug().
		Str("couple_id", req.CoupleID).
		Str("date_key", req.DateKey).
		Int("track", req.Track).
		Int("quests", len(set.Quests)).
		Msg("Daily quests created")
	return set, nil
}

// RecordCompletion marks the quest completed by userID. BothCompleted is
// true only for the call that observed the second partner's completion.
// Repeated calls are no-ops for the flag, but they re-attempt the
// idempotent follow-ups, so a crashed client cannot lose a reward.
func (s *QuestService) RecordCompletion(ctx context.Context, questID, userID string) (*CompletionResult, error) {
	coupleID, dateKey, slot, err := parseQuestID(questID)
	if err != nil {
		return nil, err
	}
	couple, err := s.couples.RequireMember(ctx, coupleID, userID)
	if err != nil {
		return nil, err
	}

	var (
		set        models.DailyQuestSet
		completion models.QuestCompletion
		transition bool
	)
	err = s.retry.do(ctx, func() error {
		err := s.store.Transact(ctx, func(tx repository.Txn) error {
			transition = false
			set = models.DailyQuestSet{}
			found, err := tx.Get(ctx, repository.QuestSetKey(coupleID, dateKey), &set)
			if err != nil {
				return err
			}
			if !found || slot >= len(set.Quests) {
				return fmt.Errorf("%w: quest %s", ErrNotFound, questID)
			}
			isDone, err := completionRule(set.Quests[slot].Type)
			if err != nil {
				return err
			}

			completion = models.QuestCompletion{}
			if _, err := tx.Get(ctx, repository.CompletionKey(questID), &completion); err != nil {
				return err
			}
			if completion.CompletedBy == nil {
				completion = models.QuestCompletion{
					QuestID:     questID,
					CoupleID:    coupleID,
					DateKey:     dateKey,
					CompletedBy: make(map[string]time.Time, 2),
				}
			}
			if completion.IsCompletedBy(userID) {
				return nil
			}

			now := s.clock.Now()
			completion.CompletedBy[userID] = now
			if completion.MutualCompletedAt == nil && isDone(couple, &completion) {
				completion.MutualCompletedAt = &now
				transition = true
			}
			return tx.Put(repository.CompletionKey(questID), completion)
		})
		return storeError("failed to record completion", err)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("quest_id", questID).
		Str("user_id", userID).
		Bool("both_completed", transition).
		Msg("Quest completion recorded")

	result := &CompletionResult{
		QuestID:       questID,
		BothCompleted: transition,
		Completion:    completion,
	}
	if completion.MutualCompletedAt != nil {
		s.followUp(ctx, couple, set, result)
	}
	return result, nil
}

// followUp awards the quest reward and, once every quest of the day is
// mutually complete, advances progression and awards its reward. Errors
// are logged; they must not fail the completion call.
func (s *QuestService) followUp(ctx context.Context, couple *models.Couple, set models.DailyQuestSet, result *CompletionResult) {
	members := []string{couple.UserAID, couple.UserBID}

	award, err := s.rewards.Award(ctx, couple.ID, QuestRewardKey(result.QuestID), members,
		s.amounts.Quest, ReasonQuestCompleted, result.QuestID)
	if err != nil {
		log.Error().Err(err).Str("quest_id", result.QuestID).Msg("Failed to award quest reward")
	} else {
		result.QuestReward = &award
	}

	allDone, err := s.allMutual(ctx, couple, set)
	if err != nil {
		log.Error().Err(err).Str("couple_id", couple.ID).Msg("Failed to check daily quests")
		return
	}
	result.AllCompleted = allDone
	if !allDone {
		return
	}

	eventKey := "daily:" + set.DateKey
	state, _, err := s.progression.AdvanceOnce(ctx, couple.ID, eventKey, len(set.Quests))
	if err != nil {
		log.Error().Err(err).Str("couple_id", couple.ID).Msg("Failed to advance progression")
		return
	}
	result.Progression = &state

	// The reward belongs to the position this day's advance reached, which
	// a later day may already have moved past.
	event, err := s.progression.Event(ctx, couple.ID, eventKey)
	if err != nil {
		log.Error().Err(err).Str("couple_id", couple.ID).Msg("Failed to read progression event")
		return
	}
	progressionAward, err := s.rewards.Award(ctx, couple.ID,
		ProgressionRewardKey(couple.ID, event.Track, event.Position),
		members, s.amounts.Progression, ReasonProgression, eventKey)
	if err != nil {
		log.Error().Err(err).Str("couple_id", couple.ID).Msg("Failed to award progression reward")
		return
	}
	result.ProgressionReward = &progressionAward
}

// allMutual reports whether every quest in the set is complete for both
// partners, reading the authoritative completion documents
func (s *QuestService) allMutual(ctx context.Context, couple *models.Couple, set models.DailyQuestSet) (bool, error) {
	if len(set.Quests) == 0 {
		return false, nil
	}
	for _, quest := range set.Quests {
		isDone, err := completionRule(quest.Type)
		if err != nil {
			return false, err
		}
		completion, err := s.GetCompletion(ctx, quest.ID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !isDone(couple, completion) {
			return false, nil
		}
	}
	return true, nil
}

// AllQuestsCompleted reports whether both partners completed every quest
// of today
func (s *QuestService) AllQuestsCompleted(ctx context.Context, coupleID string) (bool, error) {
	couple, err := s.couples.Get(ctx, coupleID)
	if err != nil {
		return false, err
	}

	var set models.DailyQuestSet
	dateKey := s.DateKey(s.clock.Now())
	err = s.retry.do(ctx, func() error {
		return storeError("failed to get today's quests", s.store.Get(ctx, repository.QuestSetKey(coupleID, dateKey), &set))
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.allMutual(ctx, couple, set)
}

// GetCompletion returns the completion flags of a quest
func (s *QuestService) GetCompletion(ctx context.Context, questID string) (*models.QuestCompletion, error) {
	var completion models.QuestCompletion
	err := s.retry.do(ctx, func() error {
		return storeError("failed to get completion", s.store.Get(ctx, repository.CompletionKey(questID), &completion))
	})
	if err != nil {
		return nil, err
	}
	return &completion, nil
}

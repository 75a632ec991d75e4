package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"together-backend/internal/clock"
	"together-backend/internal/config"
	"together-backend/internal/models"
	"together-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Reward reasons
const (
	ReasonQuestCompleted = "quest_completed"
	ReasonProgression    = "progression_advanced"
	ReasonMatchCompleted = "match_completed"
)

// QuestRewardKey is the dedup key of a mutually completed quest
func QuestRewardKey(questID string) string {
	return "quest:" + questID
}

// ProgressionRewardKey is the dedup key of reaching a progression position
func ProgressionRewardKey(coupleID string, track, position int) string {
	return fmt.Sprintf("progression:%s:%d:%d", coupleID, track, position)
}

// MatchRewardKey is the dedup key of a completed match
func MatchRewardKey(matchID string) string {
	return "match:" + matchID
}

// rewardHistoryLimit caps the events kept in a couple's history document
const rewardHistoryLimit = 200

// AwardResult reports whether an award call applied the points. Applied is
// false when an event with the same dedup key already existed.
type AwardResult struct {
	Applied bool                `json:"applied"`
	Event   *models.RewardEvent `json:"event,omitempty"`
}

// RewardService is the LP ledger. It applies each dedup key at most once,
// no matter how many clients report the same qualifying event.
type RewardService struct {
	store repository.Store
	clock clock.Clock
	retry retryPolicy
}

// NewRewardService creates a new reward ledger
func NewRewardService(store repository.Store, clk clock.Clock, cfg config.EngineConfig) *RewardService {
	return &RewardService{
		store: store,
		clock: clk,
		retry: newRetryPolicy(cfg.Retry),
	}
}

// Award creates the reward event for dedupKey, credits amount to every
// user in userIDs and appends the event to the couple's history, all in one
// transaction. A second call with the same key returns Applied=false and
// changes nothing.
func (s *RewardService) Award(ctx context.Context, coupleID, dedupKey string, userIDs []string, amount int64, reason, relatedID string) (AwardResult, error) {
	if dedupKey == "" {
		return AwardResult{}, fmt.Errorf("dedup key is required")
	}
	if amount <= 0 {
		return AwardResult{}, fmt.Errorf("award amount must be positive, got %d", amount)
	}
	users := uniqueUserIDs(userIDs)
	if len(users) == 0 {
		return AwardResult{}, fmt.Errorf("at least one user is required")
	}

	// The nonce identifies this call's event, so an ambiguous commit can be
	// resolved by reading the event back.
	nonce := uuid.New().String()
	var result AwardResult

	err := s.retry.do(ctx, func() error {
		err := s.store.Transact(ctx, func(tx repository.Txn) error {
			result = AwardResult{}

			var existing models.RewardEvent
			found, err := tx.Get(ctx, repository.RewardEventKey(dedupKey), &existing)
			if err != nil {
				return err
			}
			if found {
				result.Event = &existing
				return nil
			}

			now := s.clock.Now()
			event := models.RewardEvent{
				DedupKey:  dedupKey,
				CoupleID:  coupleID,
				UserIDs:   users,
				Amount:    amount,
				Reason:    reason,
				RelatedID: relatedID,
				Nonce:     nonce,
				AppliedAt: now,
			}
			if err := tx.Put(repository.RewardEventKey(dedupKey), event); err != nil {
				return err
			}

			for _, userID := range users {
				var balance models.Balance
				if _, err := tx.Get(ctx, repository.BalanceKey(userID), &balance); err != nil {
					return err
				}
				balance.UserID = userID
				balance.LovePoints += amount
				balance.UpdatedAt = now
				if err := tx.Put(repository.BalanceKey(userID), balance); err != nil {
					return err
				}
			}

			if coupleID != "" {
				if err := appendHistory(ctx, tx, coupleID, event); err != nil {
					return err
				}
			}

			result.Applied = true
			result.Event = &event
			return nil
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrConflict) {
			return storeError("failed to award", err)
		}

		// The commit may or may not have landed. Only retry once the event
		// is confirmed absent.
		return s.resolveAmbiguous(ctx, dedupKey, nonce, &result, err)
	})
	if err != nil {
		return AwardResult{}, err
	}

	if result.Applied {
		log.Info().
			Str("couple_id", coupleID).
			Str("dedup_key", dedupKey).
			Strs("user_ids", users).
			Int64("amount", amount).
			Str("reason", reason).
			Msg("Reward applied")
	} else {
		log.Debug().
			Str("dedup_key", dedupKey).
			Msg("Duplicate award ignored")
	}

	return result, nil
}

func appendHistory(ctx context.Context, tx repository.Txn, coupleID string, event models.RewardEvent) error {
	var history models.RewardHistory
	if _, err := tx.Get(ctx, repository.RewardHistoryKey(coupleID), &history); err != nil {
		return err
	}
	history.CoupleID = coupleID
	history.Events = append(history.Events, event)
	if n := len(history.Events); n > rewardHistoryLimit {
		history.Events = history.Events[n-rewardHistoryLimit:]
	}
	history.UpdatedAt = event.AppliedAt
	return tx.Put(repository.RewardHistoryKey(coupleID), history)
}

func (s *RewardService) resolveAmbiguous(ctx context.Context, dedupKey, nonce string, result *AwardResult, cause error) error {
	var event models.RewardEvent
	err := s.store.Get(ctx, repository.RewardEventKey(dedupKey), &event)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return storeError("failed to award", cause)
	case err != nil:
		// Neither outcome is known; a blind retry could double apply.
		return fmt.Errorf("failed to confirm award %s: %w: %v", dedupKey, ErrInconsistentState, cause)
	}
	*result = AwardResult{Applied: event.Nonce == nonce, Event: &event}
	return nil
}

// Balance returns a user's LP balance. Users without awards have zero.
func (s *RewardService) Balance(ctx context.Context, userID string) (models.Balance, error) {
	var balance models.Balance
	err := s.retry.do(ctx, func() error {
		err := s.store.Get(ctx, repository.BalanceKey(userID), &balance)
		if errors.Is(err, repository.ErrNotFound) {
			balance = models.Balance{UserID: userID}
			return nil
		}
		return storeError("failed to get balance", err)
	})
	return balance, err
}

// Event returns the reward event recorded for dedupKey
func (s *RewardService) Event(ctx context.Context, dedupKey string) (*models.RewardEvent, error) {
	var event models.RewardEvent
	err := s.retry.do(ctx, func() error {
		return storeError("failed to get reward event", s.store.Get(ctx, repository.RewardEventKey(dedupKey), &event))
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// History returns the couple's most recent reward events, newest first
func (s *RewardService) History(ctx context.Context, coupleID string) ([]models.RewardEvent, error) {
	var history models.RewardHistory
	err := s.retry.do(ctx, func() error {
		err := s.store.Get(ctx, repository.RewardHistoryKey(coupleID), &history)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return storeError("failed to get reward history", err)
	})
	if err != nil {
		return nil, err
	}

	events := make([]models.RewardEvent, 0, len(history.Events))
	for i := len(history.Events) - 1; i >= 0; i-- {
		events = append(events, history.Events[i])
	}
	return events, nil
}

func uniqueUserIDs(userIDs []string) []string {
	seen := make(map[string]bool, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

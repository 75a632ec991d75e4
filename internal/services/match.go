package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"together-backend/internal/clock"
	"together-backend/internal/config"
	"together-backend/internal/models"
	"together-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MatchService is the authoritative store of turn-based matches. Match
// creation consumes a cooldown slot in the same transaction that records
// the open match, so two partners racing to start get one match.
type MatchService struct {
	store      repository.Store
	clock      clock.Clock
	couples    *CoupleService
	cooldowns  *CooldownService
	rewards    *RewardService
	activities map[string]config.ActivityConfig
	amount     int64
	retry      retryPolicy
}

// NewMatchService creates a new match store
func NewMatchService(
	store repository.Store,
	clk clock.Clock,
	couples *CoupleService,
	cooldowns *CooldownService,
	rewards *RewardService,
	cfg config.EngineConfig,
) *MatchService {
	return &MatchService{
		store:      store,
		clock:      clk,
		couples:    couples,
		cooldowns:  cooldowns,
		rewards:    rewards,
		activities: cfg.Activities,
		amount:     cfg.Rewards.Match,
		retry:      newRetryPolicy(cfg.Retry),
	}
}

// GetOrCreateMatch returns the couple's open match for the activity, or
// creates one if the cooldown gate allows it. created reports whether this
// call started the match. A denied start returns a *CooldownError.
func (s *MatchService) GetOrCreateMatch(ctx context.Context, coupleID, activityType, userID string) (*models.MatchDocument, bool, error) {
	couple, err := s.couples.RequireMember(ctx, coupleID, userID)
	if err != nil {
		return nil, false, err
	}
	policy, err := s.cooldowns.Policy(activityType)
	if err != nil {
		return nil, false, err
	}

	var (
		doc     models.MatchDocument
		created bool
	)
	// Safe to re-run: a landed commit leaves an open match that the next
	// attempt returns instead of creating another.
	err = s.retry.do(ctx, func() error {
		err := s.store.Transact(ctx, func(tx repository.Txn) error {
			created = false
			doc = models.MatchDocument{}

			var activity models.ActivityLog
			if _, err := tx.Get(ctx, repository.ActivityLogKey(coupleID, activityType), &activity); err != nil {
				return err
			}
			if activity.OpenMatchID != "" {
				found, err := tx.Get(ctx, repository.MatchKey(activity.OpenMatchID), &doc)
				if err != nil {
					return err
				}
				if found && !doc.IsComplete {
					return nil
				}
				log.Warn().
					Err(ErrInconsistentState).
					Str("couple_id", coupleID).
					Str("match_id", activity.OpenMatchID).
					Msg("Open match pointer is stale, clearing")
				doc = models.MatchDocument{}
			}

			now := s.clock.Now()
			status := evaluateCooldown(activityType, activity.Starts, policy, now)
			if !status.CanPlay {
				return &CooldownError{Status: status}
			}

			starter, err := nextStarter(couple, activity.LastStarterID)
			if err != nil {
				return err
			}
			doc = models.MatchDocument{
				MatchID:             uuid.New().String(),
				CoupleID:            coupleID,
				ActivityType:        activityType,
				Player1ID:           starter,
				Player2ID:           couple.PartnerOf(starter),
				CurrentTurnPlayerID: starter,
				BoardState:          map[string]string{},
				CreatedAt:           now,
				UpdatedAt:           now,
			}

			activity.CoupleID = coupleID
			activity.ActivityType = activityType
			activity.Starts = recordStart(activity.Starts, policy, now)
			activity.OpenMatchID = doc.MatchID
			activity.LastStarterID = starter

			if err := tx.Put(repository.MatchKey(doc.MatchID), doc); err != nil {
				return err
			}
			if err := tx.Put(repository.ActivityLogKey(coupleID, activityType), activity); err != nil {
				return err
			}
			created = true
			return nil
		})
		return storeError("failed to get or create match", err)
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		log.Info().
			Str("couple_id", coupleID).
			Str("activity", activityType).
			Str("match_id", doc.MatchID).
			Str("starter_id", doc.CurrentTurnPlayerID).
			Msg("Match created")
	}

	return &doc, created, nil
}

// nextStarter alternates the starting player between matches. The first
// match of a couple picks at random.
func nextStarter(couple *models.Couple, lastStarterID string) (string, error) {
	if couple.HasMember(lastStarterID) {
		return couple.PartnerOf(lastStarterID), nil
	}
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to pick starting player: %w", err)
	}
	if b[0]&1 == 0 {
		return couple.UserAID, nil
	}
	return couple.UserBID, nil
}

// SubmitTurn applies userID's turn. Only the player holding the turn may
// submit; a rejected turn leaves the match unchanged. When the turn ends
// the match both players receive the match reward once.
func (s *MatchService) SubmitTurn(ctx context.Context, matchID, userID string, payload models.TurnPayload) (*models.MatchDocument, error) {
	if payload.Points < 0 {
		return nil, fmt.Errorf("%w: points must not be negative", ErrInvalidTurn)
	}

	var (
		doc       models.MatchDocument
		completed bool
	)
	err := s.store.Transact(ctx, func(tx repository.Txn) error {
		completed = false
		doc = models.MatchDocument{}

		found, err := tx.Get(ctx, repository.MatchKey(matchID), &doc)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: match %s", ErrNotFound, matchID)
		}
		if doc.IsComplete {
			return ErrMatchAlreadyComplete
		}
		if doc.CurrentTurnPlayerID != userID {
			return ErrNotYourTurn
		}

		now := s.clock.Now()
		applyTurn(&doc, userID, payload)
		doc.UpdatedAt = now

		if s.isWon(doc, payload) {
			doc.IsComplete = true
			doc.CompletedAt = &now
			doc.WinnerID = leader(doc)
			completed = true

			var activity models.ActivityLog
			key := repository.ActivityLogKey(doc.CoupleID, doc.ActivityType)
			found, err := tx.Get(ctx, key, &activity)
			if err != nil {
				return err
			}
			if found && activity.OpenMatchID == doc.MatchID {
				activity.OpenMatchID = ""
				if err := tx.Put(key, activity); err != nil {
					return err
				}
			}
		}

		return tx.Put(repository.MatchKey(matchID), doc)
	})
	if err != nil {
		if errors.Is(err, ErrMatchAlreadyComplete) {
			// A previous completion may have lost its award.
			s.awardCompletion(ctx, doc)
		}
		return nil, storeError("failed to submit turn", err)
	}

	log.Info().
		Str("match_id", matchID).
		Str("user_id", userID).
		Int("turn", doc.TurnNumber).
		Bool("complete", doc.IsComplete).
		Msg("Turn submitted")

	if completed {
		s.awardCompletion(ctx, doc)
	}
	return &doc, nil
}

func applyTurn(doc *models.MatchDocument, userID string, payload models.TurnPayload) {
	if doc.BoardState == nil {
		doc.BoardState = make(map[string]string, len(payload.Placements))
	}
	for cell, value := range payload.Placements {
		doc.BoardState[cell] = value
	}
	if userID == doc.Player1ID {
		doc.Player1Score += payload.Points
	} else {
		doc.Player2Score += payload.Points
	}
	doc.CurrentTurnPlayerID = doc.OtherPlayer(userID)
	doc.TurnNumber++
}

// isWon evaluates the activity's win condition after a turn
func (s *MatchService) isWon(doc models.MatchDocument, payload models.TurnPayload) bool {
	if payload.Finished {
		return true
	}
	rules := s.activities[doc.ActivityType]
	if rules.MaxTurns > 0 && doc.TurnNumber >= rules.MaxTurns {
		return true
	}
	if rules.TargetScore > 0 &&
		(doc.Player1Score >= rules.TargetScore || doc.Player2Score >= rules.TargetScore) {
		return true
	}
	return false
}

// leader returns the player with the higher score, or "" on a draw
func leader(doc models.MatchDocument) string {
	switch {
	case doc.Player1Score > doc.Player2Score:
		return doc.Player1ID
	case doc.Player2Score > doc.Player1Score:
		return doc.Player2ID
	}
	return ""
}

// awardCompletion grants the match reward to both players. Failures are
// logged; the dedup key makes a later re-attempt safe.
func (s *MatchService) awardCompletion(ctx context.Context, doc models.MatchDocument) {
	if !doc.IsComplete {
		return
	}
	_, err := s.rewards.Award(ctx, doc.CoupleID, MatchRewardKey(doc.MatchID),
		[]string{doc.Player1ID, doc.Player2ID}, s.amount, ReasonMatchCompleted, doc.MatchID)
	if err != nil {
		log.Error().Err(err).Str("match_id", doc.MatchID).Msg("Failed to award match reward")
	}
}

// Get returns a match by id
func (s *MatchService) Get(ctx context.Context, matchID string) (*models.MatchDocument, error) {
	var doc models.MatchDocument
	err := s.retry.do(ctx, func() error {
		return storeError("failed to get match", s.store.Get(ctx, repository.MatchKey(matchID), &doc))
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"together-backend/internal/clock"
	"together-backend/internal/config"
	"together-backend/internal/models"
	"together-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// ProgressionService owns each couple's position in the fixed
// track × position sequence
type ProgressionService struct {
	store repository.Store
	clock clock.Clock
	retry retryPolicy
}

// NewProgressionService creates a new progression tracker
func NewProgressionService(store repository.Store, clk clock.Clock, cfg config.EngineConfig) *ProgressionService {
	return &ProgressionService{
		store: store,
		clock: clk,
		retry: newRetryPolicy(cfg.Retry),
	}
}

func freshProgression(coupleID string) models.ProgressionState {
	return models.ProgressionState{CoupleID: coupleID}
}

func validProgression(state models.ProgressionState) bool {
	if state.CurrentTrack < 0 || state.CurrentTrack >= models.TrackCount {
		return false
	}
	if state.CurrentPosition < 0 || state.CurrentPosition >= models.PositionsPerTrack {
		return false
	}
	if state.HasCompletedAllTracks &&
		(state.CurrentTrack != models.TrackCount-1 || state.CurrentPosition != models.PositionsPerTrack-1) {
		return false
	}
	return true
}

// advanceProgression moves the cursor forward by steps. The counter
// saturates: once the last track is finished the terminal position is
// pinned and the remaining steps are discarded.
func advanceProgression(state models.ProgressionState, steps int) models.ProgressionState {
	for i := 0; i < steps && !state.HasCompletedAllTracks; i++ {
		state.CurrentPosition++
		if state.CurrentPosition >= models.PositionsPerTrack {
			state.CurrentTrack++
			state.CurrentPosition = 0
		}
		if state.CurrentTrack >= models.TrackCount {
			state.CurrentTrack = models.TrackCount - 1
			state.CurrentPosition = models.PositionsPerTrack - 1
			state.HasCompletedAllTracks = true
		}
	}
	return state
}

// loadProgression reads the couple's state inside tx. A missing document
// starts fresh; a corrupt one is logged and reset.
func loadProgression(ctx context.Context, tx repository.Txn, coupleID string) (models.ProgressionState, error) {
	var state models.ProgressionState
	found, err := tx.Get(ctx, repository.ProgressionKey(coupleID), &state)
	if err != nil {
		return models.ProgressionState{}, err
	}
	if !found {
		return freshProgression(coupleID), nil
	}
	if !validProgression(state) {
		log.Warn().
			Err(ErrInconsistentState).
			Str("couple_id", coupleID).
			Int("track", state.CurrentTrack).
			Int("position", state.CurrentPosition).
			Msg("Progression state out of range, initializing fresh")
		return freshProgression(coupleID), nil
	}
	return state, nil
}

// Get returns the couple's progression. Couples that never advanced are at
// (0, 0).
func (s *ProgressionService) Get(ctx context.Context, coupleID string) (models.ProgressionState, error) {
	var state models.ProgressionState
	err := s.retry.do(ctx, func() error {
		err := s.store.Get(ctx, repository.ProgressionKey(coupleID), &state)
		if errors.Is(err, repository.ErrNotFound) {
			state = freshProgression(coupleID)
			return nil
		}
		return storeError("failed to get progression", err)
	})
	if err != nil {
		return models.ProgressionState{}, err
	}
	if !validProgression(state) {
		log.Warn().
			Err(ErrInconsistentState).
			Str("couple_id", coupleID).
			Msg("Progression state out of range, reporting fresh")
		return freshProgression(coupleID), nil
	}
	return state, nil
}

// Advance moves the couple forward by steps in one atomic read-modify-write
func (s *ProgressionService) Advance(ctx context.Context, coupleID string, steps int) (models.ProgressionState, error) {
	state, _, err := s.advance(ctx, coupleID, "", steps)
	return state, err
}

// AdvanceOnce advances like Advance unless eventKey was already applied
// to this couple, in which case the state is returned unchanged with
// applied=false. Both partners' clients may report the same event, and an
// offline client may report it days later.
func (s *ProgressionService) AdvanceOnce(ctx context.Context, coupleID, eventKey string, steps int) (models.ProgressionState, bool, error) {
	if eventKey == "" {
		return models.ProgressionState{}, false, fmt.Errorf("event key is required")
	}
	return s.advance(ctx, coupleID, eventKey, steps)
}

// Event returns the marker of an applied keyed advance
func (s *ProgressionService) Event(ctx context.Context, coupleID, eventKey string) (*models.ProgressionEvent, error) {
	var event models.ProgressionEvent
	err := s.retry.do(ctx, func() error {
		return storeError("failed to get progression event",
			s.store.Get(ctx, repository.ProgressionEventKey(coupleID, eventKey), &event))
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *ProgressionService) advance(ctx context.Context, coupleID, eventKey string, steps int) (models.ProgressionState, bool, error) {
	if steps < 0 {
		return models.ProgressionState{}, false, fmt.Errorf("steps must not be negative, got %d", steps)
	}

	var (
		state   models.ProgressionState
		applied bool
	)
	run := func() error {
		err := s.store.Transact(ctx, func(tx repository.Txn) error {
			applied = false
			current, err := loadProgression(ctx, tx, coupleID)
			if err != nil {
				return err
			}

			now := s.clock.Now()
			if eventKey != "" {
				markerKey := repository.ProgressionEventKey(coupleID, eventKey)
				var marker models.ProgressionEvent
				found, err := tx.Get(ctx, markerKey, &marker)
				if err != nil {
					return err
				}
				if found {
					state = current
					return nil
				}
				if current.LastEventKey == eventKey {
					// Applied before markers existed; backfill one.
					state = current
					return tx.Put(markerKey, progressionEvent(current, eventKey, steps, now))
				}
			}

			state = advanceProgression(current, steps)
			if eventKey != "" {
				state.LastEventKey = eventKey
				marker := progressionEvent(state, eventKey, steps, now)
				if err := tx.Put(repository.ProgressionEventKey(coupleID, eventKey), marker); err != nil {
					return err
				}
			}
			state.UpdatedAt = now
			applied = true
			return tx.Put(repository.ProgressionKey(coupleID), state)
		})
		return storeError("failed to advance progression", err)
	}

	var err error
	if eventKey != "" {
		// Keyed advances are idempotent, so a transient failure can be
		// re-run even if the commit landed.
		err = s.retry.do(ctx, run)
	} else {
		err = run()
	}
	if err != nil {
		return models.ProgressionState{}, false, err
	}

	if applied {
		log.Info().
			Str("couple_id", coupleID).
			Str("event_key", eventKey).
			Int("steps", steps).
			Int("track", state.CurrentTrack).
			Int("position", state.CurrentPosition).
			Bool("completed_all_tracks", state.HasCompletedAllTracks).
			Msg("Progression advanced")
	} else if eventKey != "" {
		log.Debug().
			Str("couple_id", coupleID).
			Str("event_key", eventKey).
			Msg("Progression event already applied")
	}

	return state, applied, nil
}

func progressionEvent(state models.ProgressionState, eventKey string, steps int, now time.Time) models.ProgressionEvent {
	return models.ProgressionEvent{
		CoupleID:  state.CoupleID,
		EventKey:  eventKey,
		Steps:     steps,
		Track:     state.CurrentTrack,
		Position:  state.CurrentPosition,
		AppliedAt: now,
	}
}

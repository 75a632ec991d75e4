package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"together-backend/internal/clock"
	"together-backend/internal/config"
	"together-backend/internal/models"
	"together-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// CooldownService gates repeatable activities behind batch-and-cooldown
// windows shared by the couple. Windows are computed only from stored
// start timestamps and the current wall clock.
type CooldownService struct {
	store    repository.Store
	clock    clock.Clock
	policies map[string]config.CooldownConfig
	failOpen bool
	retry    retryPolicy
}

// NewCooldownService creates a new cooldown gate
func NewCooldownService(store repository.Store, clk clock.Clock, cfg config.EngineConfig) *CooldownService {
	return &CooldownService{
		store:    store,
		clock:    clk,
		policies: cfg.Cooldowns,
		failOpen: cfg.CooldownFailOpen,
		retry:    newRetryPolicy(cfg.Retry),
	}
}

// Policy returns the cooldown policy of an activity
func (s *CooldownService) Policy(activityType string) (config.CooldownConfig, error) {
	policy, ok := s.policies[activityType]
	if !ok {
		return config.CooldownConfig{}, fmt.Errorf("%w: %s", ErrUnknownActivity, activityType)
	}
	return policy, nil
}

// CheckStatus reports whether the couple may start the activity now. It
// never consumes a slot. A failed read is never reported as an active
// cooldown: it fails with ErrCooldownUnavailable, or with fail-open
// configured it allows play and marks the status degraded.
func (s *CooldownService) CheckStatus(ctx context.Context, coupleID, activityType string) (models.CooldownStatus, error) {
	policy, err := s.Policy(activityType)
	if err != nil {
		return models.CooldownStatus{}, err
	}

	var activity models.ActivityLog
	err = s.retry.do(ctx, func() error {
		err := s.store.Get(ctx, repository.ActivityLogKey(coupleID, activityType), &activity)
		if errors.Is(err, repository.ErrNotFound) {
			activity = models.ActivityLog{}
			return nil
		}
		return storeError("failed to read activity log", err)
	})
	if err != nil {
		if s.failOpen {
			log.Warn().
				Err(err).
				Str("couple_id", coupleID).
				Str("activity", activityType).
				Msg("Cooldown read failed, allowing play")
			return models.CooldownStatus{
				ActivityType:     activityType,
				CanPlay:          true,
				RemainingInBatch: policy.BatchSize,
				Degraded:         true,
			}, nil
		}
		return models.CooldownStatus{}, fmt.Errorf("%w: %v", ErrCooldownUnavailable, err)
	}

	return evaluateCooldown(activityType, activity.Starts, policy, s.clock.Now()), nil
}

// currentBatch walks the sorted start timestamps and returns the start and
// size of the latest batch. A batch opens at its first start and lasts for
// the cooldown duration.
func currentBatch(starts []time.Time, duration time.Duration) (time.Time, int) {
	var batchStart time.Time
	count := 0
	for _, start := range starts {
		if count == 0 || !start.Before(batchStart.Add(duration)) {
			batchStart = start
			count = 1
			continue
		}
		count++
	}
	return batchStart, count
}

func sortedStarts(starts []time.Time) []time.Time {
	out := append([]time.Time(nil), starts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func evaluateCooldown(activityType string, starts []time.Time, policy config.CooldownConfig, now time.Time) models.CooldownStatus {
	batchStart, count := currentBatch(sortedStarts(starts), policy.Duration)
	endsAt := batchStart.Add(policy.Duration)
	if count > 0 && !now.Before(endsAt) {
		count = 0
	}

	status := models.CooldownStatus{ActivityType: activityType}
	if count < policy.BatchSize {
		status.CanPlay = true
		status.RemainingInBatch = policy.BatchSize - count
		return status
	}

	status.CooldownEndsAt = &endsAt
	if remaining := endsAt.Sub(now); remaining > 0 {
		status.CooldownRemainingMs = remaining.Milliseconds()
	}
	return status
}

// recordStart consumes one batch slot at now and drops timestamps of
// batches that can no longer affect the gate
func recordStart(starts []time.Time, policy config.CooldownConfig, now time.Time) []time.Time {
	all := sortedStarts(append(sortedStarts(starts), now))
	batchStart, _ := currentBatch(all, policy.Duration)
	kept := all[:0]
	for _, start := range all {
		if !start.Before(batchStart) {
			kept = append(kept, start)
		}
	}
	return kept
}

package services

import (
	"errors"
	"fmt"
	"time"

	"together-backend/internal/models"
	"together-backend/internal/repository"
)

var (
	ErrCooldownActive       = errors.New("activity is on cooldown")
	ErrCooldownUnavailable  = errors.New("cooldown status unavailable")
	ErrNotYourTurn          = errors.New("not your turn")
	ErrMatchAlreadyComplete = errors.New("match already complete")
	ErrStoreTransient       = errors.New("store temporarily unavailable")
	ErrInconsistentState    = errors.New("inconsistent state")
	ErrNotFound             = errors.New("not found")
	ErrNotCoupleMember      = errors.New("user is not a member of this couple")
	ErrUnknownActivity      = errors.New("unknown activity type")
	ErrInvalidCouple        = errors.New("invalid couple")
	ErrInvalidTurn          = errors.New("invalid turn")
	ErrInvalidQuest         = errors.New("invalid quest")
)

// CooldownError is returned when an activity start is denied. It matches
// ErrCooldownActive with errors.Is.
type CooldownError struct {
	Status models.CooldownStatus
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: %s remaining", ErrCooldownActive,
		time.Duration(e.Status.CooldownRemainingMs)*time.Millisecond)
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}

// storeError converts a repository error into the service taxonomy.
// Errors that already belong to the taxonomy pass through unchanged.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isEngineError(err):
		return err
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrStoreTransient, err)
	}
}

func isEngineError(err error) bool {
	for _, target := range []error{
		ErrCooldownActive, ErrCooldownUnavailable, ErrNotYourTurn, ErrMatchAlreadyComplete,
		ErrStoreTransient, ErrInconsistentState, ErrNotFound, ErrNotCoupleMember,
		ErrUnknownActivity, ErrInvalidCouple, ErrInvalidTurn, ErrInvalidQuest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package services

import (
	"context"
	"fmt"
	"strings"

	"together-backend/internal/clock"
	"together-backend/internal/models"
	"together-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

const coupleIDSeparator = "_"

// CombineCoupleID derives the couple id of two users. The result does not
// depend on argument order.
func CombineCoupleID(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + coupleIDSeparator + userB
}

// CoupleService handles couple linking and membership lookups
type CoupleService struct {
	store repository.Store
	clock clock.Clock
}

// NewCoupleService creates a new couple service
func NewCoupleService(store repository.Store, clk clock.Clock) *CoupleService {
	return &CoupleService{store: store, clock: clk}
}

// Link pairs two users. Linking an already linked couple again returns the
// existing couple.
func (s *CoupleService) Link(ctx context.Context, userID, partnerID string) (*models.Couple, error) {
	userID = strings.TrimSpace(userID)
	partnerID = strings.TrimSpace(partnerID)
	if userID == "" || partnerID == "" {
		return nil, fmt.Errorf("%w: user ids are required", ErrInvalidCouple)
	}
	if userID == partnerID {
		return nil, fmt.Errorf("%w: cannot create couple with yourself", ErrInvalidCouple)
	}
	// The separator must not be ambiguous inside the combined id.
	if strings.Contains(userID, coupleIDSeparator) || strings.Contains(partnerID, coupleIDSeparator) {
		return nil, fmt.Errorf("%w: user ids must not contain %q", ErrInvalidCouple, coupleIDSeparator)
	}

	coupleID := CombineCoupleID(userID, partnerID)
	var couple models.Couple

	err := s.store.Transact(ctx, func(tx repository.Txn) error {
		found, err := tx.Get(ctx, repository.CoupleKey(coupleID), &couple)
		if err != nil {
			return err
		}
		if found {
			return nil
		}

		for _, id := range []string{userID, partnerID} {
			var link models.UserCouple
			linked, err := tx.Get(ctx, repository.UserCoupleKey(id), &link)
			if err != nil {
				return err
			}
			if linked && link.CoupleID != coupleID {
				return fmt.Errorf("%w: user %s is already in a couple", ErrInvalidCouple, id)
			}
		}

		userAID, userBID := userID, partnerID
		if userAID > userBID {
			userAID, userBID = userBID, userAID
		}
		couple = models.Couple{
			ID:        coupleID,
			UserAID:   userAID,
			UserBID:   userBID,
			CreatedAt: s.clock.Now(),
		}
		if err := tx.Put(repository.CoupleKey(coupleID), couple); err != nil {
			return err
		}
		for _, id := range []string{userAID, userBID} {
			if err := tx.Put(repository.UserCoupleKey(id), models.UserCouple{UserID: id, CoupleID: coupleID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError("failed to link couple", err)
	}

	log.Info().
		Str("couple_id", couple.ID).
		Str("user_id", userID).
		Msg("Couple linked")

	return &couple, nil
}

// Get retrieves a couple by id
func (s *CoupleService) Get(ctx context.Context, coupleID string) (*models.Couple, error) {
	var couple models.Couple
	if err := s.store.Get(ctx, repository.CoupleKey(coupleID), &couple); err != nil {
		return nil, storeError("failed to get couple", err)
	}
	return &couple, nil
}

// ForUser retrieves the couple a user belongs to
func (s *CoupleService) ForUser(ctx context.Context, userID string) (*models.Couple, error) {
	var link models.UserCouple
	if err := s.store.Get(ctx, repository.UserCoupleKey(userID), &link); err != nil {
		return nil, storeError("user is not in a couple", err)
	}
	return s.Get(ctx, link.CoupleID)
}

// RequireMember returns the couple if userID belongs to it
func (s *CoupleService) RequireMember(ctx context.Context, coupleID, userID string) (*models.Couple, error) {
	couple, err := s.Get(ctx, coupleID)
	if err != nil {
		return nil, err
	}
	if !couple.HasMember(userID) {
		return nil, ErrNotCoupleMember
	}
	return couple, nil
}

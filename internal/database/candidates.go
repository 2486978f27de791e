package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateCandidate stores a new detection candidate, assigning an id if
// the caller left it empty.
func (db *DB) CreateCandidate(ctx context.Context, c *DetectionCandidate) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("failed to create candidate: %w", err)
	}
	return nil
}

// GetCandidate retrieves a candidate by ID.
func (db *DB) GetCandidate(ctx context.Context, id string) (*DetectionCandidate, error) {
	var c DetectionCandidate
	err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return &c, nil
}

// SaveCandidate persists in-place modifications made by the reconciler.
func (db *DB) SaveCandidate(ctx context.Context, c *DetectionCandidate) error {
	if err := db.WithContext(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("failed to save candidate: %w", err)
	}
	return nil
}

// ListCandidatesByUser returns a user's candidates, pending first, then
// newest first within each status.
func (db *DB) ListCandidatesByUser(ctx context.Context, userID string) ([]DetectionCandidate, error) {
	var candidates []DetectionCandidate
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("CASE status WHEN 'pending' THEN 0 ELSE 1 END, created_at DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return candidates, nil
}

// ListCandidatesByUserAndStatus returns a user's candidates in one status.
func (db *DB) ListCandidatesByUserAndStatus(ctx context.Context, userID string, status CandidateStatus) ([]DetectionCandidate, error) {
	var candidates []DetectionCandidate
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, status).
		Order("created_at DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return candidates, nil
}

// UpdateCandidateStatus moves a candidate between review states.
func (db *DB) UpdateCandidateStatus(ctx context.Context, id string, status CandidateStatus) error {
	result := db.WithContext(ctx).Model(&DetectionCandidate{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update candidate status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AcceptCandidate marks a pending candidate accepted and materializes a
// tracked subscription from its proposed fields, in one transaction.
func (db *DB) AcceptCandidate(ctx context.Context, id string) (*Subscription, error) {
	var sub *Subscription
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c DetectionCandidate
		if err := tx.Where("id = ?", id).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get candidate: %w", err)
		}
		if c.Status != CandidatePending {
			return fmt.Errorf("candidate %s is %s, only pending candidates can be accepted", id, c.Status)
		}

		if err := tx.Model(&c).Update("status", CandidateAccepted).Error; err != nil {
			return fmt.Errorf("failed to accept candidate: %w", err)
		}

		sub = &Subscription{
			ID:           uuid.NewString(),
			UserID:       c.UserID,
			MerchantName: c.ProposedName,
			Amount:       c.ProposedAmount,
			Currency:     c.ProposedCurrency,
			Cadence:      c.ProposedCadence,
			IsActive:     true,
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.logger.Infow("candidate accepted", "candidate_id", id, "subscription_id", sub.ID)
	return sub, nil
}

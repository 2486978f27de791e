package database

import (
	"context"
	"fmt"
)

// ListActiveSubscriptionsByUser returns a user's active tracked
// subscriptions. The reconciler reads these for dedup; this pipeline
// otherwise treats subscriptions as owned elsewhere.
func (db *DB) ListActiveSubscriptionsByUser(ctx context.Context, userID string) ([]Subscription, error) {
	var subs []Subscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// CreateSubscription inserts a tracked subscription directly. Used by the
// owning subsystem's sync and by tests.
func (db *DB) CreateSubscription(ctx context.Context, s *Subscription) error {
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

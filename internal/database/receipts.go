package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertReceipt stores a receipt, treating (connection_id, message_id)
// conflicts as a no-op. Returns true when the row was newly created.
// Overlapping scans of the same connection may both call this for the
// same message; the second insert is silently skipped. The key is
// scoped per connection, so two connections ingesting the same message
// id each keep their own row.
func (db *DB) InsertReceipt(ctx context.Context, r *Receipt) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(r)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert receipt: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// HasReceipt reports whether a connection has already ingested a
// message id.
func (db *DB) HasReceipt(ctx context.Context, connectionID uint, messageID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Receipt{}).
		Where("connection_id = ? AND message_id = ?", connectionID, messageID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check receipt: %w", err)
	}
	return count > 0, nil
}

// GetReceipt retrieves a receipt by ID.
func (db *DB) GetReceipt(ctx context.Context, id uint) (*Receipt, error) {
	var r Receipt
	err := db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return &r, nil
}

// ListReceiptsByConnection returns a connection's receipts for audit,
// newest first.
func (db *DB) ListReceiptsByConnection(ctx context.Context, connectionID uint) ([]Receipt, error) {
	var receipts []Receipt
	err := db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("received_at DESC").
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	return receipts, nil
}

// ListParsedReceiptsByConnection returns receipts that classified as
// billing mail, oldest first so re-reconciliation replays in order.
func (db *DB) ListParsedReceiptsByConnection(ctx context.Context, connectionID uint) ([]Receipt, error) {
	var receipts []Receipt
	err := db.WithContext(ctx).
		Where("connection_id = ? AND parsed = ?", connectionID, true).
		Order("received_at ASC").
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list parsed receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceiptParse overwrites the parse outcome on an existing receipt.
// Used by the re-parse pass after heuristic upgrades; this is the only
// mutation receipts ever see.
func (db *DB) UpdateReceiptParse(ctx context.Context, id uint, fields map[string]any) error {
	result := db.WithContext(ctx).Model(&Receipt{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update receipt parse: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteReceiptsByConnection removes every receipt a connection owns.
// Called when a connection disappears mid-scan so its partial page
// does not leave orphaned rows behind.
func (db *DB) DeleteReceiptsByConnection(ctx context.Context, connectionID uint) (int64, error) {
	result := db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Delete(&Receipt{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete receipts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeReceipts deletes all receipts. Maintenance operation.
func (db *DB) PurgeReceipts(ctx context.Context) (int64, error) {
	result := db.WithContext(ctx).Where("1 = 1").Delete(&Receipt{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge receipts: %w", result.Error)
	}
	db.logger.Infow("purged receipts", "count", result.RowsAffected)
	return result.RowsAffected, nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GetConnection retrieves a connection by its ID.
func (db *DB) GetConnection(ctx context.Context, id uint) (*Connection, error) {
	var conn Connection
	err := db.WithContext(ctx).First(&conn, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

// ListConnections returns all connections, newest first.
func (db *DB) ListConnections(ctx context.Context) ([]Connection, error) {
	var conns []Connection
	if err := db.WithContext(ctx).Order("created_at DESC").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// ListActiveConnections returns connections eligible for scanning.
func (db *DB) ListActiveConnections(ctx context.Context) ([]Connection, error) {
	var conns []Connection
	err := db.WithContext(ctx).
		Where("status = ?", ConnectionActive).
		Order("id").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}
	return conns, nil
}

// UpsertConnectionByExternalAccount creates a connection for the
// (user, external account) pair if one does not exist, otherwise returns
// the existing record.
func (db *DB) UpsertConnectionByExternalAccount(ctx context.Context, userID, externalAccountID, provider string) (*Connection, error) {
	var existing Connection
	err := db.WithContext(ctx).
		Where("user_id = ? AND external_account_id = ?", userID, externalAccountID).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing connection: %w", err)
	}

	conn := &Connection{
		UserID:             userID,
		ExternalAccountID:  externalAccountID,
		Provider:           provider,
		Status:             ConnectionActive,
		ScanStatus:         ScanNotStarted,
		AIProcessingStatus: AIIdle,
	}
	if err := db.WithContext(ctx).Create(conn).Error; err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return conn, nil
}

// PatchConnection applies a partial update to a connection. Fields are
// last-write-wins; callers are expected to patch disjoint field sets.
func (db *DB) PatchConnection(ctx context.Context, id uint, fields map[string]any) error {
	result := db.WithContext(ctx).Model(&Connection{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to patch connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimScan atomically transitions a connection into in_progress. Returns
// false without error when another scan already holds the claim. This is
// the single-writer guard for the one-scan-per-connection invariant.
func (db *DB) ClaimScan(ctx context.Context, id uint) (bool, error) {
	result := db.WithContext(ctx).Model(&Connection{}).
		Where("id = ? AND scan_status IN ?", id,
			[]ScanStatus{ScanNotStarted, ScanCompleted, ScanError}).
		Update("scan_status", ScanInProgress)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim scan: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ResetConnectionScan clears scan progress so the next scan starts over.
func (db *DB) ResetConnectionScan(ctx context.Context, id uint) error {
	return db.PatchConnection(ctx, id, map[string]any{
		"scan_status":          ScanNotStarted,
		"cursor":               nil,
		"total_emails_scanned": 0,
		"total_receipts_found": 0,
		"scan_error_count":     0,
		"ai_processing_status": AIIdle,
		"ai_processed_count":   0,
		"ai_total_count":       0,
		"error_code":           "",
		"error_message":        "",
	})
}

// DeleteConnection removes a connection and all of its receipts. Receipts
// are deleted first so a crash mid-cascade never leaves receipts pointing
// at a missing connection.
func (db *DB) DeleteConnection(ctx context.Context, id uint) error {
	var conn Connection
	if err := db.WithContext(ctx).First(&conn, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to find connection: %w", err)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Where("connection_id = ?", conn.ID).Delete(&Receipt{}); result.Error != nil {
			return fmt.Errorf("failed to delete connection receipts: %w", result.Error)
		} else {
			db.logger.Infow("deleted receipts for connection",
				"connection_id", conn.ID, "count", result.RowsAffected)
		}

		if err := tx.Delete(&conn).Error; err != nil {
			return fmt.Errorf("failed to delete connection: %w", err)
		}
		return nil
	})
}

// MarkScanCompleted finalizes a successful scan.
func (db *DB) MarkScanCompleted(ctx context.Context, id uint) error {
	now := time.Now().UTC()
	return db.PatchConnection(ctx, id, map[string]any{
		"scan_status":    ScanCompleted,
		"last_synced_at": now,
	})
}

// MarkScanError records a connection-level scan failure.
func (db *DB) MarkScanError(ctx context.Context, id uint, code, message string) error {
	return db.PatchConnection(ctx, id, map[string]any{
		"status":        ConnectionError,
		"scan_status":   ScanError,
		"error_code":    code,
		"error_message": message,
	})
}

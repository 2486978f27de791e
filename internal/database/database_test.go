package database

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	// A named in-memory database so the pooled connections all see the
	// same data.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := New(&Config{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestConnection(t *testing.T, db *DB, userID string) *Connection {
	t.Helper()
	conn, err := db.UpsertConnectionByExternalAccount(context.Background(),
		userID, userID+"@example.com", "gmail")
	require.NoError(t, err)
	return conn
}

func TestUpsertConnectionByExternalAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.UpsertConnectionByExternalAccount(ctx, "user-1", "acct@example.com", "gmail")
	require.NoError(t, err)
	assert.Equal(t, ConnectionActive, first.Status)
	assert.Equal(t, ScanNotStarted, first.ScanStatus)

	again, err := db.UpsertConnectionByExternalAccount(ctx, "user-1", "acct@example.com", "gmail")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "upsert must not create a second connection")
}

func TestGetConnectionNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetConnection(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertReceiptIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conn := newTestConnection(t, db, "user-1")

	receipt := func() *Receipt {
		return &Receipt{
			ConnectionID: conn.ID,
			UserID:       "user-1",
			MessageID:    "msg-001",
			FromAddress:  "billing@netflix.com",
			Subject:      "Your receipt",
			ReceivedAt:   time.Now().UTC(),
		}
	}

	created, err := db.InsertReceipt(ctx, receipt())
	require.NoError(t, err)
	assert.True(t, created)

	// Second insert with the same message id is a silent no-op.
	created, err = db.InsertReceipt(ctx, receipt())
	require.NoError(t, err)
	assert.False(t, created)

	receipts, err := db.ListReceiptsByConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestInsertReceiptDedupScopedPerConnection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	first := newTestConnection(t, db, "user-1")
	second := newTestConnection(t, db, "user-2")

	// Two users forwarding the same original email share its Message-ID;
	// each connection still gets its own receipt.
	receipt := func(conn *Connection, userID string) *Receipt {
		return &Receipt{
			ConnectionID: conn.ID,
			UserID:       userID,
			MessageID:    "smtp:shared@mailer.netflix.com",
			FromAddress:  "billing@netflix.com",
			Subject:      "Your receipt",
			ReceivedAt:   time.Now().UTC(),
		}
	}

	created, err := db.InsertReceipt(ctx, receipt(first, "user-1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.InsertReceipt(ctx, receipt(second, "user-2"))
	require.NoError(t, err)
	assert.True(t, created, "a different connection's copy must not be dropped")

	seen, err := db.HasReceipt(ctx, first.ID, "smtp:shared@mailer.netflix.com")
	require.NoError(t, err)
	assert.True(t, seen)

	theirs, err := db.ListReceiptsByConnection(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestClaimScan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conn := newTestConnection(t, db, "user-1")

	claimed, err := db.ClaimScan(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// The claim is exclusive until the scan finishes.
	claimed, err = db.ClaimScan(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, db.MarkScanCompleted(ctx, conn.ID))

	claimed, err = db.ClaimScan(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, claimed, "completed connections are claimable again")
}

func TestResetConnectionScan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conn := newTestConnection(t, db, "user-1")

	cursor := "page-7"
	require.NoError(t, db.PatchConnection(ctx, conn.ID, map[string]any{
		"scan_status":          ScanCompleted,
		"cursor":               cursor,
		"total_emails_scanned": 42,
		"total_receipts_found": 7,
	}))

	require.NoError(t, db.ResetConnectionScan(ctx, conn.ID))

	got, err := db.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, ScanNotStarted, got.ScanStatus)
	assert.Nil(t, got.Cursor)
	assert.Zero(t, got.TotalEmailsScanned)
	assert.Zero(t, got.TotalReceiptsFound)
}

func TestDeleteConnectionCascadesReceipts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conn := newTestConnection(t, db, "user-1")
	other := newTestConnection(t, db, "user-2")

	for i := 0; i < 3; i++ {
		_, err := db.InsertReceipt(ctx, &Receipt{
			ConnectionID: conn.ID,
			UserID:       "user-1",
			MessageID:    fmt.Sprintf("del-%d", i),
			FromAddress:  "a@b.com",
			ReceivedAt:   time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	_, err := db.InsertReceipt(ctx, &Receipt{
		ConnectionID: other.ID,
		UserID:       "user-2",
		MessageID:    "keep-1",
		FromAddress:  "a@b.com",
		ReceivedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, db.DeleteConnection(ctx, conn.ID))

	_, err = db.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var count int64
	require.NoError(t, db.Model(&Receipt{}).Where("connection_id = ?", conn.ID).Count(&count).Error)
	assert.Zero(t, count, "no orphaned receipts after cascade")

	kept, err := db.ListReceiptsByConnection(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, kept, 1, "other connections' receipts untouched")
}

func TestAcceptCandidateCreatesSubscription(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	amount := decimal.RequireFromString("15.49")
	candidate := &DetectionCandidate{
		UserID:           "user-1",
		ProposedName:     "Netflix",
		ProposedAmount:   amount,
		ProposedCurrency: "USD",
		ProposedCadence:  CycleMonthly,
		Confidence:       0.9,
		Source:           SourceEmail,
		Status:           CandidatePending,
	}
	require.NoError(t, db.CreateCandidate(ctx, candidate))

	sub, err := db.AcceptCandidate(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, "Netflix", sub.MerchantName)
	assert.True(t, amount.Equal(sub.Amount))
	assert.True(t, sub.IsActive)

	got, err := db.GetCandidate(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, CandidateAccepted, got.Status)

	// Accepting is terminal.
	_, err = db.AcceptCandidate(ctx, candidate.ID)
	assert.Error(t, err)
}

func TestPurgeReceipts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conn := newTestConnection(t, db, "user-1")

	for i := 0; i < 5; i++ {
		_, err := db.InsertReceipt(ctx, &Receipt{
			ConnectionID: conn.ID,
			UserID:       "user-1",
			MessageID:    fmt.Sprintf("purge-%d", i),
			FromAddress:  "a@b.com",
			ReceivedAt:   time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	count, err := db.PurgeReceipts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)
}

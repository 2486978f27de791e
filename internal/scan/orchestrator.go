// Package scan drives the per-connection scan state machine: claim the
// connection, page through new mail, parse and reconcile each message,
// and checkpoint progress so a crash never loses a completed page.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/database"
	"github.com/looprock/subscan/internal/mailfetch"
	"github.com/looprock/subscan/internal/parser"
	"github.com/looprock/subscan/internal/quota"
	"github.com/looprock/subscan/internal/reconcile"
)

// Outcome summarizes a RunScan call for the caller.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeAlreadyRunning     Outcome = "already_running"
	OutcomeQuotaExceeded      Outcome = "quota_exceeded"
	OutcomeConnectionInactive Outcome = "connection_inactive"
	OutcomeCanceled           Outcome = "canceled"
	OutcomeError              Outcome = "error"
)

// Error codes surfaced on the connection for the UI to distinguish
// re-auth from unsupported-account failures.
const (
	ErrCodeAuthRevoked         = "auth_revoked"
	ErrCodeProviderUnsupported = "provider_unsupported"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxBodyBytes bounds how much raw body is stored per receipt.
	MaxBodyBytes int
}

// Orchestrator runs scans end to end.
type Orchestrator struct {
	db         *database.DB
	fetcher    mailfetch.Fetcher
	parser     *parser.Parser
	reconciler *reconcile.Reconciler
	quotas     quota.Service
	config     Config
	logger     *zap.SugaredLogger
}

// New creates an orchestrator.
func New(db *database.DB, fetcher mailfetch.Fetcher, p *parser.Parser, r *reconcile.Reconciler, quotas quota.Service, config Config, logger *zap.SugaredLogger) *Orchestrator {
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 64 * 1024
	}
	if quotas == nil {
		quotas = quota.Unlimited{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		db:         db,
		fetcher:    fetcher,
		parser:     p,
		reconciler: r,
		quotas:     quotas,
		config:     config,
		logger:     logger,
	}
}

// RunScan executes one scan for a connection. At most one scan runs per
// connection at a time: entry into in_progress is an atomic compare-and-
// set on scan_status, so concurrent triggers lose the claim instead of
// racing.
func (o *Orchestrator) RunScan(ctx context.Context, connectionID uint) (Outcome, error) {
	conn, err := o.db.GetConnection(ctx, connectionID)
	if err != nil {
		return OutcomeError, err
	}

	if conn.Status != database.ConnectionActive {
		return OutcomeConnectionInactive, nil
	}

	q, err := o.quotas.Remaining(ctx, conn.UserID)
	if err != nil {
		return OutcomeError, fmt.Errorf("quota check failed: %w", err)
	}
	// A connection that has completed a scan before already holds its
	// quota unit; only a first scan needs remaining headroom.
	firstScan := conn.LastSyncedAt == nil
	if !q.AutomationEnabled || (firstScan && q.EmailConnections <= 0) {
		o.logger.Infow("scan rejected by quota", "connection_id", conn.ID, "user_id", conn.UserID)
		return OutcomeQuotaExceeded, nil
	}

	claimed, err := o.db.ClaimScan(ctx, conn.ID)
	if err != nil {
		return OutcomeError, err
	}
	if !claimed {
		o.logger.Infow("scan already in progress", "connection_id", conn.ID)
		return OutcomeAlreadyRunning, nil
	}

	outcome, err := o.runClaimed(ctx, conn, firstScan)
	if err != nil {
		o.logger.Errorw("scan failed", "connection_id", conn.ID, "error", err)
	}
	return outcome, err
}

// runClaimed does the page loop. The claim is already held.
func (o *Orchestrator) runClaimed(ctx context.Context, conn *database.Connection, firstScan bool) (Outcome, error) {
	cursor := ""
	if conn.Cursor != nil {
		cursor = *conn.Cursor
	}
	emailsScanned := conn.TotalEmailsScanned
	receiptsFound := conn.TotalReceiptsFound
	errorCount := conn.ScanErrorCount

	for {
		// Cancellation is observed at page boundaries only, so a partial
		// page is never half-applied past its checkpoint.
		if ctx.Err() != nil {
			return o.release(conn.ID)
		}

		page, err := o.fetcher.ListMessages(ctx, conn, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return o.release(conn.ID)
			}
			return o.abort(ctx, conn.ID, err)
		}

		for _, id := range page.IDs {
			stored, parsed, err := o.ingestByID(ctx, conn, id)
			if err != nil {
				kind := mailfetch.Classify(err)
				if kind == mailfetch.KindTransient {
					// Single-message failures never abort the scan.
					errorCount++
					o.logger.Warnw("skipping message", "connection_id", conn.ID,
						"message_id", id, "error", err)
					continue
				}
				return o.abort(ctx, conn.ID, err)
			}
			// Re-listed messages from earlier runs are not counted again,
			// so the lifetime totals track distinct stored messages.
			if stored {
				emailsScanned++
				if parsed {
					receiptsFound++
				}
			}
		}

		// Checkpoint after every page, not only at the end: restart
		// resumes here with nothing re-ingested.
		cursor = page.NextCursor
		checkpoint := map[string]any{
			"cursor":               cursor,
			"total_emails_scanned": emailsScanned,
			"total_receipts_found": receiptsFound,
			"scan_error_count":     errorCount,
		}
		if !page.HasMore {
			checkpoint["cursor"] = nil
		}
		if err := o.db.PatchConnection(ctx, conn.ID, checkpoint); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return o.cleanupDeleted(conn.ID)
			}
			return OutcomeError, err
		}

		if !page.HasMore {
			break
		}
	}

	if err := o.enrichmentPass(ctx, conn); err != nil {
		o.logger.Warnw("enrichment pass failed", "connection_id", conn.ID, "error", err)
	}

	if err := o.db.MarkScanCompleted(ctx, conn.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return o.cleanupDeleted(conn.ID)
		}
		return OutcomeError, err
	}

	if firstScan {
		if err := o.quotas.Consume(ctx, conn.UserID, "email_connection"); err != nil {
			// The scan itself succeeded; quota consumption is retried on
			// the billing side, so log and move on.
			o.logger.Warnw("failed to consume quota unit", "user_id", conn.UserID, "error", err)
		}
	}

	o.logger.Infow("scan completed", "connection_id", conn.ID,
		"emails_scanned", emailsScanned, "receipts_found", receiptsFound,
		"errors", errorCount)
	return OutcomeCompleted, nil
}

// ingestByID fetches, parses, stores and reconciles one message. Returns
// whether a new receipt row was stored and whether it parsed as billing
// mail. Re-seen message ids are cheap no-ops.
func (o *Orchestrator) ingestByID(ctx context.Context, conn *database.Connection, messageID string) (stored, parsed bool, err error) {
	seen, err := o.db.HasReceipt(ctx, conn.ID, messageID)
	if err != nil {
		return false, false, err
	}
	if seen {
		return false, false, nil
	}

	msg, err := o.fetcher.FetchMessage(ctx, conn, messageID)
	if err != nil {
		return false, false, err
	}

	return o.IngestMessage(ctx, conn, msg)
}

// IngestMessage runs the store-parse-reconcile path for a raw message.
// Shared by the scan page loop and the SMTP forward-in receiver.
func (o *Orchestrator) IngestMessage(ctx context.Context, conn *database.Connection, msg mailfetch.RawMessage) (stored, parsed bool, err error) {
	result := o.parser.Parse(msg)

	receipt := &database.Receipt{
		ConnectionID:      conn.ID,
		UserID:            conn.UserID,
		MessageID:         msg.ID,
		FromAddress:       msg.From,
		Subject:           msg.Subject,
		ReceivedAt:        msg.ReceivedAt.UTC(),
		RawBody:           truncate(msg.Body, o.config.MaxBodyBytes),
		Parsed:            result.Parsed,
		ParsingConfidence: result.Confidence,
	}
	if result.Parsed {
		if result.MerchantName != "" {
			receipt.MerchantName = &result.MerchantName
		}
		receipt.Amount = result.Amount
		if result.Currency != "" {
			receipt.Currency = &result.Currency
		}
		if result.BillingCycle != "" {
			receipt.BillingCycle = &result.BillingCycle
		}
		receipt.NextChargeDate = result.NextChargeDate
	}

	created, err := o.db.InsertReceipt(ctx, receipt)
	if err != nil {
		return false, false, err
	}
	if !created {
		// A concurrent or earlier scan got here first.
		return false, false, nil
	}

	if result.Parsed {
		if _, err := o.reconciler.Reconcile(ctx, receipt); err != nil {
			// Reconciliation failures shouldn't lose the receipt; the
			// enrichment pass replays parsed receipts later.
			o.logger.Warnw("reconcile failed", "receipt_id", receipt.ID, "error", err)
		}
	}
	return true, result.Parsed, nil
}

// enrichmentPass re-reconciles all stored parsed receipts for the
// connection, updating the ai_* progress fields the UI watches. It mops
// up receipts whose initial reconcile failed and folds late merges in.
func (o *Orchestrator) enrichmentPass(ctx context.Context, conn *database.Connection) error {
	receipts, err := o.db.ListParsedReceiptsByConnection(ctx, conn.ID)
	if err != nil {
		return err
	}

	if err := o.db.PatchConnection(ctx, conn.ID, map[string]any{
		"ai_processing_status": database.AIProcessing,
		"ai_processed_count":   0,
		"ai_total_count":       len(receipts),
	}); err != nil {
		return err
	}

	processed := 0
	for i := range receipts {
		if ctx.Err() != nil {
			break
		}
		if _, err := o.reconciler.Reconcile(ctx, &receipts[i]); err != nil {
			o.logger.Warnw("enrichment reconcile failed",
				"receipt_id", receipts[i].ID, "error", err)
			continue
		}
		processed++
	}

	status := database.AICompleted
	if processed < len(receipts) {
		status = database.AIError
	}
	return o.db.PatchConnection(ctx, conn.ID, map[string]any{
		"ai_processing_status": status,
		"ai_processed_count":   processed,
	})
}

// release puts a canceled scan back to not_started, keeping the cursor
// and counters at their last checkpoint so the next run resumes there.
func (o *Orchestrator) release(connectionID uint) (Outcome, error) {
	// Deliberately not the caller's context: it is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.db.PatchConnection(ctx, connectionID, map[string]any{
		"scan_status": database.ScanNotStarted,
	}); err != nil {
		return OutcomeError, err
	}
	o.logger.Infow("scan canceled at checkpoint", "connection_id", connectionID)
	return OutcomeCanceled, nil
}

// cleanupDeleted handles a connection deleted out from under a running
// scan. DeleteConnection cascades over receipts, but rows ingested from
// the in-flight page land after that cascade ran, so they are swept
// here. The scan ends quietly; there is no connection left to record an
// error on.
func (o *Orchestrator) cleanupDeleted(connectionID uint) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	removed, err := o.db.DeleteReceiptsByConnection(ctx, connectionID)
	if err != nil {
		return OutcomeError, err
	}
	o.logger.Infow("connection deleted mid-scan", "connection_id", connectionID,
		"orphaned_receipts_removed", removed)
	return OutcomeConnectionInactive, nil
}

// abort records a connection-level failure with a UI-distinguishable
// error code.
func (o *Orchestrator) abort(ctx context.Context, connectionID uint, cause error) (Outcome, error) {
	code := ErrCodeProviderUnsupported
	if mailfetch.Classify(cause) == mailfetch.KindAuth {
		code = ErrCodeAuthRevoked
	}
	if err := o.db.MarkScanError(ctx, connectionID, code, cause.Error()); err != nil {
		return OutcomeError, err
	}
	return OutcomeError, cause
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

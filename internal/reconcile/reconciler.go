// Package reconcile merges newly parsed receipts with a user's existing
// pending detection candidates and already-tracked subscriptions. The
// central rule: merge, never duplicate.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/database"
	"github.com/looprock/subscan/internal/parser"
)

// Tuning constants; rationale in DESIGN.md.
const (
	// MinConfidence is the floor below which parsed receipts are not
	// worth surfacing to the user.
	MinConfidence = 0.5
	// maxMerchantDistance is the levenshtein budget for fuzzy merchant
	// matching on normalized names.
	maxMerchantDistance = 2
	// amountTolerancePct matches amounts within ±5%.
	amountTolerancePct = 0.05
	// redetectMargin is how much higher a new receipt's confidence must
	// be before a dismissed candidate is allowed to reappear.
	redetectMargin = 0.15
)

// Action describes what the reconciler did with a receipt.
type Action string

const (
	ActionCreated Action = "created"
	ActionMerged  Action = "merged"
	ActionIgnored Action = "ignored"
)

// Result is the reconciliation outcome for one receipt.
type Result struct {
	Action      Action
	CandidateID string
	Reason      string
}

// Reconciler applies the merge/dedup decision for parsed receipts.
type Reconciler struct {
	db        *database.DB
	merchants parser.Merchants
	logger    *zap.SugaredLogger
}

// New creates a reconciler.
func New(db *database.DB, merchants parser.Merchants, logger *zap.SugaredLogger) *Reconciler {
	if merchants == nil {
		merchants = parser.DefaultMerchants()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reconciler{db: db, merchants: merchants, logger: logger}
}

// Reconcile decides create/merge/ignore for a parsed receipt. Receipts
// below the confidence floor, without a merchant, or matching an active
// subscription are ignored; matches against a pending candidate merge
// into it; everything else creates a new pending candidate.
func (r *Reconciler) Reconcile(ctx context.Context, receipt *database.Receipt) (Result, error) {
	if !receipt.Parsed {
		return Result{Action: ActionIgnored, Reason: "receipt not parsed"}, nil
	}
	if receipt.ParsingConfidence < MinConfidence {
		return Result{Action: ActionIgnored,
			Reason: fmt.Sprintf("confidence %.2f below threshold %.2f",
				receipt.ParsingConfidence, MinConfidence)}, nil
	}
	if receipt.MerchantName == nil || *receipt.MerchantName == "" {
		return Result{Action: ActionIgnored, Reason: "no merchant extracted"}, nil
	}

	merchant := r.merchants.Canonical(*receipt.MerchantName)
	cadence := database.CycleUnknown
	if receipt.BillingCycle != nil && *receipt.BillingCycle != "" {
		cadence = *receipt.BillingCycle
	}
	amount := decimal.Zero
	if receipt.Amount != nil {
		amount = *receipt.Amount
	}

	// Already tracked? Same merchant and cadence with the amount inside
	// the tolerance window means the user knows about this subscription.
	subs, err := r.db.ListActiveSubscriptionsByUser(ctx, receipt.UserID)
	if err != nil {
		return Result{}, err
	}
	for _, sub := range subs {
		if r.merchantsMatch(merchant, sub.MerchantName) &&
			cadenceMatch(cadence, sub.Cadence) &&
			amountsMatch(amount, sub.Amount) {
			r.logger.Debugw("receipt matches tracked subscription",
				"receipt_id", receipt.ID, "subscription_id", sub.ID)
			return Result{Action: ActionIgnored,
				Reason: "matches active subscription " + sub.MerchantName}, nil
		}
	}

	// Merge into an existing pending candidate when one exists for the
	// same (merchant, cadence) pair.
	pending, err := r.db.ListCandidatesByUserAndStatus(ctx, receipt.UserID, database.CandidatePending)
	if err != nil {
		return Result{}, err
	}
	for i := range pending {
		c := &pending[i]
		if !r.merchantsMatch(merchant, c.ProposedName) || !cadenceMatch(cadence, c.ProposedCadence) {
			continue
		}
		if err := r.merge(ctx, c, receipt, merchant, cadence); err != nil {
			return Result{}, err
		}
		return Result{Action: ActionMerged, CandidateID: c.ID,
			Reason: "merged into existing candidate"}, nil
	}

	// A dismissed candidate suppresses re-detection unless the new
	// evidence is materially stronger.
	dismissed, err := r.db.ListCandidatesByUserAndStatus(ctx, receipt.UserID, database.CandidateDismissed)
	if err != nil {
		return Result{}, err
	}
	for _, c := range dismissed {
		if r.merchantsMatch(merchant, c.ProposedName) && cadenceMatch(cadence, c.ProposedCadence) {
			if receipt.ParsingConfidence < c.Confidence+redetectMargin {
				return Result{Action: ActionIgnored,
					Reason: "previously dismissed, confidence not materially higher"}, nil
			}
			break
		}
	}

	candidate, err := r.create(ctx, receipt, merchant, cadence, amount)
	if err != nil {
		return Result{}, err
	}
	return Result{Action: ActionCreated, CandidateID: candidate.ID,
		Reason: "new pending candidate"}, nil
}

func (r *Reconciler) create(ctx context.Context, receipt *database.Receipt, merchant, cadence string, amount decimal.Decimal) (*database.DetectionCandidate, error) {
	currency := "USD"
	if receipt.Currency != nil && *receipt.Currency != "" {
		currency = *receipt.Currency
	}

	reason := fmt.Sprintf("detected from email %q (confidence %.2f)",
		receipt.Subject, receipt.ParsingConfidence)

	evidenceAt := receipt.ReceivedAt
	candidate := &database.DetectionCandidate{
		UserID:              receipt.UserID,
		ProposedName:        merchant,
		ProposedAmount:      amount,
		ProposedCurrency:    currency,
		ProposedCadence:     cadence,
		ProposedNextBilling: receipt.NextChargeDate,
		Confidence:          receipt.ParsingConfidence,
		DetectionReason:     reason,
		Source:              database.SourceEmail,
		Status:              database.CandidatePending,
		RawData: database.Evidence{
			Source: database.SourceEmail,
			Email: &database.EmailEvidence{
				ReceiptIDs: []uint{receipt.ID},
				MessageIDs: []string{receipt.MessageID},
			},
		},
		LastEvidenceAt: &evidenceAt,
	}
	if err := r.db.CreateCandidate(ctx, candidate); err != nil {
		return nil, err
	}
	r.logger.Infow("created detection candidate", "candidate_id", candidate.ID,
		"user_id", candidate.UserID, "merchant", merchant, "cadence", cadence)
	return candidate, nil
}

// merge folds a receipt into an existing pending candidate. Confidence
// only ever goes up; proposed amount and next billing refresh when the
// incoming receipt is newer than the current evidence.
func (r *Reconciler) merge(ctx context.Context, c *database.DetectionCandidate, receipt *database.Receipt, merchant, cadence string) error {
	raised := receipt.ParsingConfidence > c.Confidence
	if raised {
		c.Confidence = receipt.ParsingConfidence
	}

	if c.RawData.Email == nil {
		c.RawData.Source = database.SourceEmail
		c.RawData.Email = &database.EmailEvidence{}
	}
	// A receipt only counts as evidence once; enrichment replays receipts
	// that may already be linked.
	if !slices.Contains(c.RawData.Email.MessageIDs, receipt.MessageID) {
		c.RawData.Email.ReceiptIDs = append(c.RawData.Email.ReceiptIDs, receipt.ID)
		c.RawData.Email.MessageIDs = append(c.RawData.Email.MessageIDs, receipt.MessageID)
	} else if !raised {
		// Nothing new to record for a replayed receipt.
		return nil
	}

	newer := c.LastEvidenceAt == nil || receipt.ReceivedAt.After(*c.LastEvidenceAt)
	if newer {
		if receipt.Amount != nil {
			c.ProposedAmount = *receipt.Amount
		}
		if receipt.Currency != nil && *receipt.Currency != "" {
			c.ProposedCurrency = *receipt.Currency
		}
		if receipt.NextChargeDate != nil {
			c.ProposedNextBilling = receipt.NextChargeDate
		}
		if c.ProposedCadence == database.CycleUnknown && cadence != database.CycleUnknown {
			c.ProposedCadence = cadence
		}
		evidenceAt := receipt.ReceivedAt
		c.LastEvidenceAt = &evidenceAt
	}

	c.DetectionReason += fmt.Sprintf("; merged email %q (confidence %.2f)",
		receipt.Subject, receipt.ParsingConfidence)

	if err := r.db.SaveCandidate(ctx, c); err != nil {
		return err
	}
	r.logger.Infow("merged receipt into candidate", "candidate_id", c.ID,
		"receipt_id", receipt.ID, "confidence", c.Confidence)
	return nil
}

// merchantsMatch compares canonical merchant names, falling back to a
// small levenshtein budget for near-misses the alias table doesn't cover.
func (r *Reconciler) merchantsMatch(a, b string) bool {
	ca := r.merchants.Canonical(a)
	cb := r.merchants.Canonical(b)
	if strings.EqualFold(ca, cb) {
		return true
	}
	na := parser.Normalize(ca)
	nb := parser.Normalize(cb)
	if na == nb {
		return true
	}
	return levenshtein.ComputeDistance(na, nb) <= maxMerchantDistance
}

// cadenceMatch requires exact cadence, with unknown matching anything.
func cadenceMatch(a, b string) bool {
	if a == database.CycleUnknown || b == database.CycleUnknown || a == "" || b == "" {
		return true
	}
	return a == b
}

// amountsMatch applies the tolerance window: ±5% of the larger amount or
// one cent, whichever is greater.
func amountsMatch(a, b decimal.Decimal) bool {
	if a.IsZero() || b.IsZero() {
		// One side has no amount; don't let a missing extraction block a
		// merchant+cadence match.
		return true
	}
	larger := decimal.Max(a, b)
	tolerance := decimal.Max(
		larger.Mul(decimal.NewFromFloat(amountTolerancePct)),
		decimal.NewFromFloat(0.01),
	)
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStatus describes the overall health of a mail connection.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "active"
	ConnectionError        ConnectionStatus = "error"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// ScanStatus tracks the per-connection scan state machine.
type ScanStatus string

const (
	ScanNotStarted ScanStatus = "not_started"
	ScanInProgress ScanStatus = "in_progress"
	ScanCompleted  ScanStatus = "completed"
	ScanError      ScanStatus = "error"
)

// AIStatus tracks the post-scan enrichment pass.
type AIStatus string

const (
	AIIdle       AIStatus = "idle"
	AIProcessing AIStatus = "processing"
	AICompleted  AIStatus = "completed"
	AIError      AIStatus = "error"
)

// Connection represents a user's link to one external mail account
type Connection struct {
	ID                uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            string `gorm:"not null;index;uniqueIndex:idx_user_account" json:"user_id"`
	ExternalAccountID string `gorm:"not null;uniqueIndex:idx_user_account" json:"external_account_id"`
	Provider          string `gorm:"not null;default:'gmail'" json:"provider"`

	Status     ConnectionStatus `gorm:"not null;default:'active'" json:"status"`
	ScanStatus ScanStatus       `gorm:"not null;default:'not_started'" json:"scan_status"`

	// Cursor is the opaque provider pagination token; nil means start over.
	Cursor       *string    `json:"cursor,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	TotalEmailsScanned int `gorm:"not null;default:0" json:"total_emails_scanned"`
	TotalReceiptsFound int `gorm:"not null;default:0" json:"total_receipts_found"`
	ScanErrorCount     int `gorm:"not null;default:0" json:"scan_error_count"`

	AIProcessingStatus AIStatus `gorm:"column:ai_processing_status;not null;default:'idle'" json:"ai_processing_status"`
	AIProcessedCount   int      `gorm:"column:ai_processed_count;not null;default:0" json:"ai_processed_count"`
	AITotalCount       int      `gorm:"not null;default:0" json:"ai_total_count"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// BillingCycle values recognized by the parser and reconciler.
const (
	CycleWeekly  = "weekly"
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
	CycleUnknown = "unknown"
)

// Receipt represents one ingested email message, parsed or not.
// (ConnectionID, MessageID) is the at-most-once ingestion key:
// re-scanning the same provider message never creates a second row for
// that connection, while distinct connections seeing the same id (two
// users forwarding the same original email) each keep their own copy.
type Receipt struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID uint   `gorm:"not null;index;uniqueIndex:idx_connection_message" json:"connection_id"`
	UserID       string `gorm:"not null;index" json:"user_id"`
	MessageID    string `gorm:"not null;uniqueIndex:idx_connection_message" json:"message_id"`

	FromAddress string    `gorm:"not null" json:"from_address"`
	Subject     string    `json:"subject"`
	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`
	RawBody     string    `gorm:"type:text" json:"-"`

	Parsed            bool    `gorm:"not null;default:false" json:"parsed"`
	ParsingConfidence float64 `gorm:"not null;default:0" json:"parsing_confidence"`

	MerchantName   *string          `json:"merchant_name,omitempty"`
	Amount         *decimal.Decimal `gorm:"type:numeric(12,2)" json:"amount,omitempty"`
	Currency       *string          `json:"currency,omitempty"`
	BillingCycle   *string          `json:"billing_cycle,omitempty"`
	NextChargeDate *time.Time       `json:"next_charge_date,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// CandidateStatus is the review state of a detection candidate.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateAccepted  CandidateStatus = "accepted"
	CandidateDismissed CandidateStatus = "dismissed"
)

// CandidateSource identifies where a candidate's evidence came from.
type CandidateSource string

const (
	SourceEmail  CandidateSource = "email"
	SourceBank   CandidateSource = "bank"
	SourceManual CandidateSource = "manual"
)

// Evidence is the typed raw_data union on a candidate, discriminated by
// Source. Only the variant matching the source is populated.
type Evidence struct {
	Source CandidateSource `json:"source"`
	Email  *EmailEvidence  `json:"email,omitempty"`
	Bank   *BankEvidence   `json:"bank,omitempty"`
}

// EmailEvidence links a candidate back to its originating receipts.
type EmailEvidence struct {
	ReceiptIDs []uint   `json:"receipt_ids"`
	MessageIDs []string `json:"message_ids"`
}

// BankEvidence links a candidate to bank transaction references.
type BankEvidence struct {
	TransactionRefs []string `json:"transaction_refs"`
}

// DetectionCandidate is a proposed subscription awaiting user review.
type DetectionCandidate struct {
	ID     string `gorm:"primaryKey" json:"id"`
	UserID string `gorm:"not null;index" json:"user_id"`

	ProposedName        string          `gorm:"not null" json:"proposed_name"`
	ProposedAmount      decimal.Decimal `gorm:"type:numeric(12,2)" json:"proposed_amount"`
	ProposedCurrency    string          `gorm:"not null;default:'USD'" json:"proposed_currency"`
	ProposedCadence     string          `gorm:"not null;default:'unknown'" json:"proposed_cadence"`
	ProposedNextBilling *time.Time      `json:"proposed_next_billing,omitempty"`

	Confidence      float64         `gorm:"not null;default:0" json:"confidence"`
	DetectionReason string          `gorm:"type:text" json:"detection_reason"`
	Source          CandidateSource `gorm:"not null;default:'email'" json:"source"`
	Status          CandidateStatus `gorm:"not null;default:'pending';index" json:"status"`

	RawData Evidence `gorm:"serializer:json" json:"raw_data"`

	// LastEvidenceAt is the receivedAt of the newest receipt merged in,
	// used to decide whether a merge should refresh proposed fields.
	LastEvidenceAt *time.Time `json:"last_evidence_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// Subscription is an already-tracked subscription. Accepting a candidate
// creates one; reconciliation reads them for dedup.
type Subscription struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	UserID       string          `gorm:"not null;index" json:"user_id"`
	MerchantName string          `gorm:"not null" json:"merchant_name"`
	Amount       decimal.Decimal `gorm:"type:numeric(12,2)" json:"amount"`
	Currency     string          `gorm:"not null;default:'USD'" json:"currency"`
	Cadence      string          `gorm:"not null;default:'monthly'" json:"cadence"`
	IsActive     bool            `gorm:"not null;default:true" json:"is_active"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

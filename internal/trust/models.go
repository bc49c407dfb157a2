package trust

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle status of a trust bank account.
type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountClosed AccountStatus = "CLOSED"
)

// LedgerStatus is the lifecycle status of a client trust ledger.
type LedgerStatus string

const (
	LedgerActive LedgerStatus = "ACTIVE"
	LedgerFrozen LedgerStatus = "FROZEN"
	LedgerClosed LedgerStatus = "CLOSED"
)

// TransactionType classifies a money movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeFeeEarned  TransactionType = "FEE_EARNED"
	TypeTransfer   TransactionType = "TRANSFER"
)

// TransactionStatus is the approval-workflow status of a transaction.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "PENDING"
	StatusApproved TransactionStatus = "APPROVED"
	StatusRejected TransactionStatus = "REJECTED"
	StatusVoided   TransactionStatus = "VOIDED"
)

// TrustBankAccount is a pooled IOLTA bank account owned by the firm.
// Account and routing numbers are held only as AEAD ciphertext; the
// plaintext is never returned after creation.
type TrustBankAccount struct {
	ID           string        `json:"id"`
	EntityID     string        `json:"entity_id"`
	OfficeID     string        `json:"office_id,omitempty"`
	Name         string        `json:"name"`
	BankName     string        `json:"bank_name"`
	Jurisdiction string        `json:"jurisdiction"`
	AccountLast4 string        `json:"account_last4"`

	EncryptedAccountNumber *EncryptedField `json:"-"`
	EncryptedRoutingNumber *EncryptedField `json:"-"`

	CurrentBalance decimal.Decimal `json:"current_balance"`
	Status         AccountStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	CreatedBy      string          `json:"created_by"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EncryptedField holds an envelope-encrypted value at rest.
type EncryptedField struct {
	Ciphertext   []byte `json:"-"`
	EncryptedKey []byte `json:"-"`
	Nonce        []byte `json:"-"`
	KeyID        string `json:"-"`
}

// ClientTrustLedger is one client's (optionally one matter's) claim on the
// pooled funds of a trust account.
type ClientTrustLedger struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	ClientID       string          `json:"client_id"`
	MatterID       string          `json:"matter_id,omitempty"`
	RunningBalance decimal.Decimal `json:"running_balance"`
	Status         LedgerStatus    `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	CreatedBy      string          `json:"created_by"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Allocation assigns a portion of a deposit to one client ledger.
type Allocation struct {
	LedgerID    string          `json:"ledger_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// TrustTransaction is a single money movement against a trust account.
// It is immutable except for status transitions and is never deleted.
type TrustTransaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Party       string            `json:"party"` // payor for deposits, payee for withdrawals
	Description string            `json:"description"`
	Reference   string            `json:"reference,omitempty"` // e.g. check number
	Status      TransactionStatus `json:"status"`

	// Allocations is set for deposits. LedgerID is set for withdrawals,
	// fees, and the source side of transfers; ToLedgerID for transfers.
	Allocations []Allocation `json:"allocations,omitempty"`
	LedgerID    string       `json:"ledger_id,omitempty"`
	ToLedgerID  string       `json:"to_ledger_id,omitempty"`

	IsVoided     bool      `json:"is_voided"`
	VoidReason   string    `json:"void_reason,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	DecidedAt    time.Time `json:"decided_at,omitempty"`
	DecidedBy    string    `json:"decided_by,omitempty"`
	VoidedAt     time.Time `json:"voided_at,omitempty"`
	VoidedBy     string    `json:"voided_by,omitempty"`
}

// ReconciliationRecord is the outcome of one three-way reconciliation run.
// A discrepancy is data, not an error; the record is written either way.
type ReconciliationRecord struct {
	ID                     string          `json:"id"`
	AccountID              string          `json:"account_id"`
	PeriodEnd              time.Time       `json:"period_end"`
	BankStatementBalance   decimal.Decimal `json:"bank_statement_balance"`
	TrustLedgerBalance     decimal.Decimal `json:"trust_ledger_balance"`
	ClientLedgerSumBalance decimal.Decimal `json:"client_ledger_sum_balance"`
	Discrepancy            decimal.Decimal `json:"discrepancy"`
	IsReconciled           bool            `json:"is_reconciled"`
	Notes                  string          `json:"notes,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	CreatedBy              string          `json:"created_by"`
	ApprovedBy             string          `json:"approved_by,omitempty"`
	ApprovedAt             time.Time       `json:"approved_at,omitempty"`
}

// AccountFilter narrows ListAccounts results.
type AccountFilter struct {
	EntityID string
	OfficeID string
	Status   AccountStatus
	Limit    int
	Offset   int
}

// LedgerFilter narrows ListLedgers results.
type LedgerFilter struct {
	AccountID string
	ClientID  string
	MatterID  string
	Status    LedgerStatus
	Limit     int
	Offset    int
}

// TransactionFilter narrows ListTransactions results.
type TransactionFilter struct {
	AccountID string
	LedgerID  string
	Type      TransactionType
	Status    TransactionStatus
	Limit     int
	Offset    int
}

// ReconciliationFilter narrows ListReconciliations results.
type ReconciliationFilter struct {
	AccountID string
	Limit     int
	Offset    int
}

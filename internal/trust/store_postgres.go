package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/iolta-ledger/internal/audit"
)

// PostgresStore is the production Store. Every unit of work runs in a single
// SERIALIZABLE transaction; balance updates lock the account row and every
// affected ledger row with FOR UPDATE, ledgers in ascending id order so
// concurrent commits over overlapping ledger sets cannot deadlock.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore over the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

const maxSerializationRetries = 3

// withTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures (SQLSTATE 40001) with linear backoff.
func (s *PostgresStore) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed after %d retries due to serialization failure: %w", maxSerializationRetries, lastErr)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := s.Pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}
	return tx.Commit(queryCtx)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *TrustBankAccount, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO trust_accounts
				(id, entity_id, office_id, name, bank_name, jurisdiction, account_last4,
				 enc_account_ct, enc_account_key, enc_account_nonce, enc_account_key_id,
				 enc_routing_ct, enc_routing_key, enc_routing_nonce, enc_routing_key_id,
				 current_balance, status, created_at, created_by, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		`, acct.ID, acct.EntityID, acct.OfficeID, acct.Name, acct.BankName, acct.Jurisdiction, acct.AccountLast4,
			acct.EncryptedAccountNumber.Ciphertext, acct.EncryptedAccountNumber.EncryptedKey,
			acct.EncryptedAccountNumber.Nonce, acct.EncryptedAccountNumber.KeyID,
			acct.EncryptedRoutingNumber.Ciphertext, acct.EncryptedRoutingNumber.EncryptedKey,
			acct.EncryptedRoutingNumber.Nonce, acct.EncryptedRoutingNumber.KeyID,
			acct.CurrentBalance, acct.Status, acct.CreatedAt, acct.CreatedBy, acct.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
}

const accountColumns = `id, entity_id, office_id, name, bank_name, jurisdiction, account_last4,
	current_balance, status, created_at, created_by, updated_at`

func scanAccount(row pgx.Row) (*TrustBankAccount, error) {
	var a TrustBankAccount
	err := row.Scan(&a.ID, &a.EntityID, &a.OfficeID, &a.Name, &a.BankName, &a.Jurisdiction,
		&a.AccountLast4, &a.CurrentBalance, &a.Status, &a.CreatedAt, &a.CreatedBy, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*TrustBankAccount, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+accountColumns+`,
		enc_account_ct, enc_account_key, enc_account_nonce, enc_account_key_id,
		enc_routing_ct, enc_routing_key, enc_routing_nonce, enc_routing_key_id
		FROM trust_accounts WHERE id = $1`, id)

	var a TrustBankAccount
	var accNum, routNum EncryptedField
	err := row.Scan(&a.ID, &a.EntityID, &a.OfficeID, &a.Name, &a.BankName, &a.Jurisdiction,
		&a.AccountLast4, &a.CurrentBalance, &a.Status, &a.CreatedAt, &a.CreatedBy, &a.UpdatedAt,
		&accNum.Ciphertext, &accNum.EncryptedKey, &accNum.Nonce, &accNum.KeyID,
		&routNum.Ciphertext, &routNum.EncryptedKey, &routNum.Nonce, &routNum.KeyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "account", ID: id}
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.EncryptedAccountNumber = &accNum
	a.EncryptedRoutingNumber = &routNum
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, f AccountFilter) ([]*TrustBankAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM trust_accounts WHERE 1=1`
	var args []any
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if f.OfficeID != "" {
		args = append(args, f.OfficeID)
		query += fmt.Sprintf(" AND office_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at"
	query += limitOffset(&args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []*TrustBankAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, acct *TrustBankAccount, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE trust_accounts
			SET name = $2, bank_name = $3, jurisdiction = $4, office_id = $5, status = $6, updated_at = $7
			WHERE id = $1
		`, acct.ID, acct.Name, acct.BankName, acct.Jurisdiction, acct.OfficeID, acct.Status, acct.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &NotFoundError{Entity: "account", ID: acct.ID}
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) CreateLedger(ctx context.Context, led *ClientTrustLedger, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM trust_accounts WHERE id = $1)`, led.AccountID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check account existence: %w", err)
		}
		if !exists {
			return &NotFoundError{Entity: "account", ID: led.AccountID}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO client_ledgers
				(id, account_id, client_id, matter_id, running_balance, status, created_at, created_by, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, led.ID, led.AccountID, led.ClientID, led.MatterID, led.RunningBalance, led.Status,
			led.CreatedAt, led.CreatedBy, led.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert ledger: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
}

const ledgerColumns = `id, account_id, client_id, matter_id, running_balance, status, created_at, created_by, updated_at`

func scanLedger(row pgx.Row) (*ClientTrustLedger, error) {
	var l ClientTrustLedger
	err := row.Scan(&l.ID, &l.AccountID, &l.ClientID, &l.MatterID, &l.RunningBalance,
		&l.Status, &l.CreatedAt, &l.CreatedBy, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) GetLedger(ctx context.Context, id string) (*ClientTrustLedger, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM client_ledgers WHERE id = $1`, id)
	led, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "ledger", ID: id}
		}
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}
	return led, nil
}

func (s *PostgresStore) ListLedgers(ctx context.Context, f LedgerFilter) ([]*ClientTrustLedger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM client_ledgers WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if f.ClientID != "" {
		args = append(args, f.ClientID)
		query += fmt.Sprintf(" AND client_id = $%d", len(args))
	}
	if f.MatterID != "" {
		args = append(args, f.MatterID)
		query += fmt.Sprintf(" AND matter_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY id"
	query += limitOffset(&args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledgers: %w", err)
	}
	defer rows.Close()

	var out []*ClientTrustLedger
	for rows.Next() {
		led, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger: %w", err)
		}
		out = append(out, led)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateLedger(ctx context.Context, led *ClientTrustLedger, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE client_ledgers SET status = $2, updated_at = $3 WHERE id = $1
		`, led.ID, led.Status, led.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update ledger: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &NotFoundError{Entity: "ledger", ID: led.ID}
		}
		return insertAudit(ctx, tx, entry)
	})
}

const txColumns = `id, account_id, type, amount, party, description, reference, status,
	allocations, ledger_id, to_ledger_id, is_voided, void_reason, reject_reason,
	created_at, created_by, decided_at, decided_by, voided_at, voided_by`

func scanTransaction(row pgx.Row) (*TrustTransaction, error) {
	var t TrustTransaction
	var allocations []byte
	var decidedAt, voidedAt sql.NullTime
	var decidedBy, voidedBy sql.NullString
	err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.Party, &t.Description, &t.Reference,
		&t.Status, &allocations, &t.LedgerID, &t.ToLedgerID, &t.IsVoided, &t.VoidReason, &t.RejectReason,
		&t.CreatedAt, &t.CreatedBy, &decidedAt, &decidedBy, &voidedAt, &voidedBy)
	if err != nil {
		return nil, err
	}
	if len(allocations) > 0 {
		if err := json.Unmarshal(allocations, &t.Allocations); err != nil {
			return nil, fmt.Errorf("failed to decode allocations: %w", err)
		}
	}
	if decidedAt.Valid {
		t.DecidedAt = decidedAt.Time
	}
	if voidedAt.Valid {
		t.VoidedAt = voidedAt.Time
	}
	t.DecidedBy = decidedBy.String
	t.VoidedBy = voidedBy.String
	return &t, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*TrustTransaction, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+txColumns+` FROM trust_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "transaction", ID: id}
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*TrustTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM trust_transactions WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if f.LedgerID != "" {
		args = append(args, f.LedgerID)
		n := len(args)
		query += fmt.Sprintf(` AND (ledger_id = $%d OR to_ledger_id = $%d OR allocations @> jsonb_build_array(jsonb_build_object('ledger_id', $%d::text)))`, n, n, n)
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(&args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*TrustTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CommitTransaction(ctx context.Context, txn *TrustTransaction, deltas []BalanceDelta, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := applyDeltasTx(ctx, tx, txn.AccountID, deltas); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) TransitionTransaction(ctx context.Context, txn *TrustTransaction, expect TransactionStatus, deltas []BalanceDelta, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var current TransactionStatus
		err := tx.QueryRow(ctx, `SELECT status FROM trust_transactions WHERE id = $1 FOR UPDATE`, txn.ID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &NotFoundError{Entity: "transaction", ID: txn.ID}
			}
			return fmt.Errorf("failed to lock transaction: %w", err)
		}
		if current != expect {
			return &InvalidStateError{
				Entity:    "transaction",
				ID:        txn.ID,
				State:     string(current),
				Operation: strings.ToLower(string(txn.Status)),
			}
		}

		if err := applyDeltasTx(ctx, tx, txn.AccountID, deltas); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE trust_transactions
			SET status = $2, is_voided = $3, void_reason = $4, reject_reason = $5,
			    decided_at = $6, decided_by = $7, voided_at = $8, voided_by = $9
			WHERE id = $1
		`, txn.ID, txn.Status, txn.IsVoided, txn.VoidReason, txn.RejectReason,
			nullTime(txn.DecidedAt), nullString(txn.DecidedBy),
			nullTime(txn.VoidedAt), nullString(txn.VoidedBy))
		if err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *TrustTransaction) error {
	var allocations []byte
	if len(txn.Allocations) > 0 {
		var err error
		allocations, err = json.Marshal(txn.Allocations)
		if err != nil {
			return fmt.Errorf("failed to encode allocations: %w", err)
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO trust_transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, txn.ID, txn.AccountID, txn.Type, txn.Amount, txn.Party, txn.Description, txn.Reference,
		txn.Status, allocations, txn.LedgerID, txn.ToLedgerID, txn.IsVoided, txn.VoidReason, txn.RejectReason,
		txn.CreatedAt, txn.CreatedBy, nullTime(txn.DecidedAt), nullString(txn.DecidedBy),
		nullTime(txn.VoidedAt), nullString(txn.VoidedBy))
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// applyDeltasTx locks the account row, then the affected ledger rows in
// ascending id order, validates non-negativity against the locked balances,
// and applies the updates. Empty deltas lock nothing.
func applyDeltasTx(ctx context.Context, tx pgx.Tx, accountID string, deltas []BalanceDelta) error {
	var acctBalance decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT current_balance FROM trust_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&acctBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{Entity: "account", ID: accountID}
		}
		return fmt.Errorf("failed to lock account: %w", err)
	}
	if len(deltas) == 0 {
		return nil
	}

	perLedger := make(map[string]decimal.Decimal)
	debits := make(map[string]bool)
	ids := make([]string, 0, len(deltas))
	for _, d := range deltas {
		if _, seen := perLedger[d.LedgerID]; !seen {
			ids = append(ids, d.LedgerID)
		}
		perLedger[d.LedgerID] = perLedger[d.LedgerID].Add(d.Amount)
		if d.Amount.IsNegative() {
			debits[d.LedgerID] = true
		}
	}
	sort.Strings(ids)

	accountDelta := decimal.Zero
	for _, id := range ids {
		var balance decimal.Decimal
		var owner string
		var status LedgerStatus
		err := tx.QueryRow(ctx, `SELECT running_balance, account_id, status FROM client_ledgers WHERE id = $1 FOR UPDATE`, id).Scan(&balance, &owner, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &NotFoundError{Entity: "ledger", ID: id}
			}
			return fmt.Errorf("failed to lock ledger: %w", err)
		}
		if owner != accountID {
			return &ValidationError{Field: "ledger_id", Reason: "ledger does not belong to account"}
		}
		// Re-check status on the locked row: the ledger may have been frozen
		// or closed since the caller's pre-check.
		if debits[id] && status != LedgerActive {
			return &ValidationError{Field: "ledger_id", Reason: "ledger is not active"}
		}

		next := balance.Add(perLedger[id])
		if next.IsNegative() {
			return &InsufficientFundsError{LedgerID: id, Available: balance, Requested: perLedger[id].Neg()}
		}

		_, err = tx.Exec(ctx, `UPDATE client_ledgers SET running_balance = $2, updated_at = now() WHERE id = $1`, id, next)
		if err != nil {
			return fmt.Errorf("failed to update ledger balance: %w", err)
		}
		accountDelta = accountDelta.Add(perLedger[id])
	}

	_, err = tx.Exec(ctx, `UPDATE trust_accounts SET current_balance = $2, updated_at = now() WHERE id = $1`,
		accountID, acctBalance.Add(accountDelta))
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateReconciliation(ctx context.Context, rec *ReconciliationRecord, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reconciliations
				(id, account_id, period_end, bank_statement_balance, trust_ledger_balance,
				 client_ledger_sum_balance, discrepancy, is_reconciled, notes,
				 created_at, created_by, approved_by, approved_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, rec.ID, rec.AccountID, rec.PeriodEnd, rec.BankStatementBalance, rec.TrustLedgerBalance,
			rec.ClientLedgerSumBalance, rec.Discrepancy, rec.IsReconciled, rec.Notes,
			rec.CreatedAt, rec.CreatedBy, nullString(rec.ApprovedBy), nullTime(rec.ApprovedAt))
		if err != nil {
			return fmt.Errorf("failed to insert reconciliation: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
}

const recColumns = `id, account_id, period_end, bank_statement_balance, trust_ledger_balance,
	client_ledger_sum_balance, discrepancy, is_reconciled, notes, created_at, created_by, approved_by, approved_at`

func scanReconciliation(row pgx.Row) (*ReconciliationRecord, error) {
	var r ReconciliationRecord
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.AccountID, &r.PeriodEnd, &r.BankStatementBalance, &r.TrustLedgerBalance,
		&r.ClientLedgerSumBalance, &r.Discrepancy, &r.IsReconciled, &r.Notes,
		&r.CreatedAt, &r.CreatedBy, &approvedBy, &approvedAt)
	if err != nil {
		return nil, err
	}
	r.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		r.ApprovedAt = approvedAt.Time
	}
	return &r, nil
}

func (s *PostgresStore) GetReconciliation(ctx context.Context, id string) (*ReconciliationRecord, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+recColumns+` FROM reconciliations WHERE id = $1`, id)
	rec, err := scanReconciliation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "reconciliation", ID: id}
		}
		return nil, fmt.Errorf("failed to get reconciliation: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListReconciliations(ctx context.Context, f ReconciliationFilter) ([]*ReconciliationRecord, error) {
	query := `SELECT ` + recColumns + ` FROM reconciliations WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(&args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliations: %w", err)
	}
	defer rows.Close()

	var out []*ReconciliationRecord
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateReconciliation(ctx context.Context, rec *ReconciliationRecord, entry *audit.Entry) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var approvedBy sql.NullString
		err := tx.QueryRow(ctx, `SELECT approved_by FROM reconciliations WHERE id = $1 FOR UPDATE`, rec.ID).Scan(&approvedBy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &NotFoundError{Entity: "reconciliation", ID: rec.ID}
			}
			return fmt.Errorf("failed to lock reconciliation: %w", err)
		}
		if approvedBy.String != "" {
			return &InvalidStateError{Entity: "reconciliation", ID: rec.ID, State: "APPROVED", Operation: "update"}
		}

		_, err = tx.Exec(ctx, `
			UPDATE reconciliations SET notes = $2, approved_by = $3, approved_at = $4 WHERE id = $1
		`, rec.ID, rec.Notes, nullString(rec.ApprovedBy), nullTime(rec.ApprovedAt))
		if err != nil {
			return fmt.Errorf("failed to update reconciliation: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
}

// Snapshot reads balances without FOR UPDATE locks; it may observe state
// mid-commit relative to concurrent transactions. Reconciliation stamps the
// statement period and tolerates an advisory read.
func (s *PostgresStore) Snapshot(ctx context.Context, accountID string) (*BalanceSnapshot, error) {
	snap := &BalanceSnapshot{AccountID: accountID, AsOf: time.Now().UTC()}
	err := s.Pool.QueryRow(ctx, `
		SELECT a.current_balance, COALESCE(SUM(l.running_balance), 0)
		FROM trust_accounts a
		LEFT JOIN client_ledgers l ON l.account_id = a.id
		WHERE a.id = $1
		GROUP BY a.current_balance
	`, accountID).Scan(&snap.AccountBalance, &snap.LedgerSum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "account", ID: accountID}
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, f AuditFilter) ([]*audit.Entry, error) {
	query := `SELECT id, entity_type, entity_id, action, actor, ts, details, previous_hash, hash
		FROM audit_log WHERE 1=1`
	var args []any
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		n := len(args)
		query += fmt.Sprintf(" AND (entity_id ILIKE $%d OR action ILIKE $%d OR actor ILIKE $%d OR details ILIKE $%d)", n, n, n, n)
	}
	query += " ORDER BY ts DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var e audit.Entry
		err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &e.Timestamp,
			&e.Details, &e.PreviousHash, &e.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// insertAudit seals the entry against the persisted chain head and appends
// it, all inside the mutation's transaction. Locking the head row serializes
// appends across replicas; a rolled-back transaction releases the lock
// without advancing the chain.
func insertAudit(ctx context.Context, tx pgx.Tx, entry *audit.Entry) error {
	if entry == nil {
		return nil
	}

	var head string
	err := tx.QueryRow(ctx, `SELECT hash FROM audit_chain_head WHERE id = 1 FOR UPDATE`).Scan(&head)
	if err != nil {
		return fmt.Errorf("failed to lock audit chain head: %w", err)
	}
	audit.Seal(entry, head)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor, ts, details, previous_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor,
		entry.Timestamp, entry.Details, entry.PreviousHash, entry.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE audit_chain_head SET hash = $1 WHERE id = 1`, entry.Hash)
	if err != nil {
		return fmt.Errorf("failed to advance audit chain head: %w", err)
	}
	return nil
}

func limitOffset(args *[]any, limit, offset int) string {
	var out string
	if limit > 0 {
		*args = append(*args, limit)
		out += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		out += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

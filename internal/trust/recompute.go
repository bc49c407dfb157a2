package trust

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceDrift is one stored balance that disagrees with the balance
// recomputed from transaction history.
type BalanceDrift struct {
	Entity   string          `json:"entity"` // "account" or "ledger"
	ID       string          `json:"id"`
	Stored   decimal.Decimal `json:"stored"`
	Computed decimal.Decimal `json:"computed"`
	Drift    decimal.Decimal `json:"drift"`
}

// BalanceAuditReport compares an account's materialized balances with a full
// replay of its transaction history.
type BalanceAuditReport struct {
	AccountID    string          `json:"account_id"`
	Transactions int             `json:"transactions"`
	Stored       decimal.Decimal `json:"stored_balance"`
	Computed     decimal.Decimal `json:"computed_balance"`
	Drifts       []BalanceDrift  `json:"drifts"`
	Clean        bool            `json:"clean"`
	RanAt        time.Time       `json:"ran_at"`
}

const recomputePageSize = 500

// RecomputeBalances replays every transaction of an account and reports any
// drift between stored and computed balances. Only APPROVED transactions
// carry a balance effect; VOIDED ones net to zero, PENDING and REJECTED
// never applied. The report is read-only; nothing is corrected.
func (e *Engine) RecomputeBalances(ctx context.Context, actor Actor, accountID string) (*BalanceAuditReport, error) {
	if err := e.authz.Require(ctx, actor, CapAdmin); err != nil {
		return nil, err
	}
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	computed := map[string]decimal.Decimal{}
	total := 0
	for offset := 0; ; offset += recomputePageSize {
		page, err := e.store.ListTransactions(ctx, TransactionFilter{
			AccountID: accountID,
			Limit:     recomputePageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, err
		}
		for _, tx := range page {
			total++
			if tx.Status != StatusApproved || tx.IsVoided {
				continue
			}
			for _, d := range balanceDeltas(tx) {
				computed[d.LedgerID] = computed[d.LedgerID].Add(d.Amount)
			}
		}
		if len(page) < recomputePageSize {
			break
		}
	}

	report := &BalanceAuditReport{
		AccountID:    accountID,
		Transactions: total,
		Stored:       acct.CurrentBalance,
		RanAt:        time.Now().UTC(),
	}

	for offset := 0; ; offset += recomputePageSize {
		page, err := e.store.ListLedgers(ctx, LedgerFilter{
			AccountID: accountID,
			Limit:     recomputePageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, err
		}
		for _, led := range page {
			want := computed[led.ID]
			report.Computed = report.Computed.Add(want)
			if !led.RunningBalance.Equal(want) {
				report.Drifts = append(report.Drifts, BalanceDrift{
					Entity:   "ledger",
					ID:       led.ID,
					Stored:   led.RunningBalance,
					Computed: want,
					Drift:    led.RunningBalance.Sub(want),
				})
			}
			delete(computed, led.ID)
		}
		if len(page) < recomputePageSize {
			break
		}
	}

	// Deltas against ledgers that no longer list under the account would be
	// a data fault in their own right.
	for id, want := range computed {
		report.Computed = report.Computed.Add(want)
		report.Drifts = append(report.Drifts, BalanceDrift{
			Entity:   "ledger",
			ID:       id,
			Computed: want,
			Drift:    want.Neg(),
		})
	}

	if !acct.CurrentBalance.Equal(report.Computed) {
		report.Drifts = append(report.Drifts, BalanceDrift{
			Entity:   "account",
			ID:       accountID,
			Stored:   acct.CurrentBalance,
			Computed: report.Computed,
			Drift:    acct.CurrentBalance.Sub(report.Computed),
		})
	}
	report.Clean = len(report.Drifts) == 0
	return report, nil
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/iolta-ledger/internal/audit"
	"github.com/example/iolta-ledger/internal/auth"
	"github.com/example/iolta-ledger/internal/security"
	"github.com/example/iolta-ledger/internal/trust"
)

// actorFrom builds the trust actor from the request's authenticated client.
// The capability set is the token's granted scopes.
func actorFrom(r *http.Request) trust.Actor {
	ai, ok := auth.AuthInfoFromContext(r.Context())
	if !ok {
		return trust.Actor{}
	}
	return trust.NewActor(ai.ClientID, ai.ScopeList()...)
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return 0
}

// Accounts

type createAccountRequest struct {
	Name          string `json:"name"`
	BankName      string `json:"bank_name"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
	Jurisdiction  string `json:"jurisdiction"`
	EntityID      string `json:"entity_id"`
	OfficeID      string `json:"office_id"`
}

type accountResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Account       *trust.TrustBankAccount `json:"account"`
}

type listAccountsResponse struct {
	CorrelationID string                    `json:"correlation_id"`
	Accounts      []*trust.TrustBankAccount `json:"accounts"`
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		acct, err := deps.Registry.CreateAccount(r.Context(), actorFrom(r), trust.CreateAccountRequest{
			Name:          req.Name,
			BankName:      req.BankName,
			RoutingNumber: req.RoutingNumber,
			AccountNumber: req.AccountNumber,
			Jurisdiction:  req.Jurisdiction,
			EntityID:      req.EntityID,
			OfficeID:      req.OfficeID,
		})
		if err != nil {
			writeTrustError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
		})
	}
}

func handleListAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := trust.AccountFilter{
			EntityID: r.URL.Query().Get("entity_id"),
			OfficeID: r.URL.Query().Get("office_id"),
			Status:   trust.AccountStatus(r.URL.Query().Get("status")),
			Limit:    queryInt(r, "limit"),
			Offset:   queryInt(r, "offset"),
		}

		accounts, err := deps.Registry.ListAccounts(r.Context(), filter)
		if err != nil {
			writeTrustError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, listAccountsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Accounts:      accounts,
		})
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := deps.Registry.GetAccount(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
		})
	}
}

type updateAccountRequest struct {
	Name         *string `json:"name"`
	BankName     *string `json:"bank_name"`
	Jurisdiction *string `json:"jurisdiction"`
	OfficeID     *string `json:"office_id"`
}

func handleUpdateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		acct, err := deps.Registry.UpdateAccount(r.Context(), actorFrom(r), chi.URLParam(r, "id"), trust.UpdateAccountRequest{
			Name:         req.Name,
			BankName:     req.BankName,
			Jurisdiction: req.Jurisdiction,
			OfficeID:     req.OfficeID,
		})
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
		})
	}
}

func handleCloseAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := deps.Registry.CloseAccount(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
		})
	}
}

// Ledgers

type createLedgerRequest struct {
	AccountID string `json:"account_id"`
	ClientID  string `json:"client_id"`
	MatterID  string `json:"matter_id"`
}

type ledgerResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	Ledger        *trust.ClientTrustLedger `json:"ledger"`
}

type listLedgersResponse struct {
	CorrelationID string                     `json:"correlation_id"`
	Ledgers       []*trust.ClientTrustLedger `json:"ledgers"`
}

func handleCreateLedger(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createLedgerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		led, err := deps.Ledgers.CreateLedger(r.Context(), actorFrom(r), req.AccountID, req.ClientID, req.MatterID)
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, ledgerResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Ledger:        led,
		})
	}
}

func handleListLedgers(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := trust.LedgerFilter{
			AccountID: r.URL.Query().Get("account_id"),
			ClientID:  r.URL.Query().Get("client_id"),
			MatterID:  r.URL.Query().Get("matter_id"),
			Status:    trust.LedgerStatus(r.URL.Query().Get("status")),
			Limit:     queryInt(r, "limit"),
			Offset:    queryInt(r, "offset"),
		}

		ledgers, err := deps.Ledgers.ListLedgers(r.Context(), filter)
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, listLedgersResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Ledgers:       ledgers,
		})
	}
}

func handleGetLedger(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		led, err := deps.Ledgers.GetLedger(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, ledgerResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Ledger:        led,
		})
	}
}

func handleLedgerStatus(deps Dependencies, op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		actor := actorFrom(r)

		var led *trust.ClientTrustLedger
		var err error
		switch op {
		case "freeze":
			led, err = deps.Ledgers.Freeze(r.Context(), actor, id)
		case "unfreeze":
			led, err = deps.Ledgers.Unfreeze(r.Context(), actor, id)
		case "close":
			led, err = deps.Ledgers.Close(r.Context(), actor, id)
		default:
			security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, ledgerResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Ledger:        led,
		})
	}
}

// Transactions

type allocationPayload struct {
	LedgerID    string          `json:"ledger_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type depositRequest struct {
	AccountID   string              `json:"account_id"`
	Amount      decimal.Decimal     `json:"amount"`
	Payor       string              `json:"payor"`
	Description string              `json:"description"`
	Reference   string              `json:"reference"`
	Allocations []allocationPayload `json:"allocations"`
}

type outflowRequest struct {
	AccountID   string          `json:"account_id"`
	LedgerID    string          `json:"ledger_id"`
	Amount      decimal.Decimal `json:"amount"`
	Payee       string          `json:"payee"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
}

type transferRequest struct {
	AccountID    string          `json:"account_id"`
	FromLedgerID string          `json:"from_ledger_id"`
	ToLedgerID   string          `json:"to_ledger_id"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
}

type transactionResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Transaction   *trust.TrustTransaction `json:"transaction"`
}

type listTransactionsResponse struct {
	CorrelationID string                    `json:"correlation_id"`
	Transactions  []*trust.TrustTransaction `json:"transactions"`
}

func handleDeposit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req depositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		allocs := make([]trust.Allocation, 0, len(req.Allocations))
		for _, a := range req.Allocations {
			allocs = append(allocs, trust.Allocation{LedgerID: a.LedgerID, Amount: a.Amount, Description: a.Description})
		}

		tx, err := deps.Engine.Deposit(r.Context(), actorFrom(r), trust.DepositRequest{
			AccountID:   req.AccountID,
			Amount:      req.Amount,
			Payor:       req.Payor,
			Description: req.Description,
			Reference:   req.Reference,
			Allocations: allocs,
		})
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

func handleWithdrawal(deps Dependencies) http.HandlerFunc {
	return handleOutflow(deps, "withdrawal")
}

func handleFeeEarned(deps Dependencies) http.HandlerFunc {
	return handleOutflow(deps, "fee")
}

func handleOutflow(deps Dependencies, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		wr := trust.WithdrawalRequest{
			AccountID:   req.AccountID,
			LedgerID:    req.LedgerID,
			Amount:      req.Amount,
			Payee:       req.Payee,
			Description: req.Description,
			Reference:   req.Reference,
		}

		var tx *trust.TrustTransaction
		var err error
		if kind == "fee" {
			tx, err = deps.Engine.FeeEarned(r.Context(), actorFrom(r), wr)
		} else {
			tx, err = deps.Engine.Withdraw(r.Context(), actorFrom(r), wr)
		}
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

func handleTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		tx, err := deps.Engine.Transfer(r.Context(), actorFrom(r), trust.TransferRequest{
			AccountID:    req.AccountID,
			FromLedgerID: req.FromLedgerID,
			ToLedgerID:   req.ToLedgerID,
			Amount:       req.Amount,
			Description:  req.Description,
		})
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

func handleListTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := trust.TransactionFilter{
			AccountID: r.URL.Query().Get("account_id"),
			LedgerID:  r.URL.Query().Get("ledger_id"),
			Type:      trust.TransactionType(r.URL.Query().Get("type")),
			Status:    trust.TransactionStatus(r.URL.Query().Get("status")),
			Limit:     queryInt(r, "limit"),
			Offset:    queryInt(r, "offset"),
		}

		txs, err := deps.Engine.ListTransactions(r.Context(), filter)
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, listTransactionsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transactions:  txs,
		})
	}
}

func handleGetTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := deps.Engine.GetTransaction(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

// Approval workflow

type reasonRequest struct {
	Reason string `json:"reason"`
}

func handleApprove(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := deps.Workflow.Approve(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

func handleReject(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		tx, err := deps.Workflow.Reject(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

func handleVoid(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		tx, err := deps.Workflow.Void(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

// Reconciliation

type reconcileRequest struct {
	AccountID            string          `json:"account_id"`
	PeriodEnd            string          `json:"period_end"`
	BankStatementBalance decimal.Decimal `json:"bank_statement_balance"`
	Notes                string          `json:"notes"`
}

type reconciliationResponse struct {
	CorrelationID  string                      `json:"correlation_id"`
	Reconciliation *trust.ReconciliationRecord `json:"reconciliation"`
}

type listReconciliationsResponse struct {
	CorrelationID   string                        `json:"correlation_id"`
	Reconciliations []*trust.ReconciliationRecord `json:"reconciliations"`
}

func handleReconcile(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reconcileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		periodEnd, err := time.Parse("2006-01-02", req.PeriodEnd)
		if err != nil {
			security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", "period_end must be YYYY-MM-DD")
			return
		}

		rec, err := deps.Reconciler.Reconcile(r.Context(), actorFrom(r), trust.ReconcileRequest{
			AccountID:            req.AccountID,
			PeriodEnd:            periodEnd,
			BankStatementBalance: req.BankStatementBalance,
			Notes:                req.Notes,
		})
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, reconciliationResponse{
			CorrelationID:  security.CorrelationIDFromContext(r.Context()),
			Reconciliation: rec,
		})
	}
}

func handleListReconciliations(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Reconciler.ListReconciliations(r.Context(), trust.ReconciliationFilter{
			AccountID: r.URL.Query().Get("account_id"),
			Limit:     queryInt(r, "limit"),
			Offset:    queryInt(r, "offset"),
		})
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, listReconciliationsResponse{
			CorrelationID:   security.CorrelationIDFromContext(r.Context()),
			Reconciliations: recs,
		})
	}
}

func handleGetReconciliation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Reconciler.GetReconciliation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, reconciliationResponse{
			CorrelationID:  security.CorrelationIDFromContext(r.Context()),
			Reconciliation: rec,
		})
	}
}

func handleApproveReconciliation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Reconciler.Approve(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, reconciliationResponse{
			CorrelationID:  security.CorrelationIDFromContext(r.Context()),
			Reconciliation: rec,
		})
	}
}

// Admin

type listAuditLogsResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Entries       []*audit.Entry `json:"entries"`
}

func handleListAuditLogs(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Engine.ListAuditEntries(r.Context(), trust.AuditFilter{
			EntityType: r.URL.Query().Get("entityType"),
			Query:      r.URL.Query().Get("q"),
			Limit:      queryInt(r, "limit"),
		})
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, listAuditLogsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Entries:       entries,
		})
	}
}

type balanceAuditResponse struct {
	CorrelationID string                    `json:"correlation_id"`
	Report        *trust.BalanceAuditReport `json:"report"`
}

func handleBalanceAudit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := r.URL.Query().Get("account_id")
		if accountID == "" {
			security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", "account_id is required")
			return
		}

		report, err := deps.Engine.RecomputeBalances(r.Context(), actorFrom(r), accountID)
		if err != nil {
			writeTrustError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, balanceAuditResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Report:        report,
		})
	}
}

package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/iolta-ledger/internal/auth"
	"github.com/example/iolta-ledger/internal/security"
	"github.com/example/iolta-ledger/internal/trust"
)

// Dependencies wires the HTTP surface to the trust services.
type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Registry   *trust.Registry
	Ledgers    *trust.LedgerManager
	Engine     *trust.Engine
	Workflow   *trust.Workflow
	Reconciler *trust.Reconciler

	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	validators := map[string]*security.JSONSchemaValidator{}
	for name, schema := range map[string]string{
		"createAccount": createAccountSchema,
		"updateAccount": updateAccountSchema,
		"createLedger":  createLedgerSchema,
		"deposit":       depositSchema,
		"withdrawal":    withdrawalSchema,
		"fee":           feeSchema,
		"transfer":      transferSchema,
		"reconcile":     reconcileSchema,
		"reject":        rejectSchema,
		"void":          voidSchema,
	} {
		v, err := security.NewJSONSchemaValidator(schema)
		if err != nil {
			return nil, err
		}
		validators[name] = v
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.MaxBody(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKey))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/trust", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))

		r.Route("/accounts", func(r chi.Router) {
			r.With(requireScope(onAuthError, trust.CapAdmin)).Get("/", handleListAccounts(deps))
			r.With(requireScope(onAuthError, trust.CapAdmin), validators["createAccount"].Middleware).Post("/", handleCreateAccount(deps))
			r.With(requireScope(onAuthError, trust.CapAdmin)).Get("/{id}", handleGetAccount(deps))
			r.With(requireScope(onAuthError, trust.CapAdmin), validators["updateAccount"].Middleware).Patch("/{id}", handleUpdateAccount(deps))
			r.With(requireScope(onAuthError, trust.CapAdmin)).Post("/{id}/close", handleCloseAccount(deps))
		})

		r.Route("/ledgers", func(r chi.Router) {
			r.Get("/", handleListLedgers(deps))
			r.With(requireScope(onAuthError, trust.CapAdmin), validators["createLedger"].Middleware).Post("/", handleCreateLedger(deps))
			r.Get("/{id}", handleGetLedger(deps))
			r.With(requireScope(onAuthError, trust.CapAdmin)).Post("/{id}/freeze", handleLedgerStatus(deps, "freeze"))
			r.With(requireScope(onAuthError, trust.CapAdmin)).Post("/{id}/unfreeze", handleLedgerStatus(deps, "unfreeze"))
			r.With(requireScope(onAuthError, trust.CapAdmin)).Post("/{id}/close", handleLedgerStatus(deps, "close"))
		})

		r.With(requireScope(onAuthError, trust.CapDeposit), validators["deposit"].Middleware).Post("/deposit", handleDeposit(deps))
		r.With(requireScope(onAuthError, trust.CapWithdraw), validators["withdrawal"].Middleware).Post("/withdrawal", handleWithdrawal(deps))
		r.With(requireScope(onAuthError, trust.CapWithdraw), validators["fee"].Middleware).Post("/fees", handleFeeEarned(deps))
		r.With(requireScope(onAuthError, trust.CapWithdraw), validators["transfer"].Middleware).Post("/transfers", handleTransfer(deps))

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", handleListTransactions(deps))
			r.Get("/{id}", handleGetTransaction(deps))
			r.With(requireScope(onAuthError, trust.CapApprove)).Post("/{id}/approve", handleApprove(deps))
			r.With(requireScope(onAuthError, trust.CapApprove), validators["reject"].Middleware).Post("/{id}/reject", handleReject(deps))
			r.With(requireScope(onAuthError, trust.CapVoid), validators["void"].Middleware).Post("/{id}/void", handleVoid(deps))
		})

		r.With(requireScope(onAuthError, trust.CapReconcile), validators["reconcile"].Middleware).Post("/reconcile", handleReconcile(deps))
		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/", handleListReconciliations(deps))
			r.Get("/{id}", handleGetReconciliation(deps))
			r.With(requireScope(onAuthError, trust.CapReconcile)).Post("/{id}/approve", handleApproveReconciliation(deps))
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		r.Use(requireScope(onAuthError, trust.CapAdmin))

		r.Get("/audit-logs", handleListAuditLogs(deps))
		r.Get("/balance-audit", handleBalanceAudit(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func requireScope(onError auth.ErrorWriter, cap trust.Capability) func(http.Handler) http.Handler {
	return auth.RequireScopes(onError, string(cap))
}

// rateLimitKey buckets by authenticated client when available, else by
// remote address.
func rateLimitKey(r *http.Request) string {
	if ai, ok := auth.AuthInfoFromContext(r.Context()); ok && ai.ClientID != "" {
		return "client:" + ai.ClientID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}

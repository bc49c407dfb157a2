package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/iolta-ledger/internal/api"
	"github.com/example/iolta-ledger/internal/audit"
	"github.com/example/iolta-ledger/internal/auth"
	"github.com/example/iolta-ledger/internal/config"
	"github.com/example/iolta-ledger/internal/crypto"
	"github.com/example/iolta-ledger/internal/security"
	"github.com/example/iolta-ledger/internal/trust"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		logger.Error("invalid IP_ALLOWLIST", "error", err)
		os.Exit(1)
	}

	var store trust.Store
	var clientStore auth.ClientStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = &trust.PostgresStore{Pool: pool}
		clientStore = &auth.PostgresClientStore{Pool: pool}
	} else {
		logger.Warn("DATABASE_URL not set, running on the in-memory store")
		store = trust.NewMemoryStore()
		clientStore = devClientStore(logger)
	}

	var limiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		limiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "iolta_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefill,
		}
	}

	kms, err := crypto.NewFileKMS(cfg.KMSDir, cfg.KMSKeyID)
	if err != nil {
		logger.Error("failed to initialize KMS", "error", err)
		os.Exit(1)
	}
	encryptor := crypto.NewAEADEncryptor(kms)

	var mirror trust.AuditMirror
	if len(cfg.KafkaBrokers) > 0 {
		pub := audit.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer pub.Close()
		mirror = pub
	}

	keySet, err := auth.NewKeySet()
	if err != nil {
		logger.Error("failed to create keyset", "error", err)
		os.Exit(1)
	}

	oauthServer := &auth.OAuthServer{
		Store:          clientStore,
		Keys:           keySet,
		Issuer:         cfg.JWTIssuer,
		AccessTokenTTL: cfg.AccessTokenTTL,
	}
	jwtValidator := &auth.JWTValidator{KeySet: keySet, Issuer: cfg.JWTIssuer}

	recorder := audit.NewRecorder()
	metrics := trust.NewMetrics()
	authz := trust.CapabilityAuthorizer{}
	policy := trust.Policy{DualControlWithdrawals: cfg.DualControlWithdrawals}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		OAuth:        oauthServer,
		JWTValidator: jwtValidator,
		Registry:     trust.NewRegistry(store, encryptor, authz, recorder, mirror, metrics),
		Ledgers:      trust.NewLedgerManager(store, authz, recorder, mirror, metrics),
		Engine:       trust.NewEngine(store, authz, recorder, mirror, metrics, policy, cfg.TrustEpsilon),
		Workflow:     trust.NewWorkflow(store, authz, recorder, mirror, metrics),
		Reconciler:   trust.NewReconciler(store, authz, recorder, mirror, metrics, cfg.TrustEpsilon),
		RateLimiter:  limiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile:          cfg.TLSCertFile,
			KeyFile:           cfg.TLSKeyFile,
			CAFile:            cfg.TLSCAFile,
			RequireClientAuth: cfg.TLSClientAuth,
		})
		if err != nil {
			logger.Error("failed to load TLS config", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("trust ledger api listening", "addr", cfg.ListenAddr, "env", cfg.Environment)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// devClientStore seeds a full-capability client for local development. The
// secret is fixed and must never reach a shared environment.
func devClientStore(logger *slog.Logger) auth.ClientStore {
	hash, err := auth.HashClientSecret("dev-secret")
	if err != nil {
		logger.Error("failed to hash dev client secret", "error", err)
		os.Exit(1)
	}

	store := auth.NewMemoryClientStore()
	store.PutClient(&auth.Client{
		ID:         "dev-client",
		SecretHash: hash,
		Scopes: []string{
			string(trust.CapDeposit),
			string(trust.CapWithdraw),
			string(trust.CapApprove),
			string(trust.CapVoid),
			string(trust.CapReconcile),
			string(trust.CapAdmin),
		},
	})
	logger.Warn("seeded development OAuth client", "client_id", "dev-client")
	return store
}

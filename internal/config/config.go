package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the application configuration, loaded from the environment.
type Config struct {
	Environment string
	ListenAddr  string

	// DatabaseURL selects the Postgres store; when empty the engine runs on
	// the in-memory store (development and tests only).
	DatabaseURL string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string
	AuditDBPath  string

	KMSDir   string
	KMSKeyID string

	JWTIssuer      string
	AccessTokenTTL time.Duration

	// TrustEpsilon is the currency-precision tolerance for allocation and
	// reconciliation matching.
	TrustEpsilon           decimal.Decimal
	DualControlWithdrawals bool

	RateLimitCapacity int
	RateLimitRefill   float64

	MaxBodyBytes int64
	IPAllowlist  []string

	TLSCertFile   string
	TLSKeyFile    string
	TLSCAFile     string
	TLSClientAuth bool
}

// Load reads configuration from the environment, after merging a local .env
// file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:  getenv("APP_ENV", "development"),
		ListenAddr:   getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getenv("KAFKA_AUDIT_TOPIC", "trust_audit_log"),
		AuditDBPath:  getenv("AUDIT_DB_PATH", "audit.db"),
		KMSDir:       getenv("KMS_DIR", ".keys"),
		KMSKeyID:     getenv("KMS_KEY_ID", "trust-master"),
		JWTIssuer:    getenv("JWT_ISSUER", "iolta-ledger"),

		TLSCertFile:   os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:    os.Getenv("TLS_KEY_FILE"),
		TLSCAFile:     os.Getenv("TLS_CA_FILE"),
		TLSClientAuth: boolenv("TLS_REQUIRE_CLIENT_AUTH"),

		DualControlWithdrawals: boolenv("DUAL_CONTROL_WITHDRAWALS"),
		IPAllowlist:            splitList(os.Getenv("IP_ALLOWLIST")),
	}

	var err error
	if cfg.AccessTokenTTL, err = durenv("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TrustEpsilon, err = decenv("TRUST_EPSILON", decimal.NewFromFloat(0.01)); err != nil {
		return nil, err
	}
	if cfg.RateLimitCapacity, err = intenv("RATE_LIMIT_CAPACITY", 50); err != nil {
		return nil, err
	}
	if cfg.RateLimitRefill, err = floatenv("RATE_LIMIT_REFILL", 25); err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes, err = int64env("MAX_BODY_BYTES", 1<<20); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete for its environment.
// Development may run entirely on in-process backends; production requires
// durable ones.
func (c *Config) Validate() error {
	if c.TrustEpsilon.IsNegative() {
		return errors.New("TRUST_EPSILON must not be negative")
	}

	if c.Environment == "production" || c.Environment == "staging" {
		var missing []string
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
		if len(c.KafkaBrokers) == 0 {
			missing = append(missing, "KAFKA_BROKERS")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}

		// Secret indirection check: the master key must come from a KMS in
		// production, never a local key directory.
		if !isSecretReference(c.KMSKeyID) {
			return errors.New("KMS_KEY_ID must be a KMS reference (start with aws-kms://, gcp-kms://, or vault://)")
		}
	}

	return nil
}

func isSecretReference(val string) bool {
	for _, p := range []string{"aws-kms://", "gcp-kms://", "vault://"} {
		if strings.HasPrefix(val, p) {
			return true
		}
	}
	return false
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolenv(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intenv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func int64env(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func floatenv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.New(key + " must be a number")
	}
	return f, nil
}

func durenv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New(key + " must be a duration (e.g. 15m)")
	}
	return d, nil
}

func decenv(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.New(key + " must be a decimal number")
	}
	return d, nil
}

package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func pinEnv(t *testing.T, pairs map[string]string) {
	t.Helper()
	keys := []string{
		"APP_ENV", "LISTEN_ADDR", "DATABASE_URL", "REDIS_ADDR",
		"KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC", "AUDIT_DB_PATH",
		"KMS_DIR", "KMS_KEY_ID", "JWT_ISSUER", "ACCESS_TOKEN_TTL",
		"TRUST_EPSILON", "DUAL_CONTROL_WITHDRAWALS",
		"RATE_LIMIT_CAPACITY", "RATE_LIMIT_REFILL",
		"MAX_BODY_BYTES", "IP_ALLOWLIST",
		"TLS_CERT_FILE", "TLS_KEY_FILE", "TLS_CA_FILE", "TLS_REQUIRE_CLIENT_AUTH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
	for k, v := range pairs {
		t.Setenv(k, v)
	}
}

func TestLoadDevelopmentDefaults(t *testing.T) {
	pinEnv(t, nil)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "trust_audit_log", cfg.KafkaTopic)
	require.Equal(t, "trust-master", cfg.KMSKeyID)
	require.Equal(t, "iolta-ledger", cfg.JWTIssuer)
	require.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	require.True(t, cfg.TrustEpsilon.Equal(decimal.NewFromFloat(0.01)))
	require.Equal(t, 50, cfg.RateLimitCapacity)
	require.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	require.False(t, cfg.DualControlWithdrawals)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	pinEnv(t, map[string]string{
		"KAFKA_BROKERS":            "kafka-1:9092, kafka-2:9092",
		"TRUST_EPSILON":            "0.005",
		"DUAL_CONTROL_WITHDRAWALS": "true",
		"ACCESS_TOKEN_TTL":         "1h",
		"IP_ALLOWLIST":             "10.0.0.0/8,192.168.1.0/24",
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.TrustEpsilon.Equal(decimal.RequireFromString("0.005")))
	require.True(t, cfg.DualControlWithdrawals)
	require.Equal(t, time.Hour, cfg.AccessTokenTTL)
	require.Equal(t, []string{"10.0.0.0/8", "192.168.1.0/24"}, cfg.IPAllowlist)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	pinEnv(t, map[string]string{"ACCESS_TOKEN_TTL": "soon"})
	_, err := Load()
	require.Error(t, err)

	pinEnv(t, map[string]string{"TRUST_EPSILON": "a penny"})
	_, err = Load()
	require.Error(t, err)

	pinEnv(t, map[string]string{"RATE_LIMIT_CAPACITY": "many"})
	_, err = Load()
	require.Error(t, err)
}

func TestValidateProductionRequiresDurableBackends(t *testing.T) {
	pinEnv(t, map[string]string{"APP_ENV": "production"})

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
	require.Contains(t, err.Error(), "REDIS_ADDR")
	require.Contains(t, err.Error(), "KAFKA_BROKERS")
}

func TestValidateProductionRequiresKMSReference(t *testing.T) {
	base := map[string]string{
		"APP_ENV":       "production",
		"DATABASE_URL":  "postgres://localhost/trust",
		"REDIS_ADDR":    "localhost:6379",
		"KAFKA_BROKERS": "localhost:9092",
	}
	pinEnv(t, base)
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "KMS_KEY_ID")

	base["KMS_KEY_ID"] = "aws-kms://alias/trust-master"
	pinEnv(t, base)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "aws-kms://alias/trust-master", cfg.KMSKeyID)
}

func TestValidateRejectsNegativeEpsilon(t *testing.T) {
	cfg := &Config{TrustEpsilon: decimal.RequireFromString("-0.01")}
	require.Error(t, cfg.Validate())
}

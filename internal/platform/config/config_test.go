package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdirForTest(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Equal(t, 15*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, "treasury", cfg.Treasury.UserID)
	assert.Equal(t, []string{"127.0.0.1/32", "::1/128"}, cfg.App.TrustedCIDRs)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdirForTest(t, dir)
	yaml := "ledger:\n  timeout: 3s\nkafka:\n  brokers: [\"k1:9092\"]\nreconcile:\n  batch: 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settle.yaml"), []byte(yaml), 0o600))
	t.Setenv("SETTLE_LEDGER_TIMEOUT", "5s")
	t.Setenv("SETTLE_APP_TRUSTED_CIDRS", "10.0.0.0/8, 192.168.0.0/16")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, 7, cfg.Reconcile.Batch)
	assert.Equal(t, []string{"k1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.App.TrustedCIDRs)
}

func TestValidateStrictRequirements(t *testing.T) {
	valid := func() Config {
		return Config{
			App:    AppConfig{Strict: true, CredentialKey: "00"},
			DB:     DBConfig{URL: "postgres://x"},
			TLS:    TLSConfig{Enabled: true},
			JWT:    JWTConfig{Secret: "prod-secret"},
			Ledger: LedgerConfig{Driver: "evm", Timeout: time.Second},
			EVM:    EVMConfig{RPCURL: "http://node", TokenContract: "0x1", ChainID: 1},
		}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "strict valid config", mutate: func(*Config) {}},
		{name: "non-strict allows dev defaults", mutate: func(c *Config) {
			*c = Config{Ledger: LedgerConfig{Driver: "memory", Timeout: time.Second}, JWT: JWTConfig{Secret: DefaultJWTSecret}}
		}},
		{name: "strict requires database", mutate: func(c *Config) { c.DB.URL = "" }, wantErr: true},
		{name: "strict requires tls", mutate: func(c *Config) { c.TLS.Enabled = false }, wantErr: true},
		{name: "strict rejects default jwt secret without keyset", mutate: func(c *Config) { c.JWT.Secret = DefaultJWTSecret }, wantErr: true},
		{name: "strict allows keyset with default single secret", mutate: func(c *Config) {
			c.JWT.Secret = DefaultJWTSecret
			c.JWT.Keyset = "k1:rotated-secret"
		}},
		{name: "strict rejects memory ledger", mutate: func(c *Config) { c.Ledger.Driver = "memory" }, wantErr: true},
		{name: "strict requires credential key", mutate: func(c *Config) { c.App.CredentialKey = "" }, wantErr: true},
		{name: "evm requires contract", mutate: func(c *Config) { c.EVM.TokenContract = "" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Ledger.Driver = "carrier-pigeon" }, wantErr: true},
		{name: "zero ledger timeout", mutate: func(c *Config) { c.Ledger.Timeout = 0 }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const DefaultJWTSecret = "dev-insecure-change-me"

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	DB        DBConfig        `mapstructure:"db"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	EVM       EVMConfig       `mapstructure:"evm"`
	Treasury  TreasuryConfig  `mapstructure:"treasury"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

type AppConfig struct {
	Env          string   `mapstructure:"env"`
	Version      string   `mapstructure:"version"`
	Strict       bool     `mapstructure:"strict"`
	TrustedCIDRs []string `mapstructure:"trusted_cidrs"`
	// CredentialKey is the hex-encoded 32 byte key sealing wallet credentials.
	CredentialKey string `mapstructure:"credential_key"`
	// DevWallets seeds "user:balance" wallets on the memory ledger.
	DevWallets []string `mapstructure:"dev_wallets"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type DBConfig struct {
	URL         string `mapstructure:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`
	Keyset     string `mapstructure:"keyset"`
	ActiveKID  string `mapstructure:"active_kid"`
	KeysetFile string `mapstructure:"keyset_file"`
}

type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CertFile          string `mapstructure:"cert_file"`
	KeyFile           string `mapstructure:"key_file"`
	ClientCAFile      string `mapstructure:"client_ca_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

type LedgerConfig struct {
	// Driver is "memory" or "evm".
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EVMConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	ChainID           int64         `mapstructure:"chain_id"`
	TokenContract     string        `mapstructure:"token_contract"`
	TokenDecimals     int32         `mapstructure:"token_decimals"`
	MinorUnitDecimals int32         `mapstructure:"minor_unit_decimals"`
	GasLimit          uint64        `mapstructure:"gas_limit"`
	MaxGasPriceGwei   int64         `mapstructure:"max_gas_price_gwei"`
	ReceiptPoll       time.Duration `mapstructure:"receipt_poll"`
}

type TreasuryConfig struct {
	UserID  string `mapstructure:"user_id"`
	Account string `mapstructure:"account"`
	// SealedCredential is the output of "settlectl seal".
	SealedCredential string `mapstructure:"sealed_credential"`
	// SeedBalance funds the treasury account on the memory ledger.
	SeedBalance int64 `mapstructure:"seed_balance"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Grace is the minimum age of an unconfirmed transfer before its receipt
	// is looked up.
	Grace time.Duration `mapstructure:"grace"`
	// ReviewAfter is how long a request may sit with an unresolvable escrow
	// before it is flagged for manual review.
	ReviewAfter time.Duration `mapstructure:"review_after"`
	Batch       int           `mapstructure:"batch"`
}

// Load reads .env (if present), an optional settle.yaml, and SETTLE_*
// environment variables, in increasing precedence.
func Load(paths ...string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("settle")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.App.TrustedCIDRs = splitList(cfg.App.TrustedCIDRs)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.App.DevWallets = splitList(cfg.App.DevWallets)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.strict", false)
	v.SetDefault("app.trusted_cidrs", []string{"127.0.0.1/32", "::1/128"})
	v.SetDefault("app.credential_key", "")
	v.SetDefault("app.dev_wallets", []string{})

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":8081")

	v.SetDefault("db.url", "")
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("jwt.secret", DefaultJWTSecret)
	v.SetDefault("jwt.keyset", "")
	v.SetDefault("jwt.active_kid", "")
	v.SetDefault("jwt.keyset_file", "")

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.client_ca_file", "")
	v.SetDefault("tls.require_client_cert", false)

	v.SetDefault("ledger.driver", "memory")
	v.SetDefault("ledger.timeout", 15*time.Second)

	v.SetDefault("evm.rpc_url", "")
	v.SetDefault("evm.chain_id", 0)
	v.SetDefault("evm.token_contract", "")
	v.SetDefault("evm.token_decimals", 18)
	v.SetDefault("evm.minor_unit_decimals", 2)
	v.SetDefault("evm.gas_limit", 65000)
	v.SetDefault("evm.max_gas_price_gwei", 0)
	v.SetDefault("evm.receipt_poll", 2*time.Second)

	v.SetDefault("treasury.user_id", "treasury")
	v.SetDefault("treasury.account", "treasury")
	v.SetDefault("treasury.sealed_credential", "")
	v.SetDefault("treasury.seed_balance", 0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "settle:gifts:")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "settle.payouts")

	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.grace", 30*time.Second)
	v.SetDefault("reconcile.review_after", 30*time.Minute)
	v.SetDefault("reconcile.batch", 100)
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate enforces production requirements when App.Strict is set.
func (c Config) Validate() error {
	switch c.Ledger.Driver {
	case "memory":
	case "evm":
		if c.EVM.RPCURL == "" || c.EVM.TokenContract == "" || c.EVM.ChainID == 0 {
			return errors.New("evm ledger requires rpc_url, token_contract and chain_id")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Ledger.Timeout <= 0 {
		return errors.New("ledger timeout must be positive")
	}
	if !c.App.Strict {
		return nil
	}
	if strings.TrimSpace(c.DB.URL) == "" {
		return errors.New("strict mode requires db.url")
	}
	if !c.TLS.Enabled {
		return errors.New("strict mode requires tls.enabled")
	}
	if c.JWT.Keyset == "" && c.JWT.KeysetFile == "" && (c.JWT.Secret == "" || c.JWT.Secret == DefaultJWTSecret) {
		return errors.New("strict mode requires a non-default jwt secret or keyset")
	}
	if c.Ledger.Driver == "memory" {
		return errors.New("strict mode requires a remote ledger driver")
	}
	if len(c.App.DevWallets) > 0 {
		return errors.New("strict mode forbids app.dev_wallets")
	}
	if strings.TrimSpace(c.App.CredentialKey) == "" {
		return errors.New("strict mode requires app.credential_key")
	}
	return nil
}

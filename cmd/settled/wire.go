package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/ledger/evm"
	"github.com/wizardbeardstudio/open-settle-go/internal/ledger/memledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/notify"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/credential"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
	"github.com/wizardbeardstudio/open-settle-go/internal/store/memstore"
	"github.com/wizardbeardstudio/open-settle-go/internal/store/postgres"
)

// dependencies holds everything settled opens before it serves.
type dependencies struct {
	db       *sql.DB
	store    settlement.Store
	audit    audit.Store
	ledger   ledger.Client
	treasury settlement.Treasury
	redis    *redis.Client
	notifier *notify.RedisNotifier
	kafka    *notify.KafkaPublisher
	events   notify.Events
	logger   *zap.Logger
}

func wire(ctx context.Context, cfg config.Config, clk clock.Clock, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	var sealer *credential.Sealer
	if strings.TrimSpace(cfg.App.CredentialKey) != "" {
		if sealer, err = credential.NewSealerFromHex(cfg.App.CredentialKey); err != nil {
			return nil, err
		}
	}

	if err := d.openStore(ctx, cfg, sealer); err != nil {
		return nil, err
	}
	if err := d.openLedger(ctx, cfg, clk, sealer); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := notify.Ping(ctx, d.redis); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		d.notifier = notify.NewRedisNotifier(d.redis, cfg.Redis.ChannelPrefix)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		d.kafka = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		d.events = append(d.events, d.kafka)
	}
	return d, nil
}

func (d *dependencies) openStore(ctx context.Context, cfg config.Config, sealer *credential.Sealer) error {
	if cfg.DB.URL == "" {
		d.logger.Warn("no database configured, using in-memory store")
		d.store = memstore.New()
		d.audit = audit.NewInMemoryStore()
		return nil
	}
	if cfg.DB.AutoMigrate {
		if err := postgres.MigrateUp(cfg.DB.URL, d.logger); err != nil {
			return err
		}
	}
	db, err := sql.Open("pgx", cfg.DB.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.db = db
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	d.store = postgres.New(db, sealer)
	d.audit = audit.NewPostgresStore(db)
	return nil
}

func (d *dependencies) openLedger(ctx context.Context, cfg config.Config, clk clock.Clock, sealer *credential.Sealer) error {
	cred, err := treasuryCredential(cfg, sealer)
	if err != nil {
		return err
	}
	d.treasury = settlement.Treasury{
		UserID:     cfg.Treasury.UserID,
		Account:    ledger.AccountID(cfg.Treasury.Account),
		Credential: cred,
	}

	switch cfg.Ledger.Driver {
	case "evm":
		var maxGas *big.Int
		if cfg.EVM.MaxGasPriceGwei > 0 {
			maxGas = new(big.Int).Mul(big.NewInt(cfg.EVM.MaxGasPriceGwei), big.NewInt(1_000_000_000))
		}
		client, err := evm.Dial(ctx, cfg.EVM.RPCURL, evm.Config{
			TokenContract:     cfg.EVM.TokenContract,
			ChainID:           cfg.EVM.ChainID,
			TokenDecimals:     cfg.EVM.TokenDecimals,
			MinorUnitDecimals: cfg.EVM.MinorUnitDecimals,
			GasLimit:          cfg.EVM.GasLimit,
			MaxGasPrice:       maxGas,
			ReceiptPoll:       cfg.EVM.ReceiptPoll,
		}, d.logger)
		if err != nil {
			return err
		}
		d.ledger = client
		return nil
	default:
		mem := memledger.New(clk)
		mem.OpenAccount(d.treasury.Account, cred.Reveal())
		if cfg.Treasury.SeedBalance > 0 {
			mem.Mint(d.treasury.Account, cfg.Treasury.SeedBalance)
		}
		if err := seedDevWallets(ctx, mem, d.store, cfg.App.DevWallets); err != nil {
			return err
		}
		d.ledger = mem
		d.logger.Warn("using in-memory ledger", zap.Int("dev_wallets", len(cfg.App.DevWallets)))
		return nil
	}
}

// treasuryCredential opens the sealed treasury credential. The memory
// ledger falls back to a random one.
func treasuryCredential(cfg config.Config, sealer *credential.Sealer) (ledger.Credential, error) {
	sealed := strings.TrimSpace(cfg.Treasury.SealedCredential)
	if sealed == "" {
		if cfg.Ledger.Driver != "memory" {
			return ledger.Credential{}, errors.New("treasury.sealed_credential is required for a remote ledger")
		}
		return randomCredential()
	}
	if sealer == nil {
		return ledger.Credential{}, errors.New("treasury.sealed_credential requires app.credential_key")
	}
	secret, err := sealer.Open(cfg.Treasury.UserID, sealed)
	if err != nil {
		return ledger.Credential{}, fmt.Errorf("open treasury credential: %w", err)
	}
	return ledger.NewCredential(secret), nil
}

func randomCredential() (ledger.Credential, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return ledger.Credential{}, err
	}
	return ledger.NewCredential(secret), nil
}

type devWallet struct {
	userID  string
	balance int64
}

func parseDevWallet(spec string) (devWallet, error) {
	user, bal, ok := strings.Cut(strings.TrimSpace(spec), ":")
	user = strings.TrimSpace(user)
	if !ok || user == "" {
		return devWallet{}, fmt.Errorf("dev wallet %q: want user:balance", spec)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(bal), 10, 64)
	if err != nil || n < 0 {
		return devWallet{}, fmt.Errorf("dev wallet %q: invalid balance", spec)
	}
	return devWallet{userID: user, balance: n}, nil
}

func seedDevWallets(ctx context.Context, mem *memledger.Ledger, store settlement.Store, specs []string) error {
	for _, spec := range specs {
		w, err := parseDevWallet(spec)
		if err != nil {
			return err
		}
		wallet, err := store.GetWallet(ctx, w.userID)
		switch {
		case errors.Is(err, settlement.ErrNotFound):
			cred, err := randomCredential()
			if err != nil {
				return err
			}
			wallet = settlement.WalletAccount{
				UserID:            w.userID,
				ExternalAccountID: ledger.AccountID("dev-" + w.userID),
				Credential:        cred,
			}
			if err := store.PutWallet(ctx, wallet); err != nil {
				return fmt.Errorf("seed wallet %s: %w", w.userID, err)
			}
		case err != nil:
			return fmt.Errorf("seed wallet %s: %w", w.userID, err)
		}
		mem.OpenAccount(wallet.ExternalAccountID, wallet.Credential.Reveal())
		if w.balance > 0 {
			mem.Mint(wallet.ExternalAccountID, w.balance)
		}
	}
	return nil
}

// Ready pings the database and redis when they are configured.
func (d *dependencies) Ready(ctx context.Context) error {
	if d.db != nil {
		if err := d.db.PingContext(ctx); err != nil {
			return err
		}
	}
	if d.redis != nil {
		if err := notify.Ping(ctx, d.redis); err != nil {
			return err
		}
	}
	return nil
}

func (d *dependencies) Close() {
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.logger.Warn("close kafka writer", zap.Error(err))
		}
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}

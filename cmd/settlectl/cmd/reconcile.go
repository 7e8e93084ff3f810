package cmd

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/ledger/evm"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
	"github.com/wizardbeardstudio/open-settle-go/internal/store/postgres"
)

func evmConfig(cfg config.Config) evm.Config {
	var maxGas *big.Int
	if cfg.EVM.MaxGasPriceGwei > 0 {
		maxGas = new(big.Int).Mul(big.NewInt(cfg.EVM.MaxGasPriceGwei), big.NewInt(1_000_000_000))
	}
	return evm.Config{
		TokenContract:     cfg.EVM.TokenContract,
		ChainID:           cfg.EVM.ChainID,
		TokenDecimals:     cfg.EVM.TokenDecimals,
		MinorUnitDecimals: cfg.EVM.MinorUnitDecimals,
		GasLimit:          cfg.EVM.GasLimit,
		MaxGasPrice:       maxGas,
		ReceiptPoll:       cfg.EVM.ReceiptPoll,
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over unconfirmed transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Ledger.Driver != "evm" {
				return errors.New("reconcile needs a remote ledger; the memory ledger lives inside settled")
			}
			logger := opts.logger(cfg)
			defer func() { _ = logger.Sync() }()

			sealer, err := sealerFor(cfg)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			client, err := evm.Dial(cmd.Context(), cfg.EVM.RPCURL, evmConfig(cfg), logger)
			if err != nil {
				return err
			}
			engine, err := settlement.NewEngine(settlement.Config{
				Store:  postgres.New(db, sealer),
				Ledger: ledger.NewGuarded(client, cfg.Ledger.Timeout, nil, logger),
				// Receipt lookups only; no credential.
				Treasury: settlement.Treasury{
					UserID:  cfg.Treasury.UserID,
					Account: ledger.AccountID(cfg.Treasury.Account),
				},
				Audit:  audit.NewPostgresStore(db),
				Logger: logger,
			})
			if err != nil {
				return err
			}
			rep, err := settlement.NewReconciler(engine, settlement.ReconcilerConfig{
				Grace:       cfg.Reconcile.Grace,
				ReviewAfter: cfg.Reconcile.ReviewAfter,
				Batch:       cfg.Reconcile.Batch,
			}).RunOnce(cmd.Context())
			logger.Info("reconcile finished",
				zap.Int("examined", rep.Examined),
				zap.Int("succeeded", rep.Succeeded),
				zap.Int("failed", rep.Failed),
				zap.Int("pending", rep.Pending),
				zap.Int("flagged", rep.Flagged),
				zap.Int("errors", rep.Errors),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "examined=%d succeeded=%d failed=%d pending=%d flagged=%d errors=%d\n",
				rep.Examined, rep.Succeeded, rep.Failed, rep.Pending, rep.Flagged, rep.Errors)
			return err
		},
	}
}

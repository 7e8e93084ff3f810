package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
	"github.com/wizardbeardstudio/open-settle-go/internal/store/postgres"
)

func newWalletCmd(opts *rootOptions) *cobra.Command {
	walletCmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage user wallet bindings",
	}

	var (
		userID  string
		account string
		src     secretSource
	)
	register := &cobra.Command{
		Use:   "register",
		Short: "Bind a user to a ledger account and store its sealed credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID = strings.TrimSpace(userID)
			account = strings.TrimSpace(account)
			if userID == "" || account == "" {
				return errors.New("--user and --account are required")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			sealer, err := sealerFor(cfg)
			if err != nil {
				return err
			}
			secret, err := src.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			err = postgres.New(db, sealer).PutWallet(cmd.Context(), settlement.WalletAccount{
				UserID:            userID,
				ExternalAccountID: ledger.AccountID(account),
				Credential:        ledger.NewCredential(secret),
			})
			if errors.Is(err, settlement.ErrWalletExists) {
				return fmt.Errorf("user %s already has a wallet", userID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered wallet %s for %s\n", account, userID)
			return nil
		},
	}
	register.Flags().StringVar(&userID, "user", "", "platform user id")
	register.Flags().StringVar(&account, "account", "", "ledger account id")
	src.bind(register)
	walletCmd.AddCommand(register)
	return walletCmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/credential"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new hex credential key for app.credential_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := credential.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

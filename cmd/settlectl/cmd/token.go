package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	c := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured JWT keyset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return errors.New("--sub is required")
			}
			if _, ok := settlement.ParseRole(role); !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			keyset, err := auth.ResolveKeyset(cfg.JWT.Secret, cfg.JWT.Keyset, cfg.JWT.ActiveKID, cfg.JWT.KeysetFile)
			if err != nil {
				return err
			}
			tok, exp, err := auth.NewJWTSignerWithKeyset(keyset).SignPrincipal(
				auth.Principal{ID: subject, Role: role}, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintln(cmd.ErrOrStderr(), "expires", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	c.Flags().StringVar(&subject, "sub", "", "principal id")
	c.Flags().StringVar(&role, "role", "user", "user, manager or admin")
	c.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return c
}

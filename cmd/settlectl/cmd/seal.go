package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/credential"
)

// secretSource reads a credential from a file, an environment variable, or
// stdin, in that order of preference. Secrets never come from flags.
type secretSource struct {
	file string
	env  string
}

func (s *secretSource) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.file, "secret-file", "", "file holding the credential")
	cmd.Flags().StringVar(&s.env, "secret-env", "", "environment variable holding the credential")
}

func (s *secretSource) read(stdin io.Reader) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case s.file != "":
		raw, err = os.ReadFile(s.file)
	case s.env != "":
		v, ok := os.LookupEnv(s.env)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", s.env)
		}
		raw = []byte(v)
	default:
		raw, err = io.ReadAll(io.LimitReader(stdin, 64<<10))
	}
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("credential is empty")
	}
	return raw, nil
}

func sealerFor(cfg config.Config) (*credential.Sealer, error) {
	if strings.TrimSpace(cfg.App.CredentialKey) == "" {
		return nil, errors.New("app.credential_key is not configured")
	}
	return credential.NewSealerFromHex(cfg.App.CredentialKey)
}

func newSealCmd(opts *rootOptions) *cobra.Command {
	var (
		owner string
		src   secretSource
	)
	c := &cobra.Command{
		Use:   "seal",
		Short: "Seal a credential for treasury.sealed_credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			sealer, err := sealerFor(cfg)
			if err != nil {
				return err
			}
			if owner == "" {
				owner = cfg.Treasury.UserID
			}
			secret, err := src.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			sealed, err := sealer.Seal(owner, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "user id the credential is bound to (default treasury.user_id)")
	src.bind(c)
	return c
}

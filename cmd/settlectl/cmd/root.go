// Package cmd holds the settlectl operator commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/logging"
)

type rootOptions struct {
	configDir string
}

func (o *rootOptions) load() (config.Config, error) {
	var paths []string
	if o.configDir != "" {
		paths = append(paths, o.configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) logger(cfg config.Config) *zap.Logger {
	l, err := logging.New(cfg.App.Env)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewRootCmd builds the settlectl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tooling for the settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "extra directory searched for settle.yaml")

	root.AddCommand(
		newMigrateCmd(opts),
		newReconcileCmd(opts),
		newSealCmd(opts),
		newWalletCmd(opts),
		newTokenCmd(opts),
		newKeygenCmd(),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "settlectl:", err)
		os.Exit(1)
	}
}

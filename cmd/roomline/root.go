package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roomline/pkg/config"
	"roomline/pkg/logger"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "roomline",
		Short:         "Room timeline store and backfill engine",
		Version:       version + " (" + commit + ", " + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config (env ROOMLINE_* overrides)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newInspectCommand(opts),
		newVerifyCommand(opts),
		newBackfillCommand(opts),
		newRunCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// loggerFor keeps one-shot commands' logs off stdout so their output stays
// readable.
func loggerFor(cfg *config.Config, oneShot bool) (*zap.Logger, error) {
	lc := cfg.Logging
	if oneShot && (lc.Sink == "" || lc.Sink == "stdout") {
		lc.Sink = "stderr"
	}
	return logger.New(lc)
}

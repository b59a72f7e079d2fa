package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/deeptm/internal/config"
	"github.com/bryanwahyu/deeptm/internal/logger"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, *logger.ZapLogger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	serve := newServeCmd(opts)
	root := &cobra.Command{
		Use:   "deeptm",
		Short: "STRIDE threat modeling with streamed progress",
		// bare invocation keeps the old behaviour of starting the server
		RunE:          serve.RunE,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", path, "path to config.yaml (env CONFIG_PATH)")
	root.AddCommand(serve, newAnalyzeCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

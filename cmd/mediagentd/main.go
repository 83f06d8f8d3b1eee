package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modoterra/mediagent/internal/buildinfo"
	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/daemon"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mediagentd",
		Short:        "Media encoder field agent",
		Long:         "mediagentd forwards encoder completions to the backend, answers directory browse requests and streams requested files.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runDaemon,
	}
	config.RegisterFlags(root.PersistentFlags())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig merges defaults, the config file, the environment and flags,
// and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	v := viper.New()
	if err := config.Bind(v, cmd.Flags()); err != nil {
		return nil, "", err
	}
	cfg, path, err := config.Load(v)
	if err != nil {
		return nil, "", err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, path, errors.Join(errs...)
	}
	return cfg, path, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if path != "" {
		logger.Info("config loaded", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, logger, daemon.Options{})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String("mediagentd"))
		},
	}
}

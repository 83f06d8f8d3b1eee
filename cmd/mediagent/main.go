package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/modoterra/mediagent/internal/buildinfo"
	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/daemon/service"
	"github.com/modoterra/mediagent/pkg/transport/uds"
	tuimodel "github.com/modoterra/mediagent/pkg/tui/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	socketPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "mediagent",
		Short:        "Inspect and manage the mediagentd field agent",
		Long:         "mediagent talks to a running mediagentd over its status socket and manages its systemd user service.",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWatch(opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.socketPath, "socket", config.Default().StatusSocket, "daemon status socket path")

	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newPingCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newServiceCmd(opts))
	root.AddCommand(newConfigCmd())
	return root
}

func dialDaemon(socketPath string) (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mediagentd at %s: %w", socketPath, err)
	}
	return client, nil
}

// --- Watch ---

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of the pipelines",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWatch(opts)
		},
	}
}

func runWatch(opts *options) error {
	if _, err := os.Stat(opts.socketPath); err != nil {
		return fmt.Errorf("mediagentd is not running (no socket at %s); try 'mediagent service install'", opts.socketPath)
	}
	p := tea.NewProgram(tuimodel.New(opts.socketPath), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Ping ---

func newPingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dialDaemon(opts.socketPath)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()

			pong, err := client.Ping(ctx)
			if err != nil {
				return err
			}
			if !pong.Pong {
				return errors.New("daemon answered without pong")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (mediagentd %s)\n", pong.Version)
			return nil
		},
	}
}

// --- Status ---

func newStatusCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dialDaemon(opts.socketPath)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			health := "healthy"
			if !st.Healthy {
				health = "degraded"
			}
			fmt.Fprintf(out, "%s (mediagentd %s) -> %s: %s\n\n", st.Identifier, st.Version, st.Backend, health)
			fmt.Fprintf(out, "%-12s %-14s %-10s %-10s %s\n", "PIPELINE", "STATE", "SINCE", "RECONNECTS", "TOPIC")
			for _, p := range st.Pipelines {
				fmt.Fprintf(out, "%-12s %-14s %-10s %-10d %s\n", p.Name, p.State, humanize.Time(p.Since), p.Reconnects, p.Topic)
				if p.Checkpoint != "" {
					fmt.Fprintf(out, "%12s checkpoint %s\n", "", p.Checkpoint)
				}
				if p.Uploads > 0 {
					fmt.Fprintf(out, "%12s %d upload(s) in flight\n", "", p.Uploads)
				}
				if p.LastError != "" {
					fmt.Fprintf(out, "%12s last error: %s\n", "", p.LastError)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// --- Version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String("mediagent"))
		},
	}
}

// --- Service ---

func newServiceCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the mediagentd systemd user service",
	}

	var binary, configPath string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install, enable and start the user service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if binary == "" {
				var err error
				if binary, err = service.LookupBinary(); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := service.Install(ctx, binary, configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s ✓\n", service.UnitName)
			return nil
		},
	}
	install.Flags().StringVar(&binary, "binary", "", "mediagentd binary (default: found in PATH)")
	install.Flags().StringVar(&configPath, "config", "", "config file passed to mediagentd")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the user service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := service.Uninstall(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s ✓\n", service.UnitName)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the service is installed and running",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			fmt.Fprintln(cmd.OutOrStdout(), service.Status(ctx, opts.socketPath))
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}

// --- Config ---

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with mediagentd config files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			cfg, err := config.ParseFile(path)
			if err != nil {
				return err
			}
			errs := config.Validate(cfg)
			if len(errs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d error(s)\n", path, len(errs))
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
			}
			return fmt.Errorf("%s: %w", path, config.ErrInvalid)
		},
	})
	return cmd
}

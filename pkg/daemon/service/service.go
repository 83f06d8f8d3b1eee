// Package service manages the mediagentd systemd user service unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitName is the name of the installed user unit.
const UnitName = "mediagentd.service"

// UnitContents returns the unit file for the given binary and optional
// config file.
func UnitContents(binaryPath, configPath string) string {
	cmdline := binaryPath
	if configPath != "" {
		cmdline += " --config " + configPath
	}
	return fmt.Sprintf(`[Unit]
Description=mediagent field agent
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
ExecStart=%s
Restart=always
RestartSec=5
WatchdogSec=60

[Install]
WantedBy=default.target
`, cmdline)
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", UnitName), nil
}

// LookupBinary resolves mediagentd on PATH to an absolute path.
func LookupBinary() (string, error) {
	p, err := exec.LookPath("mediagentd")
	if err != nil {
		return "", fmt.Errorf("mediagentd not found in PATH: %w", err)
	}
	return filepath.Abs(p)
}

// WriteUnit writes the unit file and returns its path.
func WriteUnit(binaryPath, configPath string) (string, error) {
	unitPath, err := UnitPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return "", fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(UnitContents(binaryPath, configPath)), 0o644); err != nil {
		return "", fmt.Errorf("cannot write unit file: %w", err)
	}
	return unitPath, nil
}

// Install writes the unit file, reloads the user manager and enables and
// starts the service.
func Install(ctx context.Context, binaryPath, configPath string) error {
	if _, err := WriteUnit(binaryPath, configPath); err != nil {
		return err
	}

	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to user manager: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{UnitName}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", UnitName, err)
	}
	return runJob(ctx, "start", func(ch chan<- string) (int, error) {
		return conn.RestartUnitContext(ctx, UnitName, "replace", ch)
	})
}

// Uninstall stops and disables the service, removes the unit file and
// reloads the user manager.
func Uninstall(ctx context.Context) error {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to user manager: %w", err)
	}
	defer conn.Close()

	// Best effort; the unit may not be loaded.
	_ = runJob(ctx, "stop", func(ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, UnitName, "replace", ch)
	})
	_, _ = conn.DisableUnitFilesContext(ctx, []string{UnitName}, false)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

// Status returns a human-readable status of the socket and the unit.
func Status(ctx context.Context, socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err != nil {
		return strings.Join(lines, "\n")
	}
	if _, err := os.Stat(unitPath); err != nil {
		lines = append(lines, "systemd user service: not installed")
		return strings.Join(lines, "\n")
	}
	lines = append(lines, "systemd user service: "+unitState(ctx))
	return strings.Join(lines, "\n")
}

func unitState(ctx context.Context) string {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return "unknown"
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{UnitName})
	if err != nil || len(units) == 0 {
		return "unknown"
	}
	u := units[0]
	if u.SubState != "" && u.SubState != u.ActiveState {
		return u.ActiveState + " (" + u.SubState + ")"
	}
	return u.ActiveState
}

func runJob(ctx context.Context, action string, start func(ch chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := start(ch); err != nil {
		return fmt.Errorf("%s %s: %w", action, UnitName, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s %s: job result %q", action, UnitName, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

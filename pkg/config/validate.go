package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid marks configuration that can never work. Errors returned by
// Validate wrap it.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the configuration for values no retry can fix.
func Validate(c *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if strings.TrimSpace(c.Identifier) == "" {
		add("identifier is required")
	}

	b := c.Backend
	if b.Hostname == "" {
		add("backend.hostname is required")
	}
	if b.Port <= 0 || b.Port > 65535 {
		add("backend.port must be in 1..65535, got %d", b.Port)
	}
	if b.Username == "" {
		add("backend.username is required")
	}
	if b.Password == "" {
		add("backend.password is required")
	}
	if !strings.HasPrefix(b.SocketPath, "/") {
		add("backend.socket-path must start with /, got %q", b.SocketPath)
	}
	if b.JoinTimeout <= 0 {
		add("backend.join-timeout must be positive")
	}
	if b.HeartbeatInterval <= 0 {
		add("backend.heartbeat-interval must be positive")
	}

	for name, topic := range map[string]string{
		"notification": c.Topics.Notification,
		"browse":       c.Topics.Browse,
		"upload":       c.Topics.Upload,
	} {
		if topic == "" {
			add("topics.%s is required", name)
		} else if topic == "phoenix" {
			add("topics.%s: %q is reserved", name, topic)
		}
	}

	r := c.Retry
	if r.NotificationDelay <= 0 || r.BrowseDelay <= 0 || r.UploadDelay <= 0 {
		add("retry delays must be positive")
	}
	if r.Exponential && r.MaxDelay <= 0 {
		add("retry.max-delay must be positive when retry.exponential is set")
	}

	t := c.Tail
	if t.LogFile == "" {
		add("tail.log-file is required")
	}
	if t.Interval <= 0 {
		add("tail.interval must be positive")
	}
	if t.MountPrefix != "" && strings.Contains(t.LocalRootPrefix, t.MountPrefix) {
		add("tail.local-root-prefix %q must not contain tail.mount-prefix %q", t.LocalRootPrefix, t.MountPrefix)
	}

	u := c.Upload
	if u.ChunkSize <= 0 {
		add("upload.chunk-size must be positive, got %d", u.ChunkSize)
	}
	if u.QueueDepth <= 0 {
		add("upload.queue-depth must be positive, got %d", u.QueueDepth)
	}
	if u.MaxConcurrent <= 0 {
		add("upload.max-concurrent must be positive, got %d", u.MaxConcurrent)
	}
	if u.RateLimit < 0 {
		add("upload.rate-limit must not be negative")
	}
	if u.CloseTimeout <= 0 {
		add("upload.close-timeout must be positive")
	}
	if u.LoopbackPort < 0 || u.LoopbackPort > 65535 {
		add("upload.loopback-port must be in 0..65535, got %d", u.LoopbackPort)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log-level must be debug, info, warn or error; got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		add("log-format must be text or json; got %q", c.LogFormat)
	}

	return errs
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the user config directory.
const FileName = "mediagent.yaml"

// legacyEnv maps config keys to the environment variables understood by
// earlier agent releases. MEDIAGENT_<KEY> works for every key as well.
var legacyEnv = map[string]string{
	"identifier":             "IDENTIFIER",
	"backend.hostname":       "BACKEND_HOSTNAME",
	"backend.port":           "BACKEND_PORT",
	"backend.username":       "BACKEND_USERNAME",
	"backend.password":       "BACKEND_PASSWORD",
	"backend.secure":         "BACKEND_SECURE",
	"tail.log-file":          "ADOBE_MEDIA_ENCODER_LOG_FILENAME",
	"tail.mount-prefix":      "MOUNT_PREFIX",
	"tail.local-root-prefix": "LOCAL_ROOT_PREFIX",
	"browse.root":            "ROOT_PATH_BROWSING",
	"upload.root":            "ROOT_PATH_UPLOAD",
	"upload.chunk-size":      "DATA_SIZE",
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"identifier":               "identifier",
	"log-level":                "log-level",
	"log-format":               "log-format",
	"status-socket":            "status-socket",
	"backend-hostname":         "backend.hostname",
	"backend-port":             "backend.port",
	"backend-username":         "backend.username",
	"backend-password":         "backend.password",
	"backend-secure":           "backend.secure",
	"backend-socket-path":      "backend.socket-path",
	"join-timeout":             "backend.join-timeout",
	"heartbeat-interval":       "backend.heartbeat-interval",
	"request-timeout":          "backend.request-timeout",
	"topic-notification":       "topics.notification",
	"topic-browse":             "topics.browse",
	"topic-upload":             "topics.upload",
	"retry-notification-delay": "retry.notification-delay",
	"retry-browse-delay":       "retry.browse-delay",
	"retry-upload-delay":       "retry.upload-delay",
	"retry-exponential":        "retry.exponential",
	"retry-max-delay":          "retry.max-delay",
	"log-file":                 "tail.log-file",
	"tail-interval":            "tail.interval",
	"tail-watch":               "tail.watch",
	"mount-prefix":             "tail.mount-prefix",
	"local-root-prefix":        "tail.local-root-prefix",
	"browse-root":              "browse.root",
	"upload-root":              "upload.root",
	"chunk-size":               "upload.chunk-size",
	"upload-queue-depth":       "upload.queue-depth",
	"upload-max-concurrent":    "upload.max-concurrent",
	"upload-rate-limit":        "upload.rate-limit",
	"upload-close-timeout":     "upload.close-timeout",
	"upload-loopback-port":     "upload.loopback-port",
	"upload-path":              "upload.path",
	"admin-listen":             "admin.listen",
}

// RegisterFlags declares every configuration flag on fs, using Default()
// for the flag defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML config file (default $XDG_CONFIG_HOME/mediagent/"+FileName+" when present)")
	fs.String("identifier", d.Identifier, "agent identifier sent on every join")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "log format: text or json")
	fs.String("status-socket", d.StatusSocket, "local status socket path (empty disables)")

	fs.String("backend-hostname", d.Backend.Hostname, "backend hostname")
	fs.Int("backend-port", d.Backend.Port, "backend port")
	fs.String("backend-username", d.Backend.Username, "backend login")
	fs.String("backend-password", d.Backend.Password, "backend password")
	fs.Bool("backend-secure", d.Backend.Secure, "use https/wss")
	fs.String("backend-socket-path", d.Backend.SocketPath, "channel socket path on the backend")
	fs.Duration("join-timeout", d.Backend.JoinTimeout, "how long to wait for a join reply")
	fs.Duration("heartbeat-interval", d.Backend.HeartbeatInterval, "channel socket heartbeat interval")
	fs.Duration("request-timeout", d.Backend.RequestTimeout, "login request timeout")

	fs.String("topic-notification", d.Topics.Notification, "notification channel topic")
	fs.String("topic-browse", d.Topics.Browse, "browse channel topic")
	fs.String("topic-upload", d.Topics.Upload, "upload channel topic")

	fs.Duration("retry-notification-delay", d.Retry.NotificationDelay, "reconnect delay of the notification pipeline")
	fs.Duration("retry-browse-delay", d.Retry.BrowseDelay, "reconnect delay of the browse pipeline")
	fs.Duration("retry-upload-delay", d.Retry.UploadDelay, "reconnect delay of the upload pipeline")
	fs.Bool("retry-exponential", d.Retry.Exponential, "grow reconnect delays exponentially up to retry-max-delay")
	fs.Duration("retry-max-delay", d.Retry.MaxDelay, "upper bound of exponential reconnect delays")

	fs.String("log-file", d.Tail.LogFile, "encoder log file to tail")
	fs.Duration("tail-interval", d.Tail.Interval, "tail polling interval")
	fs.Bool("tail-watch", d.Tail.Watch, "also poll when the log file changes")
	fs.String("mount-prefix", d.Tail.MountPrefix, "path prefix of encoder outputs as seen by the encoder")
	fs.String("local-root-prefix", d.Tail.LocalRootPrefix, "replacement for mount-prefix as seen by the backend")

	fs.String("browse-root", d.Browse.Root, "root directory exposed to browse requests")

	fs.String("upload-root", d.Upload.Root, "root directory of upload sources")
	fs.Int("chunk-size", d.Upload.ChunkSize, "upload chunk size in bytes")
	fs.Int("upload-queue-depth", d.Upload.QueueDepth, "chunks buffered ahead of the upload socket")
	fs.Int("upload-max-concurrent", d.Upload.MaxConcurrent, "concurrent upload jobs")
	fs.Int64("upload-rate-limit", d.Upload.RateLimit, "per-job upload rate limit in bytes/s (0 = unlimited)")
	fs.Duration("upload-close-timeout", d.Upload.CloseTimeout, "how long to wait for the upload close handshake")
	fs.Int("upload-loopback-port", d.Upload.LoopbackPort, "upload port used when the backend is on loopback")
	fs.String("upload-path", d.Upload.Path, "upload socket path on the backend")

	fs.String("admin-listen", d.Admin.Listen, "admin HTTP listen address (empty disables)")
}

// Bind wires defaults, environment variables and the flags declared by
// RegisterFlags into v.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	setDefaults(v, Default())

	v.SetEnvPrefix("MEDIAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := "MEDIAGENT_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if fs == nil {
		return nil
	}
	if f := fs.Lookup("config"); f != nil {
		if err := v.BindPFlag("config", f); err != nil {
			return err
		}
	}
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file and decodes the merged settings.
// It returns the path of the file that was read, if any.
func Load(v *viper.Viper) (*Config, string, error) {
	path, explicit := strings.TrimSpace(v.GetString("config")), true
	if path == "" {
		explicit = false
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, "mediagent", FileName)
		}
	}

	used := ""
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, "", fmt.Errorf("read config file %q: %w", path, err)
			}
			used = path
		} else if explicit {
			return nil, "", fmt.Errorf("config file %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, used, fmt.Errorf("decode config: %w", err)
	}
	return cfg, used, nil
}

// Parse decodes a YAML config document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ParseFile reads and decodes the YAML config file at path.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Marshal renders cfg as YAML with secrets redacted.
func Marshal(cfg *Config) ([]byte, error) {
	redacted := *cfg
	if redacted.Backend.Password != "" {
		redacted.Backend.Password = "********"
	}
	return yaml.Marshal(&redacted)
}

func setDefaults(v *viper.Viper, d *Config) {
	for key, value := range map[string]any{
		"identifier":                 d.Identifier,
		"log-level":                  d.LogLevel,
		"log-format":                 d.LogFormat,
		"status-socket":              d.StatusSocket,
		"backend.hostname":           d.Backend.Hostname,
		"backend.port":               d.Backend.Port,
		"backend.username":           d.Backend.Username,
		"backend.password":           d.Backend.Password,
		"backend.secure":             d.Backend.Secure,
		"backend.socket-path":        d.Backend.SocketPath,
		"backend.join-timeout":       d.Backend.JoinTimeout,
		"backend.heartbeat-interval": d.Backend.HeartbeatInterval,
		"backend.request-timeout":    d.Backend.RequestTimeout,
		"topics.notification":        d.Topics.Notification,
		"topics.browse":              d.Topics.Browse,
		"topics.upload":              d.Topics.Upload,
		"retry.notification-delay":   d.Retry.NotificationDelay,
		"retry.browse-delay":         d.Retry.BrowseDelay,
		"retry.upload-delay":         d.Retry.UploadDelay,
		"retry.exponential":          d.Retry.Exponential,
		"retry.max-delay":            d.Retry.MaxDelay,
		"tail.log-file":              d.Tail.LogFile,
		"tail.interval":              d.Tail.Interval,
		"tail.watch":                 d.Tail.Watch,
		"tail.mount-prefix":          d.Tail.MountPrefix,
		"tail.local-root-prefix":     d.Tail.LocalRootPrefix,
		"browse.root":                d.Browse.Root,
		"upload.root":                d.Upload.Root,
		"upload.chunk-size":          d.Upload.ChunkSize,
		"upload.queue-depth":         d.Upload.QueueDepth,
		"upload.max-concurrent":      d.Upload.MaxConcurrent,
		"upload.rate-limit":          d.Upload.RateLimit,
		"upload.close-timeout":       d.Upload.CloseTimeout,
		"upload.loopback-port":       d.Upload.LoopbackPort,
		"upload.path":                d.Upload.Path,
		"admin.listen":               d.Admin.Listen,
	} {
		v.SetDefault(key, value)
	}
}

// Package config holds the agent's immutable runtime configuration.
//
// A Config is assembled once at startup from defaults, an optional YAML
// file, the environment and command-line flags, validated, and then passed
// to every component. Nothing reads the environment after that.
package config

import (
	"net"
	"os"
	"strconv"
	"time"
)

// Config is the complete agent configuration.
type Config struct {
	Identifier   string `yaml:"identifier"    mapstructure:"identifier"`
	LogLevel     string `yaml:"log-level"     mapstructure:"log-level"`
	LogFormat    string `yaml:"log-format"    mapstructure:"log-format"`
	StatusSocket string `yaml:"status-socket" mapstructure:"status-socket"`

	Backend Backend `yaml:"backend" mapstructure:"backend"`
	Topics  Topics  `yaml:"topics"  mapstructure:"topics"`
	Retry   Retry   `yaml:"retry"   mapstructure:"retry"`
	Tail    Tail    `yaml:"tail"    mapstructure:"tail"`
	Browse  Browse  `yaml:"browse"  mapstructure:"browse"`
	Upload  Upload  `yaml:"upload"  mapstructure:"upload"`
	Admin   Admin   `yaml:"admin"   mapstructure:"admin"`
}

// Backend describes where and how to reach the central backend.
type Backend struct {
	Hostname          string        `yaml:"hostname"           mapstructure:"hostname"`
	Port              int           `yaml:"port"               mapstructure:"port"`
	Username          string        `yaml:"username"           mapstructure:"username"`
	Password          string        `yaml:"password"           mapstructure:"password"`
	Secure            bool          `yaml:"secure"             mapstructure:"secure"`
	SocketPath        string        `yaml:"socket-path"        mapstructure:"socket-path"`
	JoinTimeout       time.Duration `yaml:"join-timeout"       mapstructure:"join-timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval" mapstructure:"heartbeat-interval"`
	RequestTimeout    time.Duration `yaml:"request-timeout"    mapstructure:"request-timeout"`
}

// Topics are the channel names joined by each pipeline.
type Topics struct {
	Notification string `yaml:"notification" mapstructure:"notification"`
	Browse       string `yaml:"browse"       mapstructure:"browse"`
	Upload       string `yaml:"upload"       mapstructure:"upload"`
}

// Retry controls the reconnect delay of every pipeline.
type Retry struct {
	NotificationDelay time.Duration `yaml:"notification-delay" mapstructure:"notification-delay"`
	BrowseDelay       time.Duration `yaml:"browse-delay"       mapstructure:"browse-delay"`
	UploadDelay       time.Duration `yaml:"upload-delay"       mapstructure:"upload-delay"`
	Exponential       bool          `yaml:"exponential"        mapstructure:"exponential"`
	MaxDelay          time.Duration `yaml:"max-delay"          mapstructure:"max-delay"`
}

// Tail configures the encoder log tailer.
type Tail struct {
	LogFile         string        `yaml:"log-file"          mapstructure:"log-file"`
	Interval        time.Duration `yaml:"interval"          mapstructure:"interval"`
	Watch           bool          `yaml:"watch"             mapstructure:"watch"`
	MountPrefix     string        `yaml:"mount-prefix"      mapstructure:"mount-prefix"`
	LocalRootPrefix string        `yaml:"local-root-prefix" mapstructure:"local-root-prefix"`
}

// Browse configures the directory browse responder.
type Browse struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// Upload configures the streaming uploader.
type Upload struct {
	Root          string        `yaml:"root"           mapstructure:"root"`
	ChunkSize     int           `yaml:"chunk-size"     mapstructure:"chunk-size"`
	QueueDepth    int           `yaml:"queue-depth"    mapstructure:"queue-depth"`
	MaxConcurrent int           `yaml:"max-concurrent" mapstructure:"max-concurrent"`
	RateLimit     int64         `yaml:"rate-limit"     mapstructure:"rate-limit"`
	CloseTimeout  time.Duration `yaml:"close-timeout"  mapstructure:"close-timeout"`
	LoopbackPort  int           `yaml:"loopback-port"  mapstructure:"loopback-port"`
	Path          string        `yaml:"path"           mapstructure:"path"`
}

// Admin configures the HTTP endpoint serving metrics and health.
type Admin struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	identifier, err := os.Hostname()
	if err != nil || identifier == "" {
		identifier = "mediagent"
	}
	return &Config{
		Identifier:   identifier,
		LogLevel:     "info",
		LogFormat:    "text",
		StatusSocket: "/tmp/mediagent.sock",
		Backend: Backend{
			Hostname:          "127.0.0.1",
			Port:              4000,
			SocketPath:        "/socket/websocket",
			JoinTimeout:       10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
		Topics: Topics{
			Notification: "browser:notification",
			Browse:       "browser:all",
			Upload:       "upload:all",
		},
		Retry: Retry{
			NotificationDelay: 10 * time.Second,
			BrowseDelay:       1 * time.Second,
			UploadDelay:       1 * time.Second,
			MaxDelay:          60 * time.Second,
		},
		Tail: Tail{
			LogFile:  "AMEEncodingLog.txt",
			Interval: 10 * time.Second,
			Watch:    true,
		},
		Browse: Browse{Root: "/"},
		Upload: Upload{
			Root:          "/",
			ChunkSize:     64 * 1024,
			QueueDepth:    4,
			MaxConcurrent: 4,
			CloseTimeout:  10 * time.Second,
			LoopbackPort:  4001,
			Path:          "/upload",
		},
		Admin: Admin{Listen: "127.0.0.1:9469"},
	}
}

// Scheme returns the HTTP scheme used for the login request.
func (b Backend) Scheme() string {
	if b.Secure {
		return "https"
	}
	return "http"
}

// WSScheme returns the WebSocket scheme used for sockets.
func (b Backend) WSScheme() string {
	if b.Secure {
		return "wss"
	}
	return "ws"
}

// Addr returns host:port of the backend.
func (b Backend) Addr() string {
	return net.JoinHostPort(b.Hostname, strconv.Itoa(b.Port))
}

// IsLoopback reports whether the backend runs on this machine.
func (b Backend) IsLoopback() bool {
	if b.Hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(b.Hostname)
	return ip != nil && ip.IsLoopback()
}

// UploadAddr returns host:port of the upload endpoint. A loopback backend
// serves uploads from a separate fixed port.
func (c *Config) UploadAddr() string {
	port := c.Backend.Port
	if c.Backend.IsLoopback() && c.Upload.LoopbackPort > 0 {
		port = c.Upload.LoopbackPort
	}
	return net.JoinHostPort(c.Backend.Hostname, strconv.Itoa(port))
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":3010"
	// DefaultInstanceID identifies an instance when the platform allocator id is absent.
	DefaultInstanceID = "local"
	// DefaultAppName is the service-mesh application name used for internal addressing.
	DefaultAppName = "foundryvtt-rest-api-relay"
	// DefaultInternalPort is the port other instances dial for forwarded requests.
	DefaultInternalPort = 3010

	// DefaultHandshakeTTL bounds how long an issued handshake token stays valid.
	DefaultHandshakeTTL = 5 * time.Minute
	// DefaultPollInterval is the cadence for hand-off result and client-attach polling.
	DefaultPollInterval = 2 * time.Second
	// DefaultClientWaitTimeout bounds how long a launched browser waits for its client.
	DefaultClientWaitTimeout = 5 * time.Minute
	// DefaultProxyTimeout bounds forwarded requests to other instances.
	DefaultProxyTimeout = 10 * time.Second
	// DefaultShutdownGrace bounds each browser-close phase during shutdown.
	DefaultShutdownGrace = 5 * time.Second

	// DefaultHandshakeWindow bounds how frequently handshake tokens may be issued.
	DefaultHandshakeWindow = time.Minute
	// DefaultHandshakeBurst sets how many handshakes may be issued per window.
	DefaultHandshakeBurst = 30

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address      string
	InstanceID   string
	AppName      string
	InternalPort int

	RedisURL  string
	RunnerURL string

	HandshakeTTL      time.Duration
	PollInterval      time.Duration
	ClientWaitTimeout time.Duration
	ProxyTimeout      time.Duration
	ShutdownGrace     time.Duration

	HandshakeWindow time.Duration
	HandshakeBurst  int

	InternalSecret string
	TLSCertPath    string
	TLSKeyPath     string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the relay configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:           getString("RELAY_ADDR", DefaultAddr),
		InstanceID:        getString("FLY_ALLOC_ID", DefaultInstanceID),
		AppName:           getString("FLY_APP_NAME", DefaultAppName),
		InternalPort:      DefaultInternalPort,
		RedisURL:          strings.TrimSpace(os.Getenv("RELAY_REDIS_URL")),
		RunnerURL:         strings.TrimSpace(os.Getenv("RELAY_RUNNER_URL")),
		HandshakeTTL:      DefaultHandshakeTTL,
		PollInterval:      DefaultPollInterval,
		ClientWaitTimeout: DefaultClientWaitTimeout,
		ProxyTimeout:      DefaultProxyTimeout,
		ShutdownGrace:     DefaultShutdownGrace,
		HandshakeWindow:   DefaultHandshakeWindow,
		HandshakeBurst:    DefaultHandshakeBurst,
		InternalSecret:    strings.TrimSpace(os.Getenv("RELAY_INTERNAL_SECRET")),
		TLSCertPath:       strings.TrimSpace(os.Getenv("RELAY_TLS_CERT")),
		TLSKeyPath:        strings.TrimSpace(os.Getenv("RELAY_TLS_KEY")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("RELAY_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("RELAY_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("RELAY_INTERNAL_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("RELAY_INTERNAL_PORT must be a valid port, got %q", raw))
		} else {
			cfg.InternalPort = value
		}
	}

	for _, entry := range []struct {
		env    string
		target *time.Duration
	}{
		{"RELAY_HANDSHAKE_TTL", &cfg.HandshakeTTL},
		{"RELAY_POLL_INTERVAL", &cfg.PollInterval},
		{"RELAY_CLIENT_WAIT_TIMEOUT", &cfg.ClientWaitTimeout},
		{"RELAY_PROXY_TIMEOUT", &cfg.ProxyTimeout},
		{"RELAY_SHUTDOWN_GRACE", &cfg.ShutdownGrace},
		{"RELAY_HANDSHAKE_WINDOW", &cfg.HandshakeWindow},
	} {
		raw := strings.TrimSpace(os.Getenv(entry.env))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", entry.env, raw))
		} else {
			*entry.target = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_HANDSHAKE_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_HANDSHAKE_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.HandshakeBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "RELAY_TLS_CERT and RELAY_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const currentVersion = 1

// Config represents the entire server configuration file.
type Config struct {
	Version     int               `yaml:"version"`
	Listen      ListenConfig      `yaml:"listen"`
	TLS         TLSConfig         `yaml:"tls"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Outbound    OutboundConfig    `yaml:"outbound"`
	Capture     CaptureConfig     `yaml:"capture"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	LogLevel    string            `yaml:"log_level,omitempty"`
}

// ListenConfig is the listener address and event loop timing.
type ListenConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PollInterval time.Duration `yaml:"poll_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TLSConfig selects the certificate for the TLS listener. TLS is off unless
// a certificate is configured or Generate is set.
type TLSConfig struct {
	Cert     string   `yaml:"cert,omitempty"`
	Key      string   `yaml:"key,omitempty"`
	Generate bool     `yaml:"generate"`
	Hosts    []string `yaml:"hosts,omitempty"` // names for a generated certificate
}

// Enabled reports whether the listener should use TLS.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" || t.Generate
}

// CredentialsConfig selects how device keys are checked.
type CredentialsConfig struct {
	Backend string `yaml:"backend"`          // file, sqlite or hmac
	Path    string `yaml:"path,omitempty"`   // file or sqlite database
	Secret  string `yaml:"secret,omitempty"` // hmac only
}

// OutboundConfig names the pipe outbound messages are read from.
type OutboundConfig struct {
	Pipe string `yaml:"pipe,omitempty"`
}

// CaptureConfig enables JSON Lines capture of accepted messages.
type CaptureConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// DiscoveryConfig controls the mDNS announcement.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	devicesPath := "devices.yaml"
	if dir, err := GetConfigDir(); err == nil {
		devicesPath = filepath.Join(dir, "devices.yaml")
	}

	return &Config{
		Version: currentVersion,
		Listen: ListenConfig{
			Port:         5050,
			PollInterval: time.Second,
			IdleTimeout:  90 * time.Second,
			WriteTimeout: 100 * time.Millisecond,
		},
		Credentials: CredentialsConfig{
			Backend: "file",
			Path:    devicesPath,
		},
	}
}

// Validate checks the values flags and files cannot be trusted to get right.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Listen.PollInterval <= 0 {
		errs = append(errs, errors.New("listen.poll_interval must be positive"))
	}
	if c.Listen.IdleTimeout <= 0 {
		errs = append(errs, errors.New("listen.idle_timeout must be positive"))
	}
	if c.Listen.WriteTimeout <= 0 {
		errs = append(errs, errors.New("listen.write_timeout must be positive"))
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls.cert and tls.key must be set together"))
	}

	switch c.Credentials.Backend {
	case "file", "sqlite":
		if c.Credentials.Path == "" {
			errs = append(errs, fmt.Errorf("credentials.path is required for the %s backend", c.Credentials.Backend))
		}
	case "hmac":
		if c.Credentials.Secret == "" {
			errs = append(errs, errors.New("credentials.secret is required for the hmac backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown credentials.backend %q", c.Credentials.Backend))
	}

	return errors.Join(errs...)
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config groups the settings required to run a bus with its network ingress.
// Every field has a workable default; an empty Config is valid.
type Config struct {
	// BindAddress is the listen address of the HTTP/WebSocket ingress.
	BindAddress string `env:"ENVFLOW_BIND_ADDRESS" envDefault:":8080"`

	// AnonymousIngress allows unauthenticated deliveries. Anonymous messages
	// carry no trusted caller identity and rely entirely on the repair/reject
	// path at the boundary.
	AnonymousIngress bool `env:"ENVFLOW_ANONYMOUS_INGRESS"`

	// Session settings for the transport auth layer.
	SessionTTL    time.Duration `env:"ENVFLOW_SESSION_TTL" envDefault:"12h"`
	AdminUser     string        `env:"ENVFLOW_ADMIN_USER" envDefault:"admin"`
	AdminPassword string        `env:"ENVFLOW_ADMIN_PASSWORD"`

	// HandlerTimeout bounds a single handler invocation. On expiry the bus
	// converts the invocation into a handler failure diagnostic.
	HandlerTimeout time.Duration `env:"ENVFLOW_HANDLER_TIMEOUT" envDefault:"30s"`

	// MaxHops bounds response re-injection depth so two listeners replying to
	// each other cannot loop forever.
	MaxHops int `env:"ENVFLOW_MAX_HOPS" envDefault:"16"`

	// Audit stream settings. AuditDBFile may be empty to keep the archive
	// in memory only.
	AuditTopic  string `env:"ENVFLOW_AUDIT_TOPIC" envDefault:"envflow.audit"`
	AuditDBFile string `env:"ENVFLOW_AUDIT_DB"`

	// Metrics configuration.
	MetricsEnabled bool `env:"ENVFLOW_METRICS_ENABLED"`
	MetricsPort    int  `env:"ENVFLOW_METRICS_PORT" envDefault:"9090"`

	// Tool listener settings.
	ToolsRoot      string        `env:"ENVFLOW_TOOLS_ROOT"`
	ShellAllowlist []string      `env:"ENVFLOW_SHELL_ALLOWLIST" envSeparator:","`
	FetchTimeout   time.Duration `env:"ENVFLOW_FETCH_TIMEOUT" envDefault:"15s"`
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c Config) String() string {
	// Create a copy to avoid modifying the original
	copy := c
	if copy.AdminPassword != "" {
		copy.AdminPassword = "***REDACTED***"
	}
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks that the configuration is internally consistent. Returns an
// error describing every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.HandlerTimeout < 0 {
		errs = append(errs, errors.New("handler timeout cannot be negative"))
	}
	if c.MaxHops <= 0 {
		errs = append(errs, errors.New("max hops must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	if c.AuditTopic == "" {
		errs = append(errs, errors.New("audit topic is required"))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if !c.AnonymousIngress && c.AdminPassword == "" {
		errs = append(errs, errors.New("admin password is required unless anonymous ingress is enabled"))
	}

	return errors.Join(errs...)
}

// Default returns the configuration used when no environment is present.
// Anonymous ingress is enabled so the zero setup works out of the box;
// production deployments set credentials and disable it.
func Default() *Config {
	return &Config{
		BindAddress:      ":8080",
		AnonymousIngress: true,
		SessionTTL:       12 * time.Hour,
		AdminUser:        "admin",
		HandlerTimeout:   30 * time.Second,
		MaxHops:          16,
		AuditTopic:       "envflow.audit",
		MetricsPort:      9090,
		FetchTimeout:     15 * time.Second,
	}
}

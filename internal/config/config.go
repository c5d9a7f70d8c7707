// Package config loads, defaults, normalizes and validates the TOML
// configuration document that drives the gateway.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written in TOML as either a
// plain integer (seconds) or a Go duration string ("5s", "1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, which BurntSushi/toml
// uses for any scalar type that isn't a Go primitive.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for round-tripping.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level validated configuration value. It is immutable
// once returned from Load and is shared by reference across every reader.
type Config struct {
	Rewrite    RewriteConfig         `toml:"rewrite"`
	Servers    ServersConfig         `toml:"servers"`
	Upstream   UpstreamConfig        `toml:"upstream"`
	TLS        TLSConfig             `toml:"tls"`
	Logging    LoggingConfig         `toml:"logging"`
	ForwardLog ForwardLogConfig      `toml:"forwardlog"`
	Supervisor SupervisorConfig      `toml:"supervisor"`
}

// RewriteConfig mirrors rewrite.Config before validation/normalization.
type RewriteConfig struct {
	BaseDomains     []string `toml:"base_domains"`
	TargetSuffix    string   `toml:"target_suffix"`
	RejectUnmatched bool     `toml:"reject_unmatched"`
}

// ListenerSpec is {enabled, bind_address, port}, shared by every transport.
type ListenerSpec struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        uint16 `toml:"port"`
}

// HealthcheckSpec adds the health endpoint's JSON status path.
type HealthcheckSpec struct {
	ListenerSpec
	Path string `toml:"path"`
}

// ServersConfig holds one ListenerSpec per transport plus the health
// endpoint's spec.
type ServersConfig struct {
	DoT         ListenerSpec    `toml:"dot"`
	DoH         ListenerSpec    `toml:"doh"`
	DoQ         ListenerSpec    `toml:"doq"`
	DoH3        ListenerSpec    `toml:"doh3"`
	Healthcheck HealthcheckSpec `toml:"healthcheck"`
}

// UpstreamConfig is a default address plus optional per-transport
// overrides.
type UpstreamConfig struct {
	Default string `toml:"default"`
	DoT     string `toml:"dot"`
	DoH     string `toml:"doh"`
	DoQ     string `toml:"doq"`
	DoH3    string `toml:"doh3"`
}

// Resolve returns the effective upstream address for a transport, falling
// back to Default when no override is configured.
func (u UpstreamConfig) Resolve(transport string) string {
	var override string
	switch transport {
	case "dot":
		override = u.DoT
	case "doh":
		override = u.DoH
	case "doq":
		override = u.DoQ
	case "doh3":
		override = u.DoH3
	}
	if override != "" {
		return override
	}
	return u.Default
}

// CertSpec is the on-disk description of one CertEntry.
type CertSpec struct {
	CertFile          string `toml:"cert_file"`
	KeyFile           string `toml:"key_file"`
	CAFile            string `toml:"ca_file"`
	RequireClientCert bool   `toml:"require_client_cert"`
}

// TLSConfig is the default cert plus a per-domain override map.
type TLSConfig struct {
	Default CertSpec            `toml:"default"`
	Certs   map[string]CertSpec `toml:"certs"`
}

// LoggingConfig controls the ambient slog-based logger.
type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
	File  string `toml:"file"`

	// TraceEvents enables per-connection debug tracing for the named
	// events (see internal/tracelog), independent of Level. Has no
	// effect unless the logger is also at debug level.
	TraceEvents []string `toml:"trace_events"`
}

// ForwardLogConfig controls the optional per-connection audit log.
type ForwardLogConfig struct {
	Enabled            bool                   `toml:"enabled"`
	Backend            string                 `toml:"backend"` // "text" or "clickhouse"
	Path               string                 `toml:"path"`
	AnonymizeClientIP  bool                   `toml:"anonymize_client_ip"`
	ClickHouse         ForwardLogClickHouse   `toml:"clickhouse"`
}

// ForwardLogClickHouse configures the ClickHouse-backed forward log.
type ForwardLogClickHouse struct {
	DSN string `toml:"dsn"`
}

// SupervisorConfig tunes restart/shutdown pacing.
type SupervisorConfig struct {
	DrainTimeout    Duration `toml:"drain_timeout"`
	RestartBackoff  Duration `toml:"restart_backoff"`
}

// Load reads path, applies defaults, normalizes, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	applyDefaults(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Servers.DoT.BindAddress == "" {
		cfg.Servers.DoT.BindAddress = "0.0.0.0"
	}
	if cfg.Servers.DoT.Port == 0 {
		cfg.Servers.DoT.Port = 853
	}
	if cfg.Servers.DoH.BindAddress == "" {
		cfg.Servers.DoH.BindAddress = "0.0.0.0"
	}
	if cfg.Servers.DoH.Port == 0 {
		cfg.Servers.DoH.Port = 443
	}
	if cfg.Servers.DoQ.BindAddress == "" {
		cfg.Servers.DoQ.BindAddress = "0.0.0.0"
	}
	if cfg.Servers.DoQ.Port == 0 {
		cfg.Servers.DoQ.Port = 853
	}
	if cfg.Servers.DoH3.BindAddress == "" {
		cfg.Servers.DoH3.BindAddress = "0.0.0.0"
	}
	if cfg.Servers.DoH3.Port == 0 {
		cfg.Servers.DoH3.Port = 443
	}
	if cfg.Servers.Healthcheck.BindAddress == "" {
		cfg.Servers.Healthcheck.BindAddress = "127.0.0.1"
	}
	if cfg.Servers.Healthcheck.Port == 0 {
		cfg.Servers.Healthcheck.Port = 8080
	}
	if cfg.Servers.Healthcheck.Path == "" {
		cfg.Servers.Healthcheck.Path = "/healthz"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.ForwardLog.Backend == "" {
		cfg.ForwardLog.Backend = "text"
	}
	if cfg.ForwardLog.Path == "" {
		cfg.ForwardLog.Path = "./forward.log"
	}
	if cfg.Supervisor.DrainTimeout.Duration == 0 {
		cfg.Supervisor.DrainTimeout = Duration{5 * time.Second}
	}
	if cfg.Supervisor.RestartBackoff.Duration == 0 {
		cfg.Supervisor.RestartBackoff = Duration{time.Second}
	}
}

func normalize(cfg *Config) {
	for i, b := range cfg.Rewrite.BaseDomains {
		cfg.Rewrite.BaseDomains[i] = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(b), "."))
	}
	suffix := strings.TrimSpace(cfg.Rewrite.TargetSuffix)
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	cfg.Rewrite.TargetSuffix = suffix

	if cfg.TLS.Certs == nil {
		cfg.TLS.Certs = map[string]CertSpec{}
	}
	normalized := make(map[string]CertSpec, len(cfg.TLS.Certs))
	for domain, spec := range cfg.TLS.Certs {
		normalized[strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))] = spec
	}
	cfg.TLS.Certs = normalized
}

func validate(cfg *Config) error {
	anyServer := cfg.Servers.DoT.Enabled || cfg.Servers.DoH.Enabled ||
		cfg.Servers.DoQ.Enabled || cfg.Servers.DoH3.Enabled
	if !anyServer {
		return fmt.Errorf("config: at least one of servers.dot/doh/doq/doh3 must be enabled")
	}
	if len(cfg.Rewrite.BaseDomains) == 0 {
		return fmt.Errorf("config: rewrite.base_domains must not be empty")
	}
	if cfg.Rewrite.TargetSuffix == "" {
		return fmt.Errorf("config: rewrite.target_suffix must not be empty")
	}
	if cfg.Upstream.Default == "" {
		return fmt.Errorf("config: upstream.default must be set")
	}
	if cfg.TLS.Default.CertFile == "" && len(cfg.TLS.Certs) == 0 {
		return fmt.Errorf("config: at least one of tls.default or tls.certs must be configured")
	}
	for domain, spec := range cfg.TLS.Certs {
		if spec.CertFile == "" || spec.KeyFile == "" {
			return fmt.Errorf("config: tls.certs[%q] requires cert_file and key_file", domain)
		}
		if spec.RequireClientCert && spec.CAFile == "" {
			return fmt.Errorf("config: tls.certs[%q] sets require_client_cert without ca_file", domain)
		}
	}
	if cfg.TLS.Default.RequireClientCert && cfg.TLS.Default.CAFile == "" {
		return fmt.Errorf("config: tls.default sets require_client_cert without ca_file")
	}
	if cfg.ForwardLog.Enabled {
		switch cfg.ForwardLog.Backend {
		case "text":
			if cfg.ForwardLog.Path == "" {
				return fmt.Errorf("config: forwardlog.path must be set for backend=text")
			}
		case "clickhouse":
			if cfg.ForwardLog.ClickHouse.DSN == "" {
				return fmt.Errorf("config: forwardlog.clickhouse.dsn must be set for backend=clickhouse")
			}
		default:
			return fmt.Errorf("config: forwardlog.backend must be %q or %q, got %q", "text", "clickhouse", cfg.ForwardLog.Backend)
		}
	}
	return nil
}

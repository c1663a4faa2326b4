// Package config loads zonectl settings from a TOML file and environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the full runtime configuration of one zonectl process.
type Config struct {
	DBPath    string        `env:"ZONECTL_DB_PATH"`
	TimerTick time.Duration `env:"ZONECTL_TIMER_TICK"`

	Listen  ListenConfig
	Admin   AdminConfig
	Zone    ZoneConfig
	Runtime RuntimeConfig
	Session SessionConfig
	Tracing TracingConfig
}

// ListenConfig is the socket out-of-process zones attach to.
type ListenConfig struct {
	Network string `env:"ZONECTL_LISTEN_NETWORK"`
	Address string `env:"ZONECTL_LISTEN_ADDR"`
}

// AdminConfig is the HTTP admin surface. An empty Addr disables it.
type AdminConfig struct {
	Addr        string   `env:"ZONECTL_ADMIN_ADDR"`
	CorsOrigins []string `env:"ZONECTL_ADMIN_CORS" envSeparator:","`
	// Token, when set, is required as a bearer token to invoke actions.
	Token string `env:"ZONECTL_ADMIN_TOKEN"`
}

// ZoneConfig selects the zone a remote zonectl process runs as.
type ZoneConfig struct {
	Kind  string `env:"ZONECTL_ZONE_KIND"`
	TabID int    `env:"ZONECTL_ZONE_TAB"`
}

type RuntimeConfig struct {
	CallTimeout    time.Duration `env:"ZONECTL_CALL_TIMEOUT"`
	SyncTimeout    time.Duration `env:"ZONECTL_SYNC_TIMEOUT"`
	MinAlarmPeriod time.Duration `env:"ZONECTL_MIN_ALARM_PERIOD"`
	// DurableKeys nil persists every top-level key.
	DurableKeys  []string `env:"ZONECTL_DURABLE_KEYS" envSeparator:","`
	DefaultsFile string   `env:"ZONECTL_DEFAULTS_FILE"`
}

type SessionConfig struct {
	ConnectTimeout   time.Duration `env:"ZONECTL_CONNECT_TIMEOUT"`
	HandshakeTimeout time.Duration `env:"ZONECTL_HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `env:"ZONECTL_WRITE_TIMEOUT"`
	MaxDialAttempts  int           `env:"ZONECTL_MAX_DIAL_ATTEMPTS"`
	TLS              TLSConfig
}

type TLSConfig struct {
	Enabled            bool   `env:"ZONECTL_TLS_ENABLED"`
	CertFile           string `env:"ZONECTL_TLS_CERT_FILE"`
	KeyFile            string `env:"ZONECTL_TLS_KEY_FILE"`
	CAFile             string `env:"ZONECTL_TLS_CA_FILE"`
	ServerName         string `env:"ZONECTL_TLS_SERVER_NAME"`
	Mutual             bool   `env:"ZONECTL_TLS_MUTUAL"`
	InsecureSkipVerify bool   `env:"ZONECTL_TLS_INSECURE_SKIP_VERIFY"`
}

type TracingConfig struct {
	Enabled  bool   `env:"ZONECTL_OTEL_ENABLED"`
	Endpoint string `env:"ZONECTL_OTEL_ENDPOINT"`
}

func Default() Config {
	return Config{
		DBPath:    "zonectl.db",
		TimerTick: time.Second,
		Listen: ListenConfig{
			Network: "tcp",
			Address: "127.0.0.1:7030",
		},
		Admin: AdminConfig{Addr: "127.0.0.1:7020"},
		Zone:  ZoneConfig{Kind: "popup"},
		Runtime: RuntimeConfig{
			CallTimeout:    30 * time.Second,
			SyncTimeout:    5 * time.Second,
			MinAlarmPeriod: time.Minute,
		},
		Session: SessionConfig{
			ConnectTimeout:   5 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
			MaxDialAttempts:  5,
		},
	}
}

type fileConfig struct {
	DBPath    string `toml:"db_path"`
	TimerTick string `toml:"timer_tick"`
	Listen    struct {
		Network string `toml:"network"`
		Address string `toml:"address"`
	} `toml:"listen"`
	Admin struct {
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
		Token       string   `toml:"token"`
	} `toml:"admin"`
	Zone struct {
		Kind  string `toml:"kind"`
		TabID int    `toml:"tab"`
	} `toml:"zone"`
	Runtime struct {
		CallTimeout    string   `toml:"call_timeout"`
		SyncTimeout    string   `toml:"sync_timeout"`
		MinAlarmPeriod string   `toml:"min_alarm_period"`
		DurableKeys    []string `toml:"durable_keys"`
		DefaultsFile   string   `toml:"defaults_file"`
	} `toml:"runtime"`
	Session struct {
		ConnectTimeout   string `toml:"connect_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		WriteTimeout     string `toml:"write_timeout"`
		MaxDialAttempts  int    `toml:"max_dial_attempts"`
		TLS              struct {
			Enabled            bool   `toml:"enabled"`
			CertFile           string `toml:"cert_file"`
			KeyFile            string `toml:"key_file"`
			CAFile             string `toml:"ca_file"`
			ServerName         string `toml:"server_name"`
			Mutual             bool   `toml:"mutual"`
			InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
		} `toml:"tls"`
	} `toml:"session"`
	Tracing struct {
		Enabled  bool   `toml:"enabled"`
		Endpoint string `toml:"endpoint"`
	} `toml:"tracing"`
}

// Load reads path over Default, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if err := setDuration(meta, &cfg.TimerTick, raw.TimerTick, "timer_tick"); err != nil {
		return err
	}

	if meta.IsDefined("listen", "network") {
		cfg.Listen.Network = strings.TrimSpace(raw.Listen.Network)
	}
	if meta.IsDefined("listen", "address") {
		cfg.Listen.Address = strings.TrimSpace(raw.Listen.Address)
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeKeys(raw.Admin.CorsOrigins)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("zone", "kind") {
		cfg.Zone.Kind = strings.TrimSpace(raw.Zone.Kind)
	}
	if meta.IsDefined("zone", "tab") {
		cfg.Zone.TabID = raw.Zone.TabID
	}

	if err := setDuration(meta, &cfg.Runtime.CallTimeout, raw.Runtime.CallTimeout, "runtime", "call_timeout"); err != nil {
		return err
	}
	if err := setDuration(meta, &cfg.Runtime.SyncTimeout, raw.Runtime.SyncTimeout, "runtime", "sync_timeout"); err != nil {
		return err
	}
	if err := setDuration(meta, &cfg.Runtime.MinAlarmPeriod, raw.Runtime.MinAlarmPeriod, "runtime", "min_alarm_period"); err != nil {
		return err
	}
	if meta.IsDefined("runtime", "durable_keys") {
		cfg.Runtime.DurableKeys = normalizeKeys(raw.Runtime.DurableKeys)
	}
	if meta.IsDefined("runtime", "defaults_file") {
		cfg.Runtime.DefaultsFile = resolveRelative(path, strings.TrimSpace(raw.Runtime.DefaultsFile))
	}

	if err := setDuration(meta, &cfg.Session.ConnectTimeout, raw.Session.ConnectTimeout, "session", "connect_timeout"); err != nil {
		return err
	}
	if err := setDuration(meta, &cfg.Session.HandshakeTimeout, raw.Session.HandshakeTimeout, "session", "handshake_timeout"); err != nil {
		return err
	}
	if err := setDuration(meta, &cfg.Session.WriteTimeout, raw.Session.WriteTimeout, "session", "write_timeout"); err != nil {
		return err
	}
	if meta.IsDefined("session", "max_dial_attempts") {
		cfg.Session.MaxDialAttempts = raw.Session.MaxDialAttempts
	}
	if meta.IsDefined("session", "tls") {
		t := raw.Session.TLS
		cfg.Session.TLS = TLSConfig{
			Enabled:            t.Enabled,
			CertFile:           resolveRelative(path, strings.TrimSpace(t.CertFile)),
			KeyFile:            resolveRelative(path, strings.TrimSpace(t.KeyFile)),
			CAFile:             resolveRelative(path, strings.TrimSpace(t.CAFile)),
			ServerName:         strings.TrimSpace(t.ServerName),
			Mutual:             t.Mutual,
			InsecureSkipVerify: t.InsecureSkipVerify,
		}
	}

	if meta.IsDefined("tracing", "enabled") {
		cfg.Tracing.Enabled = raw.Tracing.Enabled
	}
	if meta.IsDefined("tracing", "endpoint") {
		cfg.Tracing.Endpoint = strings.TrimSpace(raw.Tracing.Endpoint)
	}
	return nil
}

func setDuration(meta toml.MetaData, dst *time.Duration, raw string, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	*dst = d
	return nil
}

// resolveRelative anchors a relative file reference at the config file's
// directory.
func resolveRelative(configPath, ref string) string {
	if ref == "" || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(configPath), ref)
}

func normalizeKeys(in []string) []string {
	out := make([]string, 0, len(in))
	for _, key := range in {
		v := strings.TrimSpace(key)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Validate rejects settings no zone can run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("%w: db_path required", ErrInvalidConfig)
	}
	if c.TimerTick <= 0 {
		return fmt.Errorf("%w: timer_tick must be positive", ErrInvalidConfig)
	}
	if c.Runtime.CallTimeout < 0 {
		return fmt.Errorf("%w: runtime.call_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Runtime.SyncTimeout <= 0 {
		return fmt.Errorf("%w: runtime.sync_timeout must be positive", ErrInvalidConfig)
	}
	if c.Runtime.MinAlarmPeriod <= 0 {
		return fmt.Errorf("%w: runtime.min_alarm_period must be positive", ErrInvalidConfig)
	}
	if c.Session.MaxDialAttempts < 0 {
		return fmt.Errorf("%w: session.max_dial_attempts must not be negative", ErrInvalidConfig)
	}
	if c.Session.TLS.Enabled && c.Session.TLS.Mutual && strings.TrimSpace(c.Session.TLS.CAFile) == "" {
		return fmt.Errorf("%w: session.tls.ca_file required for mutual tls", ErrInvalidConfig)
	}
	switch strings.TrimSpace(c.Listen.Network) {
	case "tcp", "unix":
	default:
		return fmt.Errorf("%w: listen.network must be tcp or unix, got %q", ErrInvalidConfig, c.Listen.Network)
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return fmt.Errorf("%w: tracing.endpoint required when tracing is enabled", ErrInvalidConfig)
	}
	return nil
}

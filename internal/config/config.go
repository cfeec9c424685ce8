package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/poolkeeper/internal/env"
	"github.com/loykin/poolkeeper/internal/logger"
	"github.com/loykin/poolkeeper/internal/manager"
	"github.com/loykin/poolkeeper/internal/process"
	"github.com/loykin/poolkeeper/internal/registry"
	itls "github.com/loykin/poolkeeper/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g. POOLKEEPER_POOL_DESIRED.
const EnvPrefix = "POOLKEEPER"

// DefaultHeartbeatFile is the shared log name inside the pool workdir.
const DefaultHeartbeatFile = "logs.log"

// Config represents the top-level TOML structure.
type Config struct {
	Pool      PoolConfig      `toml:"pool" mapstructure:"pool"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" mapstructure:"heartbeat"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	Cleanup   CleanupConfig   `toml:"cleanup" mapstructure:"cleanup"`
}

type PoolConfig struct {
	Name        string   `toml:"name" mapstructure:"name"`
	Interpreter string   `toml:"interpreter" mapstructure:"interpreter"`
	Args        []string `toml:"args" mapstructure:"args"`
	WorkDir     string   `toml:"workdir" mapstructure:"workdir"`
	// MatchName overrides the process name used for discovery.
	MatchName string   `toml:"match_name" mapstructure:"match_name"`
	Env       []string `toml:"env" mapstructure:"env"`
	EnvFiles  []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv  bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Desired             int           `toml:"desired" mapstructure:"desired"`
	Autostart           bool          `toml:"autostart" mapstructure:"autostart"`
	TickInterval        time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	StaleAfter          time.Duration `toml:"stale_after" mapstructure:"stale_after"`
	StopGrace           time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	BulkStopGrace       time.Duration `toml:"bulk_stop_grace" mapstructure:"bulk_stop_grace"`
	ReapStaleWhenPaused bool          `toml:"reap_stale_when_paused" mapstructure:"reap_stale_when_paused"`
	SampleUsage         bool          `toml:"sample_usage" mapstructure:"sample_usage"`

	Stdout string `toml:"stdout" mapstructure:"stdout"`
	Stderr string `toml:"stderr" mapstructure:"stderr"`
}

type HeartbeatConfig struct {
	// Path of the shared log; relative paths resolve against pool.workdir.
	Path string `toml:"path" mapstructure:"path"`
}

type ServerConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	Listen       string `toml:"listen" mapstructure:"listen"`
	BasePath     string `toml:"base_path" mapstructure:"base_path"`
	AdminToken   string `toml:"admin_token" mapstructure:"admin_token"`
	ControlToken string `toml:"control_token" mapstructure:"control_token"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	// TLSMinVersion is "1.2" (default) or "1.3".
	TLSMinVersion string `toml:"tls_min_version" mapstructure:"tls_min_version"`
	// TLSAutoGenerate writes a self-signed pair to cert_file/key_file when absent.
	TLSAutoGenerate bool `toml:"tls_auto_generate" mapstructure:"tls_auto_generate"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type CleanupConfig struct {
	ProcessNames []string      `toml:"process_names" mapstructure:"process_names"`
	Grace        time.Duration `toml:"grace" mapstructure:"grace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "default")
	v.SetDefault("pool.interpreter", "")
	v.SetDefault("pool.args", []string{})
	v.SetDefault("pool.workdir", "")
	v.SetDefault("pool.match_name", "")
	v.SetDefault("pool.env", []string{})
	v.SetDefault("pool.env_files", []string{})
	v.SetDefault("pool.use_os_env", true)
	v.SetDefault("pool.desired", 2)
	v.SetDefault("pool.autostart", false)
	v.SetDefault("pool.tick_interval", manager.DefaultTickInterval)
	v.SetDefault("pool.stale_after", manager.DefaultStaleAfter)
	v.SetDefault("pool.stop_grace", manager.DefaultStopGrace)
	v.SetDefault("pool.bulk_stop_grace", manager.DefaultBulkStopGrace)
	v.SetDefault("pool.reap_stale_when_paused", true)
	v.SetDefault("pool.sample_usage", false)
	v.SetDefault("pool.stdout", "")
	v.SetDefault("pool.stderr", "")

	v.SetDefault("heartbeat.path", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.control_token", "")
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.tls_min_version", "")
	v.SetDefault("server.tls_auto_generate", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")

	v.SetDefault("history.dsns", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("cleanup.process_names", []string{})
	v.SetDefault("cleanup.grace", 5*time.Second)
}

// Load reads the TOML file at path (optional: empty path uses defaults and
// environment only), applies POOLKEEPER_* overrides, resolves paths and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := c.resolve(path); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the built-in defaults. pool.interpreter and pool.workdir
// are left empty for the caller to fill in.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	c, err := decode(v)
	if err != nil {
		// the defaults are constants; failing to decode them is a bug
		panic(err)
	}
	return c
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Normalize applies path resolution to a config built in code: a relative
// workdir resolves against the current directory, the heartbeat and output
// paths against workdir. It is idempotent.
func (c *Config) Normalize() error { return c.resolve("") }

// resolve makes paths absolute. Relative workdir resolves against the
// config file directory; other relative paths resolve against workdir.
func (c *Config) resolve(cfgPath string) error {
	base := "."
	if cfgPath != "" {
		base = filepath.Dir(cfgPath)
	}
	if c.Pool.WorkDir != "" {
		wd := c.Pool.WorkDir
		if !filepath.IsAbs(wd) {
			wd = filepath.Join(base, wd)
		}
		abs, err := filepath.Abs(wd)
		if err != nil {
			return fmt.Errorf("pool.workdir: %w", err)
		}
		c.Pool.WorkDir = abs
	}
	if c.Heartbeat.Path == "" {
		c.Heartbeat.Path = DefaultHeartbeatFile
	}
	c.Heartbeat.Path = c.underWorkDir(c.Heartbeat.Path)
	c.Pool.Stdout = c.underWorkDir(c.Pool.Stdout)
	c.Pool.Stderr = c.underWorkDir(c.Pool.Stderr)
	for i, f := range c.Pool.EnvFiles {
		c.Pool.EnvFiles[i] = c.underWorkDir(f)
	}
	for _, p := range []*string{&c.Server.CertFile, &c.Server.KeyFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return nil
}

func (c *Config) underWorkDir(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Pool.WorkDir == "" {
		return p
	}
	return filepath.Join(c.Pool.WorkDir, p)
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pool
	if p.Interpreter == "" {
		errs = append(errs, errors.New("pool.interpreter is required"))
	}
	if p.WorkDir == "" {
		errs = append(errs, errors.New("pool.workdir is required"))
	}
	if p.Desired < 0 {
		errs = append(errs, fmt.Errorf("pool.desired must not be negative, got %d", p.Desired))
	}
	for key, d := range map[string]time.Duration{
		"pool.tick_interval":   p.TickInterval,
		"pool.stale_after":     p.StaleAfter,
		"pool.stop_grace":      p.StopGrace,
		"pool.bulk_stop_grace": p.BulkStopGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if p.StaleAfter > 0 && p.TickInterval > 0 && p.StaleAfter < p.TickInterval {
		errs = append(errs, fmt.Errorf("pool.stale_after (%s) must not be shorter than pool.tick_interval (%s)", p.StaleAfter, p.TickInterval))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if _, err := itls.ParseVersion(c.Server.TLSMinVersion); err != nil {
		errs = append(errs, fmt.Errorf("server.tls_min_version: %w", err))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logger.FormatText, logger.FormatJSON, logger.FormatColor:
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json, color", c.Log.Format))
	}
	if c.Cleanup.Grace < 0 {
		errs = append(errs, fmt.Errorf("cleanup.grace must not be negative, got %s", c.Cleanup.Grace))
	}
	return errors.Join(errs...)
}

// ProcessSpec builds the worker launch spec, composing the environment from
// the OS (when use_os_env), env_files and env in that order.
func (c *Config) ProcessSpec() (process.Spec, error) {
	e := env.New()
	if c.Pool.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.Pool.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return process.Spec{}, err
		}
	}
	e.Apply(c.Pool.Env)
	return process.Spec{
		Interpreter: c.Pool.Interpreter,
		Args:        append([]string(nil), c.Pool.Args...),
		WorkDir:     c.Pool.WorkDir,
		Env:         e.Environ(),
		StdoutPath:  c.Pool.Stdout,
		StderrPath:  c.Pool.Stderr,
	}, nil
}

// Identity is the discovery predicate for the pool.
func (c *Config) Identity() registry.Identity {
	return registry.Identity{Interpreter: c.Pool.Interpreter, Root: c.Pool.WorkDir, MatchName: c.Pool.MatchName}
}

func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Desired:             c.Pool.Desired,
		TickInterval:        c.Pool.TickInterval,
		StaleAfter:          c.Pool.StaleAfter,
		StopGrace:           c.Pool.StopGrace,
		BulkStopGrace:       c.Pool.BulkStopGrace,
		HoldStaleWhenPaused: !c.Pool.ReapStaleWhenPaused,
		Autostart:           c.Pool.Autostart,
		SampleUsage:         c.Pool.SampleUsage,
	}
}

func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the analyzer
type Config struct {
	AppsRoot    string `mapstructure:"apps_root"`    // root of generated applications
	ResultsRoot string `mapstructure:"results_root"` // where result documents are written
	PortsFile   string `mapstructure:"ports_file"`   // YAML port registry of running targets

	Log    LogConfig    `mapstructure:"log"`
	Static StaticConfig `mapstructure:"static"`
	DAST   DASTConfig   `mapstructure:"dast"`
	Scans  ScansConfig  `mapstructure:"scans"`
	Server ServerConfig `mapstructure:"server"`
	Docker DockerConfig `mapstructure:"docker"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // console, json
	File       string `mapstructure:"file"`   // optional rotated log file
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StaticConfig struct {
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
	Retries     int           `mapstructure:"retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxWorkers  int           `mapstructure:"max_workers"` // 0 = one per CPU
}

type DASTConfig struct {
	ZapPath         string        `mapstructure:"zap_path"`
	Host            string        `mapstructure:"host"`
	PortMin         int           `mapstructure:"port_min"`
	PortMax         int           `mapstructure:"port_max"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff"`
	StartupGrace    time.Duration `mapstructure:"startup_grace"`

	SpiderPoll        time.Duration `mapstructure:"spider_poll"`
	SpiderMaxWait     time.Duration `mapstructure:"spider_max_wait"`
	SpiderMaxChildren int           `mapstructure:"spider_max_children"`
	SpiderMaxDepth    int           `mapstructure:"spider_max_depth"`
	AjaxEnabled       bool          `mapstructure:"ajax_enabled"`
	AjaxTimeout       time.Duration `mapstructure:"ajax_timeout"`
	AjaxPoll          time.Duration `mapstructure:"ajax_poll"`
	PassivePoll       time.Duration `mapstructure:"passive_poll"`
	PassiveMaxWait    time.Duration `mapstructure:"passive_max_wait"`
	ActivePoll        time.Duration `mapstructure:"active_poll"`
	ActiveMaxWait     time.Duration `mapstructure:"active_max_wait"`
	DiscoveryRPS      float64       `mapstructure:"discovery_rps"`

	SourceRoot       string   `mapstructure:"source_root"`   // empty = resolve per target
	PathMappings     []string `mapstructure:"path_mappings"` // "url-prefix=dir" pairs
	SourceExtensions []string `mapstructure:"source_extensions"`
	ContextLines     int      `mapstructure:"context_lines"`
}

type ScansConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DockerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ContainerPattern string `mapstructure:"container_pattern"` // {model}, {app}, {part} are substituted
}

// SetDefaults registers every key with its default value on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("apps_root", "./generated")
	v.SetDefault("results_root", "./results")
	v.SetDefault("ports_file", "./port_registry.yaml")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("static.tool_timeout", "60s")
	v.SetDefault("static.retries", 1)
	v.SetDefault("static.retry_delay", "500ms")
	v.SetDefault("static.max_workers", 0)

	v.SetDefault("dast.zap_path", "zap.sh")
	v.SetDefault("dast.host", "127.0.0.1")
	v.SetDefault("dast.port_min", 8090)
	v.SetDefault("dast.port_max", 8099)
	v.SetDefault("dast.connect_attempts", 5)
	v.SetDefault("dast.connect_backoff", "3s")
	v.SetDefault("dast.startup_grace", "10s")
	v.SetDefault("dast.spider_poll", "2s")
	v.SetDefault("dast.spider_max_wait", "10m")
	v.SetDefault("dast.spider_max_children", 0)
	v.SetDefault("dast.spider_max_depth", 10)
	v.SetDefault("dast.ajax_enabled", true)
	v.SetDefault("dast.ajax_timeout", "5m")
	v.SetDefault("dast.ajax_poll", "5s")
	v.SetDefault("dast.passive_poll", "2s")
	v.SetDefault("dast.passive_max_wait", "5m")
	v.SetDefault("dast.active_poll", "5s")
	v.SetDefault("dast.active_max_wait", "60m")
	v.SetDefault("dast.discovery_rps", 20)
	v.SetDefault("dast.source_root", "")
	v.SetDefault("dast.path_mappings", []string{})
	v.SetDefault("dast.source_extensions", []string{".py", ".js", ".jsx", ".ts", ".tsx", ".svelte", ".vue", ".html", ".css"})
	v.SetDefault("dast.context_lines", 5)

	v.SetDefault("scans.retention", "1h")
	v.SetDefault("scans.cleanup_interval", "10m")

	v.SetDefault("server.addr", ":8088")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.container_pattern", "{model}_app{app}_{part}")
}

// Prepare wires the env prefix, an optional .env file and an optional
// config file into v. A missing default config file is not an error; a
// missing explicitly named one is.
func Prepare(v *viper.Viper, configFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix("YORO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}
	v.SetConfigName("yoro")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load decodes v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and required values
func (c *Config) Validate() error {
	var errs []error
	if c.ResultsRoot == "" {
		errs = append(errs, errors.New("results_root must not be empty"))
	}
	if c.DAST.PortMin <= 0 || c.DAST.PortMax > 65535 || c.DAST.PortMin > c.DAST.PortMax {
		errs = append(errs, fmt.Errorf("dast port range %d-%d is invalid", c.DAST.PortMin, c.DAST.PortMax))
	}
	if c.DAST.ConnectAttempts < 1 {
		errs = append(errs, errors.New("dast.connect_attempts must be at least 1"))
	}
	if c.Static.Retries < 0 {
		errs = append(errs, errors.New("static.retries must not be negative"))
	}
	if c.DAST.ContextLines < 0 {
		errs = append(errs, errors.New("dast.context_lines must not be negative"))
	}
	durations := map[string]time.Duration{
		"static.tool_timeout":    c.Static.ToolTimeout,
		"dast.spider_poll":       c.DAST.SpiderPoll,
		"dast.spider_max_wait":   c.DAST.SpiderMaxWait,
		"dast.ajax_timeout":      c.DAST.AjaxTimeout,
		"dast.ajax_poll":         c.DAST.AjaxPoll,
		"dast.passive_poll":      c.DAST.PassivePoll,
		"dast.passive_max_wait":  c.DAST.PassiveMaxWait,
		"dast.active_poll":       c.DAST.ActivePoll,
		"dast.active_max_wait":   c.DAST.ActiveMaxWait,
		"scans.retention":        c.Scans.Retention,
		"scans.cleanup_interval": c.Scans.CleanupInterval,
	}
	keys := make([]string, 0, len(durations))
	for k := range durations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if durations[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", k))
		}
	}
	if _, err := c.DAST.Mappings(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Mappings parses PathMappings into URL prefix -> directory pairs
func (d DASTConfig) Mappings() (map[string]string, error) {
	out := make(map[string]string, len(d.PathMappings))
	for _, m := range d.PathMappings {
		prefix, dir, ok := strings.Cut(m, "=")
		prefix, dir = strings.TrimSpace(prefix), strings.TrimSpace(dir)
		if !ok || prefix == "" || dir == "" {
			return nil, fmt.Errorf("dast.path_mappings entry %q must look like prefix=dir", m)
		}
		out[prefix] = dir
	}
	return out, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel      = "warn"
	DefaultEnvPrefix     = "SVMETRICS"
	defaultConfigName    = "svmetrics"
	defaultDataDir       = "/var/lib/svmetrics"
	defaultArchiveDBName = "archive.db"
)

type Config struct {
	CollectInterval  time.Duration `mapstructure:"collect_interval"`
	IdleInterval     time.Duration `mapstructure:"idle_interval"`
	DataDir          string        `mapstructure:"data_dir"`
	MinTicks         int64         `mapstructure:"min_ticks"`
	Resolution       time.Duration `mapstructure:"resolution"`
	MinUptime        time.Duration `mapstructure:"min_uptime"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	IdleTimeoutSetup time.Duration `mapstructure:"idle_timeout_setup"`
	ExtStatsHost     string        `mapstructure:"ext_stats_host"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	Listen           string        `mapstructure:"listen"`
	ServerPID        int           `mapstructure:"server_pid"`
	ServerEndpoint   string        `mapstructure:"server_endpoint"`
	ConfigState      ConfigState   `mapstructure:"config_state"`
	LogLevel         string        `mapstructure:"log_level"`
	Debug            bool          `mapstructure:"debug"`
	Verbose          bool          `mapstructure:"verbose"`
	Archive          ArchiveConfig `mapstructure:"archive"`
}

type ArchiveConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("collect_interval", time.Minute)
	v.SetDefault("idle_interval", time.Minute)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("min_ticks", 2000)
	v.SetDefault("resolution", 5*time.Minute)
	v.SetDefault("min_uptime", 30*time.Second)
	v.SetDefault("idle_timeout", 10*time.Minute)
	v.SetDefault("idle_timeout_setup", 20*time.Minute)
	v.SetDefault("ext_stats_host", "")
	v.SetDefault("fetch_timeout", 5*time.Second)
	v.SetDefault("listen", "127.0.0.1:40125")
	v.SetDefault("server_pid", 0)
	v.SetDefault("server_endpoint", "127.0.0.1:30120")
	v.SetDefault("config_state", string(ConfigStateReady))
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.db_path", "")
	v.SetDefault("archive.batch_size", 12)
	v.SetDefault("archive.batch_timeout", 10*time.Minute)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("svmetrics", pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.Duration("collect-interval", time.Minute, "Interval between stats collections")
	fs.Duration("idle-interval", time.Minute, "Interval between idle checks")
	fs.String("data-dir", defaultDataDir, "Directory for the stats state file")
	fs.Int64("min-ticks", 2000, "Minimum tick count per thread before a sample is used")
	fs.Duration("resolution", 5*time.Minute, "Minimum time between persisted data points")
	fs.Duration("idle-timeout", 10*time.Minute, "Idle time before shutdown once configured")
	fs.Duration("idle-timeout-setup", 20*time.Minute, "Idle time before shutdown during setup")
	fs.String("ext-stats-host", "", "Override host:port for perf counters and player list")
	fs.String("listen", "127.0.0.1:40125", "Address for the dashboard API")
	fs.Int("server-pid", 0, "PID of the game server to attach to")
	fs.String("server-endpoint", "127.0.0.1:30120", "host:port of the game server")
	fs.String("config-state", string(ConfigStateReady), "Host setup state: ready or setup")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warn, error")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.Bool("archive", false, "Archive every persisted data point to sqlite")
	return fs
}

var flagKeys = map[string]string{
	"collect-interval":   "collect_interval",
	"idle-interval":      "idle_interval",
	"data-dir":           "data_dir",
	"min-ticks":          "min_ticks",
	"resolution":         "resolution",
	"idle-timeout":       "idle_timeout",
	"idle-timeout-setup": "idle_timeout_setup",
	"ext-stats-host":     "ext_stats_host",
	"listen":             "listen",
	"server-pid":         "server_pid",
	"server-endpoint":    "server_endpoint",
	"config-state":       "config_state",
	"log-level":          "log_level",
	"debug":              "debug",
	"verbose":            "verbose",
	"archive":            "archive.enabled",
}

// Load reads configuration from defaults, the TOML file, SVMETRICS_*
// environment variables and command line flags, in increasing priority.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet && len(os.Args) > 1 {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs, o); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if config.Archive.DBPath == "" {
		config.Archive.DBPath = filepath.Join(config.DataDir, defaultArchiveDBName)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path, _ = fs.GetString("config")
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(defaultConfigName)
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks every value that the collector and idle monitor depend on
func (c *Config) Validate() error {
	errFactory := errors.New()

	intervals := map[string]time.Duration{
		"collect_interval":   c.CollectInterval,
		"idle_interval":      c.IdleInterval,
		"resolution":         c.Resolution,
		"idle_timeout":       c.IdleTimeout,
		"idle_timeout_setup": c.IdleTimeoutSetup,
		"fetch_timeout":      c.FetchTimeout,
	}
	for name, d := range intervals {
		if d <= 0 {
			return errFactory.WithData(errors.ErrInvalidInterval, name+"="+d.String())
		}
	}
	if c.MinUptime < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "min_uptime="+c.MinUptime.String())
	}
	if c.MinTicks < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "min_ticks must not be negative")
	}
	if c.DataDir == "" {
		return errFactory.New(errors.ErrInvalidDataDir)
	}
	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if !c.ConfigState.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, "config_state="+string(c.ConfigState))
	}
	if c.Archive.Enabled && c.Archive.BatchSize <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "archive.batch_size must be positive")
	}

	return nil
}

// Level resolves the effective log level; debug and verbose win over log_level
func (c *Config) Level() logger.LogLevel {
	if c.Debug {
		return logger.DebugLevel
	}
	if c.Verbose {
		return logger.InfoLevel
	}
	level, _ := logger.ParseLevel(c.LogLevel)

	return level
}

// Package config loads node settings with viper and holds the consensus
// parameters of each network.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultPath is where the node looks for its config file.
const DefaultPath = "config/config.yaml"

// Config is the node configuration.
type Config struct {
	Log struct {
		AppLogFile string `mapstructure:"app_log_file"`
		Level      string `mapstructure:"level"`
		MaxSizeKB  int64  `mapstructure:"max_size_kb"`
		MaxRolls   int    `mapstructure:"max_rolls"`
	} `mapstructure:"log"`

	LevelDB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"leveldb"`

	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	Consensus struct {
		Network string `mapstructure:"network"`
	} `mapstructure:"consensus"`

	Lock struct {
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
		AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	} `mapstructure:"lock"`

	Pending struct {
		Timeout time.Duration `mapstructure:"timeout"`
		Max     int           `mapstructure:"max"`
	} `mapstructure:"pending"`

	Validation struct {
		Workers   int    `mapstructure:"workers"`
		CacheSize uint32 `mapstructure:"cache_size"`
	} `mapstructure:"validation"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.app_log_file", "logs/app.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_kb", 10*1024)
	v.SetDefault("log.max_rolls", 3)
	v.SetDefault("leveldb.path", "data/leveldb")
	v.SetDefault("server.port", 8080)
	v.SetDefault("consensus.network", MainNetParams.Name)
	v.SetDefault("lock.idle_timeout", time.Minute)
	v.SetDefault("lock.sweep_interval", 15*time.Second)
	v.SetDefault("lock.acquire_timeout", 10*time.Second)
	v.SetDefault("pending.timeout", 10*time.Minute)
	v.SetDefault("pending.max", 1000)
	v.SetDefault("validation.workers", 8)
	v.SetDefault("validation.cache_size", 10000)
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads the config file at path on top of the defaults. Environment
// variables prefixed with DAG_ override both, e.g. DAG_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("dag")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if cfg.Validation.Workers < 1 {
		return nil, errors.Errorf("validation.workers must be positive, got %d", cfg.Validation.Workers)
	}
	if cfg.Validation.CacheSize == 0 {
		return nil, errors.New("validation.cache_size must be positive")
	}
	return &cfg, nil
}

// Params returns the consensus parameters of the configured network.
func (c *Config) Params() (*Params, error) {
	return NetworkParams(c.Consensus.Network)
}

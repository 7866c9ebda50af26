package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Download    DownloadConfig     `mapstructure:"download" yaml:"download"`
	Log         LogConfig          `mapstructure:"log" yaml:"log"`
	Store       StoreConfig        `mapstructure:"store" yaml:"store"`
	Queue       QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Resolve     ResolveConfig      `mapstructure:"resolve" yaml:"resolve"`
	API         APIConfig          `mapstructure:"api" yaml:"api"`
	Blocklist   []string           `mapstructure:"blocklist" yaml:"blocklist"`
	Credentials []CredentialConfig `mapstructure:"credentials" yaml:"credentials"`
	Proxies     []ProxyConfig      `mapstructure:"proxies" yaml:"proxies"`
}

type DownloadConfig struct {
	OutDir         string        `mapstructure:"out_dir" yaml:"out_dir"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	BufferSize     int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	// RateLimit caps transfer speed in bytes per second, 0 disables it.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`
	// CheckLastModified gates HTTP resume on the remote Last-Modified time.
	CheckLastModified    bool          `mapstructure:"check_last_modified" yaml:"check_last_modified"`
	ResumeMtimeTolerance time.Duration `mapstructure:"resume_mtime_tolerance" yaml:"resume_mtime_tolerance"`
	AllowCleartext       bool          `mapstructure:"allow_cleartext" yaml:"allow_cleartext"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver     string `mapstructure:"driver" yaml:"driver"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
}

type QueueConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

type ResolveConfig struct {
	MaxDepth     int      `mapstructure:"max_depth" yaml:"max_depth"`
	PagePatterns []string `mapstructure:"page_patterns" yaml:"page_patterns"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type CredentialConfig struct {
	Scheme     string `mapstructure:"scheme" yaml:"scheme"`
	Host       string `mapstructure:"host" yaml:"host"`
	User       string `mapstructure:"user" yaml:"user"`
	Password   string `mapstructure:"password" yaml:"password"`
	PrivateKey string `mapstructure:"private_key" yaml:"private_key"`
}

type ProxyConfig struct {
	// Host is an exact host or a "*.example.com" suffix pattern, "*" matches all.
	Host string `mapstructure:"host" yaml:"host"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.user_agent", "gowish/1.0")
	v.SetDefault("download.connect_timeout", 30*time.Second)
	v.SetDefault("download.read_timeout", 60*time.Second)
	v.SetDefault("download.buffer_size", 32*1024)
	v.SetDefault("download.rate_limit", 0)
	v.SetDefault("download.check_last_modified", true)
	v.SetDefault("download.resume_mtime_tolerance", 2*time.Second)
	v.SetDefault("download.allow_cleartext", true)
	v.SetDefault("log.path", "gowish.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/gowish.db")
	v.SetDefault("queue.debounce", 500*time.Millisecond)
	v.SetDefault("resolve.max_depth", 4)
	v.SetDefault("api.listen", ":8080")

	v.SetEnvPrefix("GOWISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path. A missing default config.yaml is not an error: defaults
// and GOWISH_* environment variables are used instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}

	v := newViper()

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) || explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		// FALLBACK: Docker style mount
		if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
			path = "/config/config.yaml"
		} else {
			path = ""
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}

	if c.Download.BufferSize <= 0 {
		// Default to a sane value
		c.Download.BufferSize = 32 * 1024
	}

	if c.Download.RateLimit < 0 {
		return errors.New("download.rate_limit must not be negative")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	for i, cr := range c.Credentials {
		if cr.Host == "" {
			return fmt.Errorf("credentials[%d]: host is required", i)
		}
		if cr.Scheme == "" {
			return fmt.Errorf("credentials[%d]: scheme is required", i)
		}
	}

	for i, p := range c.Proxies {
		if p.Host == "" || p.URL == "" {
			return fmt.Errorf("proxies[%d]: host and url are required", i)
		}
	}

	if c.Resolve.MaxDepth <= 0 {
		c.Resolve.MaxDepth = 4
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/cwygoda/imscraper/internal/domain"
)

// Duration is a time.Duration that decodes from strings like "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = v
	return nil
}

// ServerConfig configures the HTTP intake surface.
type ServerConfig struct {
	Port int `toml:"port"`
}

// StorageConfig selects and configures the job store.
type StorageConfig struct {
	Backend     string `toml:"backend"`
	DBPath      string `toml:"db_path"`
	DataDir     string `toml:"data_dir"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
}

// WorkerConfig tunes job scheduling.
type WorkerConfig struct {
	PollInterval      Duration `toml:"poll_interval"`
	MaxJobs           int      `toml:"max_jobs"`
	DomainConcurrency int      `toml:"domain_concurrency"`
	Heartbeat         Duration `toml:"heartbeat_interval"`
}

// ProviderConfig configures one metrics provider client.
type ProviderConfig struct {
	BaseURL    string   `toml:"base_url"`
	RateLimit  int      `toml:"rate_limit"`
	RatePeriod Duration `toml:"rate_period"`
}

// ProvidersConfig configures all outbound fetches.
type ProvidersConfig struct {
	Timeout             Duration       `toml:"timeout"`
	ReachabilityTimeout Duration       `toml:"reachability_timeout"`
	Ahrefs              ProviderConfig `toml:"ahrefs"`
	Majestic            ProviderConfig `toml:"majestic"`
	DataForSEO          ProviderConfig `toml:"dataforseo"`
}

// LogConfig configures the logger.
type LogConfig struct {
	JSON  bool   `toml:"json"`
	Level string `toml:"level"`
}

// Config holds application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Worker    WorkerConfig    `toml:"worker"`
	Providers ProvidersConfig `toml:"providers"`
	Log       LogConfig       `toml:"log"`
}

// DefaultDataDir returns the default state directory using XDG_CACHE_HOME.
func DefaultDataDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "imscraper")
}

// DefaultDBPath returns the default database path inside the data dir.
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "jobs.db")
}

// DefaultConfigPath returns the config file location using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "imscraper", "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Storage: StorageConfig{
			Backend:     "sqlite",
			DBPath:      DefaultDBPath(),
			DataDir:     DefaultDataDir(),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "imscraper:",
		},
		Worker: WorkerConfig{
			PollInterval:      Duration{5 * time.Second},
			MaxJobs:           2,
			DomainConcurrency: 5,
			Heartbeat:         Duration{10 * time.Minute},
		},
		Providers: ProvidersConfig{
			Timeout:             Duration{15 * time.Second},
			ReachabilityTimeout: Duration{10 * time.Second},
			Ahrefs:              ProviderConfig{RateLimit: 60, RatePeriod: Duration{time.Minute}},
			Majestic:            ProviderConfig{RateLimit: 300, RatePeriod: Duration{time.Second}},
			DataForSEO:          ProviderConfig{RateLimit: 500, RatePeriod: Duration{time.Minute}},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the TOML file at path, a
// .env file in the working directory and IMSCRAPER_* variables, in that
// order. A missing file is an error only when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	LoadDotEnv()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) || required {
				return nil, errors.Wrapf(err, "load config %s", path)
			}
		}
	}

	cfg.applyEnv()
	// A moved data dir takes the database with it unless db_path was set.
	if cfg.Storage.DBPath == DefaultDBPath() && cfg.Storage.DataDir != DefaultDataDir() {
		cfg.Storage.DBPath = filepath.Join(cfg.Storage.DataDir, "jobs.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env if it exists. Variables already set win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func (c *Config) applyEnv() {
	if port := os.Getenv("IMSCRAPER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if db := os.Getenv("IMSCRAPER_DB"); db != "" {
		c.Storage.DBPath = db
	}
	if dir := os.Getenv("IMSCRAPER_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if backend := os.Getenv("IMSCRAPER_STORE"); backend != "" {
		c.Storage.Backend = strings.ToLower(backend)
	}
	if addr := os.Getenv("IMSCRAPER_REDIS_ADDR"); addr != "" {
		c.Storage.RedisAddr = addr
	}
	if v := os.Getenv("IMSCRAPER_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.JSON = b
		}
	}
	if level := os.Getenv("IMSCRAPER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "redis":
	default:
		return errors.Newf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Worker.MaxJobs <= 0 {
		return errors.New("worker.max_jobs must be positive")
	}
	if c.Worker.DomainConcurrency <= 0 {
		return errors.New("worker.domain_concurrency must be positive")
	}
	if c.Providers.Timeout.Duration <= 0 {
		return errors.New("providers.timeout must be positive")
	}
	return nil
}

// CredentialsFromEnv reads provider credentials for one-shot scans.
// DATAFORSEO_API_KEY may carry the combined "login:password" form.
func CredentialsFromEnv() domain.Credentials {
	var c domain.Credentials
	c.Ahrefs.APIKey = os.Getenv("AHREFS_API_KEY")
	c.Majestic.APIKey = os.Getenv("MAJESTIC_API_KEY")
	c.DataForSEO.Login = os.Getenv("DATAFORSEO_LOGIN")
	c.DataForSEO.Password = os.Getenv("DATAFORSEO_PASSWORD")
	if c.DataForSEO.Login == "" {
		if dfs, err := domain.ParseDataForSEOKey(os.Getenv("DATAFORSEO_API_KEY")); err == nil {
			c.DataForSEO = dfs
		}
	}
	return c
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"
)

const (
	envDataDir      = "PBP_DATA_DIR"
	envDatabaseFile = "PBP_DATABASE_FILE"
	envBaseURL      = "PBP_BASE_URL"

	DefaultBaseURL   = "https://stats.nba.com/stats"
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12) AppleWebKit/602.1.43 (KHTML, like Gecko) Version/10.0 Safari/602.1.43"
	DefaultReferer   = "https://stats.nba.com/scores/"

	MinPeriod = 1
	MaxPeriod = 10
)

// Config is everything the crawler, retriever and server need. It replaces
// hard coded timeouts, headers and paths so tests can point at a fake api.
type Config struct {
	Command string
	Args    []string

	Year int

	DataDir      string
	DatabaseFile string

	BaseURL     string
	UserAgent   string
	Referer     string
	Timeout     time.Duration
	StartPeriod int
	EndPeriod   int

	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
	Burst             int

	Reprobe       bool
	NotFoundTTL   time.Duration
	WatchInterval time.Duration
	Addr          string
	Prod          bool
}

func Default() *Config {
	return &Config{
		Year:              16,
		DataDir:           envOrDefault(envDataDir, "data"),
		DatabaseFile:      envOrDefault(envDatabaseFile, "pbpcache.db"),
		BaseURL:           envOrDefault(envBaseURL, DefaultBaseURL),
		UserAgent:         DefaultUserAgent,
		Referer:           DefaultReferer,
		Timeout:           2 * time.Second,
		StartPeriod:       MinPeriod,
		EndPeriod:         MaxPeriod,
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		RequestsPerSecond: 0,
		Burst:             1,
		WatchInterval:     30 * time.Minute,
		Addr:              ":8080",
	}
}

// Load parses command line arguments (without the program name). The first
// positional argument is the command, anything after it is left in Args.
func Load(args []string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("pbpcache", flag.ContinueOnError)

	fs.BoolVarP(&cfg.Prod, "prod", "p", false, "designates production")
	fs.IntVarP(&cfg.Year, "year", "y", cfg.Year, "two digit starting year of the season")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root directory of the game cache")
	fs.StringVar(&cfg.DatabaseFile, "db", cfg.DatabaseFile, "sqlite file for the probe ledger")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "stats api base url")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "user agent sent to the stats api")
	fs.StringVar(&cfg.Referer, "referer", cfg.Referer, "referer sent to the stats api")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per request timeout")
	fs.IntVar(&cfg.StartPeriod, "start-period", cfg.StartPeriod, "first period requested")
	fs.IntVar(&cfg.EndPeriod, "end-period", cfg.EndPeriod, "last period requested")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "attempts per game before giving up")
	fs.DurationVar(&cfg.InitialBackoff, "initial-backoff", cfg.InitialBackoff, "first retry delay")
	fs.DurationVar(&cfg.MaxBackoff, "max-backoff", cfg.MaxBackoff, "longest retry delay")
	fs.Float64Var(&cfg.RequestsPerSecond, "rps", cfg.RequestsPerSecond, "request pacing, 0 for none")
	fs.IntVar(&cfg.Burst, "burst", cfg.Burst, "request pacing burst")
	fs.BoolVar(&cfg.Reprobe, "reprobe", false, "probe games previously reported missing")
	fs.DurationVar(&cfg.NotFoundTTL, "not-found-ttl", cfg.NotFoundTTL, "how long a missing game is skipped, 0 for until --reprobe")
	fs.DurationVar(&cfg.WatchInterval, "interval", cfg.WatchInterval, "watch crawl interval")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "serve listen address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Prod {
		if !fs.Changed("data-dir") {
			cfg.DataDir = "/data"
		}
		if !fs.Changed("db") {
			cfg.DatabaseFile = "/sqlitedata/pbpcache.db"
		}
	}

	rest := fs.Args()
	if len(rest) > 0 {
		cfg.Command = rest[0]
		cfg.Args = rest[1:]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Year < 0 || c.Year > 99 {
		return fmt.Errorf("year must be two digits, got %d", c.Year)
	}
	if c.StartPeriod < MinPeriod || c.EndPeriod > MaxPeriod || c.StartPeriod > c.EndPeriod {
		return fmt.Errorf("invalid period range %d-%d", c.StartPeriod, c.EndPeriod)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("rps must not be negative, got %f", c.RequestsPerSecond)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir required")
	}
	return nil
}

// YearDir is the cache directory for the configured season.
func (c *Config) YearDir() string {
	return filepath.Join(c.DataDir, fmt.Sprint(c.Year))
}

func envOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

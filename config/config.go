package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	golobby "github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

type Config struct {
	Tilawah  TilawahConfig
	Player   PlayerConfig
	Pushover PushoverConfig
}

type TilawahConfig struct {
	AllowedOrigins        string `env:"ALLOWED_ORIGINS"`
	BackgroundJobsEnabled bool   `env:"BACKGROUND_JOBS_ENABLED"`
	CheckpointInterval    int    `env:"CHECKPOINT_INTERVAL"` // seconds
	ControlSecret         string `env:"CONTROL_SECRET"`
	DbPath                string `env:"DB_PATH"`
	HistoryLimit          int    `env:"HISTORY_LIMIT"`
	ListenAddr            string `env:"LISTEN_ADDR"`
	LogLevel              string `env:"LOG_LEVEL"`
	PersistenceEnabled    bool   `env:"PERSISTENCE_ENABLED"`
	ResetDB               bool   `env:"RESET_DB"`
	StorageDir            string `env:"STORAGE_DIR"`
}

type PlayerConfig struct {
	DefaultReciter string  `env:"DEFAULT_RECITER"`
	DefaultTrack   int     `env:"DEFAULT_TRACK"`
	DefaultVolume  float64 `env:"DEFAULT_VOLUME"`
	LoadTimeout    int     `env:"LOAD_TIMEOUT"` // seconds
	RecitersFile   string  `env:"RECITERS_FILE"`
}

type PushoverConfig struct {
	Recipient string `env:"PUSHOVER_RECIPIENT"`
	Token     string `env:"PUSHOVER_TOKEN"`
}

// Default is the configuration used for anything not set in the environment.
func Default() Config {
	return Config{
		Tilawah: TilawahConfig{
			AllowedOrigins:        "*",
			BackgroundJobsEnabled: true,
			CheckpointInterval:    15,
			HistoryLimit:          500,
			ListenAddr:            ":8080",
			LogLevel:              "info",
			PersistenceEnabled:    true,
			StorageDir:            ".",
		},
		Player: PlayerConfig{
			DefaultTrack:  1,
			DefaultVolume: 0.7,
			LoadTimeout:   15,
		},
	}
}

// Load reads envFile when it exists and then the process environment, which
// takes precedence.
func Load(envFile string) (Config, error) {
	cfg := Default()

	c := golobby.New()
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			c.AddFeeder(feeder.DotEnv{Path: envFile})
		}
	}
	c.AddFeeder(feeder.Env{})
	c.AddStruct(&cfg)

	if err := c.Feed(); err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.normalise()
	return cfg, nil
}

func (c *Config) normalise() {
	d := Default()
	if c.Tilawah.CheckpointInterval <= 0 {
		c.Tilawah.CheckpointInterval = d.Tilawah.CheckpointInterval
	}
	if c.Tilawah.HistoryLimit <= 0 {
		c.Tilawah.HistoryLimit = d.Tilawah.HistoryLimit
	}
	if c.Tilawah.ListenAddr == "" {
		c.Tilawah.ListenAddr = d.Tilawah.ListenAddr
	}
	if c.Tilawah.StorageDir == "" {
		c.Tilawah.StorageDir = d.Tilawah.StorageDir
	}
	if c.Tilawah.DbPath == "" {
		c.Tilawah.DbPath = filepath.Join(c.Tilawah.StorageDir, "tilawah.db")
	}
	if c.Player.LoadTimeout <= 0 {
		c.Player.LoadTimeout = d.Player.LoadTimeout
	}
	if math.IsNaN(c.Player.DefaultVolume) {
		c.Player.DefaultVolume = d.Player.DefaultVolume
	}
	c.Player.DefaultVolume = math.Min(math.Max(c.Player.DefaultVolume, 0), 1)
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.Tilawah.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" || logLevel == "warn" {
		return slog.LevelWarn
	}
	if logLevel == "info" {
		return slog.LevelInfo
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	// default to info if unknown
	slog.With(slog.String("log_level", logLevel)).Info("Received invalid log level. Defaulting to INFO.")
	return slog.LevelInfo
}

func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.Player.LoadTimeout) * time.Second
}

func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Tilawah.CheckpointInterval) * time.Second
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c *Config) Origins() []string {
	origins := []string{}
	for _, o := range strings.Split(c.Tilawah.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) PushoverEnabled() bool {
	return c.Pushover.Token != "" && c.Pushover.Recipient != ""
}

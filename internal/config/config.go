package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database      DatabaseConfig       `mapstructure:"database"`
	Scan          ScanConfig           `mapstructure:"scan"`
	Feed          FeedConfig           `mapstructure:"feed"`
	Extractor     ExtractorConfig      `mapstructure:"extractor"`
	Output        OutputConfig         `mapstructure:"output"`
	Jellyfin      JellyfinConfig       `mapstructure:"jellyfin"`
	Log           LogConfig            `mapstructure:"log"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	SearchIndex string `mapstructure:"search_index"`
}

type ScanConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

type FeedConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

type ExtractorConfig struct {
	Binary      string        `mapstructure:"binary"`
	Profile     string        `mapstructure:"profile"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	ExtraArgs   []string      `mapstructure:"extra_args"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory"`
	FileMode  uint32 `mapstructure:"file_mode"`
}

type JellyfinConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// SubscriptionConfig is one channel entry from the config file. Zero
// KeepDays means keep forever.
type SubscriptionConfig struct {
	Name      string   `mapstructure:"name"`
	URL       string   `mapstructure:"url"`
	KeepDays  int      `mapstructure:"keep_days"`
	TargetDir string   `mapstructure:"target_dir"`
	Profile   string   `mapstructure:"profile"`
	ExtraArgs []string `mapstructure:"extra_args"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dbPath := filepath.Join(homeDir, ".ytmon.db")
	searchIndexPath := filepath.Join(homeDir, ".ytmon", "index.bleve")

	return &Config{
		Database: DatabaseConfig{
			Path:        dbPath,
			SearchIndex: searchIndexPath,
		},
		Scan: ScanConfig{
			Interval:    30 * time.Minute,
			Concurrency: 3,
		},
		Feed: FeedConfig{
			HTTPTimeout: 30 * time.Second,
			UserAgent:   "ytmon/1.0 (https://github.com/pders01/ytmon)",
		},
		Extractor: ExtractorConfig{
			Binary:      "yt-dlp",
			Profile:     "default",
			Timeout:     1 * time.Hour,
			MaxAttempts: 5,
		},
		Output: OutputConfig{
			Directory: filepath.Join(homeDir, "Videos", "ytmon"),
			FileMode:  0o644,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := defaultConfig()
	v.SetDefault("database", cfg.Database)
	v.SetDefault("scan", cfg.Scan)
	v.SetDefault("feed", cfg.Feed)
	v.SetDefault("extractor", cfg.Extractor)
	v.SetDefault("output", cfg.Output)
	v.SetDefault("jellyfin", cfg.Jellyfin)
	v.SetDefault("log", cfg.Log)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "ytmon")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("YTMON")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)

	return &config, nil
}

// Validate catches configuration that the registry cannot repair.
// A failure here is a fatal startup error, never a per-cycle error.
func (c *Config) Validate() error {
	if c.Scan.Interval < time.Minute {
		return fmt.Errorf("scan.interval must be at least 1m, got %s", c.Scan.Interval)
	}
	if c.Scan.Concurrency < 1 {
		return fmt.Errorf("scan.concurrency must be at least 1, got %d", c.Scan.Concurrency)
	}
	if c.Extractor.Binary == "" {
		return fmt.Errorf("extractor.binary must not be empty")
	}
	if c.Extractor.Timeout <= 0 {
		return fmt.Errorf("extractor.timeout must be positive, got %s", c.Extractor.Timeout)
	}
	if c.Extractor.MaxAttempts < 0 {
		return fmt.Errorf("extractor.max_attempts must not be negative, got %d", c.Extractor.MaxAttempts)
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory must not be empty")
	}
	if len(c.Subscriptions) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}
	if c.Jellyfin.URL != "" && c.Jellyfin.APIKey == "" {
		return fmt.Errorf("jellyfin.api_key is required when jellyfin.url is set")
	}
	return nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

// expandPaths expands all paths in the config
func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Database.SearchIndex = expandPath(cfg.Database.SearchIndex)
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Log.Path = expandPath(cfg.Log.Path)
	for i := range cfg.Subscriptions {
		cfg.Subscriptions[i].TargetDir = expandPath(cfg.Subscriptions[i].TargetDir)
	}
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Convert durations to strings for TOML readability
	dbCfg := map[string]interface{}{
		"path":         config.Database.Path,
		"search_index": config.Database.SearchIndex,
	}

	scanCfg := map[string]interface{}{
		"interval":    config.Scan.Interval.String(),
		"concurrency": config.Scan.Concurrency,
	}

	feedCfg := map[string]interface{}{
		"http_timeout": config.Feed.HTTPTimeout.String(),
		"user_agent":   config.Feed.UserAgent,
	}

	extractorCfg := map[string]interface{}{
		"binary":       config.Extractor.Binary,
		"profile":      config.Extractor.Profile,
		"timeout":      config.Extractor.Timeout.String(),
		"max_attempts": config.Extractor.MaxAttempts,
	}

	v.Set("database", dbCfg)
	v.Set("scan", scanCfg)
	v.Set("feed", feedCfg)
	v.Set("extractor", extractorCfg)
	v.Set("output", config.Output)
	v.Set("jellyfin", config.Jellyfin)
	v.Set("log", config.Log)
	v.Set("subscriptions", config.Subscriptions)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	cfg := defaultConfig()
	// A placeholder entry so the generated file shows the shape of a
	// subscription; validation rejects a config with none.
	cfg.Subscriptions = []SubscriptionConfig{
		{
			Name:     "example",
			URL:      "https://www.youtube.com/channel/UCxxxxxxxxxxxxxxxxxxxxxx",
			KeepDays: 14,
		},
	}
	return Save(cfg, path)
}

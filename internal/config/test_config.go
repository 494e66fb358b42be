package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: ":memory:",
		},
		Scan: ScanConfig{
			Interval:    1 * time.Minute,
			Concurrency: 2,
		},
		Feed: FeedConfig{
			HTTPTimeout: 5 * time.Second,
			UserAgent:   "ytmon-test/1.0",
		},
		Extractor: ExtractorConfig{
			Binary:      "yt-dlp",
			Profile:     "default",
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
		},
		Output: OutputConfig{
			Directory: "/tmp/ytmon-test",
			FileMode:  0o644,
		},
		Log: LogConfig{
			Level: "off",
		},
	}
}

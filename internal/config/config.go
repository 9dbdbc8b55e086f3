// Package config loads scalefsctl/scalefusefs runtime configuration via
// viper, following the pack's config/CLI pairing (spf13/viper feeding
// spf13/cobra-driven commands).
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved set of knobs a mount or mkfs invocation needs.
type Config struct {
	DevicePath   string `mapstructure:"device_path"`
	NumBlocks    uint32 `mapstructure:"num_blocks"`
	JournalBlocks uint32 `mapstructure:"journal_blocks"`
	CacheBlocks  int    `mapstructure:"cache_blocks"`
	MemFS        bool   `mapstructure:"memfs"`
	LogLevel     string `mapstructure:"log_level"`
	LogJSON      bool   `mapstructure:"log_json"`
	NumCPU       int    `mapstructure:"num_cpu"`
}

// Defaults returns the built-in configuration baseline, overridden by
// config file and environment values in Load.
func Defaults() Config {
	return Config{
		NumBlocks:     1 << 16,
		JournalBlocks: 1 << 12,
		CacheBlocks:   4096,
		LogLevel:      "info",
		NumCPU:        4,
	}
}

// Load reads configuration from an optional file plus SCALEFS_-prefixed
// environment variables, layered over Defaults.
func Load(v *viper.Viper, configFile string) (Config, error) {
	cfg := Defaults()
	v.SetEnvPrefix("scalefs")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("device_path", "")
	v.SetDefault("num_blocks", cfg.NumBlocks)
	v.SetDefault("journal_blocks", cfg.JournalBlocks)
	v.SetDefault("cache_blocks", cfg.CacheBlocks)
	v.SetDefault("memfs", cfg.MemFS)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("num_cpu", cfg.NumCPU)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

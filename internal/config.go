package internal

import (
	"fmt"

	"github.com/spf13/viper"
)

// GraniteConfig is the engine configuration, loadable from yaml.
type GraniteConfig struct {
	Storage struct {
		File     string `mapstructure:"file"`
		InMemory bool   `mapstructure:"in_memory"`
		DirectIO bool   `mapstructure:"direct_io"`
		WALDir   string `mapstructure:"wal_dir"`
	} `mapstructure:"storage"`
	Buffer struct {
		PoolSize int    `mapstructure:"pool_size"`
		LRUK     int    `mapstructure:"lru_k"`
		Replacer string `mapstructure:"replacer"` // "lruk" (default) or "clock"
	} `mapstructure:"buffer"`
	Hash struct {
		HeaderMaxDepth    uint32 `mapstructure:"header_max_depth"`
		DirectoryMaxDepth uint32 `mapstructure:"directory_max_depth"`
		BucketMaxSize     uint32 `mapstructure:"bucket_max_size"`
	} `mapstructure:"hash"`
}

// DefaultConfig returns an in-memory engine with default sizing; handy for
// tests and embedding.
func DefaultConfig() *GraniteConfig {
	var cfg GraniteConfig
	cfg.Storage.InMemory = true
	cfg.Buffer.PoolSize = 128
	cfg.Buffer.LRUK = 2
	cfg.Buffer.Replacer = "lruk"
	cfg.Hash.HeaderMaxDepth = 9
	cfg.Hash.DirectoryMaxDepth = 9
	return &cfg
}

// LoadConfig reads a yaml config file.
func LoadConfig(path string) (*GraniteConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("buffer.pool_size", 128)
	v.SetDefault("buffer.lru_k", 2)
	v.SetDefault("buffer.replacer", "lruk")
	v.SetDefault("hash.header_max_depth", 9)
	v.SetDefault("hash.directory_max_depth", 9)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg GraniteConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

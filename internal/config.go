package internal

import (
	"fmt"

	"github.com/spf13/viper"
)

// NovaSqlConfig is the on-disk YAML shape (novasql.yaml), loaded with
// viper the way the teacher's LoadConfig does.
type NovaSqlConfig struct {
	Storage struct {
		Workdir           string `mapstructure:"workdir"`
		PageSize          int    `mapstructure:"page_size"`
		BufferPoolFrames  int    `mapstructure:"buffer_pool_frames"`
		LogBufferBytes    int    `mapstructure:"log_buffer_bytes"`
		CheckpointEveryN  int    `mapstructure:"checkpoint_every_n_txns"`
	} `mapstructure:"storage"`
	Server struct {
		Port  int  `mapstructure:"port"`
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"server"`
}

func LoadConfig(path string) (*NovaSqlConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults match the engine's own zero-value fallbacks, so a missing
	// novasql.yaml still produces a usable config.
	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("storage.page_size", 4096)
	v.SetDefault("storage.buffer_pool_frames", 128)
	v.SetDefault("storage.log_buffer_bytes", 64*1024)
	v.SetDefault("storage.checkpoint_every_n_txns", 1000)
	v.SetDefault("server.port", 6543)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg NovaSqlConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

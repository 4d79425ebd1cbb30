package main

import (
	"github.com/BurntSushi/toml"

	"github.com/albatross-go/core/historysync"
)

// fileConfig is the shape of an optional TOML config file, mirroring
// geth's flags-plus-config-file convention: anything not set in the
// file keeps historysync.DefaultConfig() and an "info" log level, and
// any CLI flag that is set explicitly overrides the file.
type fileConfig struct {
	HistorySync historysync.Config
	LogLevel    string   `toml:"log_level"`
	DevPeers    []string `toml:"dev_peers"`
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		HistorySync: historysync.DefaultConfig(),
		LogLevel:    "info",
	}
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

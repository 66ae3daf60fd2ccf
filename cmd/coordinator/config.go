package main

import (
	"fmt"

	"github.com/gookit/config/v2"
	"github.com/gookit/config/v2/yaml"
)

type ListenConfig struct {
	// Public serves the local peer and tunnelled HTTP.
	Public string
	// Internal serves remote peers only.
	Internal string
}

type ConfigBundle struct {
	Listen   ListenConfig
	Token    string
	Profiler string
	Debug    bool
	// MaxBody caps public request bodies in bytes; 0 keeps the default.
	MaxBody int64
}

func defaultConfig() *ConfigBundle {
	return &ConfigBundle{
		Listen: ListenConfig{
			Public:   ":8787",
			Internal: "127.0.0.1:8788",
		},
	}
}

func getConfig(path string) (*ConfigBundle, error) {
	cfg := config.New("bridge")
	cfg.AddDriver(yaml.Driver)

	err := cfg.LoadFiles(path)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	bundle := defaultConfig()
	if err := cfg.MapStruct("listen", &bundle.Listen); err != nil {
		return nil, fmt.Errorf("reading listen section: %w", err)
	}
	bundle.Token = cfg.String("token", bundle.Token)
	bundle.Profiler = cfg.String("profiler", bundle.Profiler)
	bundle.Debug = cfg.Bool("debug", bundle.Debug)
	bundle.MaxBody = cfg.Int64("max_body", bundle.MaxBody)

	return bundle, nil
}

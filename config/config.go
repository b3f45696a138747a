// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads pool configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/quantasim/offload"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// OFFLOAD_POOL_MIN_WORKERS.
const envPrefix = "OFFLOAD"

// File is the on-disk configuration layout.
type File struct {
	Pool offload.PoolConfig `mapstructure:"pool"`
}

// Load reads pool configuration from the YAML file at path. Environment
// variables with the OFFLOAD prefix override file values. When path is
// empty only defaults and environment variables apply.
func Load(path string) (offload.PoolConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return offload.PoolConfig{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg File
	if err := v.Unmarshal(&cfg); err != nil {
		return offload.PoolConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Pool.Validate(); err != nil {
		return offload.PoolConfig{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg.Pool, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.min_workers", 2)
	v.SetDefault("pool.max_workers", 4)
	v.SetDefault("pool.auto_scale", false)
	v.SetDefault("pool.worker_script", "")
}

// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// Package config binds the xenadb CLI's flags, environment variables,
// and an optional config file into one Config value, applied in
// precedence order flags > env > file > default.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment variable overrides, e.g.
// XENADB_DB_PATH overrides the db-path flag.
const envPrefix = "XENADB"

// Config holds every xenadb CLI setting.
type Config struct {
	// DBPath is the path to the SQLite database file, or ":memory:".
	DBPath string
	// DataRoot bounds every loadable file path: inputs must canonicalize
	// to a path strictly below it.
	DataRoot string
	// ReadPoolSize is the number of concurrent read connections.
	ReadPoolSize int
	// SegmentCacheCapacity is the number of decoded segments the LRU
	// segment cache holds.
	SegmentCacheCapacity int
	// Serve starts the long-running server instead of a one-shot load.
	Serve bool
	// Probemaps treats every positional file argument as a probemap.
	Probemaps bool
	// ConfigFile, if set, is read by viper before flags/env are applied.
	ConfigFile string
}

// Default returns the zero-config baseline before flags/env/file are
// applied.
func Default() Config {
	return Config{
		DBPath:               "xena.db",
		DataRoot:             ".",
		ReadPoolSize:         4,
		SegmentCacheCapacity: 128,
	}
}

// BindFlags registers every Config field as a pflag, matching the
// xenadb CLI surface.
func BindFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVarP(&cfg.DBPath, "db-path", "d", cfg.DBPath, "path to the database file (\":memory:\" for an ephemeral instance)")
	flags.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "directory every loadable file path must resolve strictly below")
	flags.IntVar(&cfg.ReadPoolSize, "read-pool-size", cfg.ReadPoolSize, "number of concurrent read connections")
	flags.IntVar(&cfg.SegmentCacheCapacity, "segment-cache-capacity", cfg.SegmentCacheCapacity, "decoded-segment LRU cache capacity")
	flags.BoolVarP(&cfg.Serve, "serve", "s", cfg.Serve, "start the server instead of performing a one-shot load")
	flags.BoolVarP(&cfg.Probemaps, "probemap", "p", cfg.Probemaps, "treat positional file arguments as probemaps")
	flags.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile, "configuration file to read from")
}

// Load applies, in increasing priority, defaults already set on cfg's
// fields, a config file (if cfg.ConfigFile or the --config flag was
// set), environment variables prefixed with XENADB_, and finally
// whatever flags were explicitly passed on flags.
func Load(flags *pflag.FlagSet, cfg *Config) error {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfg.ConfigFile != "" {
		v.SetConfigFile(cfg.ConfigFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %q: %w", cfg.ConfigFile, err)
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		if value == "" {
			return
		}
		flagErr = f.Value.Set(value)
	})
	return flagErr
}

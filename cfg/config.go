// Copyright 2025 The metanfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg defines the startup configuration: a struct tree bound to
// flags and an optional YAML config file through viper. Nothing here is
// adjustable at runtime.
package cfg

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LogSeverity is a named severity string, validated at load.
type LogSeverity string

type Config struct {
	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`

	MetadataCache MetadataCacheConfig `yaml:"metadata-cache"`

	Shutdown ShutdownConfig `yaml:"shutdown"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	// Format selects "text" or "json".
	Format string `yaml:"format"`
}

type DebugConfig struct {
	// ExitOnInvariantViolation enables invariant checks on every unlock of
	// a checked lock; a violation panics.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	// LogMutex warns about locks held for over a second.
	LogMutex bool `yaml:"log-mutex"`
}

type MetadataCacheConfig struct {
	// Lanes is the number of LRU shards, fixed at startup.
	Lanes int `yaml:"lanes"`

	// EntryHiWat and EntryLoWat are the reaper's pressure watermarks. A
	// zero hi-wat selects a default derived from the process's open-file
	// limit.
	EntryHiWat int `yaml:"entry-hi-wat"`
	EntryLoWat int `yaml:"entry-lo-wat"`

	// AttrTTL bounds how long cached attributes are served without
	// revalidation; AttrTTLJitter is the ± fraction applied per refresh.
	AttrTTL       time.Duration `yaml:"attr-ttl"`
	AttrTTLJitter float64       `yaml:"attr-ttl-jitter"`

	ReaperPeriod time.Duration `yaml:"reaper-period"`
}

type ShutdownConfig struct {
	DrainTimeout    time.Duration `yaml:"drain-timeout"`
	ListenerTimeout time.Duration `yaml:"listener-timeout"`
	WorkerTimeout   time.Duration `yaml:"worker-timeout"`
}

// BindFlags declares every flag and binds it into viper.
func BindFlags(flagSet *pflag.FlagSet) error {
	flags := []struct {
		name  string
		def   interface{}
		usage string
	}{
		{"logging.severity", "INFO", "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR or OFF."},
		{"logging.format", "text", "Log format: text or json."},
		{"debug.exit-on-invariant-violation", false, "Check data structure invariants at every unlock, panicking on violation."},
		{"debug.log-mutex", false, "Warn when a checked lock is held for over a second."},
		{"metadata-cache.lanes", 7, "Number of LRU lanes."},
		{"metadata-cache.entry-hi-wat", 0, "Entry count above which the reaper applies pressure (0 = derive from rlimit)."},
		{"metadata-cache.entry-lo-wat", 0, "Entry count the reaper reclaims down to."},
		{"metadata-cache.attr-ttl", time.Minute, "Attribute cache TTL."},
		{"metadata-cache.attr-ttl-jitter", 0.1, "Fractional jitter applied to each attribute refresh."},
		{"metadata-cache.reaper-period", 5 * time.Second, "How often the LRU reaper wakes unprompted."},
		{"shutdown.drain-timeout", 120 * time.Second, "Bound on draining in-flight requests at shutdown."},
		{"shutdown.listener-timeout", 30 * time.Second, "Bound on stopping request listeners at shutdown."},
		{"shutdown.worker-timeout", 30 * time.Second, "Bound on stopping the worker pool at shutdown."},
	}

	for _, f := range flags {
		switch def := f.def.(type) {
		case string:
			flagSet.String(f.name, def, f.usage)
		case bool:
			flagSet.Bool(f.name, def, f.usage)
		case int:
			flagSet.Int(f.name, def, f.usage)
		case float64:
			flagSet.Float64(f.name, def, f.usage)
		case time.Duration:
			flagSet.Duration(f.name, def, f.usage)
		}

		if err := viper.BindPFlag(f.name, flagSet.Lookup(f.name)); err != nil {
			return err
		}
	}

	return nil
}

// Load unmarshals the bound viper state into a Config.
func Load() (Config, error) {
	var c Config

	err := viper.Unmarshal(&c,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			hookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		)),
		func(dc *mapstructure.DecoderConfig) {
			// The struct tree is tagged for the YAML config file; flag and
			// file values decode through the same names.
			dc.TagName = "yaml"
		})

	return c, err
}

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}

		if t == reflect.TypeOf(LogSeverity("")) {
			return LogSeverity(strings.ToUpper(data.(string))), nil
		}

		return data, nil
	}
}

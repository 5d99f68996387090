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

package cfg

import (
	"fmt"
	"slices"
)

var validSeverities = []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(c *Config) error {
	if !slices.Contains(validSeverities, string(c.Logging.Severity)) {
		return fmt.Errorf("invalid logging severity: %q", c.Logging.Severity)
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	if c.MetadataCache.Lanes <= 0 {
		return fmt.Errorf("metadata-cache.lanes must be positive")
	}

	if c.MetadataCache.AttrTTLJitter < 0 || c.MetadataCache.AttrTTLJitter >= 1 {
		return fmt.Errorf("metadata-cache.attr-ttl-jitter must be in [0, 1)")
	}

	if c.MetadataCache.EntryLoWat > c.MetadataCache.EntryHiWat {
		return fmt.Errorf("metadata-cache.entry-lo-wat can't exceed entry-hi-wat")
	}

	return nil
}

// Rationalize updates config fields based on the values of other fields.
func Rationalize(c *Config) error {
	if c.Debug.LogMutex || c.Debug.ExitOnInvariantViolation {
		c.Logging.Severity = "TRACE"
	}

	if c.MetadataCache.EntryLoWat == 0 && c.MetadataCache.EntryHiWat > 0 {
		c.MetadataCache.EntryLoWat = c.MetadataCache.EntryHiWat * 9 / 10
	}

	return nil
}

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
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) Config {
	t.Helper()
	viper.Reset()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse(args))

	c, err := Load()
	require.NoError(t, err)
	return c
}

func TestDefaults(t *testing.T) {
	c := load(t)

	assert.Equal(t, LogSeverity("INFO"), c.Logging.Severity)
	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, 7, c.MetadataCache.Lanes)
	assert.Equal(t, time.Minute, c.MetadataCache.AttrTTL)
	assert.InDelta(t, 0.1, c.MetadataCache.AttrTTLJitter, 1e-9)
	assert.Equal(t, 120*time.Second, c.Shutdown.DrainTimeout)

	require.NoError(t, Rationalize(&c))
	require.NoError(t, ValidateConfig(&c))
}

func TestFlagOverrides(t *testing.T) {
	c := load(t,
		"--logging.severity=debug",
		"--metadata-cache.lanes=13",
		"--metadata-cache.attr-ttl=5s",
		"--metadata-cache.entry-hi-wat=1000",
	)

	assert.Equal(t, LogSeverity("DEBUG"), c.Logging.Severity)
	assert.Equal(t, 13, c.MetadataCache.Lanes)
	assert.Equal(t, 5*time.Second, c.MetadataCache.AttrTTL)

	require.NoError(t, Rationalize(&c))
	assert.Equal(t, 900, c.MetadataCache.EntryLoWat)
	require.NoError(t, ValidateConfig(&c))
}

func TestDebugFlagsRaiseSeverity(t *testing.T) {
	c := load(t, "--debug.log-mutex")

	require.NoError(t, Rationalize(&c))
	assert.Equal(t, LogSeverity("TRACE"), c.Logging.Severity)
}

func TestValidationRejectsBadSeverity(t *testing.T) {
	c := load(t)
	c.Logging.Severity = "LOUD"
	assert.Error(t, ValidateConfig(&c))
}

func TestValidationRejectsBadFormat(t *testing.T) {
	c := load(t)
	c.Logging.Format = "xml"
	assert.Error(t, ValidateConfig(&c))
}

func TestValidationRejectsBadJitter(t *testing.T) {
	c := load(t)
	c.MetadataCache.AttrTTLJitter = 1.5
	assert.Error(t, ValidateConfig(&c))
}

func TestValidationRejectsInvertedWatermarks(t *testing.T) {
	c := load(t)
	c.MetadataCache.EntryHiWat = 10
	c.MetadataCache.EntryLoWat = 20
	assert.Error(t, ValidateConfig(&c))
}

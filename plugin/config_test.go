/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/lifecycle"
	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/security"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero pool":          func(c *Config) { c.ThreadPoolSize = 0 },
		"negative instances": func(c *Config) { c.MaxInstances = -1 },
		"zero heartbeat":     func(c *Config) { c.HeartbeatInterval = 0 },
		"zero miss limit":    func(c *Config) { c.HeartbeatMissLimit = 0 },
		"memory ceiling":     func(c *Config) { c.HostMemoryCeilingPercent = 150 },
		"tiny frames":        func(c *Config) { c.Protocol.MaxFrameSize = 16 },
		"unknown codec":      func(c *Config) { c.Protocol.Compression = []string{"lz4"} },
		"unknown cipher":     func(c *Config) { c.Protocol.Encryption = []string{"rot13"} },
		"unknown feature":    func(c *Config) { c.Protocol.Features = []string{"telepathy"} },
		"bad level":          func(c *Config) { c.Sandbox.Level = security.Level(9) },
		"no attempts": func(c *Config) {
			c.Recovery.Strategy = lifecycle.RecoveryFixed
			c.Recovery.MaxAttempts = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrConfigInvalid), "got %v", err)
		})
	}
}

func TestParseConfigEmptyKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("thread_pool: 3\n"))
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeConfigInvalid, errdefs.CodeOf(err))
}

const sampleConfig = `
thread_pool_size: 8
heartbeat_interval: 2s
protocol:
  compression: [zstd]
  compression_threshold: 512
sandbox:
  level: strict
  constraints:
    max_memory_bytes: 1048576
    allowed_operations: [echo]
recovery:
  strategy: exponential
  max_attempts: 5
  initial_delay: 100ms
`

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	t.Setenv("PLUGINHOST_MAX_INSTANCES", "12")
	t.Setenv("PLUGINHOST_RECOVERY_MAX_DELAY", "1m")
	t.Setenv("PLUGINHOST_PROTOCOL_ENCRYPTION", "chacha20poly1305")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.ThreadPoolSize)
	assert.Equal(t, 12, cfg.MaxInstances)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultConfig().StopGracePeriod, cfg.StopGracePeriod)
	assert.Equal(t, []string{protocol.CompressionZstd}, cfg.Protocol.Compression)
	assert.Equal(t, 512, cfg.Protocol.CompressionThreshold)
	assert.Equal(t, []string{protocol.EncryptionChaCha20Poly1305}, cfg.Protocol.Encryption)
	assert.Equal(t, security.LevelStrict, cfg.Sandbox.Level)
	assert.Equal(t, uint64(1<<20), cfg.Sandbox.Constraints.MaxMemoryBytes)
	assert.Equal(t, []string{"echo"}, cfg.Sandbox.Constraints.AllowedOperations)
	assert.Equal(t, lifecycle.RecoveryExponential, cfg.Recovery.Strategy)
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Recovery.InitialDelay)
	assert.Equal(t, time.Minute, cfg.Recovery.MaxDelay)

	s := cfg.settings()
	assert.Equal(t, cfg.Recovery, s.Recovery)
	assert.Equal(t, cfg.Sandbox, s.Sandbox)
}

func TestLoadConfigRejectsInvalidEnv(t *testing.T) {
	t.Setenv("PLUGINHOST_THREAD_POOL_SIZE", "0")
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConfigInvalid))

	t.Setenv("PLUGINHOST_THREAD_POOL_SIZE", "many")
	_, err = LoadConfig("")
	assert.True(t, errors.Is(err, errdefs.ErrConfigInvalid))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

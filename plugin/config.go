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
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	isecurity "github.com/srediag/plugin-host/internal/security"
	"github.com/srediag/plugin-host/pkg/audit"
	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/lifecycle"
	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/security"
)

// EnvPrefix prefixes every environment override, e.g.
// PLUGINHOST_THREAD_POOL_SIZE or PLUGINHOST_RECOVERY_STRATEGY.
const EnvPrefix = "PLUGINHOST_"

// Config holds the manager settings.
type Config struct {
	// ThreadPoolSize bounds the worker pool used for restarts and bulk
	// operations.
	ThreadPoolSize     int           `yaml:"thread_pool_size" json:"thread_pool_size" env:"THREAD_POOL_SIZE"`
	MaxInstances       int           `yaml:"max_instances" json:"max_instances" env:"MAX_INSTANCES"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatMissLimit int           `yaml:"heartbeat_miss_limit" json:"heartbeat_miss_limit" env:"HEARTBEAT_MISS_LIMIT"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout" json:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	StopGracePeriod    time.Duration `yaml:"stop_grace_period" json:"stop_grace_period" env:"STOP_GRACE_PERIOD"`
	// HostMemoryCeilingPercent marks the host not ready above this share
	// of used memory. Zero disables the check.
	HostMemoryCeilingPercent float64 `yaml:"host_memory_ceiling_percent" json:"host_memory_ceiling_percent" env:"HOST_MEMORY_CEILING_PERCENT"`

	Protocol protocol.Config          `yaml:"protocol" json:"protocol" envPrefix:"PROTOCOL_"`
	Sandbox  security.Policy          `yaml:"sandbox" json:"sandbox" envPrefix:"SANDBOX_"`
	Recovery lifecycle.RecoveryPolicy `yaml:"recovery" json:"recovery" envPrefix:"RECOVERY_"`
	// Audit applies when the manager is created; reloads keep the
	// trail opened by New.
	Audit audit.Config `yaml:"audit" json:"audit" envPrefix:"AUDIT_"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	s := lifecycle.DefaultSettings()
	return Config{
		ThreadPoolSize:           64,
		MaxInstances:             s.MaxInstances,
		HeartbeatInterval:        s.HeartbeatInterval,
		HeartbeatMissLimit:       s.HeartbeatMissLimit,
		HandshakeTimeout:         s.HandshakeTimeout,
		StopGracePeriod:          s.StopGracePeriod,
		HostMemoryCeilingPercent: 95,
		Protocol:                 protocol.DefaultConfig(),
		Sandbox:                  security.Policy{Level: security.LevelStandard},
		Recovery: lifecycle.RecoveryPolicy{
			Strategy:     lifecycle.RecoveryNone,
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		Audit: audit.Config{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, BufferSize: 1024},
	}
}

// Validate reports the first invalid field as a CONFIG_INVALID error.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return errdefs.Wrap(errdefs.CodeConfigInvalid, "invalid manager config", err)
	}
	return nil
}

func (c Config) validate() error {
	switch {
	case c.ThreadPoolSize <= 0:
		return fmt.Errorf("thread_pool_size must be positive, got %d", c.ThreadPoolSize)
	case c.MaxInstances < 0:
		return fmt.Errorf("max_instances must not be negative, got %d", c.MaxInstances)
	case c.HeartbeatInterval <= 0:
		return errors.New("heartbeat_interval must be positive")
	case c.HeartbeatMissLimit <= 0:
		return fmt.Errorf("heartbeat_miss_limit must be positive, got %d", c.HeartbeatMissLimit)
	case c.HandshakeTimeout <= 0:
		return errors.New("handshake_timeout must be positive")
	case c.StopGracePeriod <= 0:
		return errors.New("stop_grace_period must be positive")
	case c.HostMemoryCeilingPercent < 0 || c.HostMemoryCeilingPercent > 100:
		return fmt.Errorf("host_memory_ceiling_percent must be within [0, 100], got %v", c.HostMemoryCeilingPercent)
	}

	p := c.Protocol
	if p.MaxFrameSize != 0 && p.MaxFrameSize < protocol.MinMaxFrameSize {
		return fmt.Errorf("protocol.max_frame_size must be at least %d, got %d", protocol.MinMaxFrameSize, p.MaxFrameSize)
	}
	if p.CompressionThreshold < 0 {
		return errors.New("protocol.compression_threshold must not be negative")
	}
	if p.ClockSkewTolerance < 0 {
		return errors.New("protocol.clock_skew_tolerance must not be negative")
	}
	for _, name := range p.Compression {
		if _, ok := protocol.CompressorFor(name); !ok {
			return fmt.Errorf("protocol.compression: unsupported algorithm %q", name)
		}
	}
	for _, name := range p.Encryption {
		if !isecurity.Supported(name) {
			return fmt.Errorf("protocol.encryption: unsupported algorithm %q", name)
		}
	}
	known := protocol.AllFeatures()
	for _, f := range p.Features {
		if !slices.Contains(known, f) {
			return fmt.Errorf("protocol.features: unknown feature %q", f)
		}
	}

	if c.Sandbox.Level > security.LevelStrict {
		return fmt.Errorf("sandbox.level %v is not a known level", c.Sandbox.Level)
	}
	if c.Sandbox.Constraints.MaxCPUPercent < 0 {
		return errors.New("sandbox.constraints.max_cpu_percent must not be negative")
	}
	return c.Recovery.Validate()
}

// settings projects the lifecycle part of the config.
func (c Config) settings() lifecycle.Settings {
	return lifecycle.Settings{
		MaxInstances:       c.MaxInstances,
		HeartbeatInterval:  c.HeartbeatInterval,
		HeartbeatMissLimit: c.HeartbeatMissLimit,
		HandshakeTimeout:   c.HandshakeTimeout,
		StopGracePeriod:    c.StopGracePeriod,
		Protocol:           c.Protocol,
		Sandbox:            c.Sandbox,
		Recovery:           c.Recovery,
	}
}

// ParseConfig decodes YAML from r over the defaults. Unknown keys are
// rejected.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errdefs.Wrap(errdefs.CodeConfigInvalid, "decode config", err)
	}
	return cfg, nil
}

// LoadConfig reads the YAML file at path, applies PLUGINHOST_* environment
// overrides and validates the result. An empty path starts from the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if cfg, err = ParseConfig(f); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errdefs.Wrap(errdefs.CodeConfigInvalid, "parse env", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

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

package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/security"
)

// RecoveryStrategy selects how crashed instances are restarted.
type RecoveryStrategy string

const (
	RecoveryNone        RecoveryStrategy = "none"
	RecoveryFixed       RecoveryStrategy = "fixed"
	RecoveryExponential RecoveryStrategy = "exponential"
	RecoveryLinear      RecoveryStrategy = "linear"
)

func (s *RecoveryStrategy) UnmarshalText(b []byte) error {
	v := RecoveryStrategy(strings.ToLower(string(b)))
	switch v {
	case "", RecoveryNone, RecoveryFixed, RecoveryExponential, RecoveryLinear:
		*s = v
		return nil
	}
	return fmt.Errorf("unknown recovery strategy %q", b)
}

// RecoveryPolicy bounds automatic restarts of crashed instances.
type RecoveryPolicy struct {
	Strategy     RecoveryStrategy `yaml:"strategy" json:"strategy" env:"STRATEGY"`
	MaxAttempts  int              `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration    `yaml:"initial_delay" json:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration    `yaml:"max_delay" json:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64          `yaml:"multiplier" json:"multiplier" env:"MULTIPLIER"`
}

// Enabled reports whether crashed instances are restarted at all.
func (p RecoveryPolicy) Enabled() bool {
	switch p.Strategy {
	case RecoveryFixed, RecoveryExponential, RecoveryLinear:
		return true
	}
	return false
}

// Validate checks the policy fields that the strategy uses.
func (p RecoveryPolicy) Validate() error {
	if !p.Enabled() {
		return nil
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("recovery.max_attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("recovery.initial_delay must not be negative")
	}
	if p.Strategy == RecoveryExponential && p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("recovery.multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.Strategy == RecoveryLinear && p.InitialDelay == 0 {
		return fmt.Errorf("recovery.initial_delay must be positive for linear recovery")
	}
	if p.Strategy != RecoveryFixed && p.MaxDelay != 0 && p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("recovery.max_delay is below initial_delay")
	}
	return nil
}

// NewBackOff builds the delay sequence for one crash streak. It stops after
// MaxAttempts delays.
func (p RecoveryPolicy) NewBackOff() backoff.BackOff {
	switch p.Strategy {
	case RecoveryFixed:
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.InitialDelay), uint64(p.MaxAttempts))
	case RecoveryExponential:
		eb := backoff.NewExponentialBackOff()
		if p.InitialDelay > 0 {
			eb.InitialInterval = p.InitialDelay
		}
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		if p.Multiplier >= 1 {
			eb.Multiplier = p.Multiplier
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts))
	case RecoveryLinear:
		return backoff.WithMaxRetries(&linearBackOff{step: p.InitialDelay, max: p.MaxDelay}, uint64(p.MaxAttempts))
	}
	return &backoff.StopBackOff{}
}

// linearBackOff grows the delay by step on every attempt, capped at max
// when max is set.
type linearBackOff struct {
	step, max time.Duration
	current   time.Duration
}

func (b *linearBackOff) Reset() { b.current = 0 }

func (b *linearBackOff) NextBackOff() time.Duration {
	b.current += b.step
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// Settings are the tunables of a Manager. They can be swapped at runtime
// with UpdateSettings; running sessions keep the protocol settings they
// were started with.
type Settings struct {
	MaxInstances       int
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	HandshakeTimeout   time.Duration
	StopGracePeriod    time.Duration
	Protocol           protocol.Config
	// Sandbox caps the limits passed to sandboxed kinds.
	Sandbox  security.Policy
	Recovery RecoveryPolicy
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		MaxInstances:       256,
		HeartbeatInterval:  5 * time.Second,
		HeartbeatMissLimit: 3,
		HandshakeTimeout:   10 * time.Second,
		StopGracePeriod:    5 * time.Second,
		Protocol:           protocol.DefaultConfig(),
		Recovery:           RecoveryPolicy{Strategy: RecoveryNone},
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.HeartbeatMissLimit <= 0 {
		s.HeartbeatMissLimit = d.HeartbeatMissLimit
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.StopGracePeriod <= 0 {
		s.StopGracePeriod = d.StopGracePeriod
	}
	return s
}

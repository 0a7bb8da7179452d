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

package security

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/srediag/plugin-host/pkg/errdefs"
)

func TestManagerSessions(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()
	ka, err := m.OpenSession(a)
	require.NoError(t, err)
	kb, err := m.OpenSession(b)
	require.NoError(t, err)
	assert.Len(t, ka, 32)
	assert.NotEqual(t, ka, kb)
	assert.Equal(t, 2, m.ActiveSessions())

	again, err := m.OpenSession(a)
	require.NoError(t, err)
	assert.Equal(t, ka, again)

	got, ok := m.SessionKey(a)
	assert.True(t, ok)
	assert.Equal(t, ka, got)

	m.CloseSession(a)
	_, ok = m.SessionKey(a)
	assert.False(t, ok)
	assert.Equal(t, 1, m.ActiveSessions())

	other, err := NewManager()
	require.NoError(t, err)
	kb2, err := other.OpenSession(b)
	require.NoError(t, err)
	assert.NotEqual(t, kb, kb2, "master secrets differ per manager")
}

func TestPolicyLevels(t *testing.T) {
	req := Requirements{
		Operations: []string{"read", "exec"},
		Limits:     ResourceLimits{MaxMemoryBytes: 2 << 30, MaxThreads: 4},
	}
	constraints := Constraints{
		ResourceLimits:    ResourceLimits{MaxMemoryBytes: 1 << 30, MaxThreads: 8},
		AllowedOperations: []string{"read"},
	}

	strict := Policy{Level: LevelStrict, Constraints: constraints}
	err := strict.Check("greedy", req, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrSecurityPolicyViolation)
	assert.Len(t, strict.Violations(req, true), 2)

	assert.NoError(t, Policy{Level: LevelStandard, Constraints: constraints}.Check("greedy", req, true))
	assert.NoError(t, Policy{Level: LevelPermissive, Constraints: constraints}.Check("greedy", req, true))

	modest := Requirements{Operations: []string{"read"}, Limits: ResourceLimits{MaxMemoryBytes: 1 << 20}}
	assert.NoError(t, strict.Check("modest", modest, true))
}

func TestPolicyRequireSandbox(t *testing.T) {
	p := Policy{Level: LevelStrict, Constraints: Constraints{RequireSandbox: true}}
	assert.ErrorIs(t, p.Check("native", Requirements{}, false), errdefs.ErrSecurityPolicyViolation)
	assert.NoError(t, p.Check("wasm", Requirements{}, true))
}

func TestPolicyEffectiveLimits(t *testing.T) {
	p := Policy{Constraints: Constraints{ResourceLimits: ResourceLimits{MaxMemoryBytes: 512, MaxThreads: 4}}}
	got := p.Effective(ResourceLimits{MaxMemoryBytes: 1024, MaxOpenFiles: 10, MaxThreads: 2})
	assert.Equal(t, ResourceLimits{MaxMemoryBytes: 512, MaxOpenFiles: 10, MaxThreads: 2}, got)
}

func TestPolicyYAML(t *testing.T) {
	var p Policy
	src := `
level: strict
constraints:
  max_memory_bytes: 1048576
  allowed_operations: [read, write]
  require_sandbox: true
`
	require.NoError(t, yaml.Unmarshal([]byte(src), &p))
	assert.Equal(t, LevelStrict, p.Level)
	assert.EqualValues(t, 1048576, p.Constraints.MaxMemoryBytes)
	assert.Equal(t, []string{"read", "write"}, p.Constraints.AllowedOperations)
	assert.True(t, p.Constraints.RequireSandbox)

	var l Level
	assert.Error(t, l.UnmarshalText([]byte("paranoid")))
}

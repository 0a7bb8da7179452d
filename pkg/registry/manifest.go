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

package registry

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/security"
)

// Kind is how a plugin is executed.
type Kind uint8

const (
	// KindNative is a standalone executable.
	KindNative Kind = iota
	// KindManaged is a module run by an interpreter named in Runtime.
	KindManaged
	// KindSandboxed is a native executable started with a scrubbed
	// environment and kernel-enforced resource limits.
	KindSandboxed
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindManaged:
		return "managed"
	case KindSandboxed:
		return "sandboxed"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k <= KindSandboxed }

// Sandboxed reports whether the kind runs isolated.
func (k Kind) Sandboxed() bool { return k == KindSandboxed }

// NeedsRuntime reports whether the kind is launched through an interpreter.
func (k Kind) NeedsRuntime() bool { return k == KindManaged }

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "native", "":
		*k = KindNative
	case "managed":
		*k = KindManaged
	case "sandboxed":
		*k = KindSandboxed
	default:
		return fmt.Errorf("unknown plugin kind %q", string(b))
	}
	return nil
}

// DependencyKind says what a dependency names.
type DependencyKind uint8

const (
	// DependencyPlugin names another registered plugin.
	DependencyPlugin DependencyKind = iota
	// DependencySystem names something provided by the host system.
	DependencySystem
)

func (k DependencyKind) String() string {
	if k == DependencySystem {
		return "system"
	}
	return "plugin"
}

func (k DependencyKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *DependencyKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "plugin", "":
		*k = DependencyPlugin
	case "system":
		*k = DependencySystem
	default:
		return fmt.Errorf("unknown dependency kind %q", string(b))
	}
	return nil
}

// Dependency is one declared dependency of a manifest.
type Dependency struct {
	Name     string         `yaml:"name" json:"name"`
	Version  string         `yaml:"version" json:"version,omitempty"`
	Kind     DependencyKind `yaml:"kind" json:"kind"`
	Optional bool           `yaml:"optional" json:"optional,omitempty"`
}

// Manifest describes a plugin. ID, Revision and RegisteredAt are assigned by
// the registry; whatever the caller puts there is ignored.
type Manifest struct {
	ID           string                  `yaml:"-" json:"id"`
	Name         string                  `yaml:"name" json:"name"`
	Version      string                  `yaml:"version" json:"version,omitempty"`
	Kind         Kind                    `yaml:"kind" json:"kind"`
	Entrypoint   string                  `yaml:"entrypoint" json:"entrypoint"`
	Runtime      string                  `yaml:"runtime" json:"runtime,omitempty"`
	Args         []string                `yaml:"args" json:"args,omitempty"`
	Env          map[string]string       `yaml:"env" json:"env,omitempty"`
	Dependencies []Dependency            `yaml:"dependencies" json:"dependencies,omitempty"`
	Limits       security.ResourceLimits `yaml:"limits" json:"limits"`
	Requirements security.Requirements   `yaml:"requirements" json:"requirements"`
	Revision     uint64                  `yaml:"-" json:"revision"`
	RegisteredAt time.Time               `yaml:"-" json:"registered_at"`
}

// Clone returns a deep copy of m.
func (m Manifest) Clone() Manifest {
	c := m
	c.Args = slices.Clone(m.Args)
	c.Env = maps.Clone(m.Env)
	c.Dependencies = slices.Clone(m.Dependencies)
	c.Requirements.Operations = slices.Clone(m.Requirements.Operations)
	return c
}

// EffectiveRequirements merges the declared limits into the requirements.
// Each field takes the larger of the two declarations.
func (m Manifest) EffectiveRequirements() security.Requirements {
	req := m.Requirements
	l, d := &req.Limits, m.Limits
	l.MaxMemoryBytes = max(l.MaxMemoryBytes, d.MaxMemoryBytes)
	l.MaxCPUPercent = max(l.MaxCPUPercent, d.MaxCPUPercent)
	l.MaxOpenFiles = max(l.MaxOpenFiles, d.MaxOpenFiles)
	l.MaxThreads = max(l.MaxThreads, d.MaxThreads)
	return req
}

// Validate checks the structural fields of m.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errdefs.New(errdefs.CodeInvalidManifest, "name is required")
	}
	if !m.Kind.Valid() {
		return errdefs.Newf(errdefs.CodeInvalidManifest, "plugin %q: unknown kind %d", m.Name, uint8(m.Kind))
	}
	if m.Kind.NeedsRuntime() && m.Runtime == "" {
		return errdefs.Newf(errdefs.CodeInvalidManifest, "plugin %q: managed kind needs a runtime", m.Name)
	}
	if m.Version != "" && !validVersion(m.Version) {
		return errdefs.Newf(errdefs.CodeInvalidManifest, "plugin %q: invalid version %q", m.Name, m.Version)
	}
	for _, d := range m.Dependencies {
		if d.Name == "" {
			return errdefs.Newf(errdefs.CodeInvalidManifest, "plugin %q: dependency without name", m.Name)
		}
		if d.Name == m.Name && d.Kind == DependencyPlugin {
			return errdefs.Newf(errdefs.CodeInvalidManifest, "plugin %q depends on itself", m.Name)
		}
		if _, err := ParseConstraint(d.Version); err != nil {
			return errdefs.Wrap(errdefs.CodeInvalidManifest, fmt.Sprintf("plugin %q: dependency %q", m.Name, d.Name), err)
		}
	}
	return nil
}

// ParseManifest decodes a YAML manifest. Unknown fields are rejected.
func ParseManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, errdefs.Wrap(errdefs.CodeInvalidManifest, "decode manifest", err)
	}
	return m, m.Validate()
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, errdefs.Wrap(errdefs.CodeInvalidManifest, "open manifest", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

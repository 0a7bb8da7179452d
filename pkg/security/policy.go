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
	"fmt"
	"slices"
	"strings"

	"github.com/srediag/plugin-host/internal/logging"
	"github.com/srediag/plugin-host/pkg/errdefs"
)

var log = logging.Named("security")

// Level is how strictly a Policy is enforced.
type Level uint8

const (
	// LevelStandard logs violations and admits the manifest.
	LevelStandard Level = iota
	// LevelPermissive admits everything silently.
	LevelPermissive
	// LevelStrict rejects manifests that exceed the constraints.
	LevelStrict
)

func (l Level) String() string {
	switch l {
	case LevelPermissive:
		return "permissive"
	case LevelStandard:
		return "standard"
	case LevelStrict:
		return "strict"
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "permissive":
		*l = LevelPermissive
	case "standard", "":
		*l = LevelStandard
	case "strict":
		*l = LevelStrict
	default:
		return fmt.Errorf("unknown security level %q", string(b))
	}
	return nil
}

// ResourceLimits are resource ceilings. A zero field means unbounded.
type ResourceLimits struct {
	MaxMemoryBytes uint64  `yaml:"max_memory_bytes" json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64 `yaml:"max_cpu_percent" json:"max_cpu_percent,omitempty"`
	MaxOpenFiles   uint32  `yaml:"max_open_files" json:"max_open_files,omitempty"`
	MaxThreads     uint32  `yaml:"max_threads" json:"max_threads,omitempty"`
}

// Requirements is what a manifest asks for. Zero limits are "not declared".
type Requirements struct {
	Operations []string       `yaml:"operations" json:"operations,omitempty"`
	Limits     ResourceLimits `yaml:"limits" json:"limits"`
}

// Constraints bound what a policy admits.
type Constraints struct {
	ResourceLimits `yaml:",inline"`
	// AllowedOperations is empty when every operation is allowed.
	AllowedOperations []string `yaml:"allowed_operations"`
	RequireSandbox    bool     `yaml:"require_sandbox" env:"REQUIRE_SANDBOX"`
}

// Policy is the sandbox policy manifests are checked against.
type Policy struct {
	Level       Level       `yaml:"level" env:"LEVEL"`
	Constraints Constraints `yaml:"constraints"`
}

// Violations lists every way req exceeds the constraints. sandboxed tells
// whether the plugin kind runs isolated.
func (p Policy) Violations(req Requirements, sandboxed bool) []string {
	var out []string
	c := p.Constraints
	if c.RequireSandbox && !sandboxed {
		out = append(out, "plugin kind is not sandboxed")
	}
	if exceeds(req.Limits.MaxMemoryBytes, c.MaxMemoryBytes) {
		out = append(out, fmt.Sprintf("memory %d exceeds %d", req.Limits.MaxMemoryBytes, c.MaxMemoryBytes))
	}
	if c.MaxCPUPercent > 0 && req.Limits.MaxCPUPercent > c.MaxCPUPercent {
		out = append(out, fmt.Sprintf("cpu %.1f%% exceeds %.1f%%", req.Limits.MaxCPUPercent, c.MaxCPUPercent))
	}
	if exceeds(uint64(req.Limits.MaxOpenFiles), uint64(c.MaxOpenFiles)) {
		out = append(out, fmt.Sprintf("open files %d exceeds %d", req.Limits.MaxOpenFiles, c.MaxOpenFiles))
	}
	if exceeds(uint64(req.Limits.MaxThreads), uint64(c.MaxThreads)) {
		out = append(out, fmt.Sprintf("threads %d exceeds %d", req.Limits.MaxThreads, c.MaxThreads))
	}
	if len(c.AllowedOperations) > 0 {
		for _, op := range req.Operations {
			if !slices.Contains(c.AllowedOperations, op) {
				out = append(out, fmt.Sprintf("operation %q not allowed", op))
			}
		}
	}
	return out
}

func exceeds(requested, ceiling uint64) bool {
	return ceiling > 0 && requested > ceiling
}

// Check applies the policy level to the violations of req. Only Strict
// returns an error; Standard logs each violation.
func (p Policy) Check(name string, req Requirements, sandboxed bool) error {
	v := p.Violations(req, sandboxed)
	if len(v) == 0 {
		return nil
	}
	switch p.Level {
	case LevelStrict:
		return errdefs.Newf(errdefs.CodeSecurityPolicyViolation, "plugin %q: %s", name, strings.Join(v, "; "))
	case LevelStandard:
		log.Warnf("plugin %q exceeds sandbox policy: %s", name, strings.Join(v, "; "))
	}
	return nil
}

// Effective returns the limits to enforce on a running plugin: the declared
// value where set, capped by the policy ceiling.
func (p Policy) Effective(declared ResourceLimits) ResourceLimits {
	c := p.Constraints.ResourceLimits
	return ResourceLimits{
		MaxMemoryBytes: capped(declared.MaxMemoryBytes, c.MaxMemoryBytes),
		MaxCPUPercent:  cappedFloat(declared.MaxCPUPercent, c.MaxCPUPercent),
		MaxOpenFiles:   uint32(capped(uint64(declared.MaxOpenFiles), uint64(c.MaxOpenFiles))),
		MaxThreads:     uint32(capped(uint64(declared.MaxThreads), uint64(c.MaxThreads))),
	}
}

func capped(v, ceiling uint64) uint64 {
	if v == 0 || (ceiling > 0 && v > ceiling) {
		return ceiling
	}
	return v
}

func cappedFloat(v, ceiling float64) float64 {
	if v == 0 || (ceiling > 0 && v > ceiling) {
		return ceiling
	}
	return v
}

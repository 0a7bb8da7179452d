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

// Package registry records plugin manifests and resolves their dependencies.
//
// Dependencies are recorded at registration and resolved lazily, when an
// instance is about to be created, so plugins may be registered in any order.
package registry

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/plugin-host/internal/logging"
	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/security"
)

var log = logging.Named("registry")

// SystemResolver checks a system dependency, returning nil when it is
// available in a version matching constraint.
type SystemResolver func(name, constraint string) error

// Option configures a Registry.
type Option func(*Registry)

// WithSystemResolver sets the checker used for system dependencies. Without
// one, system dependencies are recorded but not verified.
func WithSystemResolver(r SystemResolver) Option {
	return func(reg *Registry) { reg.system = r }
}

// WithClock replaces the time source for RegisteredAt.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) { reg.now = now }
}

// Registry is the set of registered manifests. Reads take a shared lock held
// only for a map lookup, so they never wait on instance operations.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Manifest
	byName map[string]string

	policy atomic.Pointer[security.Policy]
	system SystemResolver
	now    func() time.Time
}

// New creates an empty registry enforcing policy.
func New(policy security.Policy, opts ...Option) *Registry {
	r := &Registry{
		byID:   make(map[string]*Manifest),
		byName: make(map[string]string),
		now:    time.Now,
	}
	r.policy.Store(&policy)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPolicy replaces the policy applied to future registrations.
func (r *Registry) SetPolicy(p security.Policy) {
	r.policy.Store(&p)
}

// Policy returns the active policy.
func (r *Registry) Policy() security.Policy {
	return *r.policy.Load()
}

// Register validates m against the policy and records it. A manifest whose
// name is already registered replaces the old one, keeping its id and
// bumping the revision.
func (r *Registry) Register(m Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := r.Policy().Check(m.Name, m.EffectiveRequirements(), m.Kind.Sandboxed()); err != nil {
		return "", err
	}

	stored := m.Clone()
	stored.RegisteredAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[m.Name]; ok {
		stored.ID = id
		stored.Revision = r.byID[id].Revision + 1
		log.Infof("plugin %q replaced, revision %d", m.Name, stored.Revision)
	} else {
		stored.ID = uuid.NewString()
		stored.Revision = 1
		log.Infof("plugin %q registered as %s", m.Name, stored.ID)
	}
	r.byID[stored.ID] = &stored
	r.byName[stored.Name] = stored.ID
	return stored.ID, nil
}

// Unregister removes the manifest with id.
func (r *Registry) Unregister(id string) (Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return Manifest{}, errdefs.Newf(errdefs.CodePluginNotFound, "plugin %s", id)
	}
	delete(r.byID, id)
	delete(r.byName, m.Name)
	return *m, nil
}

// Get returns a copy of the manifest with id.
func (r *Registry) Get(id string) (Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return Manifest{}, errdefs.Newf(errdefs.CodePluginNotFound, "plugin %s", id)
	}
	return m.Clone(), nil
}

// GetByName returns a copy of the manifest registered under name.
func (r *Registry) GetByName(name string) (Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Manifest{}, errdefs.Newf(errdefs.CodePluginNotFound, "plugin %q", name)
	}
	return r.byID[id].Clone(), nil
}

// List returns every manifest ordered by name.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	out := make([]Manifest, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m.Clone())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Manifest) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Resolve returns the transitive plugin dependencies of id followed by the
// manifest itself, each plugin after the plugins it needs.
// Missing optional dependencies are skipped; a missing or mismatching
// required one fails with DependencyUnsatisfied.
func (r *Registry) Resolve(id string) ([]Manifest, error) {
	root, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	var (
		order   []Manifest
		done    = map[string]bool{}
		visited = map[string]bool{}
	)
	var visit func(m Manifest) error
	visit = func(m Manifest) error {
		if done[m.Name] {
			return nil
		}
		if visited[m.Name] {
			return errdefs.Newf(errdefs.CodeDependencyUnsatisfied, "dependency cycle through %q", m.Name)
		}
		visited[m.Name] = true
		for _, d := range m.Dependencies {
			dep, ok, err := r.resolveOne(m.Name, d)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		done[m.Name] = true
		order = append(order, m)
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// resolveOne returns the manifest satisfying d, or ok=false when d needs no
// further traversal (a system dependency or a skipped optional one).
func (r *Registry) resolveOne(owner string, d Dependency) (Manifest, bool, error) {
	constraint, err := ParseConstraint(d.Version)
	if err != nil {
		return Manifest{}, false, errdefs.Wrap(errdefs.CodeDependencyUnsatisfied, owner+" -> "+d.Name, err)
	}
	if d.Kind == DependencySystem {
		if r.system == nil {
			return Manifest{}, false, nil
		}
		if err := r.system(d.Name, d.Version); err != nil {
			if d.Optional {
				log.Debugf("optional system dependency %q of %q unavailable: %v", d.Name, owner, err)
				return Manifest{}, false, nil
			}
			return Manifest{}, false, errdefs.Wrap(errdefs.CodeDependencyUnsatisfied,
				"system dependency "+d.Name+" of "+owner, err)
		}
		return Manifest{}, false, nil
	}

	dep, err := r.GetByName(d.Name)
	switch {
	case err != nil && d.Optional:
		log.Debugf("optional dependency %q of %q not registered, skipped", d.Name, owner)
		return Manifest{}, false, nil
	case err != nil:
		return Manifest{}, false, errdefs.Newf(errdefs.CodeDependencyUnsatisfied,
			"plugin %q requires %q which is not registered", owner, d.Name)
	case !constraint.Matches(dep.Version) && d.Optional:
		log.Debugf("optional dependency %q of %q has version %q outside %q, skipped", d.Name, owner, dep.Version, d.Version)
		return Manifest{}, false, nil
	case !constraint.Matches(dep.Version):
		return Manifest{}, false, errdefs.Newf(errdefs.CodeDependencyUnsatisfied,
			"plugin %q requires %q %s, registered version is %q", owner, d.Name, d.Version, dep.Version)
	}
	return dep, true, nil
}

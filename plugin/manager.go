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

// Package plugin is the entry point of the plugin host. Manager ties the
// registry, the instance lifecycle, the event bus and the security manager
// together behind one object that can be reconfigured while it runs.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/internal/logging"
	"github.com/srediag/plugin-host/pkg/audit"
	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/events"
	"github.com/srediag/plugin-host/pkg/health"
	"github.com/srediag/plugin-host/pkg/lifecycle"
	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/registry"
	"github.com/srediag/plugin-host/pkg/security"
	"github.com/srediag/plugin-host/pkg/transport"
)

var log = logging.Named("plugin")

var _ api.Host = (*Manager)(nil)

// Option configures a Manager.
type Option func(*options)

type options struct {
	launcher transport.Launcher
	resolver registry.SystemResolver
	tracer   trace.TracerProvider
	meter    metric.MeterProvider
}

// WithLauncher replaces the process launcher, e.g. with a
// transport.PipeLauncher in tests.
func WithLauncher(l transport.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithSystemResolver checks system dependencies of registered plugins.
func WithSystemResolver(r registry.SystemResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithTracerProvider traces instance starts and stops.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithMeterProvider records instance counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meter = mp }
}

// Manager is the plugin host.
type Manager struct {
	cfg atomic.Pointer[Config]
	// cfgMu is held for writing while UpdateConfig swaps the settings of
	// every component, and for reading by operations that depend on them.
	cfgMu sync.RWMutex

	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	bus       *events.Bus
	keys      *security.Manager
	pool      *ants.Pool
	metrics   *prometheus.Registry
	health    healthcheck.Handler
	checks    []check
	audit     *audit.Logger

	closed atomic.Bool
}

// New builds a manager from cfg. Every process-wide resource is created
// here and released by Close.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.launcher == nil {
		o.launcher = transport.NewProcessLauncher()
	}

	keys, err := security.NewManager()
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.ThreadPoolSize, ants.WithPanicHandler(func(p interface{}) {
		log.Errorf("worker panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	var regOpts []registry.Option
	if o.resolver != nil {
		regOpts = append(regOpts, registry.WithSystemResolver(o.resolver))
	}
	m := &Manager{
		registry: registry.New(cfg.Sandbox, regOpts...),
		bus:      events.NewBus(),
		keys:     keys,
		pool:     pool,
		metrics:  prometheus.NewRegistry(),
	}
	m.cfg.Store(&cfg)

	lcOpts := []lifecycle.Option{
		lifecycle.WithSessionKeys(keys),
		lifecycle.WithSubmit(pool.Submit),
	}
	if o.tracer != nil {
		lcOpts = append(lcOpts, lifecycle.WithTracerProvider(o.tracer))
	}
	if o.meter != nil {
		lcOpts = append(lcOpts, lifecycle.WithMeterProvider(o.meter))
	}
	m.lifecycle = lifecycle.New(m.registry, o.launcher, m.bus, cfg.settings(), lcOpts...)

	if cfg.Audit.Enabled() {
		if m.audit, err = audit.New(m.bus, cfg.Audit); err != nil {
			m.release()
			return nil, fmt.Errorf("open audit trail: %w", err)
		}
	}

	m.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		protocol.NewCollector(m.lifecycle.AggregateProtocolStats),
		lifecycle.NewCollector(m.lifecycle),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pluginhost_worker_pool_running",
			Help: "Workers currently busy.",
		}, func() float64 { return float64(m.pool.Running()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pluginhost_security_sessions",
			Help: "Open encrypted sessions.",
		}, func() float64 { return float64(m.keys.ActiveSessions()) }),
	)
	m.health = healthcheck.NewMetricsHandler(m.metrics, "pluginhost")
	m.installChecks()

	log.Infof("plugin host started: pool %d, max instances %d, sandbox %s",
		cfg.ThreadPoolSize, cfg.MaxInstances, cfg.Sandbox.Level)
	return m, nil
}

func (m *Manager) errClosed() error {
	return errdefs.New(errdefs.CodeManagerClosed, "plugin manager is closed")
}

// RegisterPlugin validates manifest against the sandbox policy and records
// it. Registering a known name replaces the manifest; running instances
// keep the one they were created from.
func (m *Manager) RegisterPlugin(manifest registry.Manifest) (string, error) {
	if m.closed.Load() {
		return "", m.errClosed()
	}
	m.cfgMu.RLock()
	id, err := m.registry.Register(manifest)
	m.cfgMu.RUnlock()
	if err != nil {
		if errdefs.CodeOf(err) == errdefs.CodeSecurityPolicyViolation {
			m.bus.Publish(events.Event{Type: events.Error, PluginName: manifest.Name, Message: err.Error()})
		}
		return "", err
	}
	stored, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}
	m.bus.Publish(events.Event{
		Type:       events.PluginRegistered,
		PluginID:   id,
		PluginName: stored.Name,
		Status:     "revision " + strconv.FormatUint(stored.Revision, 10),
	})
	return id, nil
}

// LoadPlugin registers the YAML manifest at path.
func (m *Manager) LoadPlugin(path string) (string, error) {
	manifest, err := registry.LoadManifest(path)
	if err != nil {
		return "", err
	}
	return m.RegisterPlugin(manifest)
}

// UnregisterPlugin forgets a manifest. Existing instances are unaffected;
// new ones can no longer be created from it.
func (m *Manager) UnregisterPlugin(id string) error {
	manifest, err := m.registry.Unregister(id)
	if err != nil {
		return err
	}
	m.bus.Publish(events.Event{Type: events.PluginUnregistered, PluginID: id, PluginName: manifest.Name})
	return nil
}

// ListPlugins returns every registered manifest.
func (m *Manager) ListPlugins() []registry.Manifest {
	return m.registry.List()
}

// GetPlugin returns the manifest registered under id.
func (m *Manager) GetPlugin(id string) (registry.Manifest, error) {
	return m.registry.Get(id)
}

// GetPluginByName returns the manifest registered under name.
func (m *Manager) GetPluginByName(name string) (registry.Manifest, error) {
	return m.registry.GetByName(name)
}

func (m *Manager) CreateInstance(pluginID string, overrides map[string]string) (string, error) {
	if m.closed.Load() {
		return "", m.errClosed()
	}
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.lifecycle.CreateInstance(pluginID, overrides)
}

func (m *Manager) StartInstance(ctx context.Context, id string) error {
	return m.lifecycle.StartInstance(ctx, id)
}

func (m *Manager) StopInstance(ctx context.Context, id string) error {
	return m.lifecycle.StopInstance(ctx, id)
}

func (m *Manager) RemoveInstance(ctx context.Context, id string) error {
	return m.lifecycle.RemoveInstance(ctx, id)
}

func (m *Manager) GetInstance(id string) (lifecycle.InstanceInfo, error) {
	return m.lifecycle.GetInstance(id)
}

func (m *Manager) ListInstances() []lifecycle.InstanceInfo {
	return m.lifecycle.ListInstances()
}

// ReportCrash marks an instance Crashed with cause.
func (m *Manager) ReportCrash(id string, cause error) error {
	return m.lifecycle.ReportCrash(id, cause)
}

// Call sends a request to a running instance and waits for its response.
func (m *Manager) Call(ctx context.Context, id, operation string, params []byte) ([]byte, error) {
	return m.lifecycle.Call(ctx, id, operation, params)
}

func (m *Manager) GetInstanceHealth(id string) (health.Status, error) {
	return m.lifecycle.GetInstanceHealth(id)
}

func (m *Manager) SystemHealth() lifecycle.SystemHealth {
	return m.lifecycle.SystemHealth()
}

func (m *Manager) GetResourceUsage(id string) (protocol.ResourceUsage, error) {
	return m.lifecycle.GetResourceUsage(id)
}

func (m *Manager) AggregateResourceUsage() protocol.ResourceUsage {
	return m.lifecycle.AggregateResourceUsage()
}

func (m *Manager) ProtocolStats(id string) (protocol.Stats, error) {
	return m.lifecycle.ProtocolStats(id)
}

// StartInstances starts ids concurrently on the worker pool and returns
// once all have finished.
func (m *Manager) StartInstances(ctx context.Context, ids ...string) error {
	return m.each(ids, func(id string) error { return m.lifecycle.StartInstance(ctx, id) })
}

// StopInstances stops ids concurrently on the worker pool.
func (m *Manager) StopInstances(ctx context.Context, ids ...string) error {
	return m.each(ids, func(id string) error { return m.lifecycle.StopInstance(ctx, id) })
}

func (m *Manager) each(ids []string, fn func(id string) error) error {
	if m.closed.Load() {
		return m.errClosed()
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(id string, err error) {
		mu.Lock()
		errs = append(errs, fmt.Errorf("instance %s: %w", id, err))
		mu.Unlock()
	}
	for _, id := range ids {
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			if err := fn(id); err != nil {
				fail(id, err)
			}
		})
		if err != nil {
			wg.Done()
			fail(id, err)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ReloadPlugin replaces every running instance of pluginID with a fresh one
// built from the currently registered manifest. Each replacement is started
// before its predecessor is removed; if it fails to start, the old instance
// keeps running. It returns the old id to new id mapping of the
// replacements that succeeded.
func (m *Manager) ReloadPlugin(ctx context.Context, pluginID string) (map[string]string, error) {
	if m.closed.Load() {
		return nil, m.errClosed()
	}
	if _, err := m.registry.Get(pluginID); err != nil {
		return nil, err
	}
	var old []lifecycle.InstanceInfo
	for _, info := range m.lifecycle.ListInstances() {
		if info.PluginID == pluginID && info.State == lifecycle.Running {
			old = append(old, info)
		}
	}

	var (
		mu       sync.Mutex
		replaced = make(map[string]string, len(old))
	)
	ids := make([]string, len(old))
	byID := make(map[string]lifecycle.InstanceInfo, len(old))
	for i, info := range old {
		ids[i] = info.ID
		byID[info.ID] = info
	}
	err := m.each(ids, func(id string) error {
		next, err := m.replace(ctx, byID[id])
		if err != nil {
			return err
		}
		mu.Lock()
		replaced[id] = next
		mu.Unlock()
		return nil
	})
	log.Infof("reloaded %d of %d instances of plugin %s", len(replaced), len(old), pluginID)
	return replaced, err
}

func (m *Manager) replace(ctx context.Context, old lifecycle.InstanceInfo) (string, error) {
	m.cfgMu.RLock()
	next, err := m.lifecycle.CreateInstance(old.PluginID, old.Overrides)
	m.cfgMu.RUnlock()
	if err != nil {
		return "", err
	}
	if err := m.lifecycle.StartInstance(ctx, next); err != nil {
		if rmErr := m.lifecycle.RemoveInstance(ctx, next); rmErr != nil {
			log.Warnf("discard replacement %s: %v", next, rmErr)
		}
		return "", err
	}
	if err := m.lifecycle.RemoveInstance(ctx, old.ID); err != nil {
		log.Warnf("remove replaced instance %s: %v", old.ID, err)
	}
	return next, nil
}

// Subscribe returns a subscription to every event the host publishes.
func (m *Manager) Subscribe(size int) *events.Subscription {
	return m.bus.Subscribe(size)
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	return *m.cfg.Load()
}

// Policy returns the active sandbox policy.
func (m *Manager) Policy() security.Policy {
	return m.registry.Policy()
}

// ActiveSessions returns how many encrypted sessions hold a key.
func (m *Manager) ActiveSessions() int {
	return m.keys.ActiveSessions()
}

// UpdateConfig validates cfg and makes it the active configuration. An
// invalid cfg is rejected with CONFIG_INVALID and the previous
// configuration stays in effect. Running sessions keep the protocol
// settings they negotiated; the audit trail keeps the file opened by New.
func (m *Manager) UpdateConfig(cfg Config) error {
	if m.closed.Load() {
		return m.errClosed()
	}
	if err := cfg.Validate(); err != nil {
		log.Warnf("rejected config update: %v", err)
		return err
	}

	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	prev := m.cfg.Load()
	if prev.Audit != cfg.Audit {
		log.Warnf("audit settings changed; they apply after a restart")
	}
	m.pool.Tune(cfg.ThreadPoolSize)
	m.registry.SetPolicy(cfg.Sandbox)
	m.lifecycle.UpdateSettings(cfg.settings())
	m.cfg.Store(&cfg)

	log.Infof("config updated: pool %d, max instances %d, recovery %s",
		cfg.ThreadPoolSize, cfg.MaxInstances, cfg.Recovery.Strategy)
	m.bus.Publish(events.Event{Type: events.ConfigUpdated})
	return nil
}

// HealthHandler serves /live and /ready.
func (m *Manager) HealthHandler() http.Handler {
	return m.health
}

// Gatherer exposes the host metrics.
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.metrics
}

// Close stops every instance and releases the pool, the audit trail and
// the bus. Later calls return nil.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.lifecycle.Close(ctx)
	m.release()
	log.Infof("plugin host stopped")
	return err
}

func (m *Manager) release() {
	if m.audit != nil {
		if err := m.audit.Close(); err != nil {
			log.Warnf("close audit trail: %v", err)
		}
	}
	m.bus.Close()
	m.pool.Release()
}

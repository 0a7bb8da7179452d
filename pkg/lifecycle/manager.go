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

// Package lifecycle creates, starts, stops and supervises plugin instances.
//
// Every instance owns at most one transport channel at a time. The manager
// holds that channel exclusively and releases it exactly once, whichever of
// stop, crash or forced termination comes first. Transitions of a single
// instance are serialised; different instances proceed in parallel and
// queries read atomics without waiting on any transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	ihealth "github.com/srediag/plugin-host/internal/health"
	ilifecycle "github.com/srediag/plugin-host/internal/lifecycle"
	"github.com/srediag/plugin-host/internal/logging"
	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/events"
	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/registry"
	"github.com/srediag/plugin-host/pkg/transport"
)

var log = logging.Named("lifecycle")

const instrumentationName = "github.com/srediag/plugin-host/pkg/lifecycle"

// State is the lifecycle state of an instance.
type State = ilifecycle.State

const (
	Created  = ilifecycle.Created
	Starting = ilifecycle.Starting
	Running  = ilifecycle.Running
	Stopping = ilifecycle.Stopping
	Stopped  = ilifecycle.Stopped
	Crashed  = ilifecycle.Crashed
)

// SessionKeys issues the per-session keys used for protocol encryption.
type SessionKeys interface {
	protocol.KeyProvider
	OpenSession(session uuid.UUID) ([]byte, error)
	CloseSession(session uuid.UUID)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionKeys enables encrypted sessions with keys from k.
func WithSessionKeys(k SessionKeys) Option {
	return func(m *Manager) { m.keys = k }
}

// WithSubmit sets the function that runs restart work. It defaults to a new
// goroutine per task.
func WithSubmit(submit func(task func()) error) Option {
	return func(m *Manager) { m.submit = submit }
}

// WithTracerProvider sets the tracer for start and stop spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter for instance counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.meter = mp.Meter(instrumentationName) }
}

// WithClock overrides the time source used for heartbeat ages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// InstanceInfo is a point-in-time snapshot of one instance.
type InstanceInfo struct {
	ID            string                 `json:"id"`
	PluginID      string                 `json:"plugin_id"`
	PluginName    string                 `json:"plugin_name"`
	State         State                  `json:"state"`
	SessionID     uuid.UUID              `json:"session_id"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     time.Time              `json:"started_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Usage         protocol.ResourceUsage `json:"usage"`
	RestartCount  int                    `json:"restart_count"`
	LastError     string                 `json:"last_error,omitempty"`
	Overrides     map[string]string      `json:"overrides,omitempty"`
}

// Manager supervises plugin instances.
type Manager struct {
	registry *registry.Registry
	launcher transport.Launcher
	bus      *events.Bus
	keys     SessionKeys
	submit   func(func()) error
	now      func() time.Time

	tracer         trace.Tracer
	meter          metric.Meter
	startCounter   metric.Int64Counter
	crashCounter   metric.Int64Counter
	restartCounter metric.Int64Counter
	startTotal     atomic.Uint64
	crashTotal     atomic.Uint64
	restartTotal   atomic.Uint64

	settings  atomic.Pointer[Settings]
	instances cmap.ConcurrentMap[string, *instance]
	count     atomic.Int64
	tracker   *ihealth.Tracker

	// retired accumulates the protocol stats of released sessions.
	retiredMu sync.Mutex
	retired   protocol.Stats

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates a manager that resolves plugins in reg, starts them with
// launcher and announces changes on bus.
func New(reg *registry.Registry, launcher transport.Launcher, bus *events.Bus, s Settings, opts ...Option) *Manager {
	m := &Manager{
		registry:  reg,
		launcher:  launcher,
		bus:       bus,
		submit:    func(task func()) error { go task(); return nil },
		now:       time.Now,
		tracer:    tracenoop.NewTracerProvider().Tracer(instrumentationName),
		meter:     metricnoop.NewMeterProvider().Meter(instrumentationName),
		instances: cmap.New[*instance](),
		tracker:   ihealth.NewTracker(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startCounter = m.counter("pluginhost.instance.starts", "Instances started.")
	m.crashCounter = m.counter("pluginhost.instance.crashes", "Instances that crashed.")
	m.restartCounter = m.counter("pluginhost.instance.restarts", "Automatic restarts attempted.")
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.UpdateSettings(s)
	return m
}

func (m *Manager) counter(name, desc string) metric.Int64Counter {
	c, err := m.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warnf("create counter %s: %v", name, err)
		return metricnoop.Int64Counter{}
	}
	return c
}

// Settings returns the active settings.
func (m *Manager) Settings() Settings {
	return *m.settings.Load()
}

// UpdateSettings swaps the settings. Zero durations take their defaults.
func (m *Manager) UpdateSettings(s Settings) {
	s = s.withDefaults()
	m.settings.Store(&s)
}

type instance struct {
	id        string
	manifest  registry.Manifest
	overrides map[string]string
	createdAt time.Time

	opMu      sync.Mutex
	state     atomic.Uint32
	sess      atomic.Pointer[session]
	startedAt atomic.Int64
	lastBeat  atomic.Int64
	usage     atomic.Pointer[protocol.ResourceUsage]
	reported  atomic.Uint32
	failed    atomic.Bool
	lastErr   atomic.Pointer[string]
	restarts  atomic.Int32
	removed   atomic.Bool

	recMu    sync.Mutex
	recovery backoff.BackOff
	attempt  int
}

func (i *instance) State() State { return State(i.state.Load()) }

func (i *instance) setState(s State) { i.state.Store(uint32(s)) }

func (i *instance) setErr(err error) {
	if err == nil {
		i.lastErr.Store(nil)
		return
	}
	msg := err.Error()
	i.lastErr.Store(&msg)
}

func (i *instance) attrs() trace.SpanStartEventOption {
	return trace.WithAttributes(
		attribute.String("plugin.name", i.manifest.Name),
		attribute.String("plugin.id", i.manifest.ID),
		attribute.String("instance.id", i.id),
	)
}

func (m *Manager) event(t events.Type, inst *instance) events.Event {
	return events.Event{
		Type:       t,
		Time:       m.now(),
		PluginID:   inst.manifest.ID,
		PluginName: inst.manifest.Name,
		InstanceID: inst.id,
		Status:     inst.State().String(),
	}
}

func (m *Manager) lookup(id string) (*instance, error) {
	inst, ok := m.instances.Get(id)
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeInstanceNotFound, "instance %q", id)
	}
	return inst, nil
}

func (m *Manager) errClosed() error {
	return errdefs.New(errdefs.CodeManagerClosed, "lifecycle manager is closed")
}

// CreateInstance resolves the dependencies of pluginID and records a new
// instance in Created. No process is started.
func (m *Manager) CreateInstance(pluginID string, overrides map[string]string) (string, error) {
	if m.closed.Load() {
		return "", m.errClosed()
	}
	chain, err := m.registry.Resolve(pluginID)
	if err != nil {
		return "", err
	}
	manifest := chain[len(chain)-1]

	n := m.count.Add(1)
	if max := m.Settings().MaxInstances; max > 0 && n > int64(max) {
		m.count.Add(-1)
		return "", errdefs.Newf(errdefs.CodeCapacityExceeded, "instance limit %d reached", max)
	}

	inst := &instance{
		id:        uuid.NewString(),
		manifest:  manifest.Clone(),
		overrides: maps.Clone(overrides),
		createdAt: m.now(),
	}
	inst.setState(Created)
	m.instances.Set(inst.id, inst)
	log.Debugf("created instance %s of %s (%d dependencies)", inst.id, manifest.Name, len(chain)-1)
	m.bus.Publish(m.event(events.InstanceCreated, inst))
	return inst.id, nil
}

// StartInstance launches the instance and performs the protocol handshake.
// On failure the instance is left Crashed, an Error event is published and
// the error is returned.
func (m *Manager) StartInstance(ctx context.Context, id string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if inst.removed.Load() {
		return errdefs.Newf(errdefs.CodeInstanceNotFound, "instance %q", id)
	}
	inst.resetRecovery()
	return m.start(ctx, inst)
}

// start requires inst.opMu.
func (m *Manager) start(ctx context.Context, inst *instance) error {
	if m.closed.Load() {
		return m.errClosed()
	}
	if err := ilifecycle.Transition(inst.id, inst.State(), Starting); err != nil {
		return err
	}
	ctx, span := m.tracer.Start(ctx, "lifecycle.StartInstance", inst.attrs())
	defer span.End()

	inst.setState(Starting)
	inst.lastBeat.Store(0)
	inst.failed.Store(false)
	inst.reported.Store(0)

	sess, err := m.launch(ctx, inst, m.Settings())
	if err != nil {
		err = errdefs.Wrap(errdefs.CodeHandshakeFailed, fmt.Sprintf("start instance %s of %s", inst.id, inst.manifest.Name), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev := m.event(events.Error, inst)
		ev.Message = err.Error()
		m.bus.Publish(ev)
		_ = m.crash(inst, nil, err)
		return err
	}

	inst.sess.Store(sess)
	inst.startedAt.Store(m.now().UnixNano())
	inst.setErr(nil)
	inst.setState(Running)
	m.startTotal.Add(1)
	m.startCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin.name", inst.manifest.Name)))
	m.bus.Publish(m.event(events.InstanceStarted, inst))
	log.Debugf("instance %s of %s running (session %s)", inst.id, inst.manifest.Name, sess.id)

	go m.readLoop(inst, sess)
	go m.heartbeatLoop(inst, sess)
	return nil
}

// StopInstance asks the instance to shut down, waits up to the grace period
// and then terminates it. The instance always ends Stopped. Stopping a
// Stopped instance is a no-op.
func (m *Manager) StopInstance(ctx context.Context, id string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	return m.stop(ctx, inst)
}

// stop requires inst.opMu.
func (m *Manager) stop(ctx context.Context, inst *instance) error {
	switch st := inst.State(); st {
	case Stopped:
		return nil
	case Created, Crashed:
		inst.setState(Stopped)
		m.tracker.Forget(inst.id)
		m.bus.Publish(m.event(events.InstanceStopped, inst))
		return nil
	case Running:
	default:
		return ilifecycle.Transition(inst.id, st, Stopping)
	}

	_, span := m.tracer.Start(ctx, "lifecycle.StopInstance", inst.attrs())
	defer span.End()
	inst.setState(Stopping)

	forced := false
	if sess := inst.sess.Load(); sess != nil {
		forced = m.shutdown(ctx, sess, m.Settings().StopGracePeriod)
		inst.sess.Store(nil)
		m.release(sess)
	}
	span.SetAttributes(attribute.Bool("stop.forced", forced))

	inst.setState(Stopped)
	m.tracker.Forget(inst.id)
	ev := m.event(events.InstanceStopped, inst)
	if forced {
		ev.Message = "terminated after grace period"
		log.Warnf("instance %s of %s did not exit in time, terminated", inst.id, inst.manifest.Name)
	}
	m.bus.Publish(ev)
	return nil
}

// shutdown sends the shutdown request and waits for the plugin to exit. It
// reports whether the plugin had to be terminated.
func (m *Manager) shutdown(ctx context.Context, sess *session, grace time.Duration) bool {
	sess.stopping.Store(true)
	timer := time.NewTimer(grace)
	defer timer.Stop()

	sent := make(chan error, 1)
	go func() {
		sent <- sess.send(&protocol.Control{Action: protocol.ControlShutdown, Reason: "stop requested"})
	}()
	for {
		select {
		case err := <-sent:
			if err != nil {
				log.Debugf("session %s: shutdown not delivered: %v", sess.id, err)
				return true
			}
			sent = nil
		case <-sess.ch.Done():
			return false
		case <-timer.C:
			return true
		case <-ctx.Done():
			return true
		}
	}
}

// RemoveInstance stops the instance if needed and forgets it.
func (m *Manager) RemoveInstance(ctx context.Context, id string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if inst.removed.Load() {
		return errdefs.Newf(errdefs.CodeInstanceNotFound, "instance %q", id)
	}
	if inst.State() == Running {
		if err := m.stop(ctx, inst); err != nil {
			return err
		}
	}
	inst.removed.Store(true)
	m.instances.Remove(id)
	m.count.Add(-1)
	m.tracker.Forget(id)
	m.bus.Publish(m.event(events.InstanceRemoved, inst))
	return nil
}

// ReportCrash marks a live instance Crashed as if its channel had failed
// with cause. It is how external supervisors, and tests, inject crashes.
func (m *Manager) ReportCrash(id string, cause error) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	if cause == nil {
		cause = errdefs.New(errdefs.CodeInstanceCrashed, "crash reported")
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	return m.crash(inst, inst.sess.Load(), cause)
}

// handleCrash runs off the read loop once a session's channel fails.
func (m *Manager) handleCrash(inst *instance, sess *session, cause error) {
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if inst.sess.Load() != sess {
		return
	}
	if err := m.crash(inst, sess, cause); err != nil {
		log.Debugf("ignoring crash of instance %s: %v", inst.id, err)
	}
}

// crash requires inst.opMu.
func (m *Manager) crash(inst *instance, sess *session, cause error) error {
	if err := ilifecycle.Transition(inst.id, inst.State(), Crashed); err != nil {
		return err
	}
	inst.setState(Crashed)
	inst.setErr(cause)
	if sess != nil {
		inst.sess.CompareAndSwap(sess, nil)
		m.release(sess)
	}
	m.crashTotal.Add(1)
	m.crashCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("plugin.name", inst.manifest.Name)))
	log.Warnf("instance %s of %s crashed: %v", inst.id, inst.manifest.Name, cause)

	m.observeHealth(inst)
	ev := m.event(events.InstanceCrashed, inst)
	ev.Message = cause.Error()
	m.bus.Publish(ev)
	m.scheduleRestart(inst)
	return nil
}

// Close stops every live instance and refuses further work. It returns
// once all instances are stopped or ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer m.cancel()

	var g errgroup.Group
	for _, inst := range m.instances.Items() {
		g.Go(func() error {
			inst.opMu.Lock()
			defer inst.opMu.Unlock()
			if inst.State() != Running {
				return nil
			}
			return m.stop(ctx, inst)
		})
	}
	err := g.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = errors.Join(err, ctx.Err())
	}
	return err
}

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
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/events"
	"github.com/srediag/plugin-host/pkg/health"
	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/registry"
	"github.com/srediag/plugin-host/pkg/transport"
)

// session is one live channel of an instance.
type session struct {
	id   uuid.UUID
	ch   transport.Channel
	conn *protocol.Conn

	nextReq atomic.Uint64
	pendMu  sync.Mutex
	pending map[uint64]chan *protocol.Message

	// stopping is set before a graceful shutdown so the read loop treats
	// the end of the stream as expected.
	stopping atomic.Bool
	closed   chan struct{}
	once     sync.Once
}

func newSession(id uuid.UUID, ch transport.Channel, conn *protocol.Conn) *session {
	return &session{
		id:      id,
		ch:      ch,
		conn:    conn,
		pending: make(map[uint64]chan *protocol.Message),
		closed:  make(chan struct{}),
	}
}

func (s *session) send(p protocol.Payload) error {
	return s.conn.Send(protocol.NewMessage(s.id, p))
}

func (s *session) released() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) register(id uint64) chan *protocol.Message {
	ch := make(chan *protocol.Message, 1)
	s.pendMu.Lock()
	s.pending[id] = ch
	s.pendMu.Unlock()
	return ch
}

func (s *session) unregister(id uint64) {
	s.pendMu.Lock()
	delete(s.pending, id)
	s.pendMu.Unlock()
}

func (s *session) deliver(id uint64, m *protocol.Message) bool {
	s.pendMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendMu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

// release terminates the channel and drops the session key. It runs once
// per session, on whichever exit path gets there first.
func (m *Manager) release(s *session) {
	s.once.Do(func() {
		close(s.closed)
		if err := s.ch.Terminate(); err != nil {
			log.Warnf("session %s: terminate: %v", s.id, err)
		}
		if m.keys != nil {
			m.keys.CloseSession(s.id)
		}
		m.retiredMu.Lock()
		m.retired.Add(s.conn.Handler().Stats())
		m.retiredMu.Unlock()
	})
}

// launch starts the channel of inst and completes the handshake.
func (m *Manager) launch(ctx context.Context, inst *instance, s Settings) (*session, error) {
	sid := uuid.New()
	var key []byte
	if m.keys != nil {
		k, err := m.keys.OpenSession(sid)
		if err != nil {
			return nil, err
		}
		key = k
	}

	limits := inst.manifest.Limits
	if inst.manifest.Kind.Sandboxed() {
		limits = s.Sandbox.Effective(limits)
	}
	ch, err := m.launcher.Launch(ctx, transport.LaunchSpec{
		InstanceID: inst.id,
		SessionID:  sid,
		SessionKey: key,
		Manifest:   inst.manifest,
		Limits:     limits,
		Env:        inst.overrides,
	})
	if err != nil {
		if m.keys != nil {
			m.keys.CloseSession(sid)
		}
		return nil, err
	}

	var hopts []protocol.Option
	if m.keys != nil {
		hopts = append(hopts, protocol.WithKeyProvider(m.keys))
	}
	sess := newSession(sid, ch, protocol.NewConn(ch, protocol.NewHandler(s.Protocol, hopts...)))
	if err := m.handshake(ctx, sess, s.HandshakeTimeout); err != nil {
		m.release(sess)
		return nil, err
	}
	return sess, nil
}

// handshake waits for the plugin's Hello, answers with the negotiated
// capabilities in a plain HelloAck and then switches them on.
func (m *Manager) handshake(ctx context.Context, sess *session, timeout time.Duration) error {
	type received struct {
		msg *protocol.Message
		err error
	}
	got := make(chan received, 1)
	go func() {
		msg, err := sess.conn.Receive()
		got <- received{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var r received
	select {
	case r = <-got:
	case <-timer.C:
		return errdefs.Newf(errdefs.CodeTimeout, "no hello within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	hello, ok := r.msg.Payload.(*protocol.Control)
	if !ok || hello.Action != protocol.ControlHello || hello.Client == nil {
		return errdefs.Newf(errdefs.CodeProtocolViolation, "expected hello, got %s", r.msg.Header.Type)
	}

	h := sess.conn.Handler()
	caps, err := h.NegotiateCapabilities(*hello.Client)
	if err != nil {
		_ = sess.send(&protocol.ErrorReport{Code: string(errdefs.CodeOf(err)), Detail: err.Error()})
		return err
	}
	if err := sess.send(&protocol.Control{Action: protocol.ControlHelloAck, Negotiated: &caps}); err != nil {
		return err
	}
	return h.ApplyCapabilities(caps)
}

func (m *Manager) readLoop(inst *instance, sess *session) {
	for {
		msg, err := sess.conn.Receive()
		if err != nil {
			if sess.stopping.Load() || sess.released() {
				return
			}
			if errdefs.CodeOf(err) == errdefs.CodeDeserializationFailed {
				log.Warnf("instance %s: dropping malformed message: %v", inst.id, err)
				continue
			}
			if errors.Is(err, io.EOF) {
				err = errdefs.Wrap(errdefs.CodeInstanceCrashed, "plugin closed its channel", exitCause(sess.ch))
			}
			go m.handleCrash(inst, sess, err)
			return
		}
		m.dispatch(inst, sess, msg)
	}
}

// exitCause waits briefly for the plugin to be reaped and returns its exit
// error, if any.
func exitCause(ch transport.Channel) error {
	select {
	case <-ch.Done():
		return ch.Err()
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (m *Manager) dispatch(inst *instance, sess *session, msg *protocol.Message) {
	switch p := msg.Payload.(type) {
	case *protocol.Heartbeat:
		inst.lastBeat.Store(m.now().UnixNano())
		usage := p.Usage
		inst.usage.Store(&usage)
		inst.reported.Store(uint32(p.Status))
		inst.failed.Store(p.Status == protocol.HeartbeatUnhealthy)
		if m.observeHealth(inst) == health.Healthy {
			inst.resetRecovery()
		}
	case *protocol.Response:
		if !sess.deliver(p.RequestID, msg) {
			log.Debugf("instance %s: response to unknown request %d", inst.id, p.RequestID)
		}
	case *protocol.ErrorReport:
		if p.RequestID != 0 && sess.deliver(p.RequestID, msg) {
			return
		}
		err := errdefs.New(errdefs.Code(p.Code), p.Detail)
		inst.failed.Store(true)
		inst.setErr(err)
		ev := m.event(events.Error, inst)
		ev.Message = err.Error()
		m.bus.Publish(ev)
		m.observeHealth(inst)
	case *protocol.Control:
		if p.Action == protocol.ControlShutdownAck {
			log.Debugf("instance %s acknowledged shutdown", inst.id)
		}
	case *protocol.Request:
		_ = sess.send(&protocol.ErrorReport{RequestID: p.ID, Code: "NOT_IMPLEMENTED", Detail: "host does not serve requests"})
	}
}

// heartbeatLoop pings twice per interval so that a responsive plugin's last
// heartbeat is never older than one interval.
func (m *Manager) heartbeatLoop(inst *instance, sess *session) {
	interval := m.Settings().HeartbeatInterval
	t := time.NewTicker(pingEvery(interval))
	defer t.Stop()
	for {
		select {
		case <-sess.closed:
			return
		case <-t.C:
		}
		if sess.stopping.Load() {
			return
		}
		if err := sess.send(&protocol.Heartbeat{Status: protocol.HeartbeatHealthy}); err != nil {
			log.Debugf("instance %s: heartbeat: %v", inst.id, err)
		}
		m.observeHealth(inst)
		if next := m.Settings().HeartbeatInterval; next != interval {
			interval = next
			t.Reset(pingEvery(interval))
		}
	}
}

func pingEvery(interval time.Duration) time.Duration {
	return max(interval/2, time.Millisecond)
}

// Call sends a request to a running instance and waits for its answer. An
// Error reply is returned as an *errdefs.Error carrying the plugin's code.
func (m *Manager) Call(ctx context.Context, id, operation string, params []byte) ([]byte, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	sess := inst.sess.Load()
	if sess == nil || inst.State() != Running {
		return nil, errdefs.Newf(errdefs.CodeInvalidStateTransition, "instance %s is %s, not Running", id, inst.State())
	}

	reqID := sess.nextReq.Add(1)
	reply := sess.register(reqID)
	defer sess.unregister(reqID)
	if err := sess.send(&protocol.Request{ID: reqID, Operation: operation, Parameters: params}); err != nil {
		return nil, err
	}
	select {
	case msg := <-reply:
		switch p := msg.Payload.(type) {
		case *protocol.Response:
			return p.Result, nil
		case *protocol.ErrorReport:
			return nil, errdefs.New(errdefs.Code(p.Code), p.Detail)
		}
		return nil, errdefs.Newf(errdefs.CodeProtocolViolation, "unexpected %s reply", msg.Header.Type)
	case <-sess.closed:
		return nil, errdefs.Newf(errdefs.CodeInstanceCrashed, "instance %s went away during %s", id, operation)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InstanceManifest returns the manifest snapshot an instance was created
// from. Re-registering the plugin does not change it.
func (m *Manager) InstanceManifest(id string) (registry.Manifest, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return registry.Manifest{}, err
	}
	return inst.manifest.Clone(), nil
}

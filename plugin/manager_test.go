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
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/events"
	"github.com/srediag/plugin-host/pkg/guest"
	"github.com/srediag/plugin-host/pkg/health"
	"github.com/srediag/plugin-host/pkg/lifecycle"
	"github.com/srediag/plugin-host/pkg/registry"
	"github.com/srediag/plugin-host/pkg/security"
	"github.com/srediag/plugin-host/pkg/transport"
)

func echoGuest(ctx context.Context, rw io.ReadWriter, env map[string]string) error {
	return guest.Serve(ctx, rw, guest.Options{Env: env, Handler: func(_ context.Context, op string, params []byte) ([]byte, error) {
		if op != "echo" {
			return nil, errors.New("unsupported")
		}
		return params, nil
	}})
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.ThreadPoolSize = 4
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.StopGracePeriod = 2 * time.Second
	cfg.HostMemoryCeilingPercent = 0
	cfg.Sandbox = security.Policy{Level: security.LevelPermissive}
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.log")
	return cfg
}

type ManagerTestSuite struct {
	suite.Suite
	spans *tracetest.SpanRecorder
	mgr   *Manager
	sub   *events.Subscription
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) SetupTest() {
	launcher := transport.NewPipeLauncher()
	launcher.Register("echo", echoGuest)
	s.spans = tracetest.NewSpanRecorder()

	mgr, err := New(testConfig(s.T()),
		WithLauncher(launcher),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.spans))),
	)
	s.Require().NoError(err)
	s.mgr = mgr
	s.sub = mgr.Subscribe(256)
}

func (s *ManagerTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.NoError(s.mgr.Close(ctx))
}

func (s *ManagerTestSuite) waitEvent(typ events.Type) events.Event {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-s.sub.C():
			s.Require().True(ok, "subscription closed while waiting for %s", typ)
			if e.Type == typ {
				return e
			}
		case <-deadline:
			s.Require().FailNow("timed out waiting for event", "%s", typ)
		}
	}
}

func (s *ManagerTestSuite) register(name string) string {
	id, err := s.mgr.RegisterPlugin(registry.Manifest{Name: name, Version: "1.0.0", Entrypoint: "echo"})
	s.Require().NoError(err)
	return id
}

func (s *ManagerTestSuite) started(pluginID string) string {
	id, err := s.mgr.CreateInstance(pluginID, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.mgr.StartInstance(context.Background(), id))
	return id
}

func (s *ManagerTestSuite) TestRegisterCallUnregister() {
	pluginID := s.register("echo")
	e := s.waitEvent(events.PluginRegistered)
	s.Equal(pluginID, e.PluginID)
	s.Equal("revision 1", e.Status)
	s.Len(s.mgr.ListPlugins(), 1)

	id := s.started(pluginID)
	out, err := s.mgr.Call(context.Background(), id, "echo", []byte("hello"))
	s.Require().NoError(err)
	s.Equal([]byte("hello"), out)
	s.Equal(1, s.mgr.ActiveSessions())

	s.Require().NoError(s.mgr.UnregisterPlugin(pluginID))
	s.waitEvent(events.PluginUnregistered)
	_, err = s.mgr.GetPlugin(pluginID)
	s.True(errors.Is(err, errdefs.ErrPluginNotFound))
	_, err = s.mgr.CreateInstance(pluginID, nil)
	s.True(errors.Is(err, errdefs.ErrPluginNotFound))

	info, err := s.mgr.GetInstance(id)
	s.Require().NoError(err)
	s.Equal(lifecycle.Running, info.State, "unregistering leaves instances alone")

	var names []string
	for _, span := range s.spans.Ended() {
		names = append(names, span.Name())
	}
	s.Contains(names, "lifecycle.StartInstance")
}

func (s *ManagerTestSuite) TestUpdateConfigRejectsZeroPool() {
	before := s.mgr.Config()
	bad := before
	bad.ThreadPoolSize = 0

	err := s.mgr.UpdateConfig(bad)
	s.Require().Error(err)
	s.True(errors.Is(err, errdefs.ErrConfigInvalid), "got %v", err)
	s.Equal(before, s.mgr.Config())
	s.Equal(before.ThreadPoolSize, s.mgr.pool.Cap())
}

func (s *ManagerTestSuite) TestUpdateConfigIsAtomic() {
	loose := s.mgr.Config()
	loose.MaxInstances = 5
	strict := loose
	strict.MaxInstances = 7
	strict.Sandbox = security.Policy{Level: security.LevelStrict}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			next := loose
			if i%2 == 0 {
				next = strict
			}
			if err := s.mgr.UpdateConfig(next); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		s.mgr.cfgMu.RLock()
		cfg := s.mgr.Config()
		level := s.mgr.registry.Policy().Level
		maxInstances := s.mgr.lifecycle.Settings().MaxInstances
		s.mgr.cfgMu.RUnlock()

		s.Equal(cfg.Sandbox.Level, level)
		s.Equal(cfg.MaxInstances, maxInstances)
		if level == security.LevelStrict {
			s.Equal(7, maxInstances)
		} else {
			s.Equal(5, maxInstances)
		}
	}
	<-done
}

func (s *ManagerTestSuite) TestUpdateConfigApplies() {
	next := s.mgr.Config()
	next.ThreadPoolSize = 8
	next.MaxInstances = 1
	next.Sandbox = security.Policy{
		Level:       security.LevelStrict,
		Constraints: security.Constraints{ResourceLimits: security.ResourceLimits{MaxMemoryBytes: 64 << 20}},
	}
	s.Require().NoError(s.mgr.UpdateConfig(next))
	s.waitEvent(events.ConfigUpdated)

	s.Equal(next, s.mgr.Config())
	s.Equal(8, s.mgr.pool.Cap())
	s.Equal(security.LevelStrict, s.mgr.Policy().Level)

	_, err := s.mgr.RegisterPlugin(registry.Manifest{
		Name:       "greedy",
		Entrypoint: "echo",
		Limits:     security.ResourceLimits{MaxMemoryBytes: 1 << 30},
	})
	s.True(errors.Is(err, errdefs.ErrSecurityPolicyViolation), "got %v", err)
	e := s.waitEvent(events.Error)
	s.Equal("greedy", e.PluginName)

	pluginID := s.register("echo")
	_, err = s.mgr.CreateInstance(pluginID, nil)
	s.Require().NoError(err)
	_, err = s.mgr.CreateInstance(pluginID, nil)
	s.True(errors.Is(err, errdefs.ErrCapacityExceeded), "got %v", err)
}

func (s *ManagerTestSuite) TestBulkStartStop() {
	pluginID := s.register("echo")
	ids := make([]string, 10)
	for i := range ids {
		id, err := s.mgr.CreateInstance(pluginID, nil)
		s.Require().NoError(err)
		ids[i] = id
	}
	s.Require().NoError(s.mgr.StartInstances(context.Background(), ids...))
	for _, info := range s.mgr.ListInstances() {
		s.Equal(lifecycle.Running, info.State)
	}
	s.Require().NoError(s.mgr.StopInstances(context.Background(), ids...))
	for _, info := range s.mgr.ListInstances() {
		s.Equal(lifecycle.Stopped, info.State)
	}

	err := s.mgr.StartInstances(context.Background(), "missing")
	s.True(errors.Is(err, errdefs.ErrInstanceNotFound), "got %v", err)
}

func (s *ManagerTestSuite) TestReloadPlugin() {
	pluginID := s.register("echo")
	a := s.started(pluginID)
	b := s.started(pluginID)
	idle, err := s.mgr.CreateInstance(pluginID, nil)
	s.Require().NoError(err)

	_, err = s.mgr.RegisterPlugin(registry.Manifest{Name: "echo", Version: "1.1.0", Entrypoint: "echo"})
	s.Require().NoError(err)

	replaced, err := s.mgr.ReloadPlugin(context.Background(), pluginID)
	s.Require().NoError(err)
	s.Len(replaced, 2)
	for _, old := range []string{a, b} {
		next, ok := replaced[old]
		s.Require().True(ok)
		_, err := s.mgr.GetInstance(old)
		s.True(errors.Is(err, errdefs.ErrInstanceNotFound))
		info, err := s.mgr.GetInstance(next)
		s.Require().NoError(err)
		s.Equal(lifecycle.Running, info.State)
	}
	info, err := s.mgr.GetInstance(idle)
	s.Require().NoError(err)
	s.Equal(lifecycle.Created, info.State)

	_, err = s.mgr.ReloadPlugin(context.Background(), "missing")
	s.True(errors.Is(err, errdefs.ErrPluginNotFound))
}

func (s *ManagerTestSuite) TestHealthCheck() {
	r := s.mgr.HealthCheck()
	s.True(r.Ready, "problems: %v", r.Problems)
	s.Equal(health.Healthy, r.Status)

	pluginID := s.register("echo")
	s.started(pluginID)
	s.Eventually(func() bool {
		r := s.mgr.HealthCheck()
		return r.Instances == 1 && r.ByStatus[health.Healthy] == 1
	}, 2*time.Second, 20*time.Millisecond)
	s.Equal(1, s.mgr.HealthCheck().Plugins)

	srv := httptest.NewServer(s.mgr.HealthHandler())
	defer srv.Close()
	for _, path := range []string{"/live", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		s.Require().NoError(err)
		resp.Body.Close()
		s.Equal(http.StatusOK, resp.StatusCode, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.mgr.Close(ctx))
	r = s.mgr.HealthCheck()
	s.False(r.Ready)
	s.Equal(health.Unhealthy, r.Status)
	s.NotEmpty(r.Problems)

	resp, err := http.Get(srv.URL + "/live")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *ManagerTestSuite) TestGatherer() {
	pluginID := s.register("echo")
	s.started(pluginID)

	families, err := s.mgr.Gatherer().Gather()
	s.Require().NoError(err)
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"pluginhost_instances",
		"pluginhost_instance_starts_total",
		"pluginhost_protocol_messages_total",
		"pluginhost_worker_pool_running",
		"pluginhost_security_sessions",
	} {
		s.True(found[name], name)
	}
}

func (s *ManagerTestSuite) TestAuditTrail() {
	pluginID := s.register("echo")
	id := s.started(pluginID)
	s.Require().NoError(s.mgr.StopInstance(context.Background(), id))

	path := s.mgr.Config().Audit.Path
	s.Eventually(func() bool {
		b, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(b), `"type":"InstanceStopped"`)
	}, 2*time.Second, 20*time.Millisecond)
}

func (s *ManagerTestSuite) TestClosedManagerRefusesWork() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.mgr.Close(ctx))
	s.Require().NoError(s.mgr.Close(ctx))

	_, err := s.mgr.RegisterPlugin(registry.Manifest{Name: "late", Entrypoint: "echo"})
	s.True(errors.Is(err, errdefs.ErrManagerClosed))
	s.True(errors.Is(s.mgr.UpdateConfig(s.mgr.Config()), errdefs.ErrManagerClosed))
	_, err = s.mgr.ReloadPlugin(ctx, "any")
	s.True(errors.Is(err, errdefs.ErrManagerClosed))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThreadPoolSize = 0
	_, err := New(cfg)
	require.True(t, errors.Is(err, errdefs.ErrConfigInvalid))
}

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

package guest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/transport"
)

type GuestTestSuite struct {
	suite.Suite
	session uuid.UUID
	key     []byte
	host    *protocol.Conn
	served  chan error
	cancel  context.CancelFunc
}

func TestGuestTestSuite(t *testing.T) {
	suite.Run(t, new(GuestTestSuite))
}

func (s *GuestTestSuite) SetupTest() {
	s.session = uuid.New()
	s.key = bytes.Repeat([]byte{3}, 32)
	hostEnd, guestEnd := net.Pipe()

	s.host = protocol.NewConn(hostEnd, protocol.NewHandler(protocol.DefaultConfig(),
		protocol.WithKeyProvider(protocol.StaticKey{Session: s.session, Key: s.key})))

	opts := Options{
		Env: map[string]string{
			transport.EnvSessionID:  s.session.String(),
			transport.EnvSessionKey: base64.StdEncoding.EncodeToString(s.key),
		},
		Usage: func() protocol.ResourceUsage { return protocol.ResourceUsage{MemoryBytes: 4096, Threads: 2} },
		Handler: func(_ context.Context, op string, params []byte) ([]byte, error) {
			switch op {
			case "echo":
				return params, nil
			case "denied":
				return nil, errdefs.New(errdefs.CodeSecurityPolicyViolation, "nope")
			}
			return nil, errors.New("unknown operation")
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.served = make(chan error, 1)
	go func() { s.served <- Serve(ctx, guestEnd, opts) }()
	s.handshake()
}

func (s *GuestTestSuite) TearDownTest() {
	s.cancel()
	select {
	case <-s.served:
	case <-time.After(2 * time.Second):
		s.Fail("guest did not stop")
	}
}

func (s *GuestTestSuite) recv() *protocol.Message {
	m, err := s.host.Receive()
	s.Require().NoError(err)
	return m
}

func (s *GuestTestSuite) send(p protocol.Payload) {
	s.Require().NoError(s.host.Send(protocol.NewMessage(s.session, p)))
}

func (s *GuestTestSuite) handshake() {
	hello, ok := s.recv().Payload.(*protocol.Control)
	s.Require().True(ok)
	s.Require().Equal(protocol.ControlHello, hello.Action)
	s.Require().NotNil(hello.Client)
	s.Contains(hello.Client.Encryption, protocol.EncryptionAES256GCM)

	caps, err := s.host.Handler().NegotiateCapabilities(*hello.Client)
	s.Require().NoError(err)
	s.send(&protocol.Control{Action: protocol.ControlHelloAck, Negotiated: &caps})
	s.Require().NoError(s.host.Handler().ApplyCapabilities(caps))
}

func (s *GuestTestSuite) TestEchoOverEncryptedSession() {
	caps, ok := s.host.Handler().Capabilities()
	s.Require().True(ok)
	s.True(caps.EncryptionEnabled)

	s.send(&protocol.Request{ID: 7, Operation: "echo", Parameters: []byte("ping")})
	m := s.recv()
	s.True(m.Header.Flags.Has(protocol.FlagEncrypted))
	resp, ok := m.Payload.(*protocol.Response)
	s.Require().True(ok)
	s.EqualValues(7, resp.RequestID)
	s.Equal([]byte("ping"), resp.Result)
}

func (s *GuestTestSuite) TestHeartbeatReply() {
	s.send(&protocol.Heartbeat{})
	hb, ok := s.recv().Payload.(*protocol.Heartbeat)
	s.Require().True(ok)
	s.Equal(protocol.HeartbeatHealthy, hb.Status)
	s.EqualValues(4096, hb.Usage.MemoryBytes)
	s.EqualValues(2, hb.Usage.Threads)
}

func (s *GuestTestSuite) TestHandlerErrorsAreReported() {
	s.send(&protocol.Request{ID: 1, Operation: "denied"})
	rep, ok := s.recv().Payload.(*protocol.ErrorReport)
	s.Require().True(ok)
	s.EqualValues(1, rep.RequestID)
	s.Equal(string(errdefs.CodeSecurityPolicyViolation), rep.Code)

	s.send(&protocol.Request{ID: 2, Operation: "mystery"})
	rep, ok = s.recv().Payload.(*protocol.ErrorReport)
	s.Require().True(ok)
	s.Equal(string(errdefs.CodeRemote), rep.Code)
}

func (s *GuestTestSuite) TestShutdownAck() {
	s.send(&protocol.Control{Action: protocol.ControlShutdown})
	ack, ok := s.recv().Payload.(*protocol.Control)
	s.Require().True(ok)
	s.Equal(protocol.ControlShutdownAck, ack.Action)

	select {
	case err := <-s.served:
		s.NoError(err)
		s.served <- err
	case <-time.After(2 * time.Second):
		s.Fail("guest did not return after shutdown")
	}
}

func TestSessionFromEnv(t *testing.T) {
	s := suite.Suite{}
	s.SetT(t)

	_, err := SessionFromEnv(map[string]string{})
	s.Error(err)
	_, err = SessionFromEnv(map[string]string{transport.EnvSessionID: "not-a-uuid"})
	s.Error(err)

	id := uuid.New()
	sess, err := SessionFromEnv(map[string]string{
		transport.EnvSessionID:  id.String(),
		transport.EnvInstanceID: "inst-1",
	})
	s.NoError(err)
	s.Equal(id, sess.ID)
	s.Equal("inst-1", sess.InstanceID)
	s.Nil(sess.Key)
}

func TestSelfSamplerReadsOwnProcess(t *testing.T) {
	u := newSelfSampler().Sample()
	if u.MemoryBytes == 0 {
		t.Skip("process sampling not available here")
	}
	if u.Threads == 0 {
		t.Errorf("expected at least one thread, got %+v", u)
	}
}

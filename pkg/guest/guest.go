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

// Package guest is the plugin side of the protocol: the loop a plugin binary
// runs to answer its host.
//
// A guest writes only frames to its output; diagnostics go to stderr through
// the logging package.
package guest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/srediag/plugin-host/internal/logging"
	"github.com/srediag/plugin-host/pkg/errdefs"
	"github.com/srediag/plugin-host/pkg/protocol"
	"github.com/srediag/plugin-host/pkg/transport"
)

var log = logging.Named("guest")

// Handler serves one request. A returned error is reported to the host as
// an Error message; an *errdefs.Error keeps its code.
type Handler func(ctx context.Context, operation string, params []byte) ([]byte, error)

// Options configures Serve.
type Options struct {
	Handler Handler
	// Usage reports resource usage in heartbeats. Defaults to sampling the
	// current process.
	Usage func() protocol.ResourceUsage
	// Status reports self-assessed health. Defaults to healthy.
	Status   func() protocol.HeartbeatStatus
	Protocol protocol.Config
	// Env supplies the session variables; nil means the process
	// environment.
	Env map[string]string
}

// Session is the identity a guest takes from its environment.
type Session struct {
	InstanceID string
	ID         uuid.UUID
	Key        []byte
}

// SessionFromEnv parses the session variables set by the host.
func SessionFromEnv(env map[string]string) (Session, error) {
	s := Session{InstanceID: env[transport.EnvInstanceID]}
	raw := env[transport.EnvSessionID]
	if raw == "" {
		return s, fmt.Errorf("%s is not set", transport.EnvSessionID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return s, fmt.Errorf("%s: %w", transport.EnvSessionID, err)
	}
	s.ID = id
	if k := env[transport.EnvSessionKey]; k != "" {
		key, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return s, fmt.Errorf("%s: %w", transport.EnvSessionKey, err)
		}
		s.Key = key
	}
	return s, nil
}

func processEnv() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return os.Stdin.Close() }

// ServeStdio serves the host over stdin and stdout.
func ServeStdio(ctx context.Context, opts Options) error {
	return Serve(ctx, stdio{Reader: os.Stdin, Writer: os.Stdout}, opts)
}

// Serve runs the guest loop over rw until the host asks for shutdown, closes
// the stream, or ctx is cancelled.
func Serve(ctx context.Context, rw io.ReadWriter, opts Options) error {
	env := opts.Env
	if env == nil {
		env = processEnv()
	}
	sess, err := SessionFromEnv(env)
	if err != nil {
		return err
	}
	if opts.Usage == nil {
		opts.Usage = newSelfSampler().Sample
	}
	if opts.Status == nil {
		opts.Status = func() protocol.HeartbeatStatus { return protocol.HeartbeatHealthy }
	}

	var hopts []protocol.Option
	if len(sess.Key) > 0 {
		hopts = append(hopts, protocol.WithKeyProvider(protocol.StaticKey{Session: sess.ID, Key: sess.Key}))
	}
	g := &guest{
		sess: sess,
		opts: opts,
		conn: protocol.NewConn(rw, protocol.NewHandler(opts.Protocol, hopts...)),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c, ok := rw.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			_ = c.Close()
		}()
	}

	caps := g.conn.Handler().LocalCapabilities()
	if err := g.send(&protocol.Control{Action: protocol.ControlHello, Client: &caps}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	err = g.loop(ctx)
	g.inflight.Wait()
	return err
}

type guest struct {
	sess     Session
	opts     Options
	conn     *protocol.Conn
	inflight sync.WaitGroup
}

func (g *guest) send(p protocol.Payload) error {
	return g.conn.Send(protocol.NewMessage(g.sess.ID, p))
}

func (g *guest) loop(ctx context.Context) error {
	for {
		m, err := g.conn.Receive()
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
				return nil
			case errdefs.IsFatalProtocol(err):
				return err
			}
			log.Warnf("dropping malformed message: %v", err)
			continue
		}
		switch p := m.Payload.(type) {
		case *protocol.Control:
			done, err := g.control(p)
			if err != nil || done {
				return err
			}
		case *protocol.Heartbeat:
			if err := g.send(&protocol.Heartbeat{Status: g.opts.Status(), Usage: g.opts.Usage()}); err != nil {
				return err
			}
		case *protocol.Request:
			g.inflight.Add(1)
			go g.serve(ctx, p)
		default:
			log.Debugf("ignoring %s from host", m.Header.Type)
		}
	}
}

func (g *guest) control(c *protocol.Control) (bool, error) {
	switch c.Action {
	case protocol.ControlHelloAck:
		if c.Negotiated == nil {
			return false, errdefs.New(errdefs.CodeHandshakeFailed, "hello ack without capabilities")
		}
		if err := g.conn.Handler().ApplyCapabilities(*c.Negotiated); err != nil {
			_ = g.send(&protocol.ErrorReport{Code: string(errdefs.CodeOf(err)), Detail: err.Error()})
			return false, err
		}
		log.Debugf("session %s negotiated compression=%q encryption=%q", g.sess.ID,
			c.Negotiated.CompressionAlgorithm, c.Negotiated.EncryptionAlgorithm)
	case protocol.ControlShutdown:
		g.inflight.Wait()
		return true, g.send(&protocol.Control{Action: protocol.ControlShutdownAck})
	}
	return false, nil
}

func (g *guest) serve(ctx context.Context, req *protocol.Request) {
	defer g.inflight.Done()
	if g.opts.Handler == nil {
		_ = g.send(&protocol.ErrorReport{RequestID: req.ID, Code: "NOT_IMPLEMENTED", Detail: req.Operation})
		return
	}
	result, err := g.opts.Handler(ctx, req.Operation, req.Parameters)
	if err != nil {
		code := errdefs.CodeOf(err)
		if code == errdefs.CodeUnknown {
			code = errdefs.CodeRemote
		}
		_ = g.send(&protocol.ErrorReport{RequestID: req.ID, Code: string(code), Detail: err.Error()})
		return
	}
	if err := g.send(&protocol.Response{RequestID: req.ID, Result: result}); err != nil {
		log.Warnf("send response %d: %v", req.ID, err)
	}
}

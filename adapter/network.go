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

package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ShutdownTimeout bounds how long Run waits for open requests once its
// context is done.
const ShutdownTimeout = 5 * time.Second

// Server serves the admin endpoints of a host:
//
//	/live, /ready, /health  probes and health report
//	/metrics                Prometheus exposition
//	/events                 event feed as JSON lines
type Server struct {
	addr string
	srv  *http.Server
	ln   net.Listener
}

// NewServer prepares a server for h on addr. Nothing is bound until Listen
// or Run.
func NewServer(addr string, h Host) *Server {
	mux := http.NewServeMux()
	health := HealthHandler(h)
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	mux.Handle("/health", health)
	mux.Handle("/metrics", promhttp.HandlerFor(h.Gatherer(), promhttp.HandlerOpts{
		ErrorLog: promLogger{},
	}))
	mux.Handle("/events", EventStream(h, 0))
	return &Server{
		addr: addr,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Listen binds the address. Use ":0" and Addr to pick a free port.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Run serves until ctx is done and then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()
	log.Infof("admin endpoints listening on %s", s.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(sctx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	return err
}

type promLogger struct{}

func (promLogger) Println(v ...interface{}) {
	log.Warnf("metrics: %v", v)
}

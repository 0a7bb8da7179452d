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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// GuestFunc runs a plugin in-process over rw until ctx is cancelled or the
// host closes the stream. env is the environment a child process would get.
type GuestFunc func(ctx context.Context, rw io.ReadWriter, env map[string]string) error

// ErrGuestNotFound is returned when no guest is registered for a plugin.
var ErrGuestNotFound = errors.New("no in-process guest registered")

// PipeLauncher runs registered guests in goroutines over net.Pipe. Guests
// are looked up by manifest entrypoint, then by name.
type PipeLauncher struct {
	mu     sync.RWMutex
	guests map[string]GuestFunc
}

// NewPipeLauncher returns an empty in-process launcher.
func NewPipeLauncher() *PipeLauncher {
	return &PipeLauncher{guests: map[string]GuestFunc{}}
}

// Register makes fn available under key.
func (l *PipeLauncher) Register(key string, fn GuestFunc) {
	l.mu.Lock()
	l.guests[key] = fn
	l.mu.Unlock()
}

func (l *PipeLauncher) lookup(spec LaunchSpec) (GuestFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fn, ok := l.guests[spec.Manifest.Entrypoint]; ok {
		return fn, true
	}
	fn, ok := l.guests[spec.Manifest.Name]
	return fn, ok
}

// Launch starts the guest registered for spec.
func (l *PipeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn, ok := l.lookup(spec)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGuestNotFound, spec.Manifest.Name)
	}
	host, guest := net.Pipe()
	gctx, cancel := context.WithCancel(context.Background())
	c := &pipeChannel{
		Conn:   host,
		peer:   guest,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	env := spec.Environment()
	go func() {
		defer close(c.done)
		defer guest.Close()
		defer func() {
			if r := recover(); r != nil {
				c.exitErr = fmt.Errorf("guest panic: %v", r)
			}
		}()
		c.exitErr = fn(gctx, guest, env)
	}()
	return c, nil
}

type pipeChannel struct {
	net.Conn
	peer   net.Conn
	cancel context.CancelFunc

	done    chan struct{}
	exitErr error

	termOnce sync.Once
}

func (c *pipeChannel) Done() <-chan struct{} { return c.done }
func (c *pipeChannel) Pid() int              { return 0 }

func (c *pipeChannel) Err() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

// Terminate cancels the guest, cuts both pipe ends and waits for the guest
// goroutine to return.
func (c *pipeChannel) Terminate() error {
	var err error
	c.termOnce.Do(func() {
		c.cancel()
		_ = c.Conn.Close()
		_ = c.peer.Close()
		select {
		case <-c.done:
		case <-time.After(terminateWaitLimit):
			err = errors.New("in-process guest did not return after terminate")
		}
	})
	return err
}

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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/srediag/plugin-host/internal/logging"
	itransport "github.com/srediag/plugin-host/internal/transport"
	"github.com/srediag/plugin-host/pkg/registry"
)

var log = logging.Named("transport")

const (
	sandboxPath        = "PATH=/usr/local/bin:/usr/bin:/bin"
	terminateWaitLimit = 5 * time.Second

	// DefaultTermGrace is how long Terminate waits after SIGTERM before it
	// kills the process group.
	DefaultTermGrace = time.Second
)

// ProcessLauncher runs each plugin as a child process speaking the protocol
// over its stdin and stdout. Stderr lines are forwarded to the log.
type ProcessLauncher struct {
	// Dir is the working directory of children; empty means the host's.
	Dir string
	// TermGrace bounds the wait between SIGTERM and SIGKILL on Terminate.
	// Zero means DefaultTermGrace.
	TermGrace time.Duration
}

// NewProcessLauncher returns a launcher for child processes.
func NewProcessLauncher() *ProcessLauncher {
	return &ProcessLauncher{}
}

// Command builds the command for spec without starting it.
func (l *ProcessLauncher) Command(spec LaunchSpec) (*exec.Cmd, error) {
	m := spec.Manifest
	if m.Entrypoint == "" {
		return nil, fmt.Errorf("plugin %q has no entrypoint", m.Name)
	}
	var cmd *exec.Cmd
	switch m.Kind {
	case registry.KindManaged:
		cmd = exec.Command(m.Runtime, append([]string{m.Entrypoint}, m.Args...)...)
	default:
		cmd = exec.Command(m.Entrypoint, m.Args...)
	}
	cmd.Dir = l.Dir

	var env []string
	if m.Kind.Sandboxed() {
		env = []string{sandboxPath}
	} else {
		env = os.Environ()
	}
	extra := spec.Environment()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	cmd.Env = env
	itransport.SetProcessGroup(cmd)
	return cmd, nil
}

// Launch starts the plugin process. The context only bounds the start-up;
// the process outlives it and is ended through the Channel.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := l.Command(spec)
	if err != nil {
		return nil, err
	}

	// Plain os.Pipe pairs: exec.Cmd.Wait does not close them, so the
	// protocol reader is never cut off while draining.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start plugin %q: %w", spec.Manifest.Name, err)
	}
	closeAll(stdinR, stdoutW, stderrW)

	p := &processChannel{
		name:      spec.Manifest.Name,
		cmd:       cmd,
		stdin:     stdinW,
		stdout:    stdoutR,
		done:      make(chan struct{}),
		termGrace: l.TermGrace,
	}
	if p.termGrace <= 0 {
		p.termGrace = DefaultTermGrace
	}
	go p.forwardStderr(stderrR, spec.InstanceID)
	go p.wait()

	if spec.Manifest.Kind.Sandboxed() {
		limits := itransport.Limits{
			AddressSpaceBytes: spec.Limits.MaxMemoryBytes,
			OpenFiles:         uint64(spec.Limits.MaxOpenFiles),
		}
		if err := itransport.ApplyLimits(cmd.Process.Pid, limits); err != nil {
			if errors.Is(err, itransport.ErrUnsupported) {
				log.Warnf("plugin %q: resource limits not enforced: %v", spec.Manifest.Name, err)
			} else {
				_ = p.Terminate()
				return nil, fmt.Errorf("limit plugin %q: %w", spec.Manifest.Name, err)
			}
		}
	}
	log.Debugf("plugin %q started with pid %d", spec.Manifest.Name, cmd.Process.Pid)
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type processChannel struct {
	name   string
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File

	done      chan struct{}
	exitErr   error
	termGrace time.Duration

	closeOnce sync.Once
	termOnce  sync.Once
	termErr   error
}

func (p *processChannel) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processChannel) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *processChannel) Done() <-chan struct{}       { return p.done }
func (p *processChannel) Pid() int                    { return p.cmd.Process.Pid }

func (p *processChannel) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Close closes our ends of the pipes. The child sees EOF on stdin.
func (p *processChannel) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.stdin.Close(), p.stdout.Close())
	})
	return err
}

// Terminate sends SIGTERM to the process group, kills it once TermGrace
// has passed, reaps the child and closes the pipes.
func (p *processChannel) Terminate() error {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
		default:
			pid := p.cmd.Process.Pid
			if err := itransport.SignalGroup(pid); err == nil {
				select {
				case <-p.done:
				case <-time.After(p.termGrace):
				}
			} else if !errors.Is(err, itransport.ErrUnsupported) {
				log.Debugf("plugin %q: SIGTERM failed: %v", p.name, err)
			}
			p.termErr = itransport.KillGroup(pid)
			select {
			case <-p.done:
			case <-time.After(terminateWaitLimit):
				p.termErr = errors.Join(p.termErr, fmt.Errorf("plugin %q not reaped after kill", p.name))
			}
		}
		_ = p.Close()
	})
	return p.termErr
}

func (p *processChannel) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

func (p *processChannel) forwardStderr(r *os.File, instanceID string) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		log.Infof("[%s %s] %s", p.name, instanceID, sc.Text())
	}
}

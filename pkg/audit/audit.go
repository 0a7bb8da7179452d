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

// Package audit keeps an append-only trail of plugin events as JSON lines.
package audit

import (
	"errors"
	"io"
	"os"
	"slices"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	iaudit "github.com/srediag/plugin-host/internal/audit"
	"github.com/srediag/plugin-host/internal/logging"
	"github.com/srediag/plugin-host/pkg/events"
)

var log = logging.Named("audit")

// Config selects the audit file and its rotation. An empty Path disables
// auditing.
type Config struct {
	Path       string `yaml:"path" json:"path" env:"PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" json:"compress" env:"COMPRESS"`
	// BufferSize is the subscription backlog.
	BufferSize int `yaml:"buffer_size" json:"buffer_size" env:"BUFFER_SIZE"`
}

// Enabled reports whether an audit file is configured.
func (c Config) Enabled() bool { return c.Path != "" }

// Option configures a Logger.
type Option func(*Logger)

// WithTypes records only events of the given types.
func WithTypes(types ...events.Type) Option {
	return func(l *Logger) {
		l.filter = func(t events.Type) bool { return slices.Contains(types, t) }
	}
}

// Logger writes every event it receives from the bus.
type Logger struct {
	sub    *events.Subscription
	w      io.WriteCloser
	filter func(events.Type) bool
	host   string
	pid    int

	seq     atomic.Uint64
	failed  atomic.Uint64
	done    chan struct{}
	closing atomic.Bool
}

// New opens a rotated audit file from cfg and subscribes to bus.
func New(bus *events.Bus, cfg Config, opts ...Option) (*Logger, error) {
	if !cfg.Enabled() {
		return nil, errors.New("audit path is empty")
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return NewWriter(bus, w, cfg.BufferSize, opts...), nil
}

// NewWriter records events into w. The logger owns w and closes it.
func NewWriter(bus *events.Bus, w io.WriteCloser, bufferSize int, opts ...Option) *Logger {
	host, _ := os.Hostname()
	l := &Logger{
		sub:    bus.Subscribe(bufferSize),
		w:      w,
		filter: func(events.Type) bool { return true },
		host:   host,
		pid:    os.Getpid(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.sub.C() {
		if !l.filter(e.Type) {
			continue
		}
		rec := iaudit.Record{Seq: l.seq.Add(1), Host: l.host, PID: l.pid, Event: e}
		if err := iaudit.Encode(l.w, rec); err != nil {
			if l.failed.Add(1) == 1 {
				log.Errorf("audit write failed: %v", err)
			}
		}
	}
}

// Written returns the number of records produced so far.
func (l *Logger) Written() uint64 { return l.seq.Load() }

// Failed returns the number of records that could not be written.
func (l *Logger) Failed() uint64 { return l.failed.Load() }

// Dropped returns the events lost because the logger fell behind.
func (l *Logger) Dropped() uint64 { return l.sub.Dropped() }

// Close stops recording and closes the file. Events still queued in the
// subscription are discarded.
func (l *Logger) Close() error {
	if !l.closing.CompareAndSwap(false, true) {
		return nil
	}
	l.sub.Close()
	<-l.done
	return l.w.Close()
}

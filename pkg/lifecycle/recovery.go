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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/plugin-host/pkg/events"
)

// resetRecovery ends the current crash streak.
func (i *instance) resetRecovery() {
	i.recMu.Lock()
	i.recovery = nil
	i.attempt = 0
	i.recMu.Unlock()
}

// nextRestart returns the delay before the next restart and its attempt
// number, or backoff.Stop when the streak is exhausted.
func (i *instance) nextRestart(p RecoveryPolicy) (time.Duration, int) {
	i.recMu.Lock()
	defer i.recMu.Unlock()
	if i.recovery == nil {
		i.recovery = p.NewBackOff()
	}
	d := i.recovery.NextBackOff()
	if d == backoff.Stop {
		return d, i.attempt
	}
	i.attempt++
	return d, i.attempt
}

// scheduleRestart applies the recovery policy to a freshly crashed
// instance. Requires inst.opMu.
func (m *Manager) scheduleRestart(inst *instance) {
	policy := m.Settings().Recovery
	if !policy.Enabled() || m.closed.Load() || inst.removed.Load() {
		return
	}
	delay, attempt := inst.nextRestart(policy)
	if delay == backoff.Stop {
		log.Warnf("instance %s of %s: giving up after %d restarts", inst.id, inst.manifest.Name, attempt)
		ev := m.event(events.Error, inst)
		ev.Attempt = attempt
		ev.Message = fmt.Sprintf("restart attempts exhausted after %d", attempt)
		m.bus.Publish(ev)
		return
	}

	ev := m.event(events.InstanceRestarting, inst)
	ev.Attempt = attempt
	ev.Message = fmt.Sprintf("restarting in %s", delay)
	m.bus.Publish(ev)
	time.AfterFunc(delay, func() {
		if err := m.submit(func() { m.restart(inst, attempt) }); err != nil {
			log.Warnf("instance %s: cannot schedule restart: %v", inst.id, err)
		}
	})
}

func (m *Manager) restart(inst *instance, attempt int) {
	if m.closed.Load() || inst.removed.Load() {
		return
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	// A stop or a manual start since the crash wins.
	if inst.State() != Crashed {
		return
	}
	inst.restarts.Add(1)
	m.restartTotal.Add(1)
	m.restartCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("plugin.name", inst.manifest.Name)))
	if err := m.start(m.ctx, inst); err != nil {
		log.Warnf("restart %d of instance %s failed: %v", attempt, inst.id, err)
	}
}

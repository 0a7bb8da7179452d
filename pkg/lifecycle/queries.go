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
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/srediag/plugin-host/pkg/events"
	"github.com/srediag/plugin-host/pkg/health"
	"github.com/srediag/plugin-host/pkg/protocol"
)

// SystemHealth is the verdict over all instances.
type SystemHealth struct {
	Status    health.Status         `json:"status"`
	Instances int                   `json:"instances"`
	ByStatus  map[health.Status]int `json:"by_status"`
}

func (m *Manager) snapshot(inst *instance) InstanceInfo {
	info := InstanceInfo{
		ID:           inst.id,
		PluginID:     inst.manifest.ID,
		PluginName:   inst.manifest.Name,
		State:        inst.State(),
		CreatedAt:    inst.createdAt,
		RestartCount: int(inst.restarts.Load()),
		Overrides:    maps.Clone(inst.overrides),
	}
	if s := inst.sess.Load(); s != nil {
		info.SessionID = s.id
	}
	if ns := inst.startedAt.Load(); ns != 0 {
		info.StartedAt = time.Unix(0, ns)
	}
	if ns := inst.lastBeat.Load(); ns != 0 {
		info.LastHeartbeat = time.Unix(0, ns)
	}
	if u := inst.usage.Load(); u != nil {
		info.Usage = *u
	}
	if e := inst.lastErr.Load(); e != nil {
		info.LastError = *e
	}
	return info
}

// GetInstance returns a snapshot of one instance.
func (m *Manager) GetInstance(id string) (InstanceInfo, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return InstanceInfo{}, err
	}
	return m.snapshot(inst), nil
}

// ListInstances returns snapshots of all instances, oldest first.
func (m *Manager) ListInstances() []InstanceInfo {
	out := make([]InstanceInfo, 0, m.instances.Count())
	for _, inst := range m.instances.Items() {
		out = append(out, m.snapshot(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of instances in any state.
func (m *Manager) Len() int {
	return m.instances.Count()
}

func (m *Manager) instanceHealth(inst *instance) health.Status {
	switch inst.State() {
	case Crashed:
		return health.Unhealthy
	case Running:
	default:
		return health.Unknown
	}
	s := m.Settings()
	var explicit error
	if inst.failed.Load() {
		explicit = errors.New("plugin reported an error")
	}
	last := time.Time{}
	if ns := inst.lastBeat.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	st := health.Evaluate(last, m.now(), s.HeartbeatInterval, s.HeartbeatMissLimit, explicit)
	if st == health.Healthy && protocol.HeartbeatStatus(inst.reported.Load()) == protocol.HeartbeatDegraded {
		st = health.Degraded
	}
	return st
}

// observeHealth re-evaluates inst and announces a change.
func (m *Manager) observeHealth(inst *instance) health.Status {
	st := m.instanceHealth(inst)
	if prev, changed := m.tracker.Observe(inst.id, st); changed {
		ev := m.event(events.HealthChanged, inst)
		ev.Status = st.String()
		ev.Message = fmt.Sprintf("%s -> %s", prev, st)
		m.bus.Publish(ev)
	}
	return st
}

// GetInstanceHealth derives the health of an instance from its heartbeats.
func (m *Manager) GetInstanceHealth(id string) (health.Status, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return health.Unknown, err
	}
	return m.instanceHealth(inst), nil
}

// SystemHealth aggregates the health of every instance. It never waits on
// instance operations.
func (m *Manager) SystemHealth() SystemHealth {
	items := m.instances.Items()
	statuses := make([]health.Status, 0, len(items))
	by := make(map[health.Status]int)
	for _, inst := range items {
		st := m.instanceHealth(inst)
		statuses = append(statuses, st)
		by[st]++
	}
	return SystemHealth{Status: health.Aggregate(statuses), Instances: len(items), ByStatus: by}
}

// GetResourceUsage returns the last usage reported by an instance.
func (m *Manager) GetResourceUsage(id string) (protocol.ResourceUsage, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return protocol.ResourceUsage{}, err
	}
	if u := inst.usage.Load(); u != nil {
		return *u, nil
	}
	return protocol.ResourceUsage{}, nil
}

// AggregateResourceUsage sums the last reports of running instances. CPU
// percentages add up to the load the plugins put on the host.
func (m *Manager) AggregateResourceUsage() protocol.ResourceUsage {
	var total protocol.ResourceUsage
	for _, inst := range m.instances.Items() {
		if inst.State() != Running {
			continue
		}
		u := inst.usage.Load()
		if u == nil {
			continue
		}
		total.MemoryBytes += u.MemoryBytes
		total.CPUPercent += u.CPUPercent
		total.OpenFiles += u.OpenFiles
		total.Threads += u.Threads
	}
	return total
}

// ProtocolStats returns the traffic counters of the instance's current
// session, or zero counters when it has none.
func (m *Manager) ProtocolStats(id string) (protocol.Stats, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return protocol.Stats{}, err
	}
	if s := inst.sess.Load(); s != nil {
		return s.conn.Handler().Stats(), nil
	}
	return protocol.Stats{Version: protocol.ProtocolVersion}, nil
}

// AggregateProtocolStats totals the counters of every session this manager
// ever ran.
func (m *Manager) AggregateProtocolStats() protocol.Stats {
	m.retiredMu.Lock()
	total := m.retired
	m.retiredMu.Unlock()
	total.Version = protocol.ProtocolVersion
	for _, inst := range m.instances.Items() {
		if s := inst.sess.Load(); s != nil {
			total.Add(s.conn.Handler().Stats())
		}
	}
	return total
}

// Counters returns how many starts, crashes and automatic restarts the
// manager has seen.
func (m *Manager) Counters() (starts, crashes, restarts uint64) {
	return m.startTotal.Load(), m.crashTotal.Load(), m.restartTotal.Load()
}

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
	"fmt"
	"path/filepath"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/srediag/plugin-host/pkg/health"
)

// minAuditFreeBytes is the free space the audit volume must keep for the
// host to report ready.
const minAuditFreeBytes = 64 << 20

type check struct {
	name     string
	liveness bool
	fn       healthcheck.Check
}

// HealthReport combines the readiness of the host itself with the
// aggregated health of its instances.
type HealthReport struct {
	Status    health.Status         `json:"status"`
	Ready     bool                  `json:"ready"`
	Instances int                   `json:"instances"`
	ByStatus  map[health.Status]int `json:"by_status,omitempty"`
	Plugins   int                   `json:"plugins"`
	Sessions  int                   `json:"sessions"`
	Workers   int                   `json:"workers"`
	// Problems lists the failing checks as "name: reason".
	Problems  []string              `json:"problems,omitempty"`
	CheckedAt time.Time             `json:"checked_at"`
}

func (m *Manager) installChecks() {
	m.checks = []check{
		{name: "manager", liveness: true, fn: m.checkOpen},
		{name: "worker-pool", fn: m.checkPool},
		{name: "instances", fn: m.checkInstances},
		{name: "host-memory", fn: m.checkHostMemory},
	}
	if a := m.Config().Audit; a.Enabled() {
		dir := filepath.Dir(a.Path)
		m.checks = append(m.checks, check{name: "audit-disk", fn: func() error {
			return checkDiskFree(dir, minAuditFreeBytes)
		}})
	}
	for _, c := range m.checks {
		if c.liveness {
			m.health.AddLivenessCheck(c.name, c.fn)
		} else {
			m.health.AddReadinessCheck(c.name, c.fn)
		}
	}
}

func (m *Manager) checkOpen() error {
	if m.closed.Load() {
		return m.errClosed()
	}
	return nil
}

func (m *Manager) checkPool() error {
	if m.pool.IsClosed() {
		return fmt.Errorf("worker pool released")
	}
	return nil
}

func (m *Manager) checkInstances() error {
	if sh := m.lifecycle.SystemHealth(); sh.Status == health.Unhealthy {
		return fmt.Errorf("%d of %d instances unhealthy", sh.ByStatus[health.Unhealthy], sh.Instances)
	}
	return nil
}

func (m *Manager) checkHostMemory() error {
	ceiling := m.Config().HostMemoryCeilingPercent
	if ceiling == 0 {
		return nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("read host memory: %w", err)
	}
	if vm.UsedPercent > ceiling {
		return fmt.Errorf("host memory %.1f%% used, ceiling %.1f%%", vm.UsedPercent, ceiling)
	}
	return nil
}

func checkDiskFree(path string, need uint64) error {
	st, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Free < need {
		return fmt.Errorf("%s has %d bytes free, need %d", path, st.Free, need)
	}
	return nil
}

// HealthCheck runs every host check and folds in system health. The
// status is Unhealthy while any check fails.
func (m *Manager) HealthCheck() HealthReport {
	sh := m.lifecycle.SystemHealth()
	r := HealthReport{
		Status:    sh.Status,
		Instances: sh.Instances,
		ByStatus:  sh.ByStatus,
		Plugins:   m.registry.Len(),
		Sessions:  m.keys.ActiveSessions(),
		Workers:   m.pool.Running(),
		CheckedAt: time.Now(),
	}
	for _, c := range m.checks {
		if err := c.fn(); err != nil {
			r.Problems = append(r.Problems, c.name+": "+err.Error())
		}
	}
	r.Ready = len(r.Problems) == 0
	if !r.Ready {
		r.Status = health.Unhealthy
	}
	return r
}

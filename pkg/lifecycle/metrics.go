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
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports instance counts, health and usage to Prometheus.
type Collector struct {
	m *Manager

	instances *prometheus.Desc
	health    *prometheus.Desc
	starts    *prometheus.Desc
	crashes   *prometheus.Desc
	restarts  *prometheus.Desc
	memory    *prometheus.Desc
	cpu       *prometheus.Desc
}

// NewCollector builds a collector over m.
func NewCollector(m *Manager) *Collector {
	return &Collector{
		m: m,
		instances: prometheus.NewDesc("pluginhost_instances",
			"Instances by lifecycle state.", []string{"state"}, nil),
		health: prometheus.NewDesc("pluginhost_system_health",
			"System health: 0 unknown, 1 healthy, 2 degraded, 3 unhealthy.", nil, nil),
		starts: prometheus.NewDesc("pluginhost_instance_starts_total",
			"Successful instance starts.", nil, nil),
		crashes: prometheus.NewDesc("pluginhost_instance_crashes_total",
			"Instances that crashed.", nil, nil),
		restarts: prometheus.NewDesc("pluginhost_instance_restarts_total",
			"Automatic restarts attempted.", nil, nil),
		memory: prometheus.NewDesc("pluginhost_instance_memory_bytes",
			"Memory reported by running instances.", nil, nil),
		cpu: prometheus.NewDesc("pluginhost_instance_cpu_percent",
			"CPU reported by running instances.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.health
	ch <- c.starts
	ch <- c.crashes
	ch <- c.restarts
	ch <- c.memory
	ch <- c.cpu
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[State]int)
	for _, inst := range c.m.instances.Items() {
		counts[inst.State()]++
	}
	for s := Created; s <= Crashed; s++ {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
	sys := c.m.SystemHealth().Status
	ch <- prometheus.MustNewConstMetric(c.health, prometheus.GaugeValue, float64(sys))

	starts, crashes, restarts := c.m.Counters()
	ch <- prometheus.MustNewConstMetric(c.starts, prometheus.CounterValue, float64(starts))
	ch <- prometheus.MustNewConstMetric(c.crashes, prometheus.CounterValue, float64(crashes))
	ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(restarts))

	u := c.m.AggregateResourceUsage()
	ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(u.MemoryBytes))
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, u.CPUPercent)
}

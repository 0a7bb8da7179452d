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

package protocol

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type counters struct {
	sent           atomic.Uint64
	received       atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	compressed     atomic.Uint64
	rawCompressed  atomic.Uint64
	wireCompressed atomic.Uint64
	errors         atomic.Uint64
}

// Stats is a snapshot of a handler's traffic.
type Stats struct {
	Version            uint8
	MessagesSent       uint64
	MessagesReceived   uint64
	BytesSent          uint64
	BytesReceived      uint64
	CompressedMessages uint64
	// CompressionRatio is wire bytes over raw bytes for compressed
	// payloads; zero when nothing was compressed.
	CompressionRatio   float64
	CompressionEnabled bool
	EncryptionEnabled  bool
	Errors             uint64

	rawCompressed  uint64
	wireCompressed uint64
}

// Stats returns the current counters.
func (h *Handler) Stats() Stats {
	s := Stats{
		Version:            ProtocolVersion,
		MessagesSent:       h.stats.sent.Load(),
		MessagesReceived:   h.stats.received.Load(),
		BytesSent:          h.stats.bytesSent.Load(),
		BytesReceived:      h.stats.bytesReceived.Load(),
		CompressedMessages: h.stats.compressed.Load(),
		Errors:             h.stats.errors.Load(),
		rawCompressed:      h.stats.rawCompressed.Load(),
		wireCompressed:     h.stats.wireCompressed.Load(),
	}
	if c := h.caps.Load(); c != nil {
		s.CompressionEnabled = c.CompressionEnabled
		s.EncryptionEnabled = c.EncryptionEnabled
	}
	s.CompressionRatio = ratio(s.wireCompressed, s.rawCompressed)
	return s
}

// ResetStats zeroes every counter.
func (h *Handler) ResetStats() {
	h.stats.sent.Store(0)
	h.stats.received.Store(0)
	h.stats.bytesSent.Store(0)
	h.stats.bytesReceived.Store(0)
	h.stats.compressed.Store(0)
	h.stats.rawCompressed.Store(0)
	h.stats.wireCompressed.Store(0)
	h.stats.errors.Store(0)
}

// Add accumulates o into s. Used to total the stats of many sessions.
func (s *Stats) Add(o Stats) {
	s.Version = ProtocolVersion
	s.MessagesSent += o.MessagesSent
	s.MessagesReceived += o.MessagesReceived
	s.BytesSent += o.BytesSent
	s.BytesReceived += o.BytesReceived
	s.CompressedMessages += o.CompressedMessages
	s.Errors += o.Errors
	s.rawCompressed += o.rawCompressed
	s.wireCompressed += o.wireCompressed
	s.CompressionEnabled = s.CompressionEnabled || o.CompressionEnabled
	s.EncryptionEnabled = s.EncryptionEnabled || o.EncryptionEnabled
	s.CompressionRatio = ratio(s.wireCompressed, s.rawCompressed)
}

func ratio(wire, raw uint64) float64 {
	if raw == 0 {
		return 0
	}
	return float64(wire) / float64(raw)
}

// Collector exports protocol stats to Prometheus. source is called on every
// scrape.
type Collector struct {
	source func() Stats

	messages    *prometheus.Desc
	bytes       *prometheus.Desc
	compressed  *prometheus.Desc
	ratio       *prometheus.Desc
	frameErrors *prometheus.Desc
}

// NewCollector builds a collector reading from source.
func NewCollector(source func() Stats) *Collector {
	return &Collector{
		source: source,
		messages: prometheus.NewDesc("pluginhost_protocol_messages_total",
			"Protocol messages framed or unframed.", []string{"direction"}, nil),
		bytes: prometheus.NewDesc("pluginhost_protocol_bytes_total",
			"Protocol bytes on the wire, prefix included.", []string{"direction"}, nil),
		compressed: prometheus.NewDesc("pluginhost_protocol_compressed_messages_total",
			"Outgoing messages sent compressed.", nil, nil),
		ratio: prometheus.NewDesc("pluginhost_protocol_compression_ratio",
			"Compressed over raw size of compressed payloads.", nil, nil),
		frameErrors: prometheus.NewDesc("pluginhost_protocol_errors_total",
			"Frames that failed to encode or decode.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.bytes
	ch <- c.compressed
	ch <- c.ratio
	ch <- c.frameErrors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(s.MessagesSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(s.MessagesReceived), "received")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesReceived), "received")
	ch <- prometheus.MustNewConstMetric(c.compressed, prometheus.CounterValue, float64(s.CompressedMessages))
	ch <- prometheus.MustNewConstMetric(c.ratio, prometheus.GaugeValue, s.CompressionRatio)
	ch <- prometheus.MustNewConstMetric(c.frameErrors, prometheus.CounterValue, float64(s.Errors))
}

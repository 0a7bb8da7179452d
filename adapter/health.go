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

// Package adapter exposes a plugin host to the outside world: HTTP health
// and metrics endpoints, an event feed, config file hot reload and
// OpenTelemetry export.
package adapter

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-host/internal/logging"
	"github.com/srediag/plugin-host/pkg/events"
	"github.com/srediag/plugin-host/plugin"
)

var log = logging.Named("adapter")

// Host is what the adapters need from a plugin host.
type Host interface {
	HealthHandler() http.Handler
	HealthCheck() plugin.HealthReport
	Gatherer() prometheus.Gatherer
	Subscribe(size int) *events.Subscription
}

// HealthHandler serves the liveness and readiness probes on /live and
// /ready, and the full report as JSON on /health. /health answers 503 while
// the host is not ready.
func HealthHandler(h Host) http.Handler {
	mux := http.NewServeMux()
	probes := h.HealthHandler()
	mux.Handle("/live", probes)
	mux.Handle("/ready", probes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := h.HealthCheck()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !report.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		if err := enc.Encode(report); err != nil {
			log.Debugf("write health report: %v", err)
		}
	})
	return mux
}

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
	"net/http"
	"slices"

	iaudit "github.com/srediag/plugin-host/internal/audit"
)

// EventStream serves host events as JSON lines, one record per event, until
// the client disconnects. Repeated ?type= parameters restrict the feed to
// those event types. bufferSize is the per-client backlog.
func EventStream(h Host, bufferSize int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		types := r.URL.Query()["type"]
		sub := h.Subscribe(bufferSize)
		defer sub.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		if flusher != nil {
			flusher.Flush()
		}

		var seq uint64
		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				if len(types) > 0 && !slices.Contains(types, e.Type.String()) {
					continue
				}
				seq++
				if err := iaudit.Encode(w, iaudit.Record{Seq: seq, Event: e}); err != nil {
					log.Debugf("event stream to %s closed: %v", r.RemoteAddr, err)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	})
}

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

// Package health tracks the last reported health of each instance so that
// only transitions are announced.
package health

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-host/pkg/health"
)

// Tracker remembers the last status observed per instance.
type Tracker struct {
	last cmap.ConcurrentMap[string, health.Status]
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: cmap.New[health.Status]()}
}

// Observe records status for id and reports the previous value and whether
// it changed. The first observation of an id counts as a change from
// Unknown unless status is Unknown too.
func (t *Tracker) Observe(id string, status health.Status) (health.Status, bool) {
	var prev health.Status
	t.last.Upsert(id, status, func(exist bool, old, next health.Status) health.Status {
		if exist {
			prev = old
		}
		return next
	})
	return prev, prev != status
}

// Forget drops the state of id.
func (t *Tracker) Forget(id string) {
	t.last.Remove(id)
}

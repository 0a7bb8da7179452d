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

// Package audit formats audit trail records.
package audit

import (
	"encoding/json"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-host/pkg/events"
)

// Record is one line of the audit trail.
type Record struct {
	Seq  uint64 `json:"seq"`
	Host string `json:"host,omitempty"`
	PID  int    `json:"pid"`
	events.Event
}

// Encode writes r as one JSON line with a single Write, so a rotating
// writer never splits a record.
func Encode(w io.Writer, r Record) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(r); err != nil {
		return err
	}
	_, err := w.Write(buf.B)
	return err
}

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

// Package health derives instance health from heartbeats and folds instance
// health into a system verdict.
package health

import (
	"fmt"
	"strings"
	"time"
)

// Status is a health verdict.
type Status uint8

const (
	Unknown Status = iota
	Healthy
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "unknown", "":
		*s = Unknown
	case "healthy":
		*s = Healthy
	case "degraded":
		*s = Degraded
	case "unhealthy":
		*s = Unhealthy
	default:
		return fmt.Errorf("unknown health status %q", string(b))
	}
	return nil
}

// Failing reports whether s counts against the system verdict.
func (s Status) Failing() bool { return s == Unhealthy }

// Evaluate classifies an instance from the time of its last heartbeat.
// A zero last means no heartbeat was ever received. An explicit error, such
// as a crash, is always Unhealthy.
func Evaluate(last, now time.Time, interval time.Duration, missLimit int, explicit error) Status {
	if explicit != nil {
		return Unhealthy
	}
	if last.IsZero() {
		return Unknown
	}
	if missLimit < 1 {
		missLimit = 1
	}
	age := now.Sub(last)
	switch {
	case age <= interval:
		return Healthy
	case age < time.Duration(missLimit)*interval:
		return Degraded
	}
	return Unhealthy
}

// Aggregate folds instance statuses into a system status: Healthy when
// nothing is failing or degraded, Unhealthy when failing instances are a
// strict majority, Degraded otherwise. An empty system is Healthy.
func Aggregate(statuses []Status) Status {
	failing, degraded := 0, 0
	for _, s := range statuses {
		switch s {
		case Unhealthy:
			failing++
		case Degraded:
			degraded++
		}
	}
	switch {
	case failing*2 > len(statuses):
		return Unhealthy
	case failing > 0 || degraded > 0:
		return Degraded
	}
	return Healthy
}

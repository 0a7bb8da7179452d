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

// Package lifecycle holds the instance state machine shared by the lifecycle
// manager and its tests.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/srediag/plugin-host/pkg/errdefs"
)

// State is the lifecycle state of one instance.
type State uint32

const (
	Created State = iota
	Starting
	Running
	Stopping
	Stopped
	Crashed
)

var stateNames = [...]string{"Created", "Starting", "Running", "Stopping", "Stopped", "Crashed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if strings.EqualFold(n, string(b)) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Live reports whether an instance in s owns a channel.
func (s State) Live() bool {
	return s == Starting || s == Running || s == Stopping
}

// transitions lists the allowed targets per state. Crashed is only entered
// from a live state; a crashed or stopped instance can be started again.
var transitions = map[State][]State{
	Created:  {Starting, Stopped},
	Starting: {Running, Crashed},
	Running:  {Stopping, Crashed},
	Stopping: {Stopped},
	Stopped:  {Starting},
	Crashed:  {Starting, Stopped},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns an InvalidStateTransition error when from -> to is not
// allowed.
func Transition(id string, from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return errdefs.Newf(errdefs.CodeInvalidStateTransition, "instance %s: %s -> %s", id, from, to)
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-host/pkg/errdefs"
)

func TestTransitions(t *testing.T) {
	allowed := [][2]State{
		{Created, Starting},
		{Starting, Running},
		{Starting, Crashed},
		{Running, Stopping},
		{Running, Crashed},
		{Stopping, Stopped},
		{Stopped, Starting},
		{Crashed, Starting},
		{Crashed, Stopped},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]State{
		{Created, Running},
		{Created, Crashed},
		{Stopped, Crashed},
		{Stopping, Crashed},
		{Stopped, Running},
		{Running, Starting},
		{Crashed, Running},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
		err := Transition("i", tr[0], tr[1])
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrInvalidStateTransition))
	}
}

func TestStateText(t *testing.T) {
	for s := Created; s <= Crashed; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("zombie")))
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, Running.Live())
	assert.False(t, Crashed.Live())
}

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

package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	interval := 10 * time.Second

	assert.Equal(t, Unknown, Evaluate(time.Time{}, now, interval, 3, nil))
	assert.Equal(t, Healthy, Evaluate(now.Add(-5*time.Second), now, interval, 3, nil))
	assert.Equal(t, Healthy, Evaluate(now.Add(-interval), now, interval, 3, nil))
	assert.Equal(t, Degraded, Evaluate(now.Add(-15*time.Second), now, interval, 3, nil))
	assert.Equal(t, Unhealthy, Evaluate(now.Add(-30*time.Second), now, interval, 3, nil))
	assert.Equal(t, Unhealthy, Evaluate(now, now, interval, 3, errors.New("crashed")))
	assert.Equal(t, Unhealthy, Evaluate(time.Time{}, now, interval, 3, errors.New("crashed")))
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, Healthy, Aggregate(nil))
	assert.Equal(t, Healthy, Aggregate([]Status{Healthy, Unknown, Healthy}))
	assert.Equal(t, Degraded, Aggregate([]Status{Healthy, Degraded}))
	assert.Equal(t, Degraded, Aggregate([]Status{Healthy, Unhealthy, Healthy}))
	assert.Equal(t, Degraded, Aggregate([]Status{Healthy, Unhealthy}), "half is not a majority")
	assert.Equal(t, Unhealthy, Aggregate([]Status{Unhealthy, Unhealthy, Healthy}))
	assert.Equal(t, Unhealthy, Aggregate([]Status{Unhealthy}))
}

func TestStatusText(t *testing.T) {
	b, err := Degraded.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "degraded", string(b))
	assert.True(t, Unhealthy.Failing())
	assert.False(t, Degraded.Failing())
}

func TestStatusUnmarshalText(t *testing.T) {
	var s Status
	assert.NoError(t, s.UnmarshalText([]byte("Unhealthy")))
	assert.Equal(t, Unhealthy, s)
	assert.Error(t, s.UnmarshalText([]byte("sick")))
}

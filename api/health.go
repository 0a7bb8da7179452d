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

package api

import (
	"github.com/srediag/plugin-host/pkg/health"
	"github.com/srediag/plugin-host/pkg/lifecycle"
	"github.com/srediag/plugin-host/pkg/protocol"
)

// Health answers operational dashboards.
type Health interface {
	GetInstanceHealth(id string) (health.Status, error)
	SystemHealth() lifecycle.SystemHealth
	GetResourceUsage(id string) (protocol.ResourceUsage, error)
	AggregateResourceUsage() protocol.ResourceUsage
}

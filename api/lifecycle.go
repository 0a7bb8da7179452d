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
	"context"

	"github.com/srediag/plugin-host/pkg/lifecycle"
)

// Lifecycle creates and drives plugin instances.
type Lifecycle interface {
	CreateInstance(pluginID string, overrides map[string]string) (string, error)
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	RemoveInstance(ctx context.Context, id string) error
	GetInstance(id string) (lifecycle.InstanceInfo, error)
	ListInstances() []lifecycle.InstanceInfo

	// ReloadPlugin swaps the running instances of a plugin for fresh
	// ones and returns the old to new id mapping.
	ReloadPlugin(ctx context.Context, pluginID string) (map[string]string, error)
}

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

// Package api defines the contracts the plugin host exposes to the layers
// built on top of it: CLIs, dashboards and admin endpoints.
package api

import (
	"context"

	"github.com/srediag/plugin-host/pkg/registry"
)

// Plugins manages the registered plugin manifests.
type Plugins interface {
	RegisterPlugin(manifest registry.Manifest) (string, error)
	LoadPlugin(path string) (string, error)
	UnregisterPlugin(id string) error
	ListPlugins() []registry.Manifest
	GetPlugin(id string) (registry.Manifest, error)
}

// Host is the full surface of a running plugin host.
type Host interface {
	Plugins
	Lifecycle
	Health
	Events
	Security
	Transport

	Close(ctx context.Context) error
}

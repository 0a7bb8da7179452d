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

// Package transport starts plugins and hands back the byte channel the
// protocol runs over.
package transport

import (
	"context"
	"encoding/base64"
	"io"
	"maps"

	"github.com/google/uuid"

	"github.com/srediag/plugin-host/pkg/registry"
	"github.com/srediag/plugin-host/pkg/security"
)

// Environment variables passed to every plugin.
const (
	EnvInstanceID = "PLUGIN_INSTANCE_ID"
	EnvSessionID  = "PLUGIN_SESSION_ID"
	// EnvSessionKey is the base64 session key; absent when encryption is off.
	EnvSessionKey = "PLUGIN_SESSION_KEY"
)

// Channel is the exclusive link to one running plugin. Terminate forcibly
// ends the plugin and is safe to call more than once.
type Channel interface {
	io.ReadWriteCloser
	Terminate() error
	// Done is closed once the plugin has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	// Pid is the OS process id, or 0 for in-process plugins.
	Pid() int
}

// LaunchSpec is everything needed to start one instance.
type LaunchSpec struct {
	InstanceID string
	SessionID  uuid.UUID
	SessionKey []byte
	Manifest   registry.Manifest
	// Limits are the effective limits for sandboxed kinds.
	Limits security.ResourceLimits
	// Env overrides the manifest environment.
	Env map[string]string
}

// Environment returns the plugin environment: manifest values, overrides,
// then the session variables.
func (s LaunchSpec) Environment() map[string]string {
	env := maps.Clone(s.Manifest.Env)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, s.Env)
	env[EnvInstanceID] = s.InstanceID
	env[EnvSessionID] = s.SessionID.String()
	if len(s.SessionKey) > 0 {
		env[EnvSessionKey] = base64.StdEncoding.EncodeToString(s.SessionKey)
	}
	return env
}

// Launcher starts plugins.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Channel, error)
}

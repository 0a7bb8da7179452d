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

// Package security owns session keys and the sandbox policy that manifests
// are admitted against.
package security

import (
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	isec "github.com/srediag/plugin-host/internal/security"
	"github.com/srediag/plugin-host/pkg/errdefs"
)

const sessionKeyInfo = "plugin-host session key v1"

// Manager issues per-session encryption keys. Keys are derived from a master
// secret that never leaves the process. Manager implements
// protocol.KeyProvider.
type Manager struct {
	master   []byte
	sessions cmap.ConcurrentMap[string, []byte]
}

// NewManager creates a manager with a fresh random master secret.
func NewManager() (*Manager, error) {
	master, err := isec.RandomBytes(isec.KeySize)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeUnknown, "generate master secret", err)
	}
	return &Manager{master: master, sessions: cmap.New[[]byte]()}, nil
}

// OpenSession derives and records the key of session. Opening an already
// open session returns the same key.
func (m *Manager) OpenSession(session uuid.UUID) ([]byte, error) {
	if key, ok := m.sessions.Get(session.String()); ok {
		return key, nil
	}
	key, err := isec.DeriveKey(m.master, session[:], sessionKeyInfo)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeUnknown, "derive session key", err)
	}
	m.sessions.Set(session.String(), key)
	return key, nil
}

// SessionKey returns the key of an open session.
func (m *Manager) SessionKey(session uuid.UUID) ([]byte, bool) {
	return m.sessions.Get(session.String())
}

// CloseSession forgets the key of session.
func (m *Manager) CloseSession(session uuid.UUID) {
	m.sessions.Remove(session.String())
}

// ActiveSessions returns the number of open sessions.
func (m *Manager) ActiveSessions() int {
	return m.sessions.Count()
}

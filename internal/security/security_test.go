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

package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)

	for _, alg := range []string{AlgAES256GCM, AlgChaCha20Poly1305} {
		t.Run(alg, func(t *testing.T) {
			aead, err := NewAEAD(alg, key)
			require.NoError(t, err)

			sealed, err := Seal(aead, []byte("hello plugin"), []byte("session"))
			require.NoError(t, err)
			assert.NotContains(t, string(sealed), "hello plugin")

			plain, err := Open(aead, sealed, []byte("session"))
			require.NoError(t, err)
			assert.Equal(t, "hello plugin", string(plain))

			_, err = Open(aead, sealed, []byte("other"))
			assert.Error(t, err)
		})
	}
}

func TestNewAEADRejectsBadInput(t *testing.T) {
	_, err := NewAEAD(AlgAES256GCM, []byte("short"))
	assert.Error(t, err)

	_, err = NewAEAD("rot13", make([]byte, KeySize))
	assert.Error(t, err)
}

func TestDeriveKeyIsDeterministicPerSalt(t *testing.T) {
	secret := []byte("master secret")
	a1, err := DeriveKey(secret, []byte("a"), "session")
	require.NoError(t, err)
	a2, err := DeriveKey(secret, []byte("a"), "session")
	require.NoError(t, err)
	b, err := DeriveKey(secret, []byte("b"), "session")
	require.NoError(t, err)

	assert.Len(t, a1, KeySize)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}

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

// Package security contains the cryptographic primitives behind session
// encryption: AEAD construction, sealing with a random nonce, and key
// derivation.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the key length of every supported AEAD.
const KeySize = 32

// AEAD algorithm names, matching the negotiated encryption names.
const (
	AlgAES256GCM        = "aes256gcm"
	AlgChaCha20Poly1305 = "chacha20poly1305"
)

var errShortCiphertext = errors.New("ciphertext shorter than nonce")

// NewAEAD builds the AEAD named alg over key.
func NewAEAD(alg string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	switch alg {
	case AlgAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("unsupported encryption algorithm %q", alg)
}

// Supported reports whether alg names a known AEAD.
func Supported(alg string) bool {
	return alg == AlgAES256GCM || alg == AlgChaCha20Poly1305
}

// Seal encrypts plaintext with a fresh random nonce, returned as a prefix of
// the ciphertext. aad is authenticated but not encrypted.
func Seal(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func Open(aead cipher.AEAD, data, aad []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(data) < ns {
		return nil, errShortCiphertext
	}
	return aead.Open(nil, data[:ns], data[ns:], aad)
}

// DeriveKey expands secret into a KeySize key bound to salt and info.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

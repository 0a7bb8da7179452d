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

package protocol

import (
	"slices"

	"github.com/srediag/plugin-host/internal/security"
)

// Optional protocol features.
const (
	FeatureHeartbeat    = "heartbeat"
	FeatureBatching     = "batching"
	FeatureStreaming    = "streaming"
	FeatureCancellation = "cancellation"
)

// Encryption algorithm names.
const (
	EncryptionAES256GCM        = security.AlgAES256GCM
	EncryptionChaCha20Poly1305 = security.AlgChaCha20Poly1305
)

// AllFeatures lists every optional feature this implementation understands.
func AllFeatures() []string {
	return []string{FeatureHeartbeat, FeatureBatching, FeatureStreaming, FeatureCancellation}
}

// ClientCapabilities is what a plugin declares in its Hello. Algorithm lists
// are in preference order.
type ClientCapabilities struct {
	Version        uint8
	Compression    []string
	Encryption     []string
	Features       []string
	MaxMessageSize uint32
}

// ProtocolCapabilities is the negotiated outcome for one session.
type ProtocolCapabilities struct {
	Version              uint8
	CompressionEnabled   bool
	CompressionAlgorithm string
	EncryptionEnabled    bool
	EncryptionAlgorithm  string
	MaxMessageSize       uint32
	Features             []string
}

// HasFeature reports whether feature was negotiated.
func (c ProtocolCapabilities) HasFeature(feature string) bool {
	return slices.Contains(c.Features, feature)
}

// firstCommon returns the first entry of preferred that offered also contains.
func firstCommon(preferred, offered []string, usable func(string) bool) string {
	for _, p := range preferred {
		if slices.Contains(offered, p) && usable(p) {
			return p
		}
	}
	return ""
}

// intersect keeps the entries of a that b also has, in a's order, deduplicated.
func intersect(a, b []string) []string {
	var out []string
	for _, v := range a {
		if slices.Contains(b, v) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func minNonZero(a, b uint32) uint32 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	}
	return b
}

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
	"bytes"
	"errors"
	"hash/crc32"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-host/pkg/errdefs"
)

type HandlerTestSuite struct {
	suite.Suite
	session uuid.UUID
	key     []byte
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) SetupTest() {
	s.session = uuid.New()
	s.key = bytes.Repeat([]byte{7}, 32)
}

func (s *HandlerTestSuite) pair(opts ...Option) (*Handler, *Handler) {
	return NewHandler(DefaultConfig(), opts...), NewHandler(DefaultConfig(), opts...)
}

func (s *HandlerTestSuite) negotiated(compression, encryption []string) (*Handler, *Handler) {
	keys := WithKeyProvider(StaticKey{Session: s.session, Key: s.key})
	host, guest := s.pair(keys)
	hello := guest.LocalCapabilities()
	hello.Compression = compression
	hello.Encryption = encryption
	caps, err := host.NegotiateCapabilities(hello)
	s.Require().NoError(err)
	s.Require().NoError(host.ApplyCapabilities(caps))
	s.Require().NoError(guest.ApplyCapabilities(caps))
	return host, guest
}

func samplePayloads() []Payload {
	return []Payload{
		&Request{ID: 1, Operation: "echo", Parameters: []byte(`{"x":1}`)},
		&Request{ID: 2, Operation: "noop"},
		&Response{RequestID: 1, Result: []byte("ok")},
		&Heartbeat{Status: HeartbeatDegraded, Usage: ResourceUsage{MemoryBytes: 1 << 20, CPUPercent: 12.5, OpenFiles: 9, Threads: 4}},
		&ErrorReport{RequestID: 3, Code: "BAD", Detail: "bad input"},
		&Control{Action: ControlHello, Client: &ClientCapabilities{Version: 1, Compression: []string{"zstd"}, Features: []string{FeatureHeartbeat}, MaxMessageSize: 4096}},
		&Control{Action: ControlHelloAck, Negotiated: &ProtocolCapabilities{Version: 1, CompressionEnabled: true, CompressionAlgorithm: "s2", MaxMessageSize: 4096}},
		&Control{Action: ControlShutdown, Reason: "stop"},
	}
}

func (s *HandlerTestSuite) TestRoundTripPlain() {
	host, guest := s.pair()
	for _, p := range samplePayloads() {
		m := NewMessage(s.session, p)
		frame, err := host.FrameMessage(m)
		s.Require().NoError(err)
		s.Equal(PrefixSize+int(m.Header.Length), len(frame))

		got, err := guest.UnframeMessage(frame)
		s.Require().NoError(err, p.Type().String())
		s.Equal(m.Header, got.Header)
		s.Equal(p, got.Payload)
	}
}

func (s *HandlerTestSuite) TestRoundTripCompressedAndEncrypted() {
	large := bytes.Repeat([]byte("metrics sample "), 2000)
	for _, alg := range SupportedCompression() {
		for _, enc := range []string{EncryptionAES256GCM, EncryptionChaCha20Poly1305} {
			host, guest := s.negotiated([]string{alg}, []string{enc})
			caps, ok := host.Capabilities()
			s.Require().True(ok)
			s.Equal(alg, caps.CompressionAlgorithm)
			s.Equal(enc, caps.EncryptionAlgorithm)

			m := NewMessage(s.session, &Request{ID: 9, Operation: "ingest", Parameters: large})
			frame, err := host.FrameMessage(m)
			s.Require().NoError(err)
			s.True(m.Header.Flags.Has(FlagCompressed), alg)
			s.True(m.Header.Flags.Has(FlagEncrypted), enc)
			s.Less(len(frame), len(large))
			s.False(bytes.Contains(frame, []byte("metrics sample")))

			got, err := guest.UnframeMessage(frame)
			s.Require().NoError(err)
			s.Equal(m.Payload, got.Payload)
			s.Equal(m.Header, got.Header)
		}
	}
}

func (s *HandlerTestSuite) TestSmallPayloadIsNotCompressed() {
	host, _ := s.negotiated([]string{CompressionZstd}, nil)
	m := NewMessage(s.session, &Request{ID: 1, Operation: "tiny"})
	_, err := host.FrameMessage(m)
	s.Require().NoError(err)
	s.False(m.Header.Flags.Has(FlagCompressed))
	s.Zero(host.Stats().CompressedMessages)
}

func (s *HandlerTestSuite) TestFlippedByteIsChecksumMismatch() {
	host, guest := s.pair()
	m := NewMessage(s.session, &Request{ID: 1, Operation: "echo", Parameters: []byte("abcdefgh")})
	frame, err := host.FrameMessage(m)
	s.Require().NoError(err)

	for i := offChecksum; i < len(frame); i++ {
		corrupt := bytes.Clone(frame)
		corrupt[i] ^= 0x5a
		_, err := guest.UnframeMessage(corrupt)
		s.Require().Error(err)
		s.True(errors.Is(err, errdefs.ErrChecksumMismatch), "offset %d: %v", i, err)
	}
}

func (s *HandlerTestSuite) TestWrongVersionRejected() {
	host, guest := s.pair()
	frame, err := host.FrameMessage(NewMessage(s.session, &Heartbeat{}))
	s.Require().NoError(err)
	frame[offVersion] = 2
	_, err = guest.UnframeMessage(frame)
	s.ErrorIs(err, errdefs.ErrVersionMismatch)
}

func (s *HandlerTestSuite) TestHeaderChecks() {
	host, guest := s.pair()
	frame, err := host.FrameMessage(NewMessage(s.session, &Heartbeat{}))
	s.Require().NoError(err)

	_, err = guest.UnframeMessage(frame[:PrefixSize-1])
	s.ErrorIs(err, errdefs.ErrInvalidHeader)

	bad := bytes.Clone(frame)
	bad[offType] = 42
	_, err = guest.UnframeMessage(bad)
	s.ErrorIs(err, errdefs.ErrInvalidHeader)

	bad = bytes.Clone(frame)
	bad[offFlags] = 0x80
	_, err = guest.UnframeMessage(bad)
	s.ErrorIs(err, errdefs.ErrInvalidHeader)

	_, err = guest.UnframeMessage(append(bytes.Clone(frame), 0))
	s.ErrorIs(err, errdefs.ErrInvalidHeader)
}

func (s *HandlerTestSuite) TestMessageTooLarge() {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = MinMaxFrameSize
	h := NewHandler(cfg)

	fits := NewMessage(s.session, &Request{ID: 1, Operation: "blob", Parameters: make([]byte, 1<<20)})
	_, err := h.FrameMessage(fits)
	s.NoError(err)

	tooBig := NewMessage(s.session, &Request{ID: 2, Operation: "blob", Parameters: make([]byte, MinMaxFrameSize)})
	_, err = h.FrameMessage(tooBig)
	s.ErrorIs(err, errdefs.ErrMessageTooLarge)

	big := NewHandler(DefaultConfig())
	frame, err := big.FrameMessage(NewMessage(s.session, &Request{ID: 3, Operation: "blob", Parameters: make([]byte, 2<<20)}))
	s.Require().NoError(err)
	_, err = h.UnframeMessage(frame)
	s.ErrorIs(err, errdefs.ErrMessageTooLarge)
}

func (s *HandlerTestSuite) TestMessageTooLargeWithCompression() {
	small := DefaultConfig()
	small.MaxFrameSize = MinMaxFrameSize
	keys := WithKeyProvider(StaticKey{Session: s.session, Key: s.key})
	negotiate := func(host, guest *Handler) {
		hello := guest.LocalCapabilities()
		hello.Compression = []string{CompressionZstd}
		caps, err := host.NegotiateCapabilities(hello)
		s.Require().NoError(err)
		s.Require().NoError(host.ApplyCapabilities(caps))
		s.Require().NoError(guest.ApplyCapabilities(caps))
	}

	host, guest := NewHandler(small, keys), NewHandler(small, keys)
	negotiate(host, guest)
	zeros := NewMessage(s.session, &Request{ID: 1, Operation: "blob", Parameters: make([]byte, 4<<20)})
	_, err := host.FrameMessage(zeros)
	s.ErrorIs(err, errdefs.ErrMessageTooLarge)

	fits := NewMessage(s.session, &Request{ID: 2, Operation: "blob", Parameters: make([]byte, 1<<20)})
	frame, err := host.FrameMessage(fits)
	s.Require().NoError(err)
	s.True(fits.Header.Flags.Has(FlagCompressed))
	got, err := guest.UnframeMessage(frame)
	s.Require().NoError(err)
	s.Equal(fits.Payload, got.Payload)

	big := NewHandler(DefaultConfig(), keys)
	negotiate(big, guest)
	frame, err = big.FrameMessage(NewMessage(s.session, &Request{ID: 3, Operation: "blob", Parameters: make([]byte, 4<<20)}))
	s.Require().NoError(err)
	s.Less(len(frame), MinMaxFrameSize)
	_, err = guest.UnframeMessage(frame)
	s.ErrorIs(err, errdefs.ErrMessageTooLarge)
}

func (s *HandlerTestSuite) TestEmptySlicesRoundTripAsNil() {
	host, guest := s.pair()
	payloads := []Payload{
		&Request{ID: 1, Operation: "noop", Parameters: []byte{}},
		&Response{RequestID: 1, Result: []byte{}},
		&Control{Action: ControlHello, Client: &ClientCapabilities{Version: 1, Compression: []string{}, Features: []string{}}},
		&Control{Action: ControlHelloAck, Negotiated: &ProtocolCapabilities{Version: 1, Features: []string{}}},
	}
	for _, p := range payloads {
		m := NewMessage(s.session, p)
		frame, err := host.FrameMessage(m)
		s.Require().NoError(err)
		got, err := guest.UnframeMessage(frame)
		s.Require().NoError(err)
		s.True(reflect.DeepEqual(m.Payload, got.Payload), p.Type().String())
	}
}

func (s *HandlerTestSuite) TestFrameValidation() {
	h := NewHandler(DefaultConfig())

	m := NewMessage(s.session, &Request{ID: 1, Operation: "x"})
	m.Header.Type = MessageTypeResponse
	_, err := h.FrameMessage(m)
	s.ErrorIs(err, errdefs.ErrProtocolViolation)

	_, err = h.FrameMessage(NewMessage(s.session, &Request{ID: 1}))
	s.ErrorIs(err, errdefs.ErrProtocolViolation)

	future := NewMessage(s.session, &Heartbeat{})
	future.Header.Timestamp = time.Now().Add(time.Minute).UnixNano()
	_, err = h.FrameMessage(future)
	s.ErrorIs(err, errdefs.ErrProtocolViolation)

	_, err = h.FrameMessage(&Message{})
	s.ErrorIs(err, errdefs.ErrProtocolViolation)
}

func (s *HandlerTestSuite) TestClockOption() {
	base := time.Unix(1_700_000_000, 0)
	h := NewHandler(DefaultConfig(), WithClock(func() time.Time { return base }))
	m := NewMessage(s.session, &Heartbeat{})
	m.Header.Timestamp = base.Add(4 * time.Second).UnixNano()
	_, err := h.FrameMessage(m)
	s.NoError(err)
	m.Header.Timestamp = base.Add(6 * time.Second).UnixNano()
	_, err = h.FrameMessage(m)
	s.ErrorIs(err, errdefs.ErrProtocolViolation)
}

func (s *HandlerTestSuite) TestEncryptedFrameNeedsKey() {
	host, _ := s.negotiated(nil, []string{EncryptionAES256GCM})
	frame, err := host.FrameMessage(NewMessage(s.session, &Heartbeat{}))
	s.Require().NoError(err)

	plain := NewHandler(DefaultConfig())
	_, err = plain.UnframeMessage(frame)
	s.ErrorIs(err, errdefs.ErrDecryptionFailed)

	wrong := NewHandler(DefaultConfig(), WithKeyProvider(StaticKey{Session: s.session, Key: bytes.Repeat([]byte{1}, 32)}))
	caps, _ := host.Capabilities()
	s.Require().NoError(wrong.ApplyCapabilities(caps))
	_, err = wrong.UnframeMessage(frame)
	s.ErrorIs(err, errdefs.ErrDecryptionFailed)

	other := NewMessage(uuid.New(), &Heartbeat{})
	_, err = host.FrameMessage(other)
	s.ErrorIs(err, errdefs.ErrSerializationFailed)
	s.Zero(other.Header.Flags)
}

func (s *HandlerTestSuite) TestGarbagePayloadIsDeserializationError() {
	h := NewHandler(DefaultConfig())
	hdr := Header{Version: ProtocolVersion, Type: MessageTypeRequest, SessionID: s.session}
	body := []byte{0x0a, 0xff}
	frame := make([]byte, PrefixSize)
	hdr.Length = uint32(len(body))
	hdr.Checksum = crc32.Checksum(body, castagnoli)
	putPrefix(frame, &hdr)
	frame = append(frame, body...)

	_, err := h.UnframeMessage(frame)
	s.ErrorIs(err, errdefs.ErrDeserializationFailed)
	s.False(errdefs.IsFatalProtocol(err))
}

func (s *HandlerTestSuite) TestNegotiationPicksCommonSubset() {
	cfg := DefaultConfig()
	cfg.Compression = []string{CompressionS2, CompressionGzip}
	cfg.Features = []string{FeatureHeartbeat, FeatureStreaming}
	host := NewHandler(cfg, WithKeyProvider(StaticKey{Session: s.session, Key: s.key}))

	rng := rand.New(rand.NewSource(42))
	pool := append(SupportedCompression(), "lz4", "brotli")
	features := append(AllFeatures(), "telepathy")
	for i := 0; i < 200; i++ {
		client := ClientCapabilities{
			Version:        ProtocolVersion,
			Compression:    pick(rng, pool),
			Encryption:     pick(rng, []string{EncryptionChaCha20Poly1305, EncryptionAES256GCM, "rc4"}),
			Features:       pick(rng, features),
			MaxMessageSize: uint32(rng.Intn(2 * DefaultMaxFrameSize)),
		}
		caps, err := host.NegotiateCapabilities(client)
		s.Require().NoError(err)

		if caps.CompressionEnabled {
			s.Contains(client.Compression, caps.CompressionAlgorithm)
			s.Contains(cfg.Compression, caps.CompressionAlgorithm)
		} else {
			s.Empty(intersect(client.Compression, cfg.Compression))
		}
		if caps.EncryptionEnabled {
			s.Contains(client.Encryption, caps.EncryptionAlgorithm)
			s.NotEqual("rc4", caps.EncryptionAlgorithm)
		}
		for _, f := range caps.Features {
			s.Contains(client.Features, f)
			s.Contains(cfg.Features, f)
		}
		s.LessOrEqual(caps.MaxMessageSize, uint32(cfg.MaxFrameSize))
	}
}

func (s *HandlerTestSuite) TestNegotiationPrefersClientOrder() {
	host := NewHandler(DefaultConfig())
	caps, err := host.NegotiateCapabilities(ClientCapabilities{
		Version:     ProtocolVersion,
		Compression: []string{CompressionGzip, CompressionZstd},
		Encryption:  []string{EncryptionAES256GCM},
	})
	s.Require().NoError(err)
	s.Equal(CompressionGzip, caps.CompressionAlgorithm)
	s.False(caps.EncryptionEnabled, "no key provider, no encryption")
}

func (s *HandlerTestSuite) TestNegotiationVersionMismatch() {
	host := NewHandler(DefaultConfig())
	_, err := host.NegotiateCapabilities(ClientCapabilities{Version: 9})
	s.ErrorIs(err, errdefs.ErrVersionMismatch)
	_, ok := host.Capabilities()
	s.False(ok)
}

func (s *HandlerTestSuite) TestStats() {
	host, guest := s.negotiated([]string{CompressionS2}, nil)
	large := bytes.Repeat([]byte{'a'}, 8192)
	for i := 0; i < 3; i++ {
		frame, err := host.FrameMessage(NewMessage(s.session, &Response{RequestID: uint64(i), Result: large}))
		s.Require().NoError(err)
		_, err = guest.UnframeMessage(frame)
		s.Require().NoError(err)
	}
	_, _ = guest.UnframeMessage([]byte{1})

	hs := host.Stats()
	s.EqualValues(3, hs.MessagesSent)
	s.EqualValues(3, hs.CompressedMessages)
	s.True(hs.CompressionEnabled)
	s.Greater(hs.CompressionRatio, 0.0)
	s.Less(hs.CompressionRatio, 1.0)

	gs := guest.Stats()
	s.EqualValues(3, gs.MessagesReceived)
	s.EqualValues(hs.BytesSent, gs.BytesReceived)
	s.EqualValues(1, gs.Errors)

	var total Stats
	total.Add(hs)
	total.Add(gs)
	s.EqualValues(3, total.MessagesSent)
	s.EqualValues(3, total.MessagesReceived)

	guest.ResetStats()
	s.Zero(guest.Stats().MessagesReceived)
	s.Zero(guest.Stats().Errors)
}

func pick(rng *rand.Rand, from []string) []string {
	var out []string
	for _, v := range from {
		if rng.Intn(2) == 0 {
			out = append(out, v)
		}
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

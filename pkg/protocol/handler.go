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
	"encoding/binary"
	"errors"
	"hash/crc32"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-host/internal/security"
	"github.com/srediag/plugin-host/pkg/errdefs"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// KeyProvider resolves the symmetric key of a session.
type KeyProvider interface {
	SessionKey(session uuid.UUID) ([]byte, bool)
}

// StaticKey is a KeyProvider holding the key of a single session, as a guest
// receives it from its host.
type StaticKey struct {
	Session uuid.UUID
	Key     []byte
}

func (s StaticKey) SessionKey(session uuid.UUID) ([]byte, bool) {
	if session != s.Session || len(s.Key) == 0 {
		return nil, false
	}
	return s.Key, true
}

// Config tunes one Handler.
type Config struct {
	MaxFrameSize         int           `yaml:"max_frame_size" json:"max_frame_size" env:"MAX_FRAME_SIZE"`
	CompressionThreshold int           `yaml:"compression_threshold" json:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	ClockSkewTolerance   time.Duration `yaml:"clock_skew_tolerance" json:"clock_skew_tolerance" env:"CLOCK_SKEW_TOLERANCE"`
	// Compression and Encryption list locally supported algorithms in
	// preference order.
	Compression []string `yaml:"compression" json:"compression" env:"COMPRESSION" envSeparator:","`
	Encryption  []string `yaml:"encryption" json:"encryption" env:"ENCRYPTION" envSeparator:","`
	Features    []string `yaml:"features" json:"features" env:"FEATURES" envSeparator:","`
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:         DefaultMaxFrameSize,
		CompressionThreshold: DefaultCompressionThreshold,
		ClockSkewTolerance:   DefaultClockSkewTolerance,
		Compression:          SupportedCompression(),
		Encryption:           []string{EncryptionAES256GCM, EncryptionChaCha20Poly1305},
		Features:             AllFeatures(),
	}
}

// Option configures a Handler.
type Option func(*Handler)

// WithKeyProvider enables encryption for sessions whose key p knows.
func WithKeyProvider(p KeyProvider) Option {
	return func(h *Handler) { h.keys = p }
}

// WithClock replaces the time source used for timestamp validation.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler frames and unframes messages for one session and holds the
// negotiated capabilities. FrameMessage and UnframeMessage are safe for
// concurrent use.
type Handler struct {
	cfg   Config
	keys  KeyProvider
	now   func() time.Time
	caps  atomic.Pointer[ProtocolCapabilities]
	stats counters
}

// NewHandler builds a handler. Zero config fields take their defaults.
func NewHandler(cfg Config, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if cfg.ClockSkewTolerance <= 0 {
		cfg.ClockSkewTolerance = def.ClockSkewTolerance
	}
	if cfg.Compression == nil {
		cfg.Compression = def.Compression
	}
	if cfg.Encryption == nil {
		cfg.Encryption = def.Encryption
	}
	if cfg.Features == nil {
		cfg.Features = def.Features
	}
	h := &Handler{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Version returns the protocol version this handler speaks.
func (h *Handler) Version() uint8 { return ProtocolVersion }

// MaxFrameSize returns the configured frame ceiling.
func (h *Handler) MaxFrameSize() int { return h.cfg.MaxFrameSize }

// LocalCapabilities describes what this side can do, as sent in a Hello.
// Encryption is only offered when a key provider is configured.
func (h *Handler) LocalCapabilities() ClientCapabilities {
	c := ClientCapabilities{
		Version:        ProtocolVersion,
		Compression:    slices.Clone(h.cfg.Compression),
		Features:       slices.Clone(h.cfg.Features),
		MaxMessageSize: uint32(h.cfg.MaxFrameSize),
	}
	if h.keys != nil {
		c.Encryption = slices.Clone(h.cfg.Encryption)
	}
	return c
}

// NegotiateCapabilities computes the capabilities for a client Hello. Only
// algorithms and features both sides support are selected; the client's
// order wins. The result is not active until ApplyCapabilities is called, so
// the reply can still travel in plain form.
func (h *Handler) NegotiateCapabilities(client ClientCapabilities) (ProtocolCapabilities, error) {
	if client.Version != ProtocolVersion {
		h.stats.errors.Add(1)
		return ProtocolCapabilities{}, errdefs.Newf(errdefs.CodeVersionMismatch,
			"client speaks version %d, host speaks %d", client.Version, ProtocolVersion)
	}
	caps := ProtocolCapabilities{
		Version:        ProtocolVersion,
		MaxMessageSize: minNonZero(client.MaxMessageSize, uint32(h.cfg.MaxFrameSize)),
		Features:       intersect(client.Features, h.cfg.Features),
	}
	caps.CompressionAlgorithm = firstCommon(client.Compression, h.cfg.Compression, func(name string) bool {
		_, ok := CompressorFor(name)
		return ok
	})
	caps.CompressionEnabled = caps.CompressionAlgorithm != ""
	if h.keys != nil {
		caps.EncryptionAlgorithm = firstCommon(client.Encryption, h.cfg.Encryption, security.Supported)
		caps.EncryptionEnabled = caps.EncryptionAlgorithm != ""
	}
	return caps, nil
}

// ApplyCapabilities activates negotiated capabilities for subsequent frames.
func (h *Handler) ApplyCapabilities(caps ProtocolCapabilities) error {
	if caps.Version != ProtocolVersion {
		return errdefs.Newf(errdefs.CodeVersionMismatch, "negotiated version %d, local %d", caps.Version, ProtocolVersion)
	}
	if caps.CompressionEnabled {
		if _, ok := CompressorFor(caps.CompressionAlgorithm); !ok {
			return errdefs.Newf(errdefs.CodeProtocolViolation, "unknown compression %q", caps.CompressionAlgorithm)
		}
	}
	if caps.EncryptionEnabled && (h.keys == nil || !security.Supported(caps.EncryptionAlgorithm)) {
		return errdefs.Newf(errdefs.CodeProtocolViolation, "cannot perform encryption %q", caps.EncryptionAlgorithm)
	}
	c := caps
	c.Features = slices.Clone(caps.Features)
	h.caps.Store(&c)
	return nil
}

// Capabilities returns the active capabilities, if negotiation finished.
func (h *Handler) Capabilities() (ProtocolCapabilities, bool) {
	c := h.caps.Load()
	if c == nil {
		return ProtocolCapabilities{}, false
	}
	return *c, true
}

// FrameMessage validates and serializes m into a self-contained frame. The
// header of m is updated with the version, flags, length and checksum that
// were written.
func (h *Handler) FrameMessage(m *Message) ([]byte, error) {
	frame, err := h.frame(m)
	if err != nil {
		h.stats.errors.Add(1)
		return nil, err
	}
	h.stats.sent.Add(1)
	h.stats.bytesSent.Add(uint64(len(frame)))
	return frame, nil
}

func (h *Handler) frame(m *Message) ([]byte, error) {
	if m == nil || m.Payload == nil {
		return nil, errdefs.New(errdefs.CodeProtocolViolation, "message has no payload")
	}
	if m.Header.Type != m.Payload.Type() {
		return nil, errdefs.Newf(errdefs.CodeProtocolViolation,
			"header type %s does not match payload %s", m.Header.Type, m.Payload.Type())
	}
	if req, ok := m.Payload.(*Request); ok && req.Operation == "" {
		return nil, errdefs.New(errdefs.CodeProtocolViolation, "request has no operation")
	}
	if limit := h.now().Add(h.cfg.ClockSkewTolerance).UnixNano(); m.Header.Timestamp > limit {
		return nil, errdefs.Newf(errdefs.CodeProtocolViolation,
			"timestamp %d is ahead of local clock beyond tolerance", m.Header.Timestamp)
	}

	normalizePayload(m.Payload)
	raw, err := encodePayload(m.Payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSerializationFailed, "encode payload", err)
	}
	if PrefixSize+len(raw) > h.cfg.MaxFrameSize {
		return nil, errdefs.Newf(errdefs.CodeMessageTooLarge,
			"payload of %d bytes exceeds frame limit %d", len(raw), h.cfg.MaxFrameSize)
	}
	data := raw
	var flags Flags
	caps := h.caps.Load()

	if caps != nil && caps.CompressionEnabled && len(raw) > h.cfg.CompressionThreshold {
		c, _ := CompressorFor(caps.CompressionAlgorithm)
		packed, err := c.Compress(raw)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeSerializationFailed, "compress payload", err)
		}
		if len(packed) < len(raw) {
			h.stats.compressed.Add(1)
			h.stats.rawCompressed.Add(uint64(len(raw)))
			h.stats.wireCompressed.Add(uint64(len(packed)))
			data = packed
			flags |= FlagCompressed
		}
	}

	if caps != nil && caps.EncryptionEnabled {
		sealed, err := h.seal(caps.EncryptionAlgorithm, m.Header.SessionID, data)
		if err != nil {
			return nil, err
		}
		data = sealed
		flags |= FlagEncrypted
	}

	if PrefixSize+len(data) > h.cfg.MaxFrameSize {
		return nil, errdefs.Newf(errdefs.CodeMessageTooLarge,
			"frame of %d bytes exceeds limit %d", PrefixSize+len(data), h.cfg.MaxFrameSize)
	}

	m.Header.Version = ProtocolVersion
	m.Header.Flags = flags
	m.Header.Length = uint32(len(data))
	m.Header.Checksum = crc32.Checksum(data, castagnoli)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var prefix [PrefixSize]byte
	putPrefix(prefix[:], &m.Header)
	_, _ = buf.Write(prefix[:])
	_, _ = buf.Write(data)
	return slices.Clone(buf.B), nil
}

func putPrefix(b []byte, hdr *Header) {
	b[offVersion] = hdr.Version
	b[offType] = byte(hdr.Type)
	b[offFlags] = byte(hdr.Flags)
	b[offReserved] = 0
	copy(b[offSession:offTimestamp], hdr.SessionID[:])
	binary.BigEndian.PutUint64(b[offTimestamp:offLength], uint64(hdr.Timestamp))
	binary.BigEndian.PutUint32(b[offLength:offChecksum], hdr.Length)
	binary.BigEndian.PutUint32(b[offChecksum:PrefixSize], hdr.Checksum)
}

// UnframeMessage parses one complete frame. Errors carry the code of the
// first check that failed: header, version, size, checksum, decryption and
// finally payload decoding.
func (h *Handler) UnframeMessage(frame []byte) (*Message, error) {
	m, err := h.unframe(frame)
	if err != nil {
		h.stats.errors.Add(1)
		return nil, err
	}
	h.stats.received.Add(1)
	h.stats.bytesReceived.Add(uint64(len(frame)))
	return m, nil
}

func (h *Handler) unframe(frame []byte) (*Message, error) {
	if len(frame) < PrefixSize {
		return nil, errdefs.Newf(errdefs.CodeInvalidHeader, "frame of %d bytes is shorter than prefix", len(frame))
	}
	if v := frame[offVersion]; v != ProtocolVersion {
		return nil, errdefs.Newf(errdefs.CodeVersionMismatch, "frame version %d, expected %d", v, ProtocolVersion)
	}
	hdr := Header{
		Version:   frame[offVersion],
		Type:      MessageType(frame[offType]),
		Flags:     Flags(frame[offFlags]),
		Timestamp: int64(binary.BigEndian.Uint64(frame[offTimestamp:offLength])),
		Length:    binary.BigEndian.Uint32(frame[offLength:offChecksum]),
		Checksum:  binary.BigEndian.Uint32(frame[offChecksum:PrefixSize]),
	}
	copy(hdr.SessionID[:], frame[offSession:offTimestamp])
	if !hdr.Type.Valid() {
		return nil, errdefs.Newf(errdefs.CodeInvalidHeader, "unknown message type %d", uint8(hdr.Type))
	}
	if hdr.Flags&^knownFlags != 0 || frame[offReserved] != 0 {
		return nil, errdefs.Newf(errdefs.CodeInvalidHeader, "unknown flags %#x", uint8(hdr.Flags))
	}
	if PrefixSize+int(hdr.Length) > h.cfg.MaxFrameSize {
		return nil, errdefs.Newf(errdefs.CodeMessageTooLarge,
			"declared frame of %d bytes exceeds limit %d", PrefixSize+int(hdr.Length), h.cfg.MaxFrameSize)
	}
	if len(frame) != PrefixSize+int(hdr.Length) {
		return nil, errdefs.Newf(errdefs.CodeInvalidHeader,
			"declared length %d, got %d payload bytes", hdr.Length, len(frame)-PrefixSize)
	}
	data := frame[PrefixSize:]
	if sum := crc32.Checksum(data, castagnoli); sum != hdr.Checksum {
		return nil, errdefs.Newf(errdefs.CodeChecksumMismatch, "checksum %#08x, computed %#08x", hdr.Checksum, sum)
	}

	caps := h.caps.Load()
	if hdr.Flags.Has(FlagEncrypted) {
		if caps == nil || !caps.EncryptionEnabled {
			return nil, errdefs.New(errdefs.CodeDecryptionFailed, "encrypted frame without negotiated encryption")
		}
		plain, err := h.open(caps.EncryptionAlgorithm, hdr.SessionID, data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	if hdr.Flags.Has(FlagCompressed) {
		if caps == nil || !caps.CompressionEnabled {
			return nil, errdefs.New(errdefs.CodeDeserializationFailed, "compressed frame without negotiated compression")
		}
		c, _ := CompressorFor(caps.CompressionAlgorithm)
		raw, err := c.Decompress(data, h.cfg.MaxFrameSize-PrefixSize)
		if errors.Is(err, errTooLarge) {
			return nil, errdefs.Wrap(errdefs.CodeMessageTooLarge, "decompress payload", err)
		}
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeDeserializationFailed, "decompress payload", err)
		}
		data = raw
	}
	p, err := decodePayload(hdr.Type, data)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDeserializationFailed, "decode "+hdr.Type.String(), err)
	}
	return &Message{Header: hdr, Payload: p}, nil
}

func (h *Handler) seal(alg string, session uuid.UUID, data []byte) ([]byte, error) {
	key, ok := h.keys.SessionKey(session)
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeSerializationFailed, "no key for session %s", session)
	}
	aead, err := security.NewAEAD(alg, key)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSerializationFailed, "build cipher", err)
	}
	out, err := security.Seal(aead, data, session[:])
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSerializationFailed, "encrypt payload", err)
	}
	return out, nil
}

func (h *Handler) open(alg string, session uuid.UUID, data []byte) ([]byte, error) {
	key, ok := h.keys.SessionKey(session)
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeDecryptionFailed, "no key for session %s", session)
	}
	aead, err := security.NewAEAD(alg, key)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDecryptionFailed, "build cipher", err)
	}
	out, err := security.Open(aead, data, session[:])
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDecryptionFailed, "authenticate payload", err)
	}
	return out, nil
}

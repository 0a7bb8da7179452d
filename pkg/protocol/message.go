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

// Package protocol implements the wire protocol spoken between the host and
// its plugins: a fixed 36-byte prefix carrying version, type, flags, session
// id, timestamp, payload length and a CRC-32C, followed by a protowire
// payload that may be compressed and sealed once capabilities are
// negotiated.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the only version this implementation speaks. Peers
	// with a different version byte are rejected, never coerced.
	ProtocolVersion uint8 = 1

	// HeaderSize is the fixed header: version, type, flags, reserved,
	// session id (16) and timestamp (8).
	HeaderSize = 1 + 1 + 1 + 1 + 16 + 8
	// PrefixSize is the header plus the payload length and checksum fields.
	PrefixSize = HeaderSize + 4 + 4

	// DefaultMaxFrameSize bounds a whole frame, prefix included.
	DefaultMaxFrameSize = 10 << 20
	// MinMaxFrameSize keeps every payload of up to 1 MiB acceptable, with room
	// for the prefix and the encryption overhead.
	MinMaxFrameSize = 1<<20 + 1024

	// DefaultCompressionThreshold is the payload size above which a
	// negotiated compressor is applied.
	DefaultCompressionThreshold = 1024
	// DefaultClockSkewTolerance is how far in the future a timestamp may be.
	DefaultClockSkewTolerance = 5 * time.Second
)

const (
	offVersion   = 0
	offType      = 1
	offFlags     = 2
	offReserved  = 3
	offSession   = 4
	offTimestamp = 20
	offLength    = HeaderSize
	offChecksum  = HeaderSize + 4
)

// MessageType identifies the payload variant carried by a frame.
type MessageType uint8

const (
	MessageTypeRequest MessageType = iota + 1
	MessageTypeResponse
	MessageTypeHeartbeat
	MessageTypeError
	MessageTypeControl
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeHeartbeat:
		return "Heartbeat"
	case MessageTypeError:
		return "Error"
	case MessageTypeControl:
		return "Control"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t >= MessageTypeRequest && t <= MessageTypeControl
}

// Flags is the header flag bitset.
type Flags uint8

const (
	FlagCompressed Flags = 1 << iota
	FlagEncrypted

	knownFlags = FlagCompressed | FlagEncrypted
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Header is the fixed-size frame header. Length and Checksum are filled in by
// FrameMessage and describe the payload bytes as they appear on the wire.
type Header struct {
	Version   uint8
	Type      MessageType
	Flags     Flags
	SessionID uuid.UUID
	// Timestamp in Unix nanoseconds.
	Timestamp int64
	Length    uint32
	Checksum  uint32
}

// Message is one protocol message: header plus typed payload.
type Message struct {
	Header  Header
	Payload Payload
}

// NewMessage builds a message for session with the header type taken from p.
func NewMessage(session uuid.UUID, p Payload) *Message {
	return &Message{
		Header: Header{
			Version:   ProtocolVersion,
			Type:      p.Type(),
			SessionID: session,
			Timestamp: time.Now().UnixNano(),
		},
		Payload: p,
	}
}

// Payload is the closed set of message bodies. The concrete types are
// *Request, *Response, *Heartbeat, *ErrorReport and *Control.
type Payload interface {
	Type() MessageType
	isPayload()
}

// Request asks the peer to perform an operation. Parameters are opaque to the
// protocol layer.
type Request struct {
	ID         uint64
	Operation  string
	Parameters []byte
}

// Response answers the Request with the same ID.
type Response struct {
	RequestID uint64
	Result    []byte
}

// HeartbeatStatus is the liveness state a peer reports about itself.
type HeartbeatStatus uint8

const (
	HeartbeatHealthy HeartbeatStatus = iota
	HeartbeatDegraded
	HeartbeatUnhealthy
	HeartbeatStarting
	HeartbeatShuttingDown
)

func (s HeartbeatStatus) String() string {
	switch s {
	case HeartbeatHealthy:
		return "healthy"
	case HeartbeatDegraded:
		return "degraded"
	case HeartbeatUnhealthy:
		return "unhealthy"
	case HeartbeatStarting:
		return "starting"
	case HeartbeatShuttingDown:
		return "shutting_down"
	}
	return fmt.Sprintf("HeartbeatStatus(%d)", uint8(s))
}

// ResourceUsage is the resource snapshot a plugin reports in heartbeats.
type ResourceUsage struct {
	MemoryBytes uint64
	CPUPercent  float64
	OpenFiles   uint32
	Threads     uint32
}

// Heartbeat carries liveness and resource usage.
type Heartbeat struct {
	Status HeartbeatStatus
	Usage  ResourceUsage
}

// ErrorReport is the Error message body. RequestID is zero when the error is
// not tied to a request.
type ErrorReport struct {
	RequestID uint64
	Code      string
	Detail    string
}

// ControlAction is the verb of a Control message.
type ControlAction uint8

const (
	ControlHello ControlAction = iota + 1
	ControlHelloAck
	ControlShutdown
	ControlShutdownAck
)

func (a ControlAction) String() string {
	switch a {
	case ControlHello:
		return "hello"
	case ControlHelloAck:
		return "hello_ack"
	case ControlShutdown:
		return "shutdown"
	case ControlShutdownAck:
		return "shutdown_ack"
	}
	return fmt.Sprintf("ControlAction(%d)", uint8(a))
}

// Control drives the handshake and graceful shutdown.
type Control struct {
	Action     ControlAction
	Client     *ClientCapabilities
	Negotiated *ProtocolCapabilities
	Reason     string
}

func (*Request) Type() MessageType     { return MessageTypeRequest }
func (*Response) Type() MessageType    { return MessageTypeResponse }
func (*Heartbeat) Type() MessageType   { return MessageTypeHeartbeat }
func (*ErrorReport) Type() MessageType { return MessageTypeError }
func (*Control) Type() MessageType     { return MessageTypeControl }

func (*Request) isPayload()     {}
func (*Response) isPayload()    {}
func (*Heartbeat) isPayload()   {}
func (*ErrorReport) isPayload() {}
func (*Control) isPayload()     {}

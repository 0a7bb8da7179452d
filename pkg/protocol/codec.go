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
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload bodies use the protobuf wire encoding. Field numbers are stable;
// unknown fields are skipped so newer peers can add fields.

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendStrings(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendNested(b []byte, num protowire.Number, nested []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, nested)
}

// fieldFunc consumes one field value of the given wire type and returns the
// number of bytes read, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

// walk iterates the fields in b, handing each to fn.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

const skipField = math.MinInt32

func consumeUint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return skipField
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return skipField
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 && len(v) > 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return skipField
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeStrings(typ protowire.Type, b []byte, dst *[]string) int {
	if typ != protowire.BytesType {
		return skipField
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = append(*dst, v)
	}
	return n
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return skipField
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func consumeNested(typ protowire.Type, b []byte, decode func([]byte) error) int {
	if typ != protowire.BytesType {
		return skipField
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := decode(v); err != nil {
		return -1
	}
	return n
}

// normalizePayload replaces empty slices with nil, which is how the codec
// decodes absent fields.
func normalizePayload(p Payload) {
	switch v := p.(type) {
	case *Request:
		if len(v.Parameters) == 0 {
			v.Parameters = nil
		}
	case *Response:
		if len(v.Result) == 0 {
			v.Result = nil
		}
	case *Control:
		if c := v.Client; c != nil {
			c.Compression = nilIfEmpty(c.Compression)
			c.Encryption = nilIfEmpty(c.Encryption)
			c.Features = nilIfEmpty(c.Features)
		}
		if n := v.Negotiated; n != nil {
			n.Features = nilIfEmpty(n.Features)
		}
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

// encodePayload serializes p without the frame header.
func encodePayload(p Payload) ([]byte, error) {
	var b []byte
	switch v := p.(type) {
	case *Request:
		b = appendUint(b, 1, v.ID)
		b = appendString(b, 2, v.Operation)
		b = appendBytes(b, 3, v.Parameters)
	case *Response:
		b = appendUint(b, 1, v.RequestID)
		b = appendBytes(b, 2, v.Result)
	case *Heartbeat:
		b = appendUint(b, 1, uint64(v.Status))
		b = appendNested(b, 2, encodeUsage(v.Usage))
	case *ErrorReport:
		b = appendUint(b, 1, v.RequestID)
		b = appendString(b, 2, v.Code)
		b = appendString(b, 3, v.Detail)
	case *Control:
		b = appendUint(b, 1, uint64(v.Action))
		if v.Client != nil {
			b = appendNested(b, 2, encodeClientCaps(v.Client))
		}
		if v.Negotiated != nil {
			b = appendNested(b, 3, encodeProtocolCaps(v.Negotiated))
		}
		b = appendString(b, 4, v.Reason)
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
	return b, nil
}

// decodePayload parses b as the payload variant selected by t.
func decodePayload(t MessageType, b []byte) (Payload, error) {
	switch t {
	case MessageTypeRequest:
		v := &Request{}
		return v, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				return consumeUint(typ, b, &v.ID)
			case 2:
				return consumeString(typ, b, &v.Operation)
			case 3:
				return consumeBytes(typ, b, &v.Parameters)
			}
			return skipField
		})
	case MessageTypeResponse:
		v := &Response{}
		return v, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				return consumeUint(typ, b, &v.RequestID)
			case 2:
				return consumeBytes(typ, b, &v.Result)
			}
			return skipField
		})
	case MessageTypeHeartbeat:
		v := &Heartbeat{}
		return v, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				var s uint64
				n := consumeUint(typ, b, &s)
				v.Status = HeartbeatStatus(s)
				return n
			case 2:
				return consumeNested(typ, b, func(nb []byte) error {
					return decodeUsage(nb, &v.Usage)
				})
			}
			return skipField
		})
	case MessageTypeError:
		v := &ErrorReport{}
		return v, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				return consumeUint(typ, b, &v.RequestID)
			case 2:
				return consumeString(typ, b, &v.Code)
			case 3:
				return consumeString(typ, b, &v.Detail)
			}
			return skipField
		})
	case MessageTypeControl:
		v := &Control{}
		return v, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				var a uint64
				n := consumeUint(typ, b, &a)
				v.Action = ControlAction(a)
				return n
			case 2:
				return consumeNested(typ, b, func(nb []byte) error {
					v.Client = &ClientCapabilities{}
					return decodeClientCaps(nb, v.Client)
				})
			case 3:
				return consumeNested(typ, b, func(nb []byte) error {
					v.Negotiated = &ProtocolCapabilities{}
					return decodeProtocolCaps(nb, v.Negotiated)
				})
			case 4:
				return consumeString(typ, b, &v.Reason)
			}
			return skipField
		})
	}
	return nil, fmt.Errorf("unknown message type %d", uint8(t))
}

func encodeUsage(u ResourceUsage) []byte {
	var b []byte
	b = appendUint(b, 1, u.MemoryBytes)
	b = appendDouble(b, 2, u.CPUPercent)
	b = appendUint(b, 3, uint64(u.OpenFiles))
	b = appendUint(b, 4, uint64(u.Threads))
	return b
}

func decodeUsage(b []byte, u *ResourceUsage) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			return consumeUint(typ, b, &u.MemoryBytes)
		case 2:
			return consumeDouble(typ, b, &u.CPUPercent)
		case 3:
			n := consumeUint(typ, b, &v)
			u.OpenFiles = uint32(v)
			return n
		case 4:
			n := consumeUint(typ, b, &v)
			u.Threads = uint32(v)
			return n
		}
		return skipField
	})
}

func encodeClientCaps(c *ClientCapabilities) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(c.Version))
	b = appendStrings(b, 2, c.Compression)
	b = appendStrings(b, 3, c.Encryption)
	b = appendStrings(b, 4, c.Features)
	b = appendUint(b, 5, uint64(c.MaxMessageSize))
	return b
}

func decodeClientCaps(b []byte, c *ClientCapabilities) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			n := consumeUint(typ, b, &v)
			c.Version = uint8(v)
			return n
		case 2:
			return consumeStrings(typ, b, &c.Compression)
		case 3:
			return consumeStrings(typ, b, &c.Encryption)
		case 4:
			return consumeStrings(typ, b, &c.Features)
		case 5:
			n := consumeUint(typ, b, &v)
			c.MaxMessageSize = uint32(v)
			return n
		}
		return skipField
	})
}

func encodeProtocolCaps(c *ProtocolCapabilities) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(c.Version))
	b = appendBool(b, 2, c.CompressionEnabled)
	b = appendString(b, 3, c.CompressionAlgorithm)
	b = appendBool(b, 4, c.EncryptionEnabled)
	b = appendString(b, 5, c.EncryptionAlgorithm)
	b = appendUint(b, 6, uint64(c.MaxMessageSize))
	b = appendStrings(b, 7, c.Features)
	return b
}

func decodeProtocolCaps(b []byte, c *ProtocolCapabilities) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			n := consumeUint(typ, b, &v)
			c.Version = uint8(v)
			return n
		case 2:
			n := consumeUint(typ, b, &v)
			c.CompressionEnabled = v != 0
			return n
		case 3:
			return consumeString(typ, b, &c.CompressionAlgorithm)
		case 4:
			n := consumeUint(typ, b, &v)
			c.EncryptionEnabled = v != 0
			return n
		case 5:
			return consumeString(typ, b, &c.EncryptionAlgorithm)
		case 6:
			n := consumeUint(typ, b, &v)
			c.MaxMessageSize = uint32(v)
			return n
		case 7:
			return consumeStrings(typ, b, &c.Features)
		}
		return skipField
	})
}

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

	"github.com/srediag/plugin-host/pkg/errdefs"
)

// Framer reassembles complete frames from an arbitrarily chunked byte
// stream. It is not safe for concurrent use.
type Framer struct {
	buf          []byte
	maxFrameSize int
}

// NewFramer returns a framer that rejects frames larger than maxFrameSize.
func NewFramer(maxFrameSize int) *Framer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Framer{maxFrameSize: maxFrameSize}
}

// AddData appends chunk and returns every frame now complete, in order.
// A declared length above the limit is reported before the body arrives;
// the stream cannot be resynchronized after that.
func (f *Framer) AddData(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)
	var frames [][]byte
	for len(f.buf) >= PrefixSize {
		n := PrefixSize + int(binary.BigEndian.Uint32(f.buf[offLength:offChecksum]))
		if n > f.maxFrameSize {
			return frames, errdefs.Newf(errdefs.CodeMessageTooLarge,
				"declared frame of %d bytes exceeds limit %d", n, f.maxFrameSize)
		}
		if len(f.buf) < n {
			break
		}
		frame := make([]byte, n)
		copy(frame, f.buf[:n])
		frames = append(frames, frame)
		f.buf = f.buf[n:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames, nil
}

// BufferSize returns the number of bytes held for an incomplete frame.
func (f *Framer) BufferSize() int { return len(f.buf) }

// Clear drops any partial frame.
func (f *Framer) Clear() { f.buf = nil }

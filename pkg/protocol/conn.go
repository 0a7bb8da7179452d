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
	"io"
	"sync"
)

const readChunk = 32 << 10

// Conn exchanges messages over a byte stream. Send may be called
// concurrently; Receive must be called from a single goroutine.
type Conn struct {
	rw      io.ReadWriter
	handler *Handler
	framer  *Framer

	wmu sync.Mutex

	pending [][]byte
	readErr error
	buf     []byte
}

// NewConn wraps rw with h.
func NewConn(rw io.ReadWriter, h *Handler) *Conn {
	return &Conn{
		rw:      rw,
		handler: h,
		framer:  NewFramer(h.MaxFrameSize()),
		buf:     make([]byte, readChunk),
	}
}

// Handler returns the protocol handler of the connection.
func (c *Conn) Handler() *Handler { return c.handler }

// Send frames m and writes it as a single write.
func (c *Conn) Send(m *Message) error {
	frame, err := c.handler.FrameMessage(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rw.Write(frame)
	return err
}

// Receive returns the next message. A protocol error from UnframeMessage
// concerns only that frame; the caller decides whether it is fatal. Errors
// from the underlying reader, io.EOF included, are returned once every
// buffered frame was delivered.
func (c *Conn) Receive() (*Message, error) {
	for {
		if len(c.pending) > 0 {
			frame := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			return c.handler.UnframeMessage(frame)
		}
		if c.readErr != nil {
			return nil, c.readErr
		}
		n, err := c.rw.Read(c.buf)
		if n > 0 {
			frames, ferr := c.framer.AddData(c.buf[:n])
			c.pending = append(c.pending, frames...)
			if ferr != nil {
				c.framer.Clear()
				c.readErr = ferr
			}
		}
		if err != nil && c.readErr == nil {
			c.readErr = err
		}
	}
}

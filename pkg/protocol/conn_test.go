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
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-host/pkg/errdefs"
)

func TestFramerReassemblesChunks(t *testing.T) {
	h := NewHandler(DefaultConfig())
	session := uuid.New()
	var stream []byte
	for i := 0; i < 5; i++ {
		frame, err := h.FrameMessage(NewMessage(session, &Request{ID: uint64(i + 1), Operation: "op", Parameters: bytes.Repeat([]byte{byte(i)}, 100*i)}))
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	for _, chunk := range []int{1, 7, PrefixSize, 64, len(stream)} {
		f := NewFramer(DefaultMaxFrameSize)
		var got [][]byte
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			frames, err := f.AddData(stream[off:end])
			require.NoError(t, err)
			got = append(got, frames...)
		}
		require.Len(t, got, 5, "chunk %d", chunk)
		assert.Zero(t, f.BufferSize())
		for i, frame := range got {
			m, err := h.UnframeMessage(frame)
			require.NoError(t, err)
			assert.EqualValues(t, i+1, m.Payload.(*Request).ID)
		}
	}
}

func TestFramerRejectsOversizedDeclaration(t *testing.T) {
	f := NewFramer(MinMaxFrameSize)
	prefix := make([]byte, PrefixSize)
	prefix[offVersion] = ProtocolVersion
	prefix[offType] = byte(MessageTypeRequest)
	binary.BigEndian.PutUint32(prefix[offLength:], uint32(MinMaxFrameSize))

	_, err := f.AddData(prefix)
	assert.ErrorIs(t, err, errdefs.ErrMessageTooLarge)
	f.Clear()
	assert.Zero(t, f.BufferSize())
}

func TestConnExchange(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	session := uuid.New()
	left := NewConn(a, NewHandler(DefaultConfig()))
	right := NewConn(b, NewHandler(DefaultConfig()))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, left.Send(NewMessage(session, &Request{ID: uint64(i), Operation: "op"})))
		}(i)
	}

	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		m, err := right.Receive()
		require.NoError(t, err)
		seen[m.Payload.(*Request).ID] = true
	}
	wg.Wait()
	assert.Len(t, seen, n)

	require.NoError(t, a.Close())
	_, err := right.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnReportsBadFrameAndContinues(t *testing.T) {
	h := NewHandler(DefaultConfig())
	session := uuid.New()
	good, err := h.FrameMessage(NewMessage(session, &Heartbeat{}))
	require.NoError(t, err)
	bad := bytes.Clone(good)
	require.Greater(t, len(bad), PrefixSize)
	bad[len(bad)-1] ^= 1

	var stream bytes.Buffer
	stream.Write(bad)
	stream.Write(good)
	c := NewConn(&stream, NewHandler(DefaultConfig()))

	_, err = c.Receive()
	assert.ErrorIs(t, err, errdefs.ErrChecksumMismatch)
	m, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, MessageTypeHeartbeat, m.Header.Type)
	_, err = c.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCollectorExportsStats(t *testing.T) {
	h := NewHandler(DefaultConfig())
	_, err := h.FrameMessage(NewMessage(uuid.New(), &Heartbeat{}))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(h.Stats)))
	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()+labelSuffix(m)] = metricValue(m)
		}
	}
	assert.Equal(t, 1.0, values["pluginhost_protocol_messages_total/sent"])
	assert.Equal(t, 0.0, values["pluginhost_protocol_messages_total/received"])
	assert.Greater(t, values["pluginhost_protocol_bytes_total/sent"], float64(PrefixSize-1))
}

func labelSuffix(m *dto.Metric) string {
	var s string
	for _, l := range m.GetLabel() {
		s += "/" + l.GetValue()
	}
	return s
}

func metricValue(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	return m.GetGauge().GetValue()
}

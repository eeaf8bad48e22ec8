// Copyright 2023-2026 The strec Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package filter

import (
	"bytes"
	"context"
	"strec/pkg/log"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *pipeline.Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewMockLogger()
	logger.Start(ctx)
	return pipeline.NewSession(logger)
}

func newTestBuffer(t *testing.T, size int) *ringbuf.Buffer {
	t.Helper()
	b, err := ringbuf.NewBuffer(size)
	require.NoError(t, err)
	return b
}

func sendMessage(t *testing.T, b *ringbuf.Buffer, hdr stream.Header, payload []byte) {
	t.Helper()
	ticket, err := b.ReserveWrite(stream.HeaderSize + len(payload))
	require.NoError(t, err)
	require.NoError(t, hdr.MarshalTo(ticket.Bytes()))
	copy(ticket.Bytes()[stream.HeaderSize:], payload)
	require.NoError(t, ticket.Commit())
}

func recvMessage(t *testing.T, b *ringbuf.Buffer) (stream.Header, []byte) {
	t.Helper()
	ticket, err := b.ReserveRead()
	require.NoError(t, err)
	hdr, err := stream.UnmarshalHeader(ticket.Bytes())
	require.NoError(t, err)
	payload := make([]byte, ticket.Size()-stream.HeaderSize)
	copy(payload, ticket.Bytes()[stream.HeaderSize:])
	ticket.Release()
	return hdr, payload
}

func marshalVideoFormat(t *testing.T, f stream.VideoFormat) []byte {
	t.Helper()
	buf := make([]byte, stream.VideoFormatSize)
	require.NoError(t, f.MarshalTo(buf))
	return buf
}

func TestCopyFanOut(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)
	all := newTestBuffer(t, 4096)
	frames := newTestBuffer(t, 4096)

	stage, err := NewCopy(sess, from, []CopyTarget{
		{To: all},
		{To: frames, Type: stream.TypeVideoFrame},
	})
	require.NoError(t, err)
	require.NoError(t, stage.Start())

	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFormat, StreamID: 1}, []byte("fmt"))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, []byte("px"))
	sendMessage(t, from, stream.Header{Type: stream.TypeClose}, nil)
	require.NoError(t, stage.Wait())

	hdr, _ := recvMessage(t, all)
	require.Equal(t, stream.TypeVideoFormat, hdr.Type)
	hdr, _ = recvMessage(t, all)
	require.Equal(t, stream.TypeVideoFrame, hdr.Type)
	hdr, _ = recvMessage(t, all)
	require.Equal(t, stream.TypeClose, hdr.Type)

	// The filtered target sees only frames, plus the close.
	hdr, payload := recvMessage(t, frames)
	require.Equal(t, stream.TypeVideoFrame, hdr.Type)
	require.Equal(t, []byte("px"), payload)
	hdr, _ = recvMessage(t, frames)
	require.Equal(t, stream.TypeClose, hdr.Type)
}

// collectConsumer drains its buffer on a goroutine and records headers.
type collectConsumer struct {
	headers []stream.Header
	done    chan error
}

func newCollectConsumer(from *ringbuf.Buffer) *collectConsumer {
	c := &collectConsumer{done: make(chan error, 1)}
	go func() {
		for {
			ticket, err := from.ReserveRead()
			if err != nil {
				c.done <- err
				return
			}
			hdr, err := stream.UnmarshalHeader(ticket.Bytes())
			ticket.Release()
			if err != nil {
				c.done <- err
				return
			}
			c.headers = append(c.headers, hdr)
			if hdr.Type == stream.TypeClose {
				c.done <- nil
				return
			}
		}
	}()
	return c
}

func (c *collectConsumer) Wait() error { return <-c.done }

func TestDemuxRoutesPerStream(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)

	video := make(map[uint8]*collectConsumer)
	audio := make(map[uint8]*collectConsumer)

	d, err := NewDemux(DemuxConfig{
		Session:         sess,
		VideoBufferSize: 4096,
		AudioBufferSize: 4096,
		NewVideoConsumer: func(id uint8, buf *ringbuf.Buffer) (Waiter, error) {
			c := newCollectConsumer(buf)
			video[id] = c
			return c, nil
		},
		NewAudioConsumer: func(id uint8, buf *ringbuf.Buffer) (Waiter, error) {
			c := newCollectConsumer(buf)
			audio[id] = c
			return c, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(from))

	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFormat, StreamID: 1}, []byte("f"))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, []byte("px"))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 2}, []byte("px"))
	sendMessage(t, from, stream.Header{Type: stream.TypeAudioData, StreamID: 1}, []byte("pcm"))
	sendMessage(t, from, stream.Header{Type: stream.TypeClose}, nil)
	require.NoError(t, d.Wait())

	require.Len(t, video, 2)
	require.Len(t, audio, 1)

	require.Equal(t, []stream.MsgType{
		stream.TypeVideoFormat, stream.TypeVideoFrame, stream.TypeClose,
	}, headerTypes(video[1].headers))
	require.Equal(t, []stream.MsgType{
		stream.TypeVideoFrame, stream.TypeClose,
	}, headerTypes(video[2].headers))
	require.Equal(t, []stream.MsgType{
		stream.TypeAudioData, stream.TypeClose,
	}, headerTypes(audio[1].headers))
}

func headerTypes(headers []stream.Header) []stream.MsgType {
	types := make([]stream.MsgType, len(headers))
	for i, h := range headers {
		types[i] = h.Type
	}
	return types
}

type quitWaiter struct{}

func (quitWaiter) Wait() error { return nil }

func TestDemuxStreamQuit(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)

	var kept *collectConsumer
	d, err := NewDemux(DemuxConfig{
		Session:         sess,
		VideoBufferSize: 4096,
		NewVideoConsumer: func(id uint8, buf *ringbuf.Buffer) (Waiter, error) {
			if id == 2 {
				// A consumer that quits immediately.
				buf.Cancel()
				return quitWaiter{}, nil
			}
			kept = newCollectConsumer(buf)
			return kept, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(from))

	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, []byte("a"))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 2}, []byte("b"))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, []byte("c"))
	sendMessage(t, from, stream.Header{Type: stream.TypeClose}, nil)
	require.NoError(t, d.Wait())

	// Stream 2 quitting must not disturb stream 1.
	require.Equal(t, []stream.MsgType{
		stream.TypeVideoFrame, stream.TypeVideoFrame, stream.TypeClose,
	}, headerTypes(kept.headers))
	require.False(t, sess.Cancelled())
}

func TestDemuxCancelUnblocksFullStream(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)

	bufCh := make(chan *ringbuf.Buffer, 1)
	d, err := NewDemux(DemuxConfig{
		Session:         sess,
		VideoBufferSize: 64,
		NewVideoConsumer: func(id uint8, buf *ringbuf.Buffer) (Waiter, error) {
			// A consumer that never drains its buffer.
			bufCh <- buf
			return quitWaiter{}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(from))

	// More frames than the per-stream buffer holds, so the routing
	// thread ends up blocked on a reservation.
	payload := make([]byte, 24)
	for i := 0; i < 8; i++ {
		sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, payload)
	}

	streamBuf := <-bufCh
	require.Eventually(t, func() bool {
		return streamBuf.Stats().WaitEvents > 0
	}, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- d.Wait() }()

	sess.Cancel(pipeline.ErrInterrupted)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the demuxer")
	}
}

func TestBuildLUTIdentity(t *testing.T) {
	lut := buildLUT(stream.Color{Brightness: 0, Contrast: 1, Red: 1, Green: 1, Blue: 1})
	for ch := 0; ch < 3; ch++ {
		for i := 0; i < 256; i++ {
			require.Equal(t, uint8(i), lut[ch][i])
		}
	}
}

func TestColorCorrection(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)
	to := newTestBuffer(t, 4096)

	stage, err := NewColor(sess, from, to, 1, nil)
	require.NoError(t, err)
	require.NoError(t, stage.Start())

	format := stream.VideoFormat{Width: 1, Height: 1, PixFormat: stream.PixFmtBGR}
	colorBuf := make([]byte, stream.ColorSize)
	require.NoError(t, stream.Color{Brightness: 1, Contrast: 1, Red: 1, Green: 1, Blue: 1}.MarshalTo(colorBuf))

	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFormat, StreamID: 1}, marshalVideoFormat(t, format))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, []byte{10, 20, 30})
	sendMessage(t, from, stream.Header{Type: stream.TypeColor, StreamID: 1}, colorBuf)
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, []byte{10, 20, 30})
	sendMessage(t, from, stream.Header{Type: stream.TypeClose}, nil)
	require.NoError(t, stage.Wait())

	hdr, _ := recvMessage(t, to)
	require.Equal(t, stream.TypeVideoFormat, hdr.Type)

	// No correction yet, the frame rides through.
	hdr, payload := recvMessage(t, to)
	require.Equal(t, stream.TypeVideoFrame, hdr.Type)
	require.Equal(t, []byte{10, 20, 30}, payload)

	hdr, _ = recvMessage(t, to)
	require.Equal(t, stream.TypeColor, hdr.Type)

	// Full positive brightness saturates every channel.
	hdr, payload = recvMessage(t, to)
	require.Equal(t, stream.TypeVideoFrame, hdr.Type)
	require.Equal(t, []byte{255, 255, 255}, payload)

	hdr, _ = recvMessage(t, to)
	require.Equal(t, stream.TypeClose, hdr.Type)
}

func TestScaleHalf(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)
	to := newTestBuffer(t, 4096)

	stage, err := NewScale(sess, from, to, 1, 0.5)
	require.NoError(t, err)
	require.NoError(t, stage.Start())

	format := stream.VideoFormat{Width: 4, Height: 4, PixFormat: stream.PixFmtBGR}
	frame := make([]byte, format.FrameSize())
	for p := 0; p < 16; p++ {
		frame[p*3], frame[p*3+1], frame[p*3+2] = byte(p), byte(p), byte(p)
	}

	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFormat, StreamID: 1}, marshalVideoFormat(t, format))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, frame)
	sendMessage(t, from, stream.Header{Type: stream.TypeClose}, nil)
	require.NoError(t, stage.Wait())

	hdr, payload := recvMessage(t, to)
	require.Equal(t, stream.TypeVideoFormat, hdr.Type)
	scaled, err := stream.UnmarshalVideoFormat(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(2), scaled.Width)
	require.Equal(t, uint32(2), scaled.Height)

	hdr, payload = recvMessage(t, to)
	require.Equal(t, stream.TypeVideoFrame, hdr.Type)
	require.Equal(t, []byte{
		0, 0, 0, 2, 2, 2,
		8, 8, 8, 10, 10, 10,
	}, payload)
}

func TestScaleBilinearConstant(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)
	to := newTestBuffer(t, 4096)

	stage, err := NewScale(sess, from, to, 1, 2)
	require.NoError(t, err)
	require.NoError(t, stage.Start())

	format := stream.VideoFormat{Width: 2, Height: 2, PixFormat: stream.PixFmtBGRA}
	frame := bytes.Repeat([]byte{100}, format.FrameSize())

	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFormat, StreamID: 1}, marshalVideoFormat(t, format))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, frame)
	sendMessage(t, from, stream.Header{Type: stream.TypeClose}, nil)
	require.NoError(t, stage.Wait())

	_, payload := recvMessage(t, to)
	scaled, err := stream.UnmarshalVideoFormat(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(4), scaled.Width)

	_, payload = recvMessage(t, to)
	require.Equal(t, scaled.FrameSize(), len(payload))
	require.Equal(t, bytes.Repeat([]byte{100}, scaled.FrameSize()), payload)
}

func TestScaleRejectsShortFrame(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 65536)
	to := newTestBuffer(t, 65536)

	stage, err := NewScale(sess, from, to, 1, 0.5)
	require.NoError(t, err)
	require.NoError(t, stage.Start())

	format := stream.VideoFormat{Width: 64, Height: 64, PixFormat: stream.PixFmtBGR}
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFormat, StreamID: 1}, marshalVideoFormat(t, format))

	// A frame far shorter than the format declares must fail the run,
	// not crash it.
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1}, make([]byte, 10))

	require.ErrorIs(t, stage.Wait(), stream.ErrShortBuffer)
	require.True(t, sess.Cancelled())
}

func TestScaleUnityPassthrough(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)
	to := newTestBuffer(t, 4096)

	stage, err := NewScale(sess, from, to, 1, 1)
	require.NoError(t, err)
	require.NoError(t, stage.Start())

	format := stream.VideoFormat{Width: 4, Height: 4, PixFormat: stream.PixFmtBGR}
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFormat, StreamID: 1}, marshalVideoFormat(t, format))
	sendMessage(t, from, stream.Header{Type: stream.TypeClose}, nil)
	require.NoError(t, stage.Wait())

	_, payload := recvMessage(t, to)
	same, err := stream.UnmarshalVideoFormat(payload)
	require.NoError(t, err)
	require.Equal(t, format, same)
}

func TestInfoDump(t *testing.T) {
	sess := newTestSession(t)
	from := newTestBuffer(t, 4096)
	var out bytes.Buffer

	stage, err := NewInfo(sess, from, &out, 2)
	require.NoError(t, err)
	require.NoError(t, stage.Start())

	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 1e9}, []byte("px"))
	sendMessage(t, from, stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 2e9}, []byte("px"))
	sendMessage(t, from, stream.Header{Type: stream.TypeClose, Time: 2e9}, nil)
	require.NoError(t, stage.Wait())

	text := out.String()
	require.Contains(t, text, "video frame")
	require.Contains(t, text, "stream duration: 2.0000s")
	require.Contains(t, text, "2 messages")
}

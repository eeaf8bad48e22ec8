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

package play

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"strec/pkg/filter"
	"strec/pkg/log"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/sink"
	"strec/pkg/stream"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewMockLogger()
	logger.Start(ctx)
	return logger
}

type message struct {
	hdr     stream.Header
	payload []byte
}

// writeStreamFile records one capture session into path. The closing
// message is appended automatically.
func writeStreamFile(t *testing.T, path string, msgs []message) {
	t.Helper()

	sess := pipeline.NewSession(newTestLogger(t))
	buf, err := ringbuf.NewBuffer(256 * 1024)
	require.NoError(t, err)
	sess.RegisterBuffer(buf)

	snk, err := sink.NewFileSink(sink.FileSinkConfig{Session: sess})
	require.NoError(t, err)
	require.NoError(t, snk.OpenTarget(path))
	info, name, date := stream.NewInfo(30)
	require.NoError(t, snk.WriteInfo(info, name, date))
	require.NoError(t, snk.StartWriting(buf))

	for _, m := range msgs {
		ticket, err := buf.ReserveWrite(stream.HeaderSize + len(m.payload))
		require.NoError(t, err)
		require.NoError(t, m.hdr.MarshalTo(ticket.Bytes()))
		copy(ticket.Bytes()[stream.HeaderSize:], m.payload)
		require.NoError(t, ticket.Commit())
	}
	ticket, err := buf.ReserveWrite(stream.HeaderSize)
	require.NoError(t, err)
	hdr := stream.Header{Type: stream.TypeClose}
	require.NoError(t, hdr.MarshalTo(ticket.Bytes()))
	require.NoError(t, ticket.Commit())

	require.NoError(t, snk.WaitWriting())
	require.NoError(t, snk.CloseTarget())
}

func videoFormatMsg(t *testing.T, streamID uint8, f stream.VideoFormat) message {
	t.Helper()
	buf := make([]byte, stream.VideoFormatSize)
	require.NoError(t, f.MarshalTo(buf))
	return message{
		hdr:     stream.Header{Type: stream.TypeVideoFormat, StreamID: streamID},
		payload: buf,
	}
}

func audioFormatMsg(t *testing.T, streamID uint8, f stream.AudioFormat) message {
	t.Helper()
	buf := make([]byte, stream.AudioFormatSize)
	require.NoError(t, f.MarshalTo(buf))
	return message{
		hdr:     stream.Header{Type: stream.TypeAudioFormat, StreamID: streamID},
		payload: buf,
	}
}

// collectConsumer drains a demuxed stream on a goroutine.
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

func TestInfoRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.strec")
	format := stream.VideoFormat{Width: 2, Height: 2, PixFormat: stream.PixFmtBGR}
	frame := make([]byte, format.FrameSize())
	writeStreamFile(t, path, []message{
		videoFormatMsg(t, 1, format),
		{stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 0}, frame},
		{stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 1e9}, frame},
	})

	var out bytes.Buffer
	err := Info(Config{Logger: newTestLogger(t), File: path}, &out, 1)
	require.NoError(t, err)
	require.Contains(t, out.String(), "stream duration: 1.0000s")
}

func TestPlayDemuxesStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.strec")
	format := stream.VideoFormat{Width: 2, Height: 2, PixFormat: stream.PixFmtBGR}
	frame := make([]byte, format.FrameSize())
	writeStreamFile(t, path, []message{
		videoFormatMsg(t, 1, format),
		audioFormatMsg(t, 2, stream.AudioFormat{
			Rate: 44100, Channels: 2, SampleFmt: stream.SampleFmtS16LE, Interleaved: true,
		}),
		{stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 1}, frame},
		{stream.Header{Type: stream.TypeAudioData, StreamID: 2, Time: 2}, make([]byte, 8)},
	})

	var video, audio *collectConsumer
	err := Play(Config{Logger: newTestLogger(t), File: path}, PlayOptions{
		NewVideoConsumer: func(streamID uint8, from *ringbuf.Buffer) (filter.Waiter, error) {
			video = newCollectConsumer(from)
			return video, nil
		},
		NewAudioConsumer: func(streamID uint8, from *ringbuf.Buffer) (filter.Waiter, error) {
			audio = newCollectConsumer(from)
			return audio, nil
		},
	})
	require.NoError(t, err)

	require.NotNil(t, video)
	require.NotNil(t, audio)
	videoTypes := headerTypes(video.headers)
	audioTypes := headerTypes(audio.headers)
	require.Equal(t, []stream.MsgType{
		stream.TypeVideoFormat, stream.TypeVideoFrame, stream.TypeClose,
	}, videoTypes)
	require.Equal(t, []stream.MsgType{
		stream.TypeAudioFormat, stream.TypeAudioData, stream.TypeClose,
	}, audioTypes)
}

func headerTypes(headers []stream.Header) []stream.MsgType {
	types := make([]stream.MsgType, 0, len(headers))
	for _, hdr := range headers {
		types = append(types, hdr.Type)
	}
	return types
}

func TestPlayScalesVideo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.strec")
	format := stream.VideoFormat{Width: 4, Height: 4, PixFormat: stream.PixFmtBGR}
	frame := make([]byte, format.FrameSize())
	writeStreamFile(t, path, []message{
		videoFormatMsg(t, 1, format),
		{stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 1}, frame},
	})

	var video *collectConsumer
	var scaled stream.VideoFormat
	err := Play(Config{Logger: newTestLogger(t), File: path}, PlayOptions{
		ScaleFactor: 0.5,
		NewVideoConsumer: func(streamID uint8, from *ringbuf.Buffer) (filter.Waiter, error) {
			c := &collectConsumer{done: make(chan error, 1)}
			video = c
			go func() {
				for {
					ticket, err := from.ReserveRead()
					if err != nil {
						c.done <- err
						return
					}
					hdr, err := stream.UnmarshalHeader(ticket.Bytes())
					if err == nil && hdr.Type == stream.TypeVideoFormat {
						scaled, err = stream.UnmarshalVideoFormat(
							ticket.Bytes()[stream.HeaderSize:])
					}
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
			return c, nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, video)
	require.Equal(t, uint32(2), scaled.Width)
	require.Equal(t, uint32(2), scaled.Height)
}

func TestExportWAVRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.strec")
	out := filepath.Join(dir, "audio.wav")
	writeStreamFile(t, path, []message{
		audioFormatMsg(t, 1, stream.AudioFormat{
			Rate: 8000, Channels: 1, SampleFmt: stream.SampleFmtS16LE, Interleaved: true,
		}),
		{stream.Header{Type: stream.TypeAudioData, StreamID: 1, Time: 1}, make([]byte, 16)},
	})

	err := ExportWAV(Config{Logger: newTestLogger(t), File: path}, out, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(data[:4]))
	require.Equal(t, 44+16, len(data))
}

func TestExportWAVMultiSession(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.strec")
	second := filepath.Join(dir, "b.strec")
	joined := filepath.Join(dir, "joined.strec")

	format := stream.AudioFormat{
		Rate: 8000, Channels: 1, SampleFmt: stream.SampleFmtS16LE, Interleaved: true,
	}
	writeStreamFile(t, first, []message{
		audioFormatMsg(t, 1, format),
		{stream.Header{Type: stream.TypeAudioData, StreamID: 1, Time: 1}, make([]byte, 16)},
	})
	writeStreamFile(t, second, []message{
		audioFormatMsg(t, 1, format),
		{stream.Header{Type: stream.TypeAudioData, StreamID: 1, Time: 1}, make([]byte, 32)},
	})
	concatFiles(t, joined, first, second)

	out := filepath.Join(dir, "audio.wav")
	err := ExportWAV(Config{Logger: newTestLogger(t), File: joined}, out, 0)
	require.NoError(t, err)

	// The second session lands in its own file instead of truncating
	// the first session's export.
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, 44+16, len(data))

	data, err = os.ReadFile(filepath.Join(dir, "audio-1.wav"))
	require.NoError(t, err)
	require.Equal(t, 44+32, len(data))
}

func TestExportNameTags(t *testing.T) {
	require.Equal(t, "out-0.wav", exportName("out-%capture%.wav", 0))
	require.Equal(t, "out-2.wav", exportName("out-%capture%.wav", 2))

	// Untagged names only change for the sessions after the first.
	require.Equal(t, "plain.wav", exportName("plain.wav", 0))
	require.Equal(t, "plain-1.wav", exportName("plain.wav", 1))
}

func TestExportYUV4MPEGNeedsRate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.strec")

	// A zero fps in the info block leaves no rate to fall back on.
	sess := pipeline.NewSession(newTestLogger(t))
	buf, err := ringbuf.NewBuffer(4096)
	require.NoError(t, err)
	sess.RegisterBuffer(buf)
	snk, err := sink.NewFileSink(sink.FileSinkConfig{Session: sess})
	require.NoError(t, err)
	require.NoError(t, snk.OpenTarget(path))
	info, name, date := stream.NewInfo(0)
	require.NoError(t, snk.WriteInfo(info, name, date))
	require.NoError(t, snk.StartWriting(buf))
	ticket, err := buf.ReserveWrite(stream.HeaderSize)
	require.NoError(t, err)
	hdr := stream.Header{Type: stream.TypeClose}
	require.NoError(t, hdr.MarshalTo(ticket.Bytes()))
	require.NoError(t, ticket.Commit())
	require.NoError(t, snk.WaitWriting())
	require.NoError(t, snk.CloseTarget())

	err = ExportYUV4MPEG(Config{Logger: newTestLogger(t), File: path},
		filepath.Join(dir, "out.y4m"), 0, 0)
	require.ErrorIs(t, err, ringbuf.ErrInvalidArgument)
}

func TestRunMultiSession(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.strec")
	second := filepath.Join(dir, "b.strec")
	joined := filepath.Join(dir, "joined.strec")

	format := stream.VideoFormat{Width: 2, Height: 2, PixFormat: stream.PixFmtBGR}
	frame := make([]byte, format.FrameSize())
	writeStreamFile(t, first, []message{
		videoFormatMsg(t, 1, format),
		{stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 1e9}, frame},
	})
	writeStreamFile(t, second, []message{
		videoFormatMsg(t, 1, format),
		{stream.Header{Type: stream.TypeVideoFrame, StreamID: 1, Time: 2e9}, frame},
	})
	concatFiles(t, joined, first, second)

	var out bytes.Buffer
	err := Info(Config{Logger: newTestLogger(t), File: joined}, &out, 1)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out.String(), "stream duration"))
}

func TestRunEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.strec")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var out bytes.Buffer
	err := Info(Config{Logger: newTestLogger(t), File: path}, &out, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no capture session")
}

func concatFiles(t *testing.T, dst string, srcs ...string) {
	t.Helper()
	out, err := os.Create(dst)
	require.NoError(t, err)
	defer out.Close()
	for _, src := range srcs {
		in, err := os.Open(src)
		require.NoError(t, err)
		_, err = io.Copy(out, in)
		in.Close()
		require.NoError(t, err)
	}
}

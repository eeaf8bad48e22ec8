// Package stream defines the message model shared by every pipeline stage:
// the fixed-size message header, the typed format payloads, and the stream
// file metadata block.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

func putFloat64(buf []byte, v float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
}

func getFloat64(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}

// MsgType tags a message header.
type MsgType uint8

// Message types.
const (
	TypeInvalid         MsgType = 0x00
	TypeClose           MsgType = 0x01 // empty payload, terminates a session.
	TypeVideoFrame      MsgType = 0x02
	TypeAudioFormat     MsgType = 0x03
	TypeAudioData       MsgType = 0x04
	TypeVideoFormat     MsgType = 0x06
	TypeColor           MsgType = 0x07
	TypeContainer       MsgType = 0x08 // compressed wrapper.
	TypeCallbackRequest MsgType = 0x0a // never written to disk.
)

func (t MsgType) String() string {
	switch t {
	case TypeClose:
		return "close"
	case TypeVideoFrame:
		return "video frame"
	case TypeAudioFormat:
		return "audio format"
	case TypeAudioData:
		return "audio data"
	case TypeVideoFormat:
		return "video format"
	case TypeColor:
		return "color correction"
	case TypeContainer:
		return "container"
	case TypeCallbackRequest:
		return "callback request"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// IsFormat reports whether messages of this type define decoding state for
// subsequent data messages and should be tracked for replay.
func (t MsgType) IsFormat() bool {
	return t == TypeVideoFormat || t == TypeAudioFormat || t == TypeColor
}

// HeaderSize is the marshaled size of Header.
const HeaderSize = 10

// Header precedes every message payload.
type Header struct {
	Type     MsgType
	StreamID uint8
	Time     int64 // Nanoseconds since capture start.
}

// ErrShortBuffer means a marshal or unmarshal target was too small.
var ErrShortBuffer = errors.New("buffer too small")

// MarshalTo writes the header into buf.
func (h Header) MarshalTo(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	buf[0] = uint8(h.Type)
	buf[1] = h.StreamID
	binary.BigEndian.PutUint64(buf[2:], uint64(h.Time))
	return nil
}

// UnmarshalHeader reads a header from the start of buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Type:     MsgType(buf[0]),
		StreamID: buf[1],
		Time:     int64(binary.BigEndian.Uint64(buf[2:])),
	}, nil
}

// Pixel formats.
const (
	PixFmtBGR      uint8 = 0x01
	PixFmtBGRA     uint8 = 0x02
	PixFmtRGB      uint8 = 0x03
	PixFmtYCbCr420 uint8 = 0x04
)

// Video format flags.
const (
	// VideoFlagBottomUp marks frames stored with the origin at the
	// bottom-left row, they must be flipped for top-down consumers.
	VideoFlagBottomUp uint8 = 0x01
)

// VideoFormatSize is the marshaled size of VideoFormat.
const VideoFormatSize = 10

// VideoFormat defines the frame layout of one video stream.
type VideoFormat struct {
	Width     uint32
	Height    uint32
	PixFormat uint8
	Flags     uint8
}

// MarshalTo writes the format into buf.
func (f VideoFormat) MarshalTo(buf []byte) error {
	if len(buf) < VideoFormatSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[0:], f.Width)
	binary.BigEndian.PutUint32(buf[4:], f.Height)
	buf[8] = f.PixFormat
	buf[9] = f.Flags
	return nil
}

// UnmarshalVideoFormat reads a video format from the start of buf.
func UnmarshalVideoFormat(buf []byte) (VideoFormat, error) {
	if len(buf) < VideoFormatSize {
		return VideoFormat{}, ErrShortBuffer
	}
	return VideoFormat{
		Width:     binary.BigEndian.Uint32(buf[0:]),
		Height:    binary.BigEndian.Uint32(buf[4:]),
		PixFormat: buf[8],
		Flags:     buf[9],
	}, nil
}

// FrameSize returns the byte size of one frame in this format.
func (f VideoFormat) FrameSize() int {
	switch f.PixFormat {
	case PixFmtBGRA:
		return int(f.Width) * int(f.Height) * 4
	case PixFmtYCbCr420:
		return int(f.Width)*int(f.Height) + 2*(int(f.Width)/2)*(int(f.Height)/2)
	default:
		return int(f.Width) * int(f.Height) * 3
	}
}

// PixFmtName returns the short pixel format name used on command lines
// of raw video consumers.
func PixFmtName(f uint8) string {
	switch f {
	case PixFmtBGR:
		return "bgr24"
	case PixFmtBGRA:
		return "bgra"
	case PixFmtRGB:
		return "rgb24"
	case PixFmtYCbCr420:
		return "yuv420p"
	}
	return "unknown"
}

// Sample formats.
const (
	SampleFmtS16LE uint8 = 0x01
	SampleFmtS24LE uint8 = 0x02
	SampleFmtS32LE uint8 = 0x03
)

// AudioFormatSize is the marshaled size of AudioFormat.
const AudioFormatSize = 7

// AudioFormat defines the sample layout of one audio stream.
type AudioFormat struct {
	Rate        uint32
	Channels    uint8
	SampleFmt   uint8
	Interleaved bool
}

// MarshalTo writes the format into buf.
func (f AudioFormat) MarshalTo(buf []byte) error {
	if len(buf) < AudioFormatSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[0:], f.Rate)
	buf[4] = f.Channels
	buf[5] = f.SampleFmt
	buf[6] = 0
	if f.Interleaved {
		buf[6] = 1
	}
	return nil
}

// UnmarshalAudioFormat reads an audio format from the start of buf.
func UnmarshalAudioFormat(buf []byte) (AudioFormat, error) {
	if len(buf) < AudioFormatSize {
		return AudioFormat{}, ErrShortBuffer
	}
	return AudioFormat{
		Rate:        binary.BigEndian.Uint32(buf[0:]),
		Channels:    buf[4],
		SampleFmt:   buf[5],
		Interleaved: buf[6] != 0,
	}, nil
}

// SampleSize returns the byte size of one sample.
func (f AudioFormat) SampleSize() int {
	switch f.SampleFmt {
	case SampleFmtS24LE:
		return 3
	case SampleFmtS32LE:
		return 4
	default:
		return 2
	}
}

// ColorSize is the marshaled size of Color.
const ColorSize = 40

// Color carries per-stream color correction parameters.
type Color struct {
	Brightness float64
	Contrast   float64
	Red        float64
	Green      float64
	Blue       float64
}

// MarshalTo writes the correction into buf.
func (c Color) MarshalTo(buf []byte) error {
	if len(buf) < ColorSize {
		return ErrShortBuffer
	}
	putFloat64(buf[0:], c.Brightness)
	putFloat64(buf[8:], c.Contrast)
	putFloat64(buf[16:], c.Red)
	putFloat64(buf[24:], c.Green)
	putFloat64(buf[32:], c.Blue)
	return nil
}

// UnmarshalColor reads a color correction from the start of buf.
func UnmarshalColor(buf []byte) (Color, error) {
	if len(buf) < ColorSize {
		return Color{}, ErrShortBuffer
	}
	return Color{
		Brightness: getFloat64(buf[0:]),
		Contrast:   getFloat64(buf[8:]),
		Red:        getFloat64(buf[16:]),
		Green:      getFloat64(buf[24:]),
		Blue:       getFloat64(buf[32:]),
	}, nil
}

// ContainerSize is the marshaled size of Container.
const ContainerSize = 5 + HeaderSize

// Container wraps a compressed message: the codec that produced it, the
// uncompressed payload size and the original message header.
type Container struct {
	Codec      uint8
	OrigSize   uint32
	OrigHeader Header
}

// MarshalTo writes the container header into buf.
func (c Container) MarshalTo(buf []byte) error {
	if len(buf) < ContainerSize {
		return ErrShortBuffer
	}
	buf[0] = c.Codec
	binary.BigEndian.PutUint32(buf[1:], c.OrigSize)
	return c.OrigHeader.MarshalTo(buf[5:])
}

// UnmarshalContainer reads a container header from the start of buf.
func UnmarshalContainer(buf []byte) (Container, error) {
	if len(buf) < ContainerSize {
		return Container{}, ErrShortBuffer
	}
	hdr, err := UnmarshalHeader(buf[5:])
	if err != nil {
		return Container{}, err
	}
	return Container{
		Codec:      buf[0],
		OrigSize:   binary.BigEndian.Uint32(buf[1:]),
		OrigHeader: hdr,
	}, nil
}

// CallbackRequestSize is the marshaled size of CallbackRequest.
const CallbackRequestSize = 8

// CallbackRequest is an in-band control message. It rides the ordered
// stream so a sink acts on it at a well-defined point between data
// messages, it is never written to disk.
type CallbackRequest struct {
	RequestID uint64
}

// MarshalTo writes the request into buf.
func (r CallbackRequest) MarshalTo(buf []byte) error {
	if len(buf) < CallbackRequestSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint64(buf, r.RequestID)
	return nil
}

// UnmarshalCallbackRequest reads a request from the start of buf.
func UnmarshalCallbackRequest(buf []byte) (CallbackRequest, error) {
	if len(buf) < CallbackRequestSize {
		return CallbackRequest{}, ErrShortBuffer
	}
	return CallbackRequest{RequestID: binary.BigEndian.Uint64(buf)}, nil
}

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

// Package pack implements the stream compression and decompression
// stages. Codecs are pluggable byte transforms, one instance per worker
// thread since block compressors carry scratch state.
package pack

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnsupported means the requested codec is not available. Returned at
// configuration time whenever possible.
var ErrUnsupported = errors.New("unsupported compression codec")

// Codec ids, recorded in container headers.
const (
	codecIDNone   uint8 = 0x00
	codecIDSnappy uint8 = 0x01
	codecIDLZ4    uint8 = 0x02
	codecIDZstd   uint8 = 0x03
)

// Codec compresses and decompresses single message payloads. A codec
// instance is owned by one worker thread.
type Codec interface {
	Name() string
	ID() uint8

	// MaxCompressedLen bounds the compressed size of n input bytes.
	MaxCompressedLen(n int) int

	// Compress writes the compressed src into dst, sized by
	// MaxCompressedLen, and returns the compressed size.
	Compress(dst, src []byte) (int, error)

	// Decompress writes the decompressed src into dst, sized to the
	// original payload, and returns the decompressed size.
	Decompress(dst, src []byte) (int, error)
}

// ForName returns a fresh codec instance for a configured name.
func ForName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "lz4":
		return &lz4Codec{}, nil
	case "zstd":
		return newZstdCodec()
	case "lzo", "quicklz", "lzjb":
		return nil, fmt.Errorf("%w: %q was retired, use none|snappy|lz4|zstd", ErrUnsupported, name)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
}

// forID returns a fresh codec instance for a container codec id.
func forID(id uint8) (Codec, error) {
	switch id {
	case codecIDSnappy:
		return snappyCodec{}, nil
	case codecIDLZ4:
		return &lz4Codec{}, nil
	case codecIDZstd:
		return newZstdCodec()
	}
	return nil, fmt.Errorf("%w: container codec id 0x%02x", ErrUnsupported, id)
}

type noneCodec struct{}

func (noneCodec) Name() string               { return "none" }
func (noneCodec) ID() uint8                  { return codecIDNone }
func (noneCodec) MaxCompressedLen(n int) int { return n }

func (noneCodec) Compress(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

func (noneCodec) Decompress(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }
func (snappyCodec) ID() uint8    { return codecIDSnappy }

func (snappyCodec) MaxCompressedLen(n int) int {
	return snappy.MaxEncodedLen(n)
}

func (snappyCodec) Compress(dst, src []byte) (int, error) {
	return len(snappy.Encode(dst, src)), nil
}

func (snappyCodec) Decompress(dst, src []byte) (int, error) {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return 0, fmt.Errorf("snappy: %w", err)
	}
	return len(out), nil
}

type lz4Codec struct {
	compressor lz4.Compressor
}

// Every lz4 block opens with a marker byte. Size alone cannot tell a
// stored block from a compressed block that happens to match the
// original size.
const (
	lz4BlockCompressed uint8 = 0x00
	lz4BlockStored     uint8 = 0x01
)

func (*lz4Codec) Name() string { return "lz4" }
func (*lz4Codec) ID() uint8    { return codecIDLZ4 }

func (*lz4Codec) MaxCompressedLen(n int) int {
	return 1 + lz4.CompressBlockBound(n)
}

func (c *lz4Codec) Compress(dst, src []byte) (int, error) {
	n, err := c.compressor.CompressBlock(src, dst[1:])
	if err != nil {
		return 0, fmt.Errorf("lz4: %w", err)
	}
	if n == 0 {
		// Incompressible input is stored raw.
		dst[0] = lz4BlockStored
		return 1 + copy(dst[1:], src), nil
	}
	dst[0] = lz4BlockCompressed
	return 1 + n, nil
}

func (c *lz4Codec) Decompress(dst, src []byte) (int, error) {
	if len(src) < 1 {
		return 0, fmt.Errorf("lz4: empty block")
	}
	switch src[0] {
	case lz4BlockStored:
		return copy(dst, src[1:]), nil
	case lz4BlockCompressed:
		n, err := lz4.UncompressBlock(src[1:], dst)
		if err != nil {
			return 0, fmt.Errorf("lz4: %w", err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("lz4: unknown block marker 0x%02x", src[0])
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (*zstdCodec) Name() string { return "zstd" }
func (*zstdCodec) ID() uint8    { return codecIDZstd }

func (*zstdCodec) MaxCompressedLen(n int) int {
	return n + n/255 + 512
}

func (c *zstdCodec) Compress(dst, src []byte) (int, error) {
	out := c.enc.EncodeAll(src, dst[:0])
	if len(out) > len(dst) {
		return 0, fmt.Errorf("zstd: compressed size %d exceeds bound %d", len(out), len(dst))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return len(out), nil
}

func (c *zstdCodec) Decompress(dst, src []byte) (int, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, fmt.Errorf("zstd: %w", err)
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("zstd: decompressed size %d exceeds original size %d", len(out), len(dst))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return len(out), nil
}

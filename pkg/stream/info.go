package stream

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stream file constants.
const (
	// Signature is the magic constant opening every capture session.
	Signature uint32 = 0x00DEAD00

	// Stream format versions. VersionLegacyOrder stores the message
	// header before the size prefix. Versions before VersionNanoTime
	// store frame and audio timestamps in microseconds.
	VersionLegacyOrder uint8 = 0x03
	VersionMicroTime   uint8 = 0x04
	VersionNanoTime    uint8 = 0x05

	CurrentVersion = VersionNanoTime
)

// InfoSize is the marshaled size of Info. The app name and capture date
// strings follow it, sized by NameSize and DateSize.
const InfoSize = 26

// MaxStringSize bounds the app name and date strings so a corrupt info
// block cannot demand an absurd allocation.
const MaxStringSize = 4096

// Info is the metadata block opening a capture session in a stream file.
type Info struct {
	Signature uint32
	Version   uint8
	Flags     uint8
	PID       uint32
	FPS       float64
	NameSize  uint32
	DateSize  uint32
}

// MarshalTo writes the info block into buf.
func (i Info) MarshalTo(buf []byte) error {
	if len(buf) < InfoSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[0:], i.Signature)
	buf[4] = i.Version
	buf[5] = i.Flags
	binary.BigEndian.PutUint32(buf[6:], i.PID)
	putFloat64(buf[10:], i.FPS)
	binary.BigEndian.PutUint32(buf[18:], i.NameSize)
	binary.BigEndian.PutUint32(buf[22:], i.DateSize)
	return nil
}

// UnmarshalInfo reads an info block from the start of buf.
func UnmarshalInfo(buf []byte) (Info, error) {
	if len(buf) < InfoSize {
		return Info{}, ErrShortBuffer
	}
	return Info{
		Signature: binary.BigEndian.Uint32(buf[0:]),
		Version:   buf[4],
		Flags:     buf[5],
		PID:       binary.BigEndian.Uint32(buf[6:]),
		FPS:       getFloat64(buf[10:]),
		NameSize:  binary.BigEndian.Uint32(buf[18:]),
		DateSize:  binary.BigEndian.Uint32(buf[22:]),
	}, nil
}

// Validate checks the signature and that the version is one this package
// can decode.
func (i Info) Validate() error {
	if i.Signature != Signature {
		return fmt.Errorf("bad signature 0x%08x, expected 0x%08x", i.Signature, Signature)
	}
	if i.Version < VersionLegacyOrder || i.Version > CurrentVersion {
		return fmt.Errorf("unsupported stream version 0x%02x", i.Version)
	}
	if i.NameSize > MaxStringSize || i.DateSize > MaxStringSize {
		return fmt.Errorf("corrupt name/date sizes %d/%d", i.NameSize, i.DateSize)
	}
	return nil
}

// NewInfo builds an info block for a capture starting now, with the app
// name taken from the running executable and the date in UTC.
func NewInfo(fps float64) (Info, string, string) {
	name := appName()
	date := time.Now().UTC().Format("Mon Jan  2 15:04:05 2006")

	info := Info{
		Signature: Signature,
		Version:   CurrentVersion,
		PID:       uint32(os.Getpid()),
		FPS:       fps,
		NameSize:  uint32(len(name)),
		DateSize:  uint32(len(date)),
	}
	return info, name, date
}

func appName() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	return filepath.Base(exe)
}

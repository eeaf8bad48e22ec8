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

// Package record assembles and drives a capture pipeline: producer
// buffer, optional compression, and a file or pipe sink with target
// rotation.
package record

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"strec/pkg/pack"
	"strec/pkg/ringbuf"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultTarget             = "%app%-%pid%-%capture%.strec"
	DefaultCodec              = "lz4"
	DefaultFPS                = 30
	DefaultUncompressedBuffer = 25 * 1024 * 1024
	DefaultCompressedBuffer   = 50 * 1024 * 1024
)

// ConfigEnv stores the capture configuration. Values come from an
// optional yaml file, overridden by STREC_* environment variables.
type ConfigEnv struct {
	// Target is the output filename template, expanded per rotation.
	Target string `yaml:"target"`

	// Pipe switches the sink to an external consumer process, the
	// value is its executable.
	Pipe       string `yaml:"pipe"`
	PipeInvert bool   `yaml:"pipeInvert"`
	// PipeDelayMS holds back the first frame write.
	PipeDelayMS int `yaml:"pipeDelay"`

	// Compress selects the codec: none, snappy, lz4 or zstd.
	Compress    string `yaml:"compress"`
	CompressMin int    `yaml:"compressMin"`

	FPS  float64 `yaml:"fps"`
	Sync bool    `yaml:"sync"`

	// Threads overrides the computed per-stage worker count.
	Threads int `yaml:"threads"`

	UncompressedBufferSize int `yaml:"uncompressedBufferSize"`
	CompressedBufferSize   int `yaml:"compressedBufferSize"`

	LogLevel int    `yaml:"logLevel"`
	LogDir   string `yaml:"logDir"`
}

// NewConfigEnv returns the capture configuration from yaml content and
// the process environment, validated.
func NewConfigEnv(envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if len(envYAML) > 0 {
		if err := yaml.Unmarshal(envYAML, &env); err != nil {
			return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
		}
	}
	if err := env.applyEnvironment(); err != nil {
		return nil, err
	}

	if env.Target == "" {
		env.Target = DefaultTarget
	}
	if env.Compress == "" {
		env.Compress = DefaultCodec
	}
	if env.CompressMin == 0 {
		env.CompressMin = pack.DefaultCompressMin
	}
	if env.FPS == 0 {
		env.FPS = DefaultFPS
	}
	if env.UncompressedBufferSize == 0 {
		env.UncompressedBufferSize = DefaultUncompressedBuffer
	}
	if env.CompressedBufferSize == 0 {
		env.CompressedBufferSize = DefaultCompressedBuffer
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// applyEnvironment overlays STREC_* variables onto the config.
func (env *ConfigEnv) applyEnvironment() error {
	if v := os.Getenv("STREC_FILE"); v != "" {
		env.Target = v
	}
	if v := os.Getenv("STREC_PIPE"); v != "" {
		env.Pipe = v
	}
	if v := os.Getenv("STREC_COMPRESS"); v != "" {
		env.Compress = v
	}
	if v := os.Getenv("STREC_LOG"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STREC_LOG: %w", err)
		}
		env.LogLevel = n
	}
	if v := os.Getenv("STREC_LOG_FILE"); v != "" {
		env.LogDir = v
	}

	boolVars := []struct {
		name string
		dst  *bool
	}{
		{"STREC_SYNC", &env.Sync},
		{"STREC_PIPE_INVERT", &env.PipeInvert},
	}
	for _, bv := range boolVars {
		if v := os.Getenv(bv.name); v != "" {
			*bv.dst = v != "0"
		}
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"STREC_UNCOMPRESSED_BUFFER_SIZE", &env.UncompressedBufferSize},
		{"STREC_COMPRESSED_BUFFER_SIZE", &env.CompressedBufferSize},
		{"STREC_PIPE_DELAY", &env.PipeDelayMS},
		{"STREC_THREADS", &env.Threads},
	}
	for _, iv := range intVars {
		if v := os.Getenv(iv.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", iv.name, err)
			}
			*iv.dst = n
		}
	}

	if v := os.Getenv("STREC_FPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("STREC_FPS: %w", err)
		}
		env.FPS = f
	}
	return nil
}

// Validate front-loads configuration errors so a capture never starts on
// a setup that fails mid-run.
func (env *ConfigEnv) Validate() error {
	if _, err := pack.ForName(env.Compress); err != nil {
		return fmt.Errorf("compress %q: %w", env.Compress, err)
	}
	if env.FPS <= 0 {
		return fmt.Errorf("fps %v: %w", env.FPS, ringbuf.ErrInvalidArgument)
	}
	if env.Threads < 0 {
		return fmt.Errorf("threads %d: %w", env.Threads, ringbuf.ErrInvalidArgument)
	}
	if env.UncompressedBufferSize < 4096 || env.CompressedBufferSize < 4096 {
		return fmt.Errorf("buffer sizes: %w", ringbuf.ErrInvalidArgument)
	}
	if env.PipeDelayMS < 0 {
		return fmt.Errorf("pipeDelay %d: %w", env.PipeDelayMS, ringbuf.ErrInvalidArgument)
	}
	return nil
}

// PipeDelay returns the first-frame hold-back as a duration.
func (env *ConfigEnv) PipeDelay() time.Duration {
	return time.Duration(env.PipeDelayMS) * time.Millisecond
}

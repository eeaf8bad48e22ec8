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

// Package strec is the player and export tool for recorded stream
// files. Capture is done by embedding pkg/record.
package strec

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"strec/pkg/filter"
	"strec/pkg/log"
	"strec/pkg/metric"
	"strec/pkg/play"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		`Usage: strec [flags] <action> <file>

Actions:
  info      print stream diagnostics
  play      decode the stream and hand it to per-stream consumers
  wav       export one audio stream as WAV (-out)
  img       export one video stream as BMP images (-out template)
  yuv4mpeg  export one video stream as yuv4mpeg2 (-out)

Flags:
`)
	flag.PrintDefaults()
}

// Run is the player entry point.
func Run() error {
	outFlag := flag.String("out", "", "output file, for img a template like out/%010d.bmp")
	scaleFlag := flag.Float64("scale", 1, "video scale factor")
	fpsFlag := flag.Float64("fps", 0, "output frame rate, 0 takes the recorded rate")
	streamFlag := flag.Uint("stream", 0, "stream id, 0 picks the first")
	levelFlag := flag.Int("verbosity", 1, "info detail level 1-3")
	brightnessFlag := flag.Float64("brightness", 0, "color override: brightness -1..1")
	contrastFlag := flag.Float64("contrast", 1, "color override: contrast")
	gammaFlag := flag.Float64("gamma", 1, "color override: gamma")
	metricsFlag := flag.String("metrics", "", "listen address for prometheus metrics")
	logDirFlag := flag.String("logdir", "", "directory for the log database")
	logSizeFlag := flag.Uint64("logdbsize", 100*1024*1024, "log database size budget in bytes")
	flag.Usage = usage
	flag.Parse()

	action := flag.Arg(0)
	file := flag.Arg(1)
	if action == "" || file == "" {
		flag.Usage()
		return fmt.Errorf("an action and a stream file are required")
	}

	wg := &sync.WaitGroup{}
	logger := log.NewLogger(wg)

	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Start(ctx)
	go logger.LogToStdout(ctx)

	if *logDirFlag != "" {
		logDB := log.NewDB(filepath.Join(*logDirFlag, "logs.db"), wg, *logSizeFlag)
		if err := logDB.Init(ctx); err != nil {
			return fmt.Errorf("could not initialize log database: %w", err)
		}
		go logDB.SaveLogs(ctx, logger)
	}

	registry := metric.NewRegistry()
	if *metricsFlag != "" {
		go func() {
			err := http.ListenAndServe(*metricsFlag, registry.Handler())
			logger.Error().Src("app").Msgf("metrics server: %v", err)
		}()
	}

	cfg := play.Config{
		Logger:    logger,
		File:      file,
		Interrupt: ctx.Done(),
		Metrics:   registry,
	}

	var err error
	switch action {
	case "info":
		err = play.Info(cfg, os.Stdout, *levelFlag)

	case "play":
		var override *stream.Color
		if *brightnessFlag != 0 || *contrastFlag != 1 || *gammaFlag != 1 {
			override = &stream.Color{
				Brightness: *brightnessFlag,
				Contrast:   *contrastFlag,
				Red:        *gammaFlag,
				Green:      *gammaFlag,
				Blue:       *gammaFlag,
			}
		}
		err = play.Play(cfg, play.PlayOptions{
			ScaleFactor:      *scaleFlag,
			Color:            override,
			NewVideoConsumer: drainConsumer,
			NewAudioConsumer: drainConsumer,
		})

	case "wav":
		err = play.ExportWAV(cfg, requireOut(*outFlag, "audio.wav"), uint8(*streamFlag))

	case "img":
		err = play.ExportIMG(cfg, requireOut(*outFlag, "%010d.bmp"), uint8(*streamFlag))

	case "yuv4mpeg":
		err = play.ExportYUV4MPEG(cfg,
			requireOut(*outFlag, "video.y4m"), *fpsFlag, uint8(*streamFlag))

	default:
		flag.Usage()
		return fmt.Errorf("unknown action %q", action)
	}

	cancel()
	wg.Wait()
	return err
}

func requireOut(out, fallback string) string {
	if out == "" {
		return fallback
	}
	return out
}

// drain discards a demuxed stream. The play action validates that a
// file decodes end to end, rendering consumers live in embedding
// programs.
type drain struct {
	done chan error
}

func drainConsumer(streamID uint8, from *ringbuf.Buffer) (filter.Waiter, error) {
	d := &drain{done: make(chan error, 1)}
	go func() {
		for {
			ticket, err := from.ReserveRead()
			if err != nil {
				d.done <- err
				return
			}
			hdr, err := stream.UnmarshalHeader(ticket.Bytes())
			ticket.Release()
			if err != nil {
				d.done <- err
				return
			}
			if hdr.Type == stream.TypeClose {
				d.done <- nil
				return
			}
		}
	}()
	return d, nil
}

func (d *drain) Wait() error {
	err := <-d.done
	if err == nil || errors.Is(err, ringbuf.ErrCancelled) {
		return nil
	}
	return err
}

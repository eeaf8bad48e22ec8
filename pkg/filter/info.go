package filter

import (
	"fmt"
	"io"
	"sort"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
	"time"
)

// Info is a terminal diagnostics stage. Level 1 prints a stream summary
// when the stream ends, level 2 and up additionally prints one line per
// message.
type Info struct {
	out   io.Writer
	level int

	counts map[stream.MsgType]int
	bytes  map[stream.MsgType]int64
	last   int64
}

// NewInfo creates the dump stage writing to out.
func NewInfo(sess *pipeline.Session, from *ringbuf.Buffer, out io.Writer, level int) (*pipeline.Stage, error) {
	if out == nil || level < 1 {
		return nil, ringbuf.ErrInvalidArgument
	}
	in := &Info{
		out:    out,
		level:  level,
		counts: make(map[stream.MsgType]int),
		bytes:  make(map[stream.MsgType]int64),
	}
	return pipeline.NewStage(pipeline.StageConfig{
		Name:    "info",
		Session: sess,
		From:    from,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &infoWorker{in: in}, nil
		},
		Finish: func(error) { in.summary() },
	})
}

type infoWorker struct {
	pipeline.NopWorker
	in *Info
}

func (w *infoWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	in := w.in

	in.counts[hdr.Type]++
	in.bytes[hdr.Type] += int64(len(data))
	if hdr.Time > in.last {
		in.last = hdr.Time
	}

	if in.level >= 2 {
		fmt.Fprintf(in.out, "[%10.4fs] %-16s stream %3d  %d bytes\n",
			time.Duration(hdr.Time).Seconds(), hdr.Type, hdr.StreamID, len(data))

		if in.level >= 3 {
			w.detail(*hdr, data)
		}
	}
	return 0, true, nil
}

func (w *infoWorker) detail(hdr stream.Header, data []byte) {
	in := w.in

	switch hdr.Type {
	case stream.TypeVideoFormat:
		if f, err := stream.UnmarshalVideoFormat(data); err == nil {
			fmt.Fprintf(in.out, "  %dx%d %s flags 0x%02x\n",
				f.Width, f.Height, stream.PixFmtName(f.PixFormat), f.Flags)
		}
	case stream.TypeAudioFormat:
		if f, err := stream.UnmarshalAudioFormat(data); err == nil {
			fmt.Fprintf(in.out, "  %d Hz, %d channels, format 0x%02x\n",
				f.Rate, f.Channels, f.SampleFmt)
		}
	case stream.TypeColor:
		if c, err := stream.UnmarshalColor(data); err == nil {
			fmt.Fprintf(in.out, "  brightness %.2f contrast %.2f gamma %.2f/%.2f/%.2f\n",
				c.Brightness, c.Contrast, c.Red, c.Green, c.Blue)
		}
	case stream.TypeContainer:
		if c, err := stream.UnmarshalContainer(data); err == nil {
			fmt.Fprintf(in.out, "  codec 0x%02x, %d bytes uncompressed, wraps %s\n",
				c.Codec, c.OrigSize, c.OrigHeader.Type)
		}
	}
}

func (in *Info) summary() {
	types := make([]stream.MsgType, 0, len(in.counts))
	for t := range in.counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	fmt.Fprintf(in.out, "stream duration: %.4fs\n", time.Duration(in.last).Seconds())
	for _, t := range types {
		fmt.Fprintf(in.out, "  %-16s %6d messages, %d bytes\n", t, in.counts[t], in.bytes[t])
	}
}

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

// Package metric exposes pipeline statistics as Prometheus metrics.
// Collectors read the live counters on scrape, nothing is pushed.
package metric

import (
	"fmt"
	"net/http"
	"sync"

	"strec/pkg/pack"
	"strec/pkg/ringbuf"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strec"

// Registry tracks pipeline components and serves their metrics.
type Registry struct {
	reg *prometheus.Registry

	mu      sync.Mutex
	tracked map[string]prometheus.Collector
}

// NewRegistry creates a registry with Go runtime and process collectors
// pre-registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:     reg,
		tracked: make(map[string]prometheus.Collector),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) track(key string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tracked[key]; exists {
		return fmt.Errorf("%q already tracked: %w", key, ringbuf.ErrInvalidArgument)
	}
	if err := r.reg.Register(c); err != nil {
		return fmt.Errorf("register %q: %w", key, err)
	}
	r.tracked[key] = c
	return nil
}

// Untrack removes a tracked component, typically when its capture run
// ends.
func (r *Registry) Untrack(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.tracked[key]
	if !ok {
		return false
	}
	r.reg.Unregister(c)
	delete(r.tracked, key)
	return true
}

// TrackBuffer exposes a message buffer's statistics under the given
// component name.
func (r *Registry) TrackBuffer(name string, b *ringbuf.Buffer) error {
	return r.track("buffer/"+name, newBufferCollector(name, b))
}

// TrackPack exposes a compression stage's statistics under the given
// component name.
func (r *Registry) TrackPack(name string, s *pack.Stats) error {
	return r.track("pack/"+name, newPackCollector(name, s))
}

type bufferCollector struct {
	buf *ringbuf.Buffer

	bytesWritten *prometheus.Desc
	bytesRead    *prometheus.Desc
	maxFill      *prometheus.Desc
	waitEvents   *prometheus.Desc
}

func newBufferCollector(name string, b *ringbuf.Buffer) *bufferCollector {
	labels := prometheus.Labels{"component": name}
	return &bufferCollector{
		buf: b,
		bytesWritten: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buffer", "written_bytes_total"),
			"Payload bytes committed to the buffer.", nil, labels),
		bytesRead: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buffer", "read_bytes_total"),
			"Payload bytes consumed from the buffer.", nil, labels),
		maxFill: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buffer", "max_fill_bytes"),
			"High-water mark of reserved bytes.", nil, labels),
		waitEvents: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buffer", "wait_events_total"),
			"Times a producer or consumer had to wait.", nil, labels),
	}
}

func (c *bufferCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesWritten
	ch <- c.bytesRead
	ch <- c.maxFill
	ch <- c.waitEvents
}

func (c *bufferCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.buf.Stats()
	ch <- prometheus.MustNewConstMetric(
		c.bytesWritten, prometheus.CounterValue, float64(st.BytesWritten))
	ch <- prometheus.MustNewConstMetric(
		c.bytesRead, prometheus.CounterValue, float64(st.BytesRead))
	ch <- prometheus.MustNewConstMetric(
		c.maxFill, prometheus.GaugeValue, float64(st.MaxFill))
	ch <- prometheus.MustNewConstMetric(
		c.waitEvents, prometheus.CounterValue, float64(st.WaitEvents))
}

type packCollector struct {
	stats *pack.Stats

	in    *prometheus.Desc
	out   *prometheus.Desc
	ratio *prometheus.Desc
}

func newPackCollector(name string, s *pack.Stats) *packCollector {
	labels := prometheus.Labels{"component": name}
	return &packCollector{
		stats: s,
		in: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pack", "in_bytes_total"),
			"Payload bytes entering the compression stage.", nil, labels),
		out: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pack", "out_bytes_total"),
			"Payload bytes leaving the compression stage.", nil, labels),
		ratio: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pack", "ratio"),
			"Output bytes per input byte.", nil, labels),
	}
}

func (c *packCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.in
	ch <- c.out
	ch <- c.ratio
}

func (c *packCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.in, prometheus.CounterValue, float64(c.stats.In()))
	ch <- prometheus.MustNewConstMetric(
		c.out, prometheus.CounterValue, float64(c.stats.Out()))
	ch <- prometheus.MustNewConstMetric(
		c.ratio, prometheus.GaugeValue, c.stats.Ratio())
}

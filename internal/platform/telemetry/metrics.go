// Package telemetry records HTTP and ledger metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

type requestKey struct {
	method, route, status string
}

type gauge struct {
	name, help string
	read       func() float64
}

// Metrics is safe for concurrent use.
type Metrics struct {
	mu        sync.RWMutex
	durations map[requestKey]*histogram
	commits   map[string]*int64
	gauges    []gauge

	active atomic.Int64
}

func New() *Metrics {
	return &Metrics{
		durations: make(map[requestKey]*histogram),
		commits:   make(map[string]*int64),
	}
}

// RegisterGauge exposes fn under name. fn is read on every scrape.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, read: fn})
}

// CountCommit increments the committed-event counter for kind.
func (m *Metrics) CountCommit(kind string) {
	m.mu.RLock()
	p, ok := m.commits[kind]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.commits[kind]; !ok {
			p = new(int64)
			m.commits[kind] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Commits returns how many events of kind were counted.
func (m *Metrics) Commits(kind string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.commits[kind]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (m *Metrics) durationFor(k requestKey) *histogram {
	m.mu.RLock()
	h, ok := m.durations[k]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[k]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.durations[k] = h
	}
	return h
}

// Middleware records request durations labeled by method, route pattern and
// status code.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Add(1)
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			m.active.Add(-1)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := requestKey{
				method: c.Request().Method,
				route:  route,
				status: strconv.Itoa(c.Response().Status),
			}
			m.durationFor(key).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves every metric in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.write(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (m *Metrics) write(b *strings.Builder) {
	m.mu.RLock()
	keys := make([]requestKey, 0, len(m.durations))
	for k := range m.durations {
		keys = append(keys, k)
	}
	kinds := make([]string, 0, len(m.commits))
	for k := range m.commits {
		kinds = append(kinds, k)
	}
	gauges := append([]gauge(nil), m.gauges...)
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].route != keys[j].route {
			return keys[i].route < keys[j].route
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].status < keys[j].status
	})
	sort.Strings(kinds)

	const duration = "http_server_request_duration_seconds"
	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n", duration)
	fmt.Fprintf(b, "# TYPE %s histogram\n", duration)
	for _, k := range keys {
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", k.method, k.route, k.status)
		writeHistogram(b, duration, labels, m.durationFor(k))
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n\n", m.active.Load())

	b.WriteString("# HELP ledger_commits_total Ledger events committed by this instance.\n")
	b.WriteString("# TYPE ledger_commits_total counter\n")
	for _, k := range kinds {
		fmt.Fprintf(b, "ledger_commits_total{kind=%q} %d\n", k, m.Commits(k))
	}
	b.WriteByte('\n')

	for _, g := range gauges {
		fmt.Fprintf(b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(b, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(b, "%s %g\n\n", g.name, g.read())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

// Package telemetry keeps in-process request and gate-decision metrics and
// serves them in Prometheus text exposition format.
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

// Bucket boundaries for request durations, in seconds.
var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// histogram is a thread-safe histogram. Bucket counts are stored
// non-cumulative and summed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated by CAS
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
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

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

// LabelsKey joins label values into a store key.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

// Metrics holds the server's counters and histograms.
type Metrics struct {
	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	decisions map[string]*int64     // action|decision|reason
	active    int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		durations: make(map[string]*histogram),
		decisions: make(map[string]*int64),
	}
}

func (m *Metrics) histogramFor(key string) *histogram {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.durations[key] = h
	}
	return h
}

// ObserveDecision counts one gate decision.
func (m *Metrics) ObserveDecision(action, decision, reason string) {
	key := LabelsKey(action, decision, reason)
	m.mu.RLock()
	p, ok := m.decisions[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.decisions[key]; !ok {
			p = new(int64)
			m.decisions[key] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Decisions returns the count for one label set.
func (m *Metrics) Decisions(action, decision, reason string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.decisions[LabelsKey(action, decision, reason)]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// Requests returns the number of observed requests for one label set.
func (m *Metrics) Requests(method, route string, status int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.durations[LabelsKey(method, route, strconv.Itoa(status))]; ok {
		return h.Count()
	}
	return 0
}

// Middleware records request durations labeled by route pattern, so patient
// ids in paths never become label values.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&m.active, -1)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.histogramFor(LabelsKey(c.Request().Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the metrics at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.mu.RLock()
		durations := make(map[string]*histogram, len(m.durations))
		for k, h := range m.durations {
			durations[k] = h
		}
		decisions := make(map[string]int64, len(m.decisions))
		for k, p := range m.decisions {
			decisions[k] = atomic.LoadInt64(p)
		}
		m.mu.RUnlock()

		const reqName = "portal_http_request_duration_seconds"
		fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", reqName)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", reqName)
		for _, key := range sortedKeys(durations) {
			parts := strings.SplitN(key, "|", 3)
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, reqName, labels, durations[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP portal_http_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE portal_http_active_requests gauge\n")
		fmt.Fprintf(&b, "portal_http_active_requests %d\n\n", atomic.LoadInt64(&m.active))

		b.WriteString("# HELP portal_gate_decisions_total Audited gate decisions by action, decision and reason.\n")
		b.WriteString("# TYPE portal_gate_decisions_total counter\n")
		for _, key := range sortedKeys(decisions) {
			parts := strings.SplitN(key, "|", 3)
			fmt.Fprintf(&b, "portal_gate_decisions_total{action=%q,decision=%q,reason=%q} %d\n",
				parts[0], parts[1], parts[2], decisions[key])
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

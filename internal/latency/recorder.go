// Package latency 记录每个操作标签的耗时
package latency

import (
	"expvar"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/deritrader/internal/metrics"
)

var log = logrus.WithField("component", "latency")

const defaultWindow = 256

// Handle is returned by Start and consumed by Stop.
type Handle struct {
	label string
	start time.Time
}

// Label returns the operation label of the handle.
func (h Handle) Label() string { return h.label }

// Stats is the aggregate for one label.
type Stats struct {
	Label string        `json:"label"`
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	Last  time.Duration `json:"last"`
}

type series struct {
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
	last  time.Duration
	ring  []time.Duration
	next  int
}

// Recorder aggregates durations per label. Only the most recent window
// samples per label are kept for percentiles.
type Recorder struct {
	mu     sync.Mutex
	window int
	series map[string]*series
	now    func() time.Time
}

// NewRecorder creates a recorder; window <= 0 uses the default.
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = defaultWindow
	}
	return &Recorder{
		window: window,
		series: make(map[string]*series),
		now:    time.Now,
	}
}

// Start marks the beginning of an operation.
func (r *Recorder) Start(label string) Handle {
	return Handle{label: label, start: r.now()}
}

// Stop records the elapsed time since Start and returns it.
func (r *Recorder) Stop(h Handle) time.Duration {
	d := r.now().Sub(h.start)
	if d < 0 {
		d = 0
	}
	r.Observe(h.label, d)
	return d
}

// Observe records one duration for label.
func (r *Recorder) Observe(label string, d time.Duration) {
	r.mu.Lock()
	s, ok := r.series[label]
	if !ok {
		s = &series{ring: make([]time.Duration, 0, r.window)}
		r.series[label] = s
	}
	s.count++
	s.total += d
	s.last = d
	if s.count == 1 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	if len(s.ring) < r.window {
		s.ring = append(s.ring, d)
	} else {
		s.ring[s.next] = d
		s.next = (s.next + 1) % r.window
	}
	mean := s.total / time.Duration(s.count)
	r.mu.Unlock()

	publish(label, mean)
	log.Debugf("%s took %s", label, d)
}

func publish(label string, mean time.Duration) {
	v := new(expvar.Float)
	v.Set(float64(mean) / float64(time.Millisecond))
	metrics.Latency.Set(label+"_mean_ms", v)
	metrics.Latency.Add(label+"_count", 1)
}

// Samples returns the retained durations for label, oldest first.
func (r *Recorder) Samples(label string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[label]
	if !ok {
		return nil
	}
	out := make([]time.Duration, 0, len(s.ring))
	if len(s.ring) < r.window {
		return append(out, s.ring...)
	}
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}

// Get returns the stats of one label.
func (r *Recorder) Get(label string) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[label]
	if !ok {
		return Stats{}, false
	}
	return s.stats(label), true
}

// Snapshot returns stats for every label, sorted by label.
func (r *Recorder) Snapshot() []Stats {
	r.mu.Lock()
	out := make([]Stats, 0, len(r.series))
	for label, s := range r.series {
		out = append(out, s.stats(label))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Reset drops all samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.series = make(map[string]*series)
	r.mu.Unlock()
}

func (s *series) stats(label string) Stats {
	st := Stats{
		Label: label,
		Count: s.count,
		Min:   s.min,
		Max:   s.max,
		Last:  s.last,
	}
	if s.count > 0 {
		st.Mean = s.total / time.Duration(s.count)
	}
	if len(s.ring) > 0 {
		sorted := append([]time.Duration(nil), s.ring...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		st.P50 = percentile(sorted, 0.50)
		st.P99 = percentile(sorted, 0.99)
	}
	return st
}

// percentile 使用最近秩法
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

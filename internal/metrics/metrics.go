// Package metrics aggregates verification samples: process totals, a
// rolling hourly and daily time series for the JSON snapshot endpoint, and
// Prometheus collectors for scraping.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	hourlyRetention = 24
	dailyRetention  = 30
)

// Tracker is an append-only sink for (startTime, success) samples. It is
// safe for concurrent use from all workers.
type Tracker struct {
	mu       sync.Mutex
	total    int64
	success  int64
	totalDur time.Duration
	hourly   map[int64]*bucket // key: hour-aligned ms epoch
	daily    map[int64]*bucket // key: day-aligned ms epoch
	now      func() time.Time

	promTotal   prometheus.Counter
	promFailed  prometheus.Counter
	promSeconds prometheus.Histogram
}

type bucket struct {
	count    int64
	success  int64
	totalDur time.Duration
}

// New creates a Tracker. When reg is non-nil the Prometheus collectors are
// registered on it.
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		hourly: make(map[int64]*bucket),
		daily:  make(map[int64]*bucket),
		now:    time.Now,
		promTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verifyd",
			Name:      "validations_total",
			Help:      "Email verifications performed.",
		}),
		promFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verifyd",
			Name:      "validations_failed_total",
			Help:      "Email verifications that did not produce a valid result.",
		}),
		promSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "verifyd",
			Name:      "validation_duration_seconds",
			Help:      "Wall time of one verification.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(t.promTotal, t.promFailed, t.promSeconds)
	}
	return t
}

// NewWithClock creates an unregistered Tracker with a custom time source
// (for testing).
func NewWithClock(now func() time.Time) *Tracker {
	t := New(nil)
	t.now = now
	return t
}

// Record ingests one sample. The duration is measured from start to now.
func (t *Tracker) Record(start time.Time, success bool) {
	now := t.now()
	dur := now.Sub(start)
	if dur < 0 {
		dur = 0
	}

	t.promTotal.Inc()
	if !success {
		t.promFailed.Inc()
	}
	t.promSeconds.Observe(dur.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	if success {
		t.success++
	}
	t.totalDur += dur

	ingest(t.hourly, now.Truncate(time.Hour).UnixMilli(), dur, success)
	ingest(t.daily, now.Truncate(24*time.Hour).UnixMilli(), dur, success)

	prune(t.hourly, hourlyRetention)
	prune(t.daily, dailyRetention)
}

func ingest(buckets map[int64]*bucket, key int64, dur time.Duration, success bool) {
	b := buckets[key]
	if b == nil {
		b = &bucket{}
		buckets[key] = b
	}
	b.count++
	if success {
		b.success++
	}
	b.totalDur += dur
}

// prune drops the oldest buckets beyond the retention count.
func prune(buckets map[int64]*bucket, keep int) {
	for len(buckets) > keep {
		oldest := int64(math.MaxInt64)
		for k := range buckets {
			if k < oldest {
				oldest = k
			}
		}
		delete(buckets, oldest)
	}
}

// SeriesPoint is one time-series bucket of the snapshot.
type SeriesPoint struct {
	Timestamp   int64   `json:"timestamp"` // bucket-aligned ms epoch
	Validations int64   `json:"validations"`
	SuccessRate float64 `json:"successRate"` // percent
	AverageTime int64   `json:"averageTime"` // ms, rounded
}

// Snapshot is the JSON shape served by the metrics endpoint.
type Snapshot struct {
	TotalValidations      int64         `json:"totalValidations"`
	SuccessfulValidations int64         `json:"successfulValidations"`
	FailedValidations     int64         `json:"failedValidations"`
	AverageValidationTime int64         `json:"averageValidationTime"` // ms, rounded
	HourlyMetrics         []SeriesPoint `json:"hourlyMetrics"`
	DailyMetrics          []SeriesPoint `json:"dailyMetrics"`
}

// Snapshot returns the current aggregate view. Series are ordered oldest
// to newest.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		TotalValidations:      t.total,
		SuccessfulValidations: t.success,
		FailedValidations:     t.total - t.success,
		HourlyMetrics:         series(t.hourly),
		DailyMetrics:          series(t.daily),
	}
	if t.total > 0 {
		s.AverageValidationTime = int64(math.Round(float64(t.totalDur.Milliseconds()) / float64(t.total)))
	}
	return s
}

func series(buckets map[int64]*bucket) []SeriesPoint {
	out := make([]SeriesPoint, 0, len(buckets))
	for ts, b := range buckets {
		p := SeriesPoint{Timestamp: ts, Validations: b.count}
		if b.count > 0 {
			p.SuccessRate = math.Round(float64(b.success)/float64(b.count)*10000) / 100
			p.AverageTime = int64(math.Round(float64(b.totalDur.Milliseconds()) / float64(b.count)))
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

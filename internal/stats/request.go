package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// bucket aggregates the requests that started or finished within one
// second of wall-clock time (spec.md §3 RequestStats: a ring of 1-second
// buckets spanning the configured window).
type bucket struct {
	second    int64 // unix seconds this bucket belongs to; 0 means unset
	started   int64
	finished  int64
	latencyNs int64
}

// RequestTracker is a per-backend sliding window of request counts and
// latency, read by the least-loaded policy and exposed for diagnostics
// (spec.md §4.3). It is safe for concurrent use by every proxy handler
// goroutine.
type RequestTracker struct {
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]bucket // backend URL -> ring of len(window seconds)

	inflight sync.Map // backend URL -> *int64
}

// NewRequestTracker builds a tracker with a sliding window of the given
// duration (spec.md §4.3 default 60s). Sub-second windows are rounded up to
// one second.
func NewRequestTracker(window time.Duration) *RequestTracker {
	if window < time.Second {
		window = time.Second
	}
	return &RequestTracker{
		window:  window,
		buckets: map[string][]bucket{},
	}
}

// ringLen returns how many 1-second slots the window spans.
func (t *RequestTracker) ringLen() int {
	return int(t.window / time.Second)
}

// touch returns a pointer to the bucket for (url, now), allocating the
// ring on first use and resetting a reused slot that has rolled over to a
// new second. Caller must hold t.mu.
func (t *RequestTracker) touch(url string, now time.Time) *bucket {
	ring, ok := t.buckets[url]
	if !ok {
		ring = make([]bucket, t.ringLen())
		t.buckets[url] = ring
	}
	sec := now.Unix()
	idx := int(sec % int64(len(ring)))
	b := &t.buckets[url][idx]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	return b
}

// counter returns the atomic in-flight counter for url, creating it on
// first use.
func (t *RequestTracker) counter(url string) *int64 {
	v, _ := t.inflight.LoadOrStore(url, new(int64))
	return v.(*int64)
}

// Start records that a request to url has begun. It returns a function the
// caller must invoke exactly once when the request finishes (success,
// client-abort, or upstream error alike), recording its latency. The
// returned func is idempotent beyond the first call so a deferred call
// racing an explicit one never double-counts.
func (t *RequestTracker) Start(url string) func() {
	start := time.Now()

	t.mu.Lock()
	t.touch(url, start).started++
	t.mu.Unlock()

	atomic.AddInt64(t.counter(url), 1)

	var done int32
	return func() {
		if !atomic.CompareAndSwapInt32(&done, 0, 1) {
			return
		}
		atomic.AddInt64(t.counter(url), -1)

		finishNow := time.Now()
		t.mu.Lock()
		b := t.touch(url, finishNow)
		b.finished++
		b.latencyNs += finishNow.Sub(start).Nanoseconds()
		t.mu.Unlock()
	}
}

// InFlight returns the current number of requests to url that have started
// but not yet finished.
func (t *RequestTracker) InFlight(url string) int64 {
	v, ok := t.inflight.Load(url)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// WindowStats summarizes the sliding window for one backend: total started
// and finished counts, and mean latency across finished requests, looking
// back over the tracker's configured window.
type WindowStats struct {
	Started       int64
	Finished      int64
	MeanLatencyMs float64
}

// Window returns aggregate stats for url across the tracker's sliding
// window as of now.
func (t *RequestTracker) Window(url string, now time.Time) WindowStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring, ok := t.buckets[url]
	if !ok {
		return WindowStats{}
	}
	cutoff := now.Add(-t.window).Unix()
	var started, finished, latencyNs int64
	for _, b := range ring {
		if b.second == 0 || b.second <= cutoff || b.second > now.Unix() {
			continue
		}
		started += b.started
		finished += b.finished
		latencyNs += b.latencyNs
	}

	stats := WindowStats{Started: started, Finished: finished}
	if finished > 0 {
		stats.MeanLatencyMs = float64(latencyNs) / float64(finished) / 1e6
	}
	return stats
}

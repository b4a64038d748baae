package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestTrackerInFlight(t *testing.T) {
	rt := NewRequestTracker(time.Minute)
	assert.EqualValues(t, 0, rt.InFlight("http://a"))

	done1 := rt.Start("http://a")
	done2 := rt.Start("http://a")
	assert.EqualValues(t, 2, rt.InFlight("http://a"))

	done1()
	assert.EqualValues(t, 1, rt.InFlight("http://a"))

	done2()
	assert.EqualValues(t, 0, rt.InFlight("http://a"))
}

func TestRequestTrackerDoneIsIdempotent(t *testing.T) {
	rt := NewRequestTracker(time.Minute)
	done := rt.Start("http://a")
	done()
	done()
	assert.EqualValues(t, 0, rt.InFlight("http://a"))

	w := rt.Window("http://a", time.Now())
	assert.EqualValues(t, 1, w.Finished)
}

func TestRequestTrackerWindowAggregates(t *testing.T) {
	rt := NewRequestTracker(10 * time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		done := rt.Start("http://a")
		done()
	}

	w := rt.Window("http://a", now)
	assert.EqualValues(t, 3, w.Started)
	assert.EqualValues(t, 3, w.Finished)
	assert.GreaterOrEqual(t, w.MeanLatencyMs, 0.0)
}

func TestRequestTrackerWindowExcludesOldBuckets(t *testing.T) {
	rt := NewRequestTracker(2 * time.Second)
	past := time.Now().Add(-time.Hour)

	rt.mu.Lock()
	rt.touch("http://a", past).started++
	rt.mu.Unlock()

	w := rt.Window("http://a", time.Now())
	assert.EqualValues(t, 0, w.Started)
}

func TestRequestTrackerUnknownURL(t *testing.T) {
	rt := NewRequestTracker(time.Minute)
	w := rt.Window("http://unknown", time.Now())
	assert.EqualValues(t, 0, w.Started)
	assert.EqualValues(t, 0, w.Finished)
}

package httpd

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const latencyWindow = 1024

// latencyRecorder keeps a sliding window of handler durations; the _stats
// endpoint reports percentiles over it.
type latencyRecorder struct {
	mtx     sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{samples: make([]float64, latencyWindow)}
}

func (r *latencyRecorder) Observe(d time.Duration) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.samples[r.next] = d.Seconds()
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *latencyRecorder) Percentiles() map[string]interface{} {
	r.mtx.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	window := append([]float64(nil), r.samples[:n]...)
	r.mtx.Unlock()

	out := map[string]interface{}{"count": n}
	if n == 0 {
		return out
	}
	for _, p := range []struct {
		name string
		pct  float64
	}{{"p50", 50}, {"p90", 90}, {"p99", 99}} {
		v, err := stats.Percentile(window, p.pct)
		if err != nil {
			continue
		}
		out[p.name+"_seconds"] = v
	}
	if mean, err := stats.Mean(window); err == nil {
		out["mean_seconds"] = mean
	}
	return out
}

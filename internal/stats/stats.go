// ============================================================================
// Cuckoo-Mine Telemetry Aggregator
// ============================================================================
//
// Package: internal/stats
// File: stats.go
// Purpose: Merges per-instance and per-connection StatSamples into windowed
// statistics and exposes point-in-time snapshots for the display layer.
//
// Design:
//   Purely observational. The aggregator consumes samples and session/job
//   updates from the coordinator and the protocol client but never feeds
//   anything back into dispatch or cancellation decisions. Rate samples
//   live in per-producer rings pruned to a fixed window; accept/reject/
//   stale/lost are monotonic counters.
//
// ============================================================================

package stats

import (
	"sync"
	"time"

	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

// DefaultWindow is the rolling window rate samples are averaged over.
const DefaultWindow = 60 * time.Second

// InstanceSnapshot is the per-producer slice of a Snapshot.
type InstanceSnapshot struct {
	Producer string
	Gps      float64 // average graphs/sec over the window
	LastSeen time.Time
}

// Snapshot is a point-in-time view for the display layer.
type Snapshot struct {
	At         time.Time
	ServerAddr string
	Session    types.SessionState
	Height     uint64
	Difficulty uint64

	CombinedGps float64
	Accepted    uint64
	Rejected    uint64
	Stale       uint64
	Lost        uint64

	Instances []InstanceSnapshot
}

// Aggregator collects StatSamples into rolling windows.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration

	serverAddr string
	session    types.SessionState
	height     uint64
	difficulty uint64

	rates map[string][]types.StatSample // per-producer ring, pruned to window
	order []string                      // producer enumeration order, first-seen

	accepted uint64
	rejected uint64
	stale    uint64
	lost     uint64
}

// New creates an aggregator with the given rolling window; window <= 0
// falls back to DefaultWindow.
func New(window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		window:  window,
		session: types.SessionDisconnected,
		rates:   make(map[string][]types.StatSample),
	}
}

// Record consumes one sample. Rate samples enter the producer's window;
// outcome samples bump the matching counter.
func (a *Aggregator) Record(s types.StatSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch s.Kind {
	case types.SampleGraphRate, types.SampleSolveLatency:
		if _, seen := a.rates[s.Producer]; !seen {
			a.order = append(a.order, s.Producer)
		}
		ring := append(a.rates[s.Producer], s)
		a.rates[s.Producer] = pruneLocked(ring, s.At.Add(-a.window))
	case types.SampleAccept:
		a.accepted++
	case types.SampleReject:
		a.rejected++
	case types.SampleStale:
		a.stale++
	case types.SampleLost:
		a.lost++
	}
}

// SetSession records the protocol client's connection state and address.
func (a *Aggregator) SetSession(addr string, state types.SessionState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serverAddr = addr
	a.session = state
}

// SetJob records the height and difficulty of the current job.
func (a *Aggregator) SetJob(height, difficulty uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.height = height
	a.difficulty = difficulty
}

// Snapshot returns the current windowed view. Producers with no sample
// inside the window report a zero rate but stay enumerated, so the display
// can show a stalled instance rather than dropping it.
func (a *Aggregator) Snapshot() Snapshot {
	return a.snapshotAt(time.Now())
}

func (a *Aggregator) snapshotAt(now time.Time) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.window)
	snap := Snapshot{
		At:         now,
		ServerAddr: a.serverAddr,
		Session:    a.session,
		Height:     a.height,
		Difficulty: a.difficulty,
		Accepted:   a.accepted,
		Rejected:   a.rejected,
		Stale:      a.stale,
		Lost:       a.lost,
	}

	for _, producer := range a.order {
		ring := pruneLocked(a.rates[producer], cutoff)
		a.rates[producer] = ring

		inst := InstanceSnapshot{Producer: producer}
		var sum float64
		var n int
		for _, s := range ring {
			if s.Kind != types.SampleGraphRate {
				continue
			}
			sum += s.Value
			n++
			if s.At.After(inst.LastSeen) {
				inst.LastSeen = s.At
			}
		}
		if n > 0 {
			inst.Gps = sum / float64(n)
		}
		snap.CombinedGps += inst.Gps
		snap.Instances = append(snap.Instances, inst)
	}
	return snap
}

// pruneLocked drops samples older than cutoff, preserving order.
func pruneLocked(ring []types.StatSample, cutoff time.Time) []types.StatSample {
	i := 0
	for i < len(ring) && ring[i].At.Before(cutoff) {
		i++
	}
	if i == 0 {
		return ring
	}
	return append(ring[:0], ring[i:]...)
}

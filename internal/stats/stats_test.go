package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

func rateSample(producer string, gps float64, at time.Time) types.StatSample {
	return types.StatSample{Producer: producer, Kind: types.SampleGraphRate, Value: gps, At: at}
}

func TestSnapshotAveragesPerProducer(t *testing.T) {
	a := New(time.Minute)
	now := time.Now()

	a.Record(rateSample("cpu-0", 1.0, now.Add(-2*time.Second)))
	a.Record(rateSample("cpu-0", 3.0, now.Add(-time.Second)))
	a.Record(rateSample("gpu-0", 10.0, now))

	snap := a.snapshotAt(now)
	require.Len(t, snap.Instances, 2)
	assert.Equal(t, "cpu-0", snap.Instances[0].Producer, "producers enumerate in first-seen order")
	assert.InDelta(t, 2.0, snap.Instances[0].Gps, 1e-9)
	assert.InDelta(t, 10.0, snap.Instances[1].Gps, 1e-9)
	assert.InDelta(t, 12.0, snap.CombinedGps, 1e-9, "combined rate sums the per-producer averages")
}

func TestWindowPruning(t *testing.T) {
	a := New(10 * time.Second)
	now := time.Now()

	a.Record(rateSample("cpu-0", 100.0, now.Add(-30*time.Second)))
	a.Record(rateSample("cpu-0", 2.0, now.Add(-time.Second)))

	snap := a.snapshotAt(now)
	require.Len(t, snap.Instances, 1)
	assert.InDelta(t, 2.0, snap.Instances[0].Gps, 1e-9, "samples outside the window are pruned")
}

func TestStalledProducerStaysEnumerated(t *testing.T) {
	a := New(10 * time.Second)
	now := time.Now()

	a.Record(rateSample("cpu-0", 5.0, now.Add(-time.Second)))

	// Much later every sample has aged out, but the producer is still
	// listed with a zero rate so the display can show it stalled.
	snap := a.snapshotAt(now.Add(time.Minute))
	require.Len(t, snap.Instances, 1)
	assert.Zero(t, snap.Instances[0].Gps)
	assert.Zero(t, snap.CombinedGps)
}

func TestOutcomeCounters(t *testing.T) {
	a := New(time.Minute)
	now := time.Now()

	for _, kind := range []types.SampleKind{
		types.SampleAccept, types.SampleAccept,
		types.SampleReject,
		types.SampleStale, types.SampleStale, types.SampleStale,
		types.SampleLost,
	} {
		a.Record(types.StatSample{Producer: "cpu-0", Kind: kind, Value: 1, At: now})
	}

	snap := a.Snapshot()
	assert.Equal(t, uint64(2), snap.Accepted)
	assert.Equal(t, uint64(1), snap.Rejected)
	assert.Equal(t, uint64(3), snap.Stale)
	assert.Equal(t, uint64(1), snap.Lost)
	assert.Empty(t, snap.Instances, "outcome samples do not create rate producers")
}

func TestSessionAndJobContext(t *testing.T) {
	a := New(time.Minute)

	a.SetSession("node:13416", types.SessionReady)
	a.SetJob(1024, 7777)

	snap := a.Snapshot()
	assert.Equal(t, "node:13416", snap.ServerAddr)
	assert.Equal(t, types.SessionReady, snap.Session)
	assert.Equal(t, uint64(1024), snap.Height)
	assert.Equal(t, uint64(7777), snap.Difficulty)
}

func TestZeroWindowFallsBackToDefault(t *testing.T) {
	a := New(0)
	assert.Equal(t, DefaultWindow, a.window)
}

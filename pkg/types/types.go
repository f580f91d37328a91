// Package types defines the core domain model shared by the mining client:
// jobs received from the node, shares produced by solver instances, and the
// lifecycle/state enumerations the coordinator and protocol client drive.
package types

import (
	"time"
)

// JobID identifies one unit of mining work issued by the node. IDs are
// opaque to the client beyond distinguishing one job from another; the
// stratum wire carries them as numbers.
type JobID uint64

// Job is one unit of mining work: the pre-proof-of-work header bytes the
// solvers search over, the difficulty the node expects, and the chain
// height the work is for. A Job is immutable once created; a newer Job
// supersedes it, it is never mutated in place.
type Job struct {
	ID         JobID     // job identifier from the node
	PrePow     []byte    // pre-PoW header bytes handed to solvers
	Difficulty uint64    // scaled difficulty target
	Height     uint64    // chain height the job builds on
	ReceivedAt time.Time // when the job notification arrived
}

// Solution is a raw proof found by a solver for the work it was given.
// The proof encoding is owned by the solving algorithm; the core treats
// it as an opaque cycle/nonce pair.
type Solution struct {
	Nonce uint64   // nonce the proof was found at
	Proof []uint32 // proof-of-work cycle
}

// Share is a solution packaged for submission. It references the job the
// solver was actually computing against (not whatever job is current at
// packaging time), which is what the grace-window rule is judged on.
type Share struct {
	JobID    JobID     // job the proof was computed against
	Height   uint64    // height of that job
	EdgeBits uint8     // graph size the solving plugin ran at
	Nonce    uint64    // solution nonce
	Proof    []uint32  // solution proof
	Instance string    // label of the instance that found it
	FoundAt  time.Time // discovery timestamp
}

// InstanceState is the lifecycle state of one solver instance. An
// instance is in exactly one state at a time; transitions out of Solving
// go only through Cancelling back to Idle, or to Errored.
type InstanceState string

const (
	StateLoaded     InstanceState = "loaded"     // identified and configured, not yet dispatched
	StateIdle       InstanceState = "idle"       // ready for work
	StateSolving    InstanceState = "solving"    // asynchronously searching a job
	StateCancelling InstanceState = "cancelling" // cancel requested, waiting for quiesce
	StateErrored    InstanceState = "errored"    // unresponsive or failed, pending reload
	StateUnloaded   InstanceState = "unloaded"   // shut down, no further calls valid
)

// SessionState is the protocol client's connection state.
type SessionState string

const (
	SessionDisconnected   SessionState = "disconnected"
	SessionConnecting     SessionState = "connecting"
	SessionAuthenticating SessionState = "authenticating"
	SessionReady          SessionState = "ready"
	SessionDegraded       SessionState = "degraded"
)

// SampleKind classifies a telemetry sample.
type SampleKind string

const (
	SampleGraphRate    SampleKind = "graph_rate"    // graphs (solve attempts) per second
	SampleSolveLatency SampleKind = "solve_latency" // seconds per completed graph search
	SampleAccept       SampleKind = "accept"        // share accepted by the node
	SampleReject       SampleKind = "reject"        // share rejected by the node
	SampleStale        SampleKind = "stale"         // share dropped before submission
	SampleLost         SampleKind = "lost"          // share unanswered at disconnect, not retried
)

// StatSample is one append-only telemetry observation. Samples flow from
// the coordinator and the protocol client into the aggregator; they never
// feed back into dispatch decisions.
type StatSample struct {
	Producer string // instance label or "client"
	Kind     SampleKind
	Value    float64
	At       time.Time
}

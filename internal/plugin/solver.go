// ============================================================================
// Cuckoo-Mine Solver ABI
// ============================================================================
//
// Package: internal/plugin
// File: solver.go
// Purpose: Defines the capability contract every dynamically loaded solver
// module must satisfy, independent of the proof-of-work algorithm it runs.
//
// Motivation:
//   Solver plugins are compiled separately and loaded at runtime, so the
//   client can never assume anything about their internals. The contract is
//   a small, versioned function table: the client gates on Identify() before
//   any other call, and after Shutdown() no further calls are valid.
//
// Call discipline (enforced by Registry/Coordinator, not by plugins):
//   - Identify/Configure/Shutdown are lifecycle calls, owned by the Registry.
//   - SubmitWork/Cancel/PollSolution/PollStats are dispatch calls, owned by
//     the Coordinator. Poll* are non-blocking snapshots.
//
// ============================================================================

package plugin

import (
	"errors"

	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

// Supported ABI version range. A plugin reporting a version outside this
// range is rejected at load time with ErrAbiMismatch.
const (
	AbiVersionMin = 1
	AbiVersionMax = 1
)

var (
	// ErrConfigRejected indicates the requested device or instance count is
	// unavailable to the plugin.
	ErrConfigRejected = errors.New("plugin rejected configuration")
	// ErrInvalidWork indicates malformed header bytes or target encoding.
	ErrInvalidWork = errors.New("invalid work submitted to plugin")
	// ErrAbiMismatch indicates the plugin's reported ABI version is outside
	// the supported range.
	ErrAbiMismatch = errors.New("plugin ABI version unsupported")
	// ErrNoSolvers indicates no plugin produced a usable solver instance.
	// This is the only load-time condition fatal to the process.
	ErrNoSolvers = errors.New("no usable solver instances loaded")
)

// Identity is the self-description a plugin reports before any other use.
type Identity struct {
	Name       string // plugin name, e.g. "cuckaroo_cpu"
	Algorithm  string // algorithm identifier, e.g. "cuckaroo29"
	EdgeBits   uint8  // graph size the plugin searches
	ABIVersion int    // contract version the plugin was built against
}

// SolverStats is a non-blocking telemetry snapshot from one solver.
// Busy doubles as the cancel acknowledgment: after Cancel(), a plugin
// reports Busy=false once its search has quiesced.
type SolverStats struct {
	GraphsPerSec float64 // current search rate
	Attempts     uint64  // total graphs attempted since SubmitWork
	Busy         bool    // a search is still running
	Errored      bool    // plugin-internal error flag
	ErrorReason  string  // human-readable reason when Errored
}

// Solver is the capability set a loaded plugin module exposes. All methods
// other than SubmitWork and Configure must not block; SubmitWork only
// starts (or restarts) an asynchronous search and returns immediately.
type Solver interface {
	// Identify reports name, algorithm and ABI version. Called once at
	// load time for compatibility gating.
	Identify() Identity

	// Configure binds the solver to a device selector with the requested
	// instance/thread count. Returns ErrConfigRejected if the device is
	// unavailable.
	Configure(device string, instances int) error

	// SubmitWork begins or restarts an asynchronous solve over the given
	// pre-PoW header at the given difficulty. Returns ErrInvalidWork if
	// the header or target encoding is malformed.
	SubmitWork(prePow []byte, difficulty uint64) error

	// Cancel requests the current solve stop as soon as possible. It is
	// idempotent and best-effort: after it returns plus a bounded grace
	// period, no further solutions for the previous work are reported.
	Cancel()

	// PollSolution returns at most one found solution per call, without
	// blocking. A solver may report zero or more solutions for a single
	// submitted work item.
	PollSolution() (types.Solution, bool)

	// PollStats returns a telemetry snapshot without blocking.
	PollStats() SolverStats

	// Shutdown releases plugin-held resources. No call is valid after it.
	Shutdown()
}

// abiSupported reports whether a plugin-declared ABI version falls inside
// the range this client was built against.
func abiSupported(v int) bool {
	return v >= AbiVersionMin && v <= AbiVersionMax
}

// ============================================================================
// Cuckoo-Mine Plugin Registry
// ============================================================================
//
// Package: internal/plugin
// File: registry.go
// Purpose: Turns a directory of solver plugin binaries plus a selection
// policy into a set of live, configured SolverInstances.
//
// Ownership model:
//   The Registry owns every instance it creates: it is the only component
//   allowed to call the lifecycle half of the ABI (Identify, Configure,
//   Shutdown). The coordinator receives non-owning references and uses only
//   the dispatch half (SubmitWork, Cancel, Poll*).
//
// Failure policy:
//   A candidate that fails Identify, the ABI gate, or Configure is skipped
//   with a recorded LoadError; mining continues with whatever loaded. Zero
//   usable instances is the only fatal load outcome (ErrNoSolvers).
//
// ============================================================================

package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

var log = slog.Default()

// PluginSuffix distinguishes solver plugin binaries from other files in the
// plugin directory.
const PluginSuffix = ".cuckooplugin"

// OpenFunc opens a plugin binary and returns its Solver entry point. The
// default is OpenSharedObject; tests inject fakes.
type OpenFunc func(path string) (Solver, error)

// LoadError records one skipped plugin candidate.
type LoadError struct {
	Path string
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %v", filepath.Base(e.Path), e.Err)
}

// Config is the registry's slice of the client configuration.
type Config struct {
	Dir              string            // plugin binary directory
	Filter           string            // substring filter on plugin names, empty = all
	DefaultInstances int               // instances per plugin unless overridden
	InstanceCounts   map[string]int    // per-plugin override, keyed by identified name
	Devices          map[string]string // per-plugin device selector, keyed by identified name
	ReloadBudget     int               // errored reloads tolerated before permanent unload
}

// Instance is one live solver instance. The registry owns the lifecycle;
// the coordinator drives the dispatch state machine through the exported
// methods. State, heartbeat and stats are guarded by mu because the
// coordinator and the registry touch them from different goroutines.
type Instance struct {
	label  string // "<plugin>-<n>", stable across reloads
	path   string // binary the solver was loaded from
	device string
	ident  Identity

	mu        sync.Mutex
	solver    Solver
	state     types.InstanceState
	lastBeat  time.Time
	lastStats SolverStats
	reloads   int
}

// Label returns the stable instance identity used in shares and telemetry.
func (in *Instance) Label() string { return in.label }

// Identity returns the plugin self-description captured at load time.
func (in *Instance) Identity() Identity { return in.ident }

// State returns the current lifecycle state.
func (in *Instance) State() types.InstanceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// SetState moves the instance to a new lifecycle state. Transitions are
// decided by the coordinator (dispatch states) and the registry (lifecycle
// states); the instance only records them.
func (in *Instance) SetState(s types.InstanceState) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = s
}

// LastBeat returns the time of the last observed solver progress.
func (in *Instance) LastBeat() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastBeat
}

// Touch resets the progress clock, used at dispatch so liveness is judged
// from when work was handed over rather than from load time.
func (in *Instance) Touch(now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.lastBeat = now
}

// LastStats returns the most recent solver stats snapshot.
func (in *Instance) LastStats() SolverStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastStats
}

// SubmitWork forwards work to the solver. Dispatch call, coordinator only.
func (in *Instance) SubmitWork(prePow []byte, difficulty uint64) error {
	in.mu.Lock()
	s := in.solver
	in.mu.Unlock()
	if s == nil {
		return fmt.Errorf("instance %s: %w", in.label, ErrNoSolvers)
	}
	return s.SubmitWork(prePow, difficulty)
}

// Cancel forwards a best-effort cancel to the solver. Idempotent.
func (in *Instance) Cancel() {
	in.mu.Lock()
	s := in.solver
	in.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// PollSolution forwards a non-blocking solution poll.
func (in *Instance) PollSolution() (types.Solution, bool) {
	in.mu.Lock()
	s := in.solver
	in.mu.Unlock()
	if s == nil {
		return types.Solution{}, false
	}
	return s.PollSolution()
}

// PollStats polls the solver for a stats snapshot and records it. The beat
// timestamp advances only when the attempt counter moved, so a wedged
// solver that keeps answering PollStats still trips the liveness check.
func (in *Instance) PollStats(now time.Time) SolverStats {
	in.mu.Lock()
	s := in.solver
	prev := in.lastStats
	in.mu.Unlock()
	if s == nil {
		return SolverStats{}
	}

	st := s.PollStats()

	in.mu.Lock()
	if st.Attempts != prev.Attempts || !st.Busy {
		in.lastBeat = now
	}
	in.lastStats = st
	in.mu.Unlock()
	return st
}

// Registry discovers, loads and owns solver instances.
type Registry struct {
	cfg  Config
	open OpenFunc

	mu        sync.Mutex
	instances []*Instance
	loadErrs  []LoadError
	closed    bool
}

// NewRegistry creates a registry over the configured plugin directory.
// A nil open falls back to the shared-object loader.
func NewRegistry(cfg Config, open OpenFunc) *Registry {
	if open == nil {
		open = OpenSharedObject
	}
	if cfg.DefaultInstances <= 0 {
		cfg.DefaultInstances = 1
	}
	if cfg.ReloadBudget <= 0 {
		cfg.ReloadBudget = 3
	}
	return &Registry{cfg: cfg, open: open}
}

// Discover lists candidate plugin binaries in the configured directory,
// lexicographically by filename so instance enumeration is reproducible
// across runs.
func (r *Registry) Discover() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), PluginSuffix) {
			continue
		}
		if r.cfg.Filter != "" && !strings.Contains(e.Name(), r.cfg.Filter) {
			continue
		}
		paths = append(paths, filepath.Join(r.cfg.Dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadAll discovers and loads every candidate, recording failures as
// LoadErrors. It returns ErrNoSolvers if nothing usable loaded.
func (r *Registry) LoadAll() error {
	paths, err := r.Discover()
	if err != nil {
		return err
	}

	for _, path := range paths {
		if err := r.loadCandidate(path); err != nil {
			r.mu.Lock()
			r.loadErrs = append(r.loadErrs, LoadError{Path: path, Err: err})
			r.mu.Unlock()
			log.Warn("Skipping plugin", "path", path, "error", err)
		}
	}

	r.mu.Lock()
	n := len(r.instances)
	r.mu.Unlock()
	if n == 0 {
		return ErrNoSolvers
	}

	log.Info("Plugins loaded", "instances", n, "skipped", len(r.loadErrs))
	return nil
}

// loadCandidate opens one binary, gates on the ABI handshake and creates
// the configured number of instances from it.
func (r *Registry) loadCandidate(path string) error {
	probe, err := r.open(path)
	if err != nil {
		return err
	}

	ident := probe.Identify()
	if !abiSupported(ident.ABIVersion) {
		probe.Shutdown()
		return fmt.Errorf("%w: plugin reports ABI %d, supported %d..%d",
			ErrAbiMismatch, ident.ABIVersion, AbiVersionMin, AbiVersionMax)
	}

	count := r.cfg.DefaultInstances
	if n, ok := r.cfg.InstanceCounts[ident.Name]; ok {
		count = n
	}
	device := r.cfg.Devices[ident.Name]

	// The probe handle becomes instance 0; further instances get their own
	// solver handle so each is exclusively owned.
	for i := 0; i < count; i++ {
		solver := probe
		if i > 0 {
			solver, err = r.open(path)
			if err != nil {
				return err
			}
			if got := solver.Identify(); got.ABIVersion != ident.ABIVersion {
				solver.Shutdown()
				return fmt.Errorf("%w: instance %d reports ABI %d", ErrAbiMismatch, i, got.ABIVersion)
			}
		}

		if err := solver.Configure(device, 1); err != nil {
			solver.Shutdown()
			return fmt.Errorf("configure failed: %w", err)
		}

		inst := &Instance{
			label:  fmt.Sprintf("%s-%d", ident.Name, i),
			path:   path,
			device: device,
			ident:  ident,
			solver: solver,
			state:  types.StateLoaded,
		}
		inst.SetState(types.StateIdle)

		r.mu.Lock()
		r.instances = append(r.instances, inst)
		r.mu.Unlock()

		log.Info("Solver instance ready",
			"instance", inst.label,
			"algorithm", ident.Algorithm,
			"edge_bits", ident.EdgeBits)
	}
	return nil
}

// Instances returns the live instances in load order. Unloaded instances
// are excluded; the returned slice is a snapshot.
func (r *Registry) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, in := range r.instances {
		if in.State() != types.StateUnloaded {
			out = append(out, in)
		}
	}
	return out
}

// LoadErrors returns the candidates skipped during LoadAll.
func (r *Registry) LoadErrors() []LoadError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LoadError(nil), r.loadErrs...)
}

// Reload replaces an errored instance's solver with a freshly opened and
// configured one. Beyond the reload budget the instance is permanently
// unloaded with a warning; mining continues on the remaining instances.
func (r *Registry) Reload(in *Instance) error {
	in.mu.Lock()
	in.reloads++
	reloads := in.reloads
	old := in.solver
	in.solver = nil
	in.mu.Unlock()

	if old != nil {
		old.Shutdown()
	}

	if reloads > r.cfg.ReloadBudget {
		in.SetState(types.StateUnloaded)
		log.Warn("Instance exceeded reload budget, permanently unloaded",
			"instance", in.label, "reloads", reloads-1)
		return fmt.Errorf("instance %s exceeded reload budget", in.label)
	}

	solver, err := r.open(in.path)
	if err != nil {
		in.SetState(types.StateErrored)
		return fmt.Errorf("reload open failed: %w", err)
	}
	if err := solver.Configure(in.device, 1); err != nil {
		solver.Shutdown()
		in.SetState(types.StateErrored)
		return fmt.Errorf("reload configure failed: %w", err)
	}

	in.mu.Lock()
	in.solver = solver
	in.lastStats = SolverStats{}
	in.lastBeat = time.Now()
	in.state = types.StateIdle
	in.mu.Unlock()

	log.Info("Instance reloaded", "instance", in.label, "attempt", reloads)
	return nil
}

// Close shuts every instance down and marks the registry unusable.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	instances := append([]*Instance(nil), r.instances...)
	r.mu.Unlock()

	for _, in := range instances {
		if in.State() == types.StateUnloaded {
			continue
		}
		in.mu.Lock()
		s := in.solver
		in.solver = nil
		in.mu.Unlock()
		if s != nil {
			s.Shutdown()
		}
		in.SetState(types.StateUnloaded)
	}
	log.Info("Registry closed", "instances", len(instances))
}

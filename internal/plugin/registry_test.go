package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeSolver is an in-process Solver used in place of compiled plugins.
type fakeSolver struct {
	ident        Identity
	configureErr error

	mu         sync.Mutex
	configured bool
	shutdown   bool
	cancels    int
	solutions  []types.Solution
	stats      SolverStats
}

func newFakeSolver(name string, abi int) *fakeSolver {
	return &fakeSolver{
		ident: Identity{Name: name, Algorithm: "cuckaroo29", EdgeBits: 29, ABIVersion: abi},
	}
}

func (f *fakeSolver) Identify() Identity { return f.ident }

func (f *fakeSolver) Configure(device string, instances int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configured = true
	return nil
}

func (f *fakeSolver) SubmitWork(prePow []byte, difficulty uint64) error {
	if len(prePow) == 0 {
		return ErrInvalidWork
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Busy = true
	return nil
}

func (f *fakeSolver) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.stats.Busy = false
}

func (f *fakeSolver) PollSolution() (types.Solution, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.solutions) == 0 {
		return types.Solution{}, false
	}
	sol := f.solutions[0]
	f.solutions = f.solutions[1:]
	return sol, true
}

func (f *fakeSolver) PollStats() SolverStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSolver) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeSolver) isShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

// writePluginFiles drops empty plugin binaries into dir so Discover sees them.
func writePluginFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		err := os.WriteFile(filepath.Join(dir, name), []byte{}, 0o644)
		require.NoError(t, err, "writing fake plugin file %s", name)
	}
}

// openerFor returns an OpenFunc serving fresh fakes from a factory keyed by
// the binary's base filename.
func openerFor(factories map[string]func() (Solver, error)) OpenFunc {
	return func(path string) (Solver, error) {
		factory, ok := factories[filepath.Base(path)]
		if !ok {
			return nil, errors.New("no such plugin")
		}
		return factory()
	}
}

// ============================================================================
// Discovery Tests
// ============================================================================

func TestDiscoverLexicographic(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir,
		"b_cuckatoo.cuckooplugin",
		"a_cuckaroo.cuckooplugin",
		"readme.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.cuckooplugin"), 0o755))

	r := NewRegistry(Config{Dir: dir}, openerFor(nil))
	paths, err := r.Discover()
	require.NoError(t, err)

	want := []string{
		filepath.Join(dir, "a_cuckaroo.cuckooplugin"),
		filepath.Join(dir, "b_cuckatoo.cuckooplugin"),
	}
	assert.Equal(t, want, paths, "discovery should be lexicographic and skip non-plugins")
}

func TestDiscoverFilter(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir,
		"cuckaroo_cpu.cuckooplugin",
		"cuckatoo_gpu.cuckooplugin")

	r := NewRegistry(Config{Dir: dir, Filter: "cuckaroo"}, openerFor(nil))
	paths, err := r.Discover()
	require.NoError(t, err)

	require.Len(t, paths, 1)
	assert.Contains(t, paths[0], "cuckaroo_cpu", "filter should select by name substring")
}

func TestDiscoverMissingDir(t *testing.T) {
	r := NewRegistry(Config{Dir: "/nonexistent/plugins"}, openerFor(nil))
	_, err := r.Discover()
	assert.Error(t, err, "missing plugin directory should surface an error")
}

// ============================================================================
// Load Tests
// ============================================================================

func TestLoadAllSkipsAbiMismatch(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir, "bad.cuckooplugin", "good.cuckooplugin")

	bad := newFakeSolver("bad", 99)
	r := NewRegistry(Config{Dir: dir}, openerFor(map[string]func() (Solver, error){
		"bad.cuckooplugin":  func() (Solver, error) { return bad, nil },
		"good.cuckooplugin": func() (Solver, error) { return newFakeSolver("good", 1), nil },
	}))

	require.NoError(t, r.LoadAll(), "one valid plugin is enough to proceed")

	instances := r.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, "good-0", instances[0].Label())
	assert.Equal(t, types.StateIdle, instances[0].State())

	errs := r.LoadErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrAbiMismatch)
	assert.True(t, bad.isShutdown(), "rejected plugin handle should be shut down")
}

func TestLoadAllNoSolvers(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir, "broken.cuckooplugin")

	r := NewRegistry(Config{Dir: dir}, openerFor(nil))
	err := r.LoadAll()
	assert.ErrorIs(t, err, ErrNoSolvers, "zero usable instances is fatal")
}

func TestLoadAllConfigureRejected(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir, "gpu.cuckooplugin")

	r := NewRegistry(Config{Dir: dir}, openerFor(map[string]func() (Solver, error){
		"gpu.cuckooplugin": func() (Solver, error) {
			s := newFakeSolver("gpu", 1)
			s.configureErr = ErrConfigRejected
			return s, nil
		},
	}))

	err := r.LoadAll()
	assert.ErrorIs(t, err, ErrNoSolvers)
	errs := r.LoadErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrConfigRejected)
}

func TestLoadAllInstanceCounts(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir, "cpu.cuckooplugin")

	opens := 0
	r := NewRegistry(Config{
		Dir:            dir,
		InstanceCounts: map[string]int{"cpu": 3},
	}, openerFor(map[string]func() (Solver, error){
		"cpu.cuckooplugin": func() (Solver, error) {
			opens++
			return newFakeSolver("cpu", 1), nil
		},
	}))

	require.NoError(t, r.LoadAll())
	instances := r.Instances()
	require.Len(t, instances, 3)
	assert.Equal(t, "cpu-0", instances[0].Label())
	assert.Equal(t, "cpu-2", instances[2].Label())
	assert.Equal(t, 3, opens, "each instance gets its own solver handle")
}

// ============================================================================
// Reload Tests
// ============================================================================

func TestReloadReplacesSolver(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir, "cpu.cuckooplugin")

	var handles []*fakeSolver
	r := NewRegistry(Config{Dir: dir, ReloadBudget: 3}, openerFor(map[string]func() (Solver, error){
		"cpu.cuckooplugin": func() (Solver, error) {
			s := newFakeSolver("cpu", 1)
			handles = append(handles, s)
			return s, nil
		},
	}))
	require.NoError(t, r.LoadAll())

	inst := r.Instances()[0]
	inst.SetState(types.StateErrored)

	require.NoError(t, r.Reload(inst))
	assert.Equal(t, types.StateIdle, inst.State(), "reloaded instance should be idle")
	require.Len(t, handles, 2, "reload should open a fresh solver")
	assert.True(t, handles[0].isShutdown(), "old solver should be shut down")
	assert.False(t, handles[1].isShutdown())
}

func TestReloadBudgetExhausted(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir, "cpu.cuckooplugin")

	loaded := false
	r := NewRegistry(Config{Dir: dir, ReloadBudget: 2}, openerFor(map[string]func() (Solver, error){
		"cpu.cuckooplugin": func() (Solver, error) {
			if loaded {
				return nil, errors.New("device gone")
			}
			loaded = true
			return newFakeSolver("cpu", 1), nil
		},
	}))
	require.NoError(t, r.LoadAll())
	inst := r.Instances()[0]

	// Two failed reloads stay within budget and leave the instance errored.
	for i := 0; i < 2; i++ {
		assert.Error(t, r.Reload(inst))
		assert.Equal(t, types.StateErrored, inst.State())
	}

	// The next relapse overruns the budget: permanently unloaded.
	assert.Error(t, r.Reload(inst))
	assert.Equal(t, types.StateUnloaded, inst.State())
	assert.Empty(t, r.Instances(), "unloaded instances leave the active set")
}

// ============================================================================
// Close Tests
// ============================================================================

func TestCloseShutsDownAll(t *testing.T) {
	dir := t.TempDir()
	writePluginFiles(t, dir, "a.cuckooplugin", "b.cuckooplugin")

	solvers := map[string]*fakeSolver{
		"a.cuckooplugin": newFakeSolver("a", 1),
		"b.cuckooplugin": newFakeSolver("b", 1),
	}
	r := NewRegistry(Config{Dir: dir}, func(path string) (Solver, error) {
		return solvers[filepath.Base(path)], nil
	})
	require.NoError(t, r.LoadAll())
	instances := r.Instances()
	require.Len(t, instances, 2)

	r.Close()
	r.Close() // idempotent

	for _, inst := range instances {
		assert.Equal(t, types.StateUnloaded, inst.State())
	}
	for name, s := range solvers {
		assert.True(t, s.isShutdown(), "solver %s should be shut down", name)
	}
}

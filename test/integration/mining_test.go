// ============================================================================
// Cuckoo-Mine Integration Test
// ============================================================================
//
// End-to-end flow over a real TCP connection against an in-process fake
// node and an in-process fake solver plugin: login, job template, solve,
// submit, accept verdict, supersede with a new job, redispatch.
//
// ============================================================================

package integration

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cuckoo-mine/internal/miner"
	"github.com/ChuLiYu/cuckoo-mine/internal/plugin"
	"github.com/ChuLiYu/cuckoo-mine/internal/stats"
	"github.com/ChuLiYu/cuckoo-mine/internal/stratum"
	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

// ============================================================================
// Fake node (wire level)
// ============================================================================

// rpcMessage mirrors the node's JSON-RPC envelope at the wire level. The
// test speaks the protocol independently of the client's internal types.
type rpcMessage struct {
	ID      *uint64         `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type wireJob struct {
	Height     uint64 `json:"height"`
	JobID      uint64 `json:"job_id"`
	Difficulty uint64 `json:"difficulty"`
	PrePow     string `json:"pre_pow"`
}

type wireSubmit struct {
	Height   uint64   `json:"height"`
	JobID    uint64   `json:"job_id"`
	EdgeBits uint8    `json:"edge_bits"`
	Nonce    uint64   `json:"nonce"`
	Pow      []uint32 `json:"pow"`
}

func readMsg(t *testing.T, conn net.Conn, br *bufio.Reader) rpcMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := br.ReadString('\n')
	require.NoError(t, err, "reading client request")

	var m rpcMessage
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func writeMsg(t *testing.T, conn net.Conn, m rpcMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func resultFor(id uint64, result interface{}) rpcMessage {
	raw, _ := json.Marshal(result)
	return rpcMessage{ID: &id, JSONRPC: "2.0", Result: raw}
}

// ============================================================================
// Fake solver plugin
// ============================================================================

type fakeSolver struct {
	mu        sync.Mutex
	work      [][]byte
	busy      bool
	attempts  uint64
	solutions []types.Solution
}

func (f *fakeSolver) Identify() plugin.Identity {
	return plugin.Identity{Name: "fake_cpu", Algorithm: "cuckaroo29", EdgeBits: 29, ABIVersion: 1}
}

func (f *fakeSolver) Configure(device string, instances int) error { return nil }

func (f *fakeSolver) SubmitWork(prePow []byte, difficulty uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work = append(f.work, prePow)
	f.busy = true
	return nil
}

func (f *fakeSolver) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = false
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

func (f *fakeSolver) PollStats() plugin.SolverStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return plugin.SolverStats{GraphsPerSec: 1, Attempts: f.attempts, Busy: f.busy}
}

func (f *fakeSolver) Shutdown() {}

func (f *fakeSolver) workCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.work)
}

func (f *fakeSolver) pushSolution(sol types.Solution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solutions = append(f.solutions, sol)
}

// ============================================================================
// End-to-end flow
// ============================================================================

func TestEndToEndMiningFlow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// One fake solver behind the registry's injectable opener.
	pluginDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "fake_cpu.cuckooplugin"), []byte{}, 0o644))
	solver := &fakeSolver{}
	registry := plugin.NewRegistry(plugin.Config{Dir: pluginDir},
		func(path string) (plugin.Solver, error) { return solver, nil })
	require.NoError(t, registry.LoadAll())
	defer registry.Close()

	agg := stats.New(time.Minute)
	coordinator := miner.New(miner.Config{
		PollInterval:    5 * time.Millisecond,
		LivenessTimeout: 5 * time.Second,
		ShareGrace:      2 * time.Second,
		CancelGrace:     time.Second,
	}, registry, agg, nil)

	client := stratum.NewClient(stratum.Config{
		Addr:              ln.Addr().String(),
		Login:             "miner",
		Pass:              "x",
		Agent:             "cuckoo-mine-test",
		KeepaliveInterval: time.Second,
		ResponseTimeout:   5 * time.Second,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}, coordinator.JobSink(), coordinator.Shares(), agg, nil)

	coordinator.Start()
	client.Start()
	defer coordinator.Stop()
	defer client.Stop()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	// Login handshake.
	login := readMsg(t, conn, br)
	require.Equal(t, "login", login.Method)
	writeMsg(t, conn, resultFor(*login.ID, "ok"))

	// The client pulls its first job immediately after login.
	getJob := readMsg(t, conn, br)
	require.Equal(t, "getjobtemplate", getJob.Method)
	writeMsg(t, conn, resultFor(*getJob.ID, wireJob{Height: 100, JobID: 1, Difficulty: 4, PrePow: "0001beef"}))

	// The job reaches the solver through the coordinator.
	require.Eventually(t, func() bool { return solver.workCount() == 1 },
		3*time.Second, 5*time.Millisecond, "job should be dispatched to the solver")

	// The solver finds a proof; a submit request must arrive at the node.
	solver.pushSolution(types.Solution{Nonce: 42, Proof: []uint32{7, 8, 9}})

	submit := readMsg(t, conn, br)
	require.Equal(t, "submit", submit.Method)
	var sp wireSubmit
	require.NoError(t, json.Unmarshal(submit.Params, &sp))
	assert.Equal(t, uint64(1), sp.JobID)
	assert.Equal(t, uint64(100), sp.Height)
	assert.Equal(t, uint64(42), sp.Nonce)
	assert.Equal(t, []uint32{7, 8, 9}, sp.Pow)
	assert.Equal(t, uint8(29), sp.EdgeBits)

	// Node accepts; telemetry records the verdict.
	writeMsg(t, conn, resultFor(*submit.ID, "ok"))
	require.Eventually(t, func() bool { return agg.Snapshot().Accepted == 1 },
		3*time.Second, 5*time.Millisecond, "accept verdict should reach telemetry")

	// A pushed job supersedes the first one; the solver is cancelled,
	// quiesces and is redispatched with the new work.
	jobRaw, _ := json.Marshal(wireJob{Height: 101, JobID: 2, Difficulty: 4, PrePow: "0002beef"})
	writeMsg(t, conn, rpcMessage{JSONRPC: "2.0", Method: "job", Params: jobRaw})

	require.Eventually(t, func() bool { return solver.workCount() == 2 },
		3*time.Second, 5*time.Millisecond, "superseding job should be redispatched")

	require.Eventually(t, func() bool { return len(agg.Snapshot().Instances) == 1 },
		3*time.Second, 5*time.Millisecond, "solver rate should appear in telemetry")

	snap := agg.Snapshot()
	assert.Equal(t, types.SessionReady, snap.Session)
	assert.Equal(t, uint64(101), snap.Height)
	assert.Equal(t, "fake_cpu-0", snap.Instances[0].Producer)
}

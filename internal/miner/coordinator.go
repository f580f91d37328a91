// ============================================================================
// Cuckoo-Mine Job Coordinator
// ============================================================================
//
// Package: internal/miner
// File: coordinator.go
// Purpose: Owns the single current job, dispatches it to every live solver
// instance, cancels superseded work and collects found solutions as shares.
//
// Core loop (single goroutine):
//   1. Inbound job channel - accepting a job atomically supersedes the old
//      one and fans out cancel/dispatch to all instances. Two dispatch
//      cycles never interleave because the loop is the only writer.
//   2. Poll ticker - non-blocking PollSolution/PollStats sweep over every
//      Solving/Cancelling instance on a fixed interval.
//
// Instance state machine (driven here, recorded on the instance):
//   Idle --dispatch--> Solving
//   Solving --new job--> Cancelling --quiesce or grace timeout--> Idle/Errored
//   Solving --solution--> Solving (share emitted, same job)
//   Solving/Cancelling --error/liveness--> Errored --Registry reload--> Idle
//
// Grace window:
//   Solutions are tagged with the job the instance was actually given, not
//   with whatever is current when they surface. A share for the immediately
//   preceding job is still submittable within the configured grace window;
//   anything older is counted stale and dropped.
//
// ============================================================================

package miner

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/cuckoo-mine/internal/metrics"
	"github.com/ChuLiYu/cuckoo-mine/internal/plugin"
	"github.com/ChuLiYu/cuckoo-mine/internal/stats"
	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

var log = slog.Default()

// Config carries the coordinator's tuning parameters.
type Config struct {
	PollInterval    time.Duration // solution/stat poll cadence
	LivenessTimeout time.Duration // no solver progress while Solving -> Errored
	ShareGrace      time.Duration // window a superseded job's shares stay submittable
	CancelGrace     time.Duration // time an instance may take to quiesce after cancel
}

// Coordinator drives all solver instances against the current job.
type Coordinator struct {
	cfg       Config
	registry  *plugin.Registry
	agg       *stats.Aggregator
	collector *metrics.Collector

	jobCh   chan types.Job
	shareCh chan types.Share

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	stopped bool

	// Job bookkeeping, touched only by the run loop after Start. The mutex
	// covers Stop and the read-only snapshot helpers.
	mu         sync.Mutex
	current    *types.Job
	previous   *types.Job
	graceUntil time.Time

	assigned map[string]types.JobID // job each instance was last given
	cancelBy map[string]time.Time   // quiesce deadline per Cancelling instance
}

// New creates a coordinator over the registry's instances. Solutions are
// emitted on Shares() in discovery order per instance.
func New(cfg Config, registry *plugin.Registry, agg *stats.Aggregator, collector *metrics.Collector) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  registry,
		agg:       agg,
		collector: collector,
		jobCh:     make(chan types.Job, 4),
		shareCh:   make(chan types.Share, 64),
		stopCh:    make(chan struct{}),
		assigned:  make(map[string]types.JobID),
		cancelBy:  make(map[string]time.Time),
	}
}

// JobSink is where the protocol client pushes new jobs.
func (c *Coordinator) JobSink() chan<- types.Job { return c.jobCh }

// Shares is where packaged shares surface for submission.
func (c *Coordinator) Shares() <-chan types.Share { return c.shareCh }

// CurrentJob returns an immutable snapshot of the current job, or nil.
func (c *Coordinator) CurrentJob() *types.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	j := *c.current
	return &j
}

// Start launches the poll/dispatch loop.
func (c *Coordinator) Start() {
	c.loopWg.Add(1)
	go c.run()
	log.Info("Coordinator started",
		"poll_interval", c.cfg.PollInterval,
		"share_grace", c.cfg.ShareGrace)
}

// Stop cancels in-flight work and waits for the loop to exit. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.loopWg.Wait()
	log.Info("Coordinator stopped")
}

func (c *Coordinator) run() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			// Best-effort cancel so plugins stop burning the device.
			for _, inst := range c.registry.Instances() {
				st := inst.State()
				if st == types.StateSolving || st == types.StateCancelling {
					inst.Cancel()
					inst.SetState(types.StateCancelling)
				}
			}
			log.Info("Dispatch loop stopped")
			return

		case job := <-c.jobCh:
			c.acceptJob(job)

		case <-ticker.C:
			c.pollInstances(time.Now())
		}
	}
}

// acceptJob records the job as current, superseding the previous one, and
// fans out cancel/dispatch across all instances in one cycle.
func (c *Coordinator) acceptJob(job types.Job) {
	now := time.Now()

	c.mu.Lock()
	if c.current != nil && c.current.ID == job.ID {
		c.mu.Unlock()
		log.Debug("Duplicate job ignored", "job_id", job.ID)
		return
	}
	c.previous = c.current
	c.current = &job
	c.graceUntil = now.Add(c.cfg.ShareGrace)
	c.mu.Unlock()

	c.agg.SetJob(job.Height, job.Difficulty)
	if c.collector != nil {
		c.collector.SetJob(job.Height, job.Difficulty)
	}

	instances := c.registry.Instances()
	if c.collector != nil {
		c.collector.SetSolverInstances(len(instances))
	}

	dispatched, cancelled := 0, 0
	for _, inst := range instances {
		switch inst.State() {
		case types.StateSolving:
			if c.assigned[inst.Label()] == job.ID {
				continue
			}
			inst.Cancel()
			inst.SetState(types.StateCancelling)
			c.cancelBy[inst.Label()] = now.Add(c.cfg.CancelGrace)
			cancelled++

		case types.StateIdle, types.StateLoaded:
			if c.dispatchTo(inst, job, now) {
				dispatched++
			}

		case types.StateCancelling:
			// Already quiescing; picks up the newest job once Idle.
		}
	}

	log.Info("Job accepted",
		"job_id", job.ID,
		"height", job.Height,
		"difficulty", job.Difficulty,
		"dispatched", dispatched,
		"cancelled", cancelled)
}

// dispatchTo hands the job to one instance and moves it to Solving.
func (c *Coordinator) dispatchTo(inst *plugin.Instance, job types.Job, now time.Time) bool {
	if err := inst.SubmitWork(job.PrePow, job.Difficulty); err != nil {
		log.Error("SubmitWork failed", "instance", inst.Label(), "error", err)
		c.failInstance(inst, now)
		return false
	}
	inst.Touch(now)
	inst.SetState(types.StateSolving)
	c.assigned[inst.Label()] = job.ID
	return true
}

// pollInstances is one non-blocking sweep over every instance: drain
// solutions, refresh stats, settle cancels and enforce liveness.
func (c *Coordinator) pollInstances(now time.Time) {
	sweepStart := time.Now()

	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	for _, inst := range c.registry.Instances() {
		switch inst.State() {
		case types.StateSolving:
			c.drainSolutions(inst, now)
			st := inst.PollStats(now)
			if st.Errored {
				log.Warn("Instance reported error", "instance", inst.Label(), "reason", st.ErrorReason)
				c.failInstance(inst, now)
				continue
			}
			c.recordRate(inst, st, now)
			if c.cfg.LivenessTimeout > 0 && now.Sub(inst.LastBeat()) > c.cfg.LivenessTimeout {
				log.Warn("Instance liveness timeout", "instance", inst.Label(),
					"last_beat", inst.LastBeat())
				c.failInstance(inst, now)
			}

		case types.StateCancelling:
			// Late solutions for the superseded job are still drained; the
			// grace-window rule decides whether they are submittable.
			c.drainSolutions(inst, now)
			st := inst.PollStats(now)
			switch {
			case st.Errored:
				log.Warn("Instance errored while cancelling", "instance", inst.Label(), "reason", st.ErrorReason)
				c.failInstance(inst, now)
			case !st.Busy:
				inst.SetState(types.StateIdle)
				delete(c.cancelBy, inst.Label())
				if current != nil {
					c.dispatchTo(inst, *current, now)
				}
			case now.After(c.cancelBy[inst.Label()]):
				log.Warn("Cancel grace expired", "instance", inst.Label())
				c.failInstance(inst, now)
			}

		case types.StateIdle:
			// Reloaded or late-starting instance with work available.
			if current != nil {
				c.dispatchTo(inst, *current, now)
			}

		case types.StateErrored:
			c.failInstance(inst, now)
		}
	}

	if c.collector != nil {
		c.collector.ObservePollCycle(time.Since(sweepStart).Seconds())
	}
}

// drainSolutions polls one instance until it has no more solutions, so
// discovery order per instance is preserved on the share channel.
func (c *Coordinator) drainSolutions(inst *plugin.Instance, now time.Time) {
	for {
		sol, ok := inst.PollSolution()
		if !ok {
			return
		}
		c.emitShare(inst, sol, now)
	}
}

// emitShare packages one solution and applies the grace-window rule: the
// share is submitted iff it references the current job, or the immediately
// preceding one inside the grace window. Anything older is stale.
func (c *Coordinator) emitShare(inst *plugin.Instance, sol types.Solution, now time.Time) {
	jobID := c.assigned[inst.Label()]

	c.mu.Lock()
	var job *types.Job
	switch {
	case c.current != nil && c.current.ID == jobID:
		job = c.current
	case c.previous != nil && c.previous.ID == jobID && now.Before(c.graceUntil):
		job = c.previous
	}
	c.mu.Unlock()

	if job == nil {
		log.Debug("Stale solution dropped", "instance", inst.Label(), "job_id", jobID)
		c.agg.Record(types.StatSample{
			Producer: inst.Label(),
			Kind:     types.SampleStale,
			Value:    1,
			At:       now,
		})
		if c.collector != nil {
			c.collector.RecordShareStale()
		}
		return
	}

	share := types.Share{
		JobID:    job.ID,
		Height:   job.Height,
		EdgeBits: inst.Identity().EdgeBits,
		Nonce:    sol.Nonce,
		Proof:    sol.Proof,
		Instance: inst.Label(),
		FoundAt:  now,
	}

	if c.collector != nil {
		c.collector.RecordShareFound()
	}
	log.Info("Share found",
		"instance", inst.Label(),
		"job_id", share.JobID,
		"height", share.Height,
		"nonce", share.Nonce)

	// Blocking send keeps wire order; stop wins if the client is gone.
	select {
	case c.shareCh <- share:
	case <-c.stopCh:
	}
}

// recordRate feeds the instance's current rate into telemetry.
func (c *Coordinator) recordRate(inst *plugin.Instance, st plugin.SolverStats, now time.Time) {
	c.agg.Record(types.StatSample{
		Producer: inst.Label(),
		Kind:     types.SampleGraphRate,
		Value:    st.GraphsPerSec,
		At:       now,
	})
	if c.collector != nil {
		c.collector.SetHashRate(inst.Label(), st.GraphsPerSec)
	}
}

// failInstance moves an instance to Errored and asks the registry for a
// reload. A failed reload leaves it Errored for the next sweep; a budget
// overrun leaves it permanently Unloaded.
func (c *Coordinator) failInstance(inst *plugin.Instance, now time.Time) {
	inst.SetState(types.StateErrored)
	delete(c.assigned, inst.Label())
	delete(c.cancelBy, inst.Label())

	if c.collector != nil {
		c.collector.RecordPluginReload()
	}
	if err := c.registry.Reload(inst); err != nil {
		log.Error("Instance reload failed", "instance", inst.Label(), "error", err)
		if c.collector != nil {
			c.collector.SetSolverInstances(len(c.registry.Instances()))
		}
	}
}

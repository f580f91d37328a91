// ============================================================================
// Cuckoo-Mine Stratum Client
// ============================================================================
//
// Package: internal/stratum
// File: client.go
// Purpose: Maintains the persistent session with the remote node: login,
// job subscription, share submission, keepalive and reconnect.
//
// Session state machine:
//   Disconnected -> Connecting -> Authenticating -> Ready
//   Any I/O failure or response silence forces Disconnected and a reconnect
//   with capped exponential backoff plus jitter. There is no retry limit;
//   the client reconnects for as long as the process runs.
//
// Correlation:
//   Responses are matched to requests by numeric id through the pending
//   table, never by arrival order. A response with an unknown id is a
//   protocol error: logged, counted, discarded. Job notifications arrive
//   as id-less requests from the node and are forwarded to the coordinator
//   without interpretation beyond wire parsing.
//
// Loss policy:
//   Shares still awaiting a response at disconnect are not retried; a stale
//   proof is worthless to resubmit. They are logged and counted as lost.
//
// ============================================================================

package stratum

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/cuckoo-mine/internal/metrics"
	"github.com/ChuLiYu/cuckoo-mine/internal/stats"
	"github.com/ChuLiYu/cuckoo-mine/pkg/types"
)

var log = slog.Default()

var (
	// ErrResponseTimeout indicates total inbound silence past the response
	// timeout, keepalives included.
	ErrResponseTimeout = errors.New("no response from node")
	// ErrLoginRejected indicates the node refused the login request.
	ErrLoginRejected = errors.New("login rejected by node")
	// ErrProtocol indicates persistent unparseable or uncorrelated traffic
	// on one connection, escalated to a connection failure.
	ErrProtocol = errors.New("persistent protocol errors")
)

const (
	dialTimeout = 10 * time.Second
	// protocol errors tolerated per connection before escalation
	defaultProtoErrLimit = 10
	// line buffer bound; pre_pow for a full header fits comfortably
	maxLineBytes = 1 << 20
)

// DialFunc opens the transport to the node. Tests inject in-process pipes.
type DialFunc func(addr string) (net.Conn, error)

// Config carries the client's slice of the configuration.
type Config struct {
	Addr  string
	Login string
	Pass  string
	Agent string

	KeepaliveInterval time.Duration // inbound silence before a keepalive is sent
	ResponseTimeout   time.Duration // inbound silence treated as connection failure
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffJitter     float64 // fraction of the delay randomized, 0..1

	ProtoErrLimit int // 0 = default
}

type pendingKind int

const (
	pendingLogin pendingKind = iota
	pendingGetJob
	pendingSubmit
	pendingKeepalive
)

// pendingRequest is one outstanding request awaiting its response.
type pendingRequest struct {
	kind   pendingKind
	share  types.Share // set for pendingSubmit
	sentAt time.Time
}

// Client is the persistent single-connection protocol client.
type Client struct {
	cfg       Config
	jobs      chan<- types.Job
	shares    <-chan types.Share
	agg       *stats.Aggregator
	collector *metrics.Collector
	dial      DialFunc

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     types.SessionState
	stopped   bool
	nextID    uint64
	pending   map[uint64]pendingRequest
	protoErrs int
}

// NewClient creates a client that forwards job notifications to jobs and
// submits shares read from shares. A nil dial uses TCP.
func NewClient(cfg Config, jobs chan<- types.Job, shares <-chan types.Share,
	agg *stats.Aggregator, collector *metrics.Collector) *Client {

	if cfg.ProtoErrLimit <= 0 {
		cfg.ProtoErrLimit = defaultProtoErrLimit
	}
	return &Client{
		cfg:       cfg,
		jobs:      jobs,
		shares:    shares,
		agg:       agg,
		collector: collector,
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		},
		stopCh:  make(chan struct{}),
		state:   types.SessionDisconnected,
		pending: make(map[uint64]pendingRequest),
	}
}

// SetDialFunc replaces the transport opener. Must be called before Start.
func (c *Client) SetDialFunc(dial DialFunc) { c.dial = dial }

// State returns the current session state.
func (c *Client) State() types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s types.SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.agg.SetSession(c.cfg.Addr, s)
}

// Start launches the connect/reconnect loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
	log.Info("Stratum client started", "addr", c.cfg.Addr)
}

// Stop shuts the client down and waits for the loop to exit. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	log.Info("Stratum client stopped")
}

// run is the reconnect loop: dial, run one session, settle the pending
// table, back off on consecutive failures, repeat until stopped.
func (c *Client) run() {
	defer c.wg.Done()

	failures := 0
	for {
		if failures > 0 {
			delay := c.backoffDelay(failures)
			log.Warn("Reconnecting", "attempt", failures, "delay", delay)
			if c.collector != nil {
				c.collector.RecordReconnect()
			}
			if !c.sleep(delay) {
				return
			}
		}

		c.setState(types.SessionConnecting)
		conn, err := c.dial(c.cfg.Addr)
		if err != nil {
			log.Error("Connection failed", "addr", c.cfg.Addr, "error", err)
			c.setState(types.SessionDisconnected)
			failures++
			continue
		}

		loggedIn, err := c.session(conn)
		conn.Close()
		c.settlePending()
		c.setState(types.SessionDisconnected)

		select {
		case <-c.stopCh:
			return
		default:
		}

		if err != nil {
			log.Error("Session ended", "error", err)
		}
		if loggedIn {
			// One successful connection resets the backoff to base.
			failures = 1
		} else {
			failures++
		}
	}
}

// backoffDelay returns the reconnect delay for the nth consecutive failure:
// base doubling per failure, capped, with a random jitter fraction.
func (c *Client) backoffDelay(failures int) time.Duration {
	delay := c.cfg.BackoffBase
	for i := 1; i < failures && delay < c.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	if c.cfg.BackoffJitter > 0 {
		spread := float64(delay) * c.cfg.BackoffJitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// sleep waits for d, returning false if the client was stopped meanwhile.
func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// session drives one connection from login to failure. It returns whether
// login succeeded, so the caller can reset the backoff.
func (c *Client) session(conn net.Conn) (loggedIn bool, err error) {
	done := make(chan struct{})
	defer close(done)

	lines := make(chan string, 32)
	readErr := make(chan error, 1)
	go readLines(conn, lines, readErr, done)

	c.mu.Lock()
	c.protoErrs = 0
	c.mu.Unlock()

	c.setState(types.SessionAuthenticating)
	if err := c.send(conn, methodLogin, pendingLogin, mustMarshal(loginParams{
		Login: c.cfg.Login,
		Pass:  c.cfg.Pass,
		Agent: c.cfg.Agent,
	}), types.Share{}); err != nil {
		return false, err
	}

	tick := c.cfg.KeepaliveInterval / 4
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastInbound := time.Now()
	var lastKeepalive time.Time

	for {
		select {
		case <-c.stopCh:
			return loggedIn, nil

		case err := <-readErr:
			return loggedIn, err

		case line := <-lines:
			lastInbound = time.Now()
			if err := c.handleLine(conn, line, &loggedIn); err != nil {
				return loggedIn, err
			}

		case share := <-c.shares:
			if c.State() != types.SessionReady {
				log.Warn("Share lost, session not ready", "job_id", share.JobID)
				c.recordLost(share)
				continue
			}
			if err := c.sendSubmit(conn, share); err != nil {
				return loggedIn, err
			}

		case <-ticker.C:
			now := time.Now()
			if now.Sub(lastInbound) > c.cfg.ResponseTimeout {
				return loggedIn, fmt.Errorf("%w after %s", ErrResponseTimeout, c.cfg.ResponseTimeout)
			}
			if now.Sub(lastInbound) > c.cfg.KeepaliveInterval &&
				now.Sub(lastKeepalive) > c.cfg.KeepaliveInterval {
				lastKeepalive = now
				if err := c.send(conn, methodKeepalive, pendingKeepalive, nil, types.Share{}); err != nil {
					return loggedIn, err
				}
			}
			c.expirePending(now)
		}
	}
}

// readLines feeds newline-delimited messages from the connection into
// lines until a read error (including the deliberate close on session
// exit) surfaces on readErr.
func readLines(conn net.Conn, lines chan<- string, readErr chan<- error, done <-chan struct{}) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("connection closed by node")
	}
	select {
	case readErr <- err:
	case <-done:
	}
}

// handleLine dispatches one inbound message: a job notification, or a
// response matched against the pending table by id.
func (c *Client) handleLine(conn net.Conn, line string, loggedIn *bool) error {
	var msg message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return c.protoError("unparseable message", err)
	}

	// Node-initiated notification.
	if msg.Method == methodJob && msg.Result == nil {
		return c.acceptJobParams(msg.Params)
	}

	if msg.ID == nil {
		return c.protoError("message with no id and unknown method "+msg.Method, nil)
	}

	c.mu.Lock()
	req, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return c.protoError(fmt.Sprintf("response with unknown id %d", *msg.ID), nil)
	}

	switch req.kind {
	case pendingLogin:
		if msg.Error != nil {
			return fmt.Errorf("%w: %s", ErrLoginRejected, msg.Error.Message)
		}
		*loggedIn = true
		c.setState(types.SessionReady)
		log.Info("Logged in", "addr", c.cfg.Addr)
		// Pull the first job immediately rather than waiting for a push.
		return c.send(conn, methodGetJob, pendingGetJob, nil, types.Share{})

	case pendingGetJob:
		if msg.Error != nil {
			log.Warn("Job template request failed", "error", msg.Error.Message)
			return nil
		}
		return c.acceptJobParams(msg.Result)

	case pendingSubmit:
		c.handleSubmitResult(req.share, msg.Error)
		return nil

	case pendingKeepalive:
		// Inbound traffic timestamp already refreshed; nothing else to do.
		return nil
	}
	return nil
}

// acceptJobParams parses wire job fields and forwards the Job. The client
// does not interpret header semantics beyond decoding them.
func (c *Client) acceptJobParams(raw json.RawMessage) error {
	var p jobParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return c.protoError("malformed job params", err)
	}
	prePow, err := hex.DecodeString(p.PrePow)
	if err != nil {
		return c.protoError("job pre_pow is not hex", err)
	}

	job := types.Job{
		ID:         types.JobID(p.JobID),
		PrePow:     prePow,
		Difficulty: p.Difficulty,
		Height:     p.Height,
		ReceivedAt: time.Now(),
	}
	log.Info("Job received", "job_id", job.ID, "height", job.Height, "difficulty", job.Difficulty)

	select {
	case c.jobs <- job:
	case <-c.stopCh:
	}
	return nil
}

// handleSubmitResult records the node's verdict on one share.
func (c *Client) handleSubmitResult(share types.Share, rpcErr *rpcError) {
	if rpcErr == nil {
		log.Info("Share accepted", "job_id", share.JobID, "instance", share.Instance)
		c.agg.Record(types.StatSample{
			Producer: share.Instance, Kind: types.SampleAccept, Value: 1, At: time.Now(),
		})
		if c.collector != nil {
			c.collector.RecordShareAccepted()
		}
		return
	}
	log.Warn("Share rejected",
		"job_id", share.JobID,
		"instance", share.Instance,
		"reason", rpcErr.Message)
	c.agg.Record(types.StatSample{
		Producer: share.Instance, Kind: types.SampleReject, Value: 1, At: time.Now(),
	})
	if c.collector != nil {
		c.collector.RecordShareRejected()
	}
}

// sendSubmit sends one share and tracks it in the pending table.
func (c *Client) sendSubmit(conn net.Conn, share types.Share) error {
	params := mustMarshal(submitParams{
		Height:   share.Height,
		JobID:    uint64(share.JobID),
		EdgeBits: share.EdgeBits,
		Nonce:    share.Nonce,
		Pow:      share.Proof,
	})
	if err := c.send(conn, methodSubmit, pendingSubmit, params, share); err != nil {
		return err
	}
	if c.collector != nil {
		c.collector.RecordShareSubmitted()
	}
	return nil
}

// send writes one request line and registers it in the pending table.
func (c *Client) send(conn net.Conn, method string, kind pendingKind, params json.RawMessage, share types.Share) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = pendingRequest{kind: kind, share: share, sentAt: time.Now()}
	c.mu.Unlock()

	msg := message{ID: &id, JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}
	return nil
}

// expirePending discards requests whose response never arrived within the
// response timeout. Expired submits count as lost.
func (c *Client) expirePending(now time.Time) {
	c.mu.Lock()
	var expired []pendingRequest
	for id, req := range c.pending {
		if now.Sub(req.sentAt) > c.cfg.ResponseTimeout {
			expired = append(expired, req)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		log.Warn("Request expired without response", "kind", int(req.kind))
		if req.kind == pendingSubmit {
			c.recordLost(req.share)
		}
	}
}

// settlePending fully resets the outstanding-request table at disconnect.
// Unanswered submits are logged as lost, never retried.
func (c *Client) settlePending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]pendingRequest)
	c.mu.Unlock()

	for _, req := range pending {
		if req.kind != pendingSubmit {
			continue
		}
		log.Warn("Share lost at disconnect", "job_id", req.share.JobID, "instance", req.share.Instance)
		c.recordLost(req.share)
	}
}

func (c *Client) recordLost(share types.Share) {
	c.agg.Record(types.StatSample{
		Producer: share.Instance, Kind: types.SampleLost, Value: 1, At: time.Now(),
	})
	if c.collector != nil {
		c.collector.RecordShareLost()
	}
}

// protoError logs and counts one protocol error. The message is discarded
// and the session stays up unless errors persist past the per-connection
// limit, at which point the condition escalates to a connection failure.
func (c *Client) protoError(what string, cause error) error {
	log.Warn("Protocol error", "what", what, "error", cause)
	if c.collector != nil {
		c.collector.RecordProtocolError()
	}

	c.mu.Lock()
	c.protoErrs++
	n := c.protoErrs
	c.mu.Unlock()

	if n > c.cfg.ProtoErrLimit {
		return fmt.Errorf("%w: %d on one connection", ErrProtocol, n)
	}
	return nil
}

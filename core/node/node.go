// Package node runs a worker process: a local coroutine scheduler plus the
// transport and control glue that lets a dispatcher place computations on
// it. A node registers itself, heartbeats, runs jobs as coroutines capped
// by a semaphore, and relays chunks and results back.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/coromesh/coromesh/core/dispatch"
	"github.com/coromesh/coromesh/core/sched"
	"github.com/coromesh/coromesh/core/transport"
)

// Config holds worker node settings
type Config struct {
	DispatcherAddr string            `json:"dispatcher_addr"`
	Capacity       int               `json:"capacity"`
	Tags           map[string]string `json:"tags,omitempty"`

	PulseInterval time.Duration `json:"pulse_interval"`
	RegisterRetry time.Duration `json:"register_retry"`
	SendTimeout   time.Duration `json:"send_timeout"`

	Transport transport.Config `json:"transport"`

	// Metrics, when set, receives the node's collectors.
	Metrics prometheus.Registerer `json:"-"`
}

// DefaultConfig returns sensible production defaults
func DefaultConfig() Config {
	tc := transport.DefaultConfig()
	tc.ListenAddr = ":0"
	return Config{
		Capacity:      8,
		PulseInterval: 5 * time.Second,
		RegisterRetry: 2 * time.Second,
		SendTimeout:   10 * time.Second,
		Transport:     tc,
	}
}

type outMsg struct {
	typ  string
	data any
}

// Node is one worker process.
type Node struct {
	cfg    Config
	logger *slog.Logger
	id     string

	sched      *sched.Scheduler
	tr         *transport.Transport
	dispatcher transport.Endpoint

	mu          sync.RWMutex
	comps       map[string]ComputationFunc
	closedComps map[string]struct{}
	running     map[string]sched.ID

	sem    *semaphore.Weighted
	active atomic.Int64
	seq    atomic.Uint64
	jobsWG sync.WaitGroup

	outbox   chan outMsg
	draining atomic.Bool
	quit     chan struct{}

	metrics *nodeMetrics

	started  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a node. The dispatcher address must be reachable by the time
// the node registers; registration retries until it is.
func New(cfg Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DispatcherAddr == "" {
		return nil, errors.New("dispatcher address required")
	}
	dep, err := transport.ParseEndpoint(cfg.DispatcherAddr)
	if err != nil {
		return nil, fmt.Errorf("dispatcher address: %w", err)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 8
	}
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = 5 * time.Second
	}
	if cfg.RegisterRetry <= 0 {
		cfg.RegisterRetry = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	id := uuid.NewString()
	n := &Node{
		cfg:         cfg,
		logger:      logger.With("component", "node", "worker", id[:8]),
		id:          id,
		dispatcher:  dep,
		comps:       make(map[string]ComputationFunc),
		closedComps: make(map[string]struct{}),
		running:     make(map[string]sched.ID),
		sem:         semaphore.NewWeighted(int64(cfg.Capacity)),
		outbox:      make(chan outMsg, 1024),
		quit:        make(chan struct{}),
		shutdown:    make(chan struct{}),
	}
	n.sched = sched.New(logger, nil)
	n.tr = transport.New(transport.Endpoint{Instance: id}, cfg.Transport, logger)
	n.tr.SetHandler(n.handleEnvelope)
	n.tr.SetResolver(n.sched.ResolveLocal)
	if cfg.Metrics != nil {
		n.metrics = newNodeMetrics(cfg.Metrics)
	}
	return n, nil
}

// ID returns the worker's instance id.
func (n *Node) ID() string { return n.id }

// Scheduler exposes the node's coroutine scheduler.
func (n *Node) Scheduler() *sched.Scheduler { return n.sched }

// Self returns the node's transport endpoint. Final once Start returned.
func (n *Node) Self() transport.Endpoint { return n.tr.Self() }

// Mux exposes the transport's HTTP mux for extra handlers such as /metrics.
// Mount before Start.
func (n *Node) Mux() *http.ServeMux { return n.tr.Mux() }

// Done is closed once the node has drained after a quit command.
func (n *Node) Done() <-chan struct{} { return n.quit }

// RegisterComputation makes fn runnable under name. Registering an existing
// name replaces it and clears a prior close.
func (n *Node) RegisterComputation(name string, fn ComputationFunc) {
	n.mu.Lock()
	n.comps[name] = fn
	delete(n.closedComps, name)
	n.mu.Unlock()
}

// Start brings up the scheduler and transport, then announces the node to
// the dispatcher.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("node already started")
	}
	if err := n.sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := n.tr.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	n.sched.SetLocation(n.tr.Self().Addr())

	n.wg.Add(2)
	go n.sender()
	go n.registerAndPulse()

	n.logger.Info("node started",
		"addr", n.tr.Self().Addr(),
		"dispatcher", n.dispatcher.Addr(),
		"capacity", n.cfg.Capacity)
	return nil
}

// Stop terminates running jobs and shuts everything down.
func (n *Node) Stop() error {
	if !n.started.Load() {
		return nil
	}
	select {
	case <-n.shutdown:
		return nil
	default:
	}
	close(n.shutdown)
	n.wg.Wait()
	n.sched.Stop()
	return n.tr.Stop()
}

// SendTo delivers payload to a mailbox or channel target. A bare target
// ("coro:7", "chan:results", or a registered name) is local; append
// "@host:port" to address a remote scheduler.
func (n *Node) SendTo(ctx context.Context, target string, payload any) error {
	local, ep, remote, err := splitTarget(target)
	if err != nil {
		return err
	}
	msg := sched.Message{
		Sender:  "node@" + n.tr.Self().Addr(),
		Seq:     n.seq.Add(1),
		SentAt:  time.Now(),
		Payload: payload,
	}
	if !remote || ep.Addr() == n.tr.Self().Addr() {
		return n.sched.DeliverNamed(local, msg)
	}
	return n.tr.Send(ctx, ep, local, msg)
}

// ResolveRemote looks name up in the registry of the scheduler at addr and
// returns a fully-qualified target usable with SendTo.
func (n *Node) ResolveRemote(ctx context.Context, addr, name string) (string, error) {
	ep, err := transport.ParseEndpoint(addr)
	if err != nil {
		return "", err
	}
	target, err := n.tr.Resolve(ctx, ep, name)
	if err != nil {
		return "", err
	}
	return target + "@" + ep.Addr(), nil
}

func splitTarget(target string) (local string, ep transport.Endpoint, remote bool, err error) {
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == '@' {
			ep, err = transport.ParseEndpoint(target[i+1:])
			if err != nil {
				return "", transport.Endpoint{}, false, fmt.Errorf("bad target %q: %w", target, err)
			}
			return target[:i], ep, true, nil
		}
	}
	return target, transport.Endpoint{}, false, nil
}

// ---- inbound ----

// handleEnvelope runs on transport read goroutines.
func (n *Node) handleEnvelope(env transport.Envelope) {
	if env.Kind != transport.KindMessage {
		return
	}
	if env.Target == dispatch.TargetNode {
		var cmd dispatch.NodeCommand
		if err := transport.DecodePayload(env, &cmd); err != nil {
			n.logger.Debug("bad command", "error", err)
			return
		}
		n.handleCommand(cmd)
		return
	}

	// Mailbox or channel traffic from a remote scheduler.
	var msg sched.Message
	if err := transport.DecodePayload(env, &msg); err != nil {
		n.logger.Debug("bad message payload", "target", env.Target, "error", err)
		return
	}
	if err := n.sched.DeliverNamed(env.Target, msg); err != nil {
		n.logger.Debug("undeliverable message", "target", env.Target, "error", err)
	}
}

func (n *Node) handleCommand(cmd dispatch.NodeCommand) {
	switch cmd.Type {
	case dispatch.CmdRun:
		var rc dispatch.RunCommand
		if err := json.Unmarshal(cmd.Data, &rc); err != nil {
			n.logger.Debug("bad run command", "error", err)
			return
		}
		n.handleRun(rc)
	case dispatch.CmdCancel:
		var cc dispatch.CancelCommand
		if err := json.Unmarshal(cmd.Data, &cc); err != nil {
			return
		}
		n.handleCancel(cc.JobID)
	case dispatch.CmdClose:
		var cl dispatch.CloseCommand
		if err := json.Unmarshal(cmd.Data, &cl); err != nil {
			return
		}
		n.mu.Lock()
		n.closedComps[cl.Computation] = struct{}{}
		n.mu.Unlock()
		n.logger.Info("computation closed", "computation", cl.Computation)
	case dispatch.CmdQuit:
		n.handleQuit()
	default:
		n.logger.Debug("unknown command", "type", cmd.Type)
	}
}

func (n *Node) handleRun(rc dispatch.RunCommand) {
	fail := func(reason string) {
		n.enqueue(dispatch.MsgResult, dispatch.ResultMessage{JobID: rc.JobID, Err: reason})
	}

	if n.draining.Load() {
		fail("worker quitting")
		return
	}

	n.mu.RLock()
	fn, ok := n.comps[rc.Computation]
	_, closed := n.closedComps[rc.Computation]
	n.mu.RUnlock()
	if !ok || closed {
		fail("unknown computation: " + rc.Computation)
		return
	}
	if !n.sem.TryAcquire(1) {
		fail("worker at capacity")
		return
	}

	jc := &JobContext{JobID: rc.JobID, Args: rc.Args, node: n}
	n.jobsWG.Add(1)
	id, err := n.sched.Spawn(func(co *sched.Coro) error {
		defer n.jobsWG.Done()
		defer n.sem.Release(1)
		defer n.jobDone(rc.JobID)

		n.enqueue(dispatch.MsgRunning, dispatch.RunningMessage{JobID: rc.JobID})
		value, err := runComputation(fn, co, jc)

		res := dispatch.ResultMessage{JobID: rc.JobID}
		switch {
		case err == nil:
			res.Value = value
		case errors.Is(err, sched.ErrTerminated):
			res.Err = "job cancelled"
		default:
			res.Err = err.Error()
		}
		n.enqueue(dispatch.MsgResult, res)
		return nil
	})
	if err != nil {
		n.jobsWG.Done()
		n.sem.Release(1)
		fail("spawn failed: " + err.Error())
		return
	}

	n.mu.Lock()
	n.running[rc.JobID] = id
	n.mu.Unlock()
	n.active.Add(1)
	if n.metrics != nil {
		n.metrics.jobsRunning.Inc()
	}
	n.logger.Debug("job started", "job", rc.JobID, "computation", rc.Computation, "coro", id)
}

// runComputation isolates panics in job bodies so a fault becomes a job
// failure instead of killing the result relay.
func runComputation(fn ComputationFunc, co *sched.Coro, jc *JobContext) (value json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("computation panicked: %v", r)
		}
	}()
	return fn(co, jc)
}

func (n *Node) jobDone(jobID string) {
	n.mu.Lock()
	delete(n.running, jobID)
	n.mu.Unlock()
	n.active.Add(-1)
	if n.metrics != nil {
		n.metrics.jobsRunning.Dec()
		n.metrics.jobsTotal.Inc()
	}
}

func (n *Node) handleCancel(jobID string) {
	n.mu.RLock()
	id, ok := n.running[jobID]
	n.mu.RUnlock()
	if !ok {
		n.logger.Debug("cancel for unknown job", "job", jobID)
		return
	}
	n.logger.Info("cancelling job", "job", jobID, "coro", id)
	if err := n.sched.Terminate(id); err != nil {
		n.logger.Debug("terminate failed", "job", jobID, "error", err)
	}
}

// handleQuit stops accepting work, lets running jobs finish, says goodbye
// and signals Done.
func (n *Node) handleQuit() {
	if !n.draining.CompareAndSwap(false, true) {
		return
	}
	n.logger.Info("quit requested, draining", "active", n.active.Load())
	go func() {
		n.jobsWG.Wait()
		n.enqueue(dispatch.MsgBye, struct{}{})
		close(n.quit)
	}()
}

// ---- outbound ----

// enqueue hands a message to the sender goroutine. Blocks only when the
// outbox is full, which backpressures chunk-heavy jobs.
func (n *Node) enqueue(typ string, data any) {
	select {
	case n.outbox <- outMsg{typ: typ, data: data}:
	case <-n.shutdown:
	}
}

// sender is the single writer toward the dispatcher, so chunks and results
// leave in the order jobs produced them.
func (n *Node) sender() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			return
		case m := <-n.outbox:
			if err := n.sendToDispatcher(m.typ, m.data); err != nil {
				n.logger.Warn("send to dispatcher failed", "type", m.typ, "error", err)
			}
		}
	}
}

func (n *Node) sendToDispatcher(typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg := dispatch.WorkerMessage{Type: typ, Data: raw}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
	defer cancel()
	return n.tr.Send(ctx, n.dispatcher, dispatch.TargetDispatcher, msg)
}

// registerAndPulse announces the node until the dispatcher acknowledges by
// accepting the connection, then keeps heartbeats flowing.
func (n *Node) registerAndPulse() {
	defer n.wg.Done()

	req := dispatch.RegisterRequest{
		WorkerID: n.id,
		Endpoint: n.tr.Self(),
		Capacity: n.cfg.Capacity,
		Tags:     n.cfg.Tags,
	}
	for {
		if err := n.sendToDispatcher(dispatch.MsgRegister, req); err == nil {
			break
		} else {
			n.logger.Debug("registration failed, retrying", "error", err)
		}
		select {
		case <-n.shutdown:
			return
		case <-time.After(n.cfg.RegisterRetry):
		}
	}
	n.logger.Info("registered with dispatcher", "dispatcher", n.dispatcher.Addr())

	ticker := time.NewTicker(n.cfg.PulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			hb := transport.Heartbeat{
				WorkerID:  n.id,
				Timestamp: time.Now(),
				Load:      int(n.active.Load()),
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
			err := n.tr.SendHeartbeat(ctx, n.dispatcher, hb)
			cancel()
			if err != nil {
				n.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// ---- metrics ----

type nodeMetrics struct {
	jobsRunning prometheus.Gauge
	jobsTotal   prometheus.Counter
}

func newNodeMetrics(reg prometheus.Registerer) *nodeMetrics {
	m := &nodeMetrics{
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coromesh",
			Subsystem: "node",
			Name:      "jobs_running",
			Help:      "Jobs currently executing on this worker.",
		}),
		jobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coromesh",
			Subsystem: "node",
			Name:      "jobs_total",
			Help:      "Jobs this worker has finished, any outcome.",
		}),
	}
	reg.MustRegister(m.jobsRunning, m.jobsTotal)
	return m
}

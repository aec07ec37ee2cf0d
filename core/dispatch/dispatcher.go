// Package dispatch runs the distributed scheduler: it tracks a pool of
// worker processes over heartbeats, places computations on the least loaded
// live worker, and streams lifecycle events to subscribers.
//
// All pool and job state is owned by a single dispatcher goroutine; public
// methods post operations into it and never touch the maps directly.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coromesh/coromesh/core/transport"
)

// Config holds dispatcher settings
type Config struct {
	// PulseInterval is the heartbeat cadence workers are told to keep. A
	// worker overdue by one interval turns Suspect; overdue by
	// DeadFactor intervals it is declared Dead.
	PulseInterval time.Duration `json:"pulse_interval"`
	DeadFactor    int           `json:"dead_factor"`

	// ReviveStreak is how many consecutive heartbeats a Suspect worker must
	// land before it is trusted with new work again.
	ReviveStreak int `json:"revive_streak"`

	StatusBuffer int           `json:"status_buffer"` // per-subscription event buffer
	StreamBuffer int           `json:"stream_buffer"` // per-job chunk buffer
	SendTimeout  time.Duration `json:"send_timeout"`  // per-command delivery budget

	Transport transport.Config `json:"transport"`
}

// DefaultConfig returns sensible production defaults
func DefaultConfig() Config {
	tc := transport.DefaultConfig()
	tc.ListenAddr = ":7170"
	return Config{
		PulseInterval: 5 * time.Second,
		DeadFactor:    4,
		ReviveStreak:  2,
		StatusBuffer:  128,
		StreamBuffer:  256,
		SendTimeout:   10 * time.Second,
		Transport:     tc,
	}
}

// worker pairs the public info with loop-owned bookkeeping.
type worker struct {
	info       WorkerInfo
	jobs       map[string]*job
	goodStreak int
}

// Dispatcher coordinates workers and jobs. Create with New, then Start;
// workers connect to the transport's listen address and register themselves.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	tr     *transport.Transport

	mu     sync.Mutex
	ops    []func()
	closed bool
	notify chan struct{}

	// loop-owned state
	workers   map[string]*worker
	jobs      map[string]*job
	pendingQ  []*job
	subs      map[uint64]*StatusSub
	observers []Observer
	filters   []FilterObserver

	outbox chan outCmd

	nextSub  atomic.Uint64
	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// outCmd is one command queued for delivery to a worker. jobID is set for
// run commands; a failed delivery fails that job.
type outCmd struct {
	workerID string
	endpoint transport.Endpoint
	typ      string
	data     any
	jobID    string
}

// New creates a dispatcher with its own transport identity.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = 5 * time.Second
	}
	if cfg.DeadFactor <= 1 {
		cfg.DeadFactor = 4
	}
	if cfg.ReviveStreak <= 0 {
		cfg.ReviveStreak = 2
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	self := transport.Endpoint{Instance: uuid.NewString()}
	d := &Dispatcher{
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		workers:  make(map[string]*worker),
		jobs:     make(map[string]*job),
		subs:     make(map[uint64]*StatusSub),
		notify:   make(chan struct{}, 1),
		outbox:   make(chan outCmd, 1024),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.tr = transport.New(self, cfg.Transport, logger)
	d.tr.SetHandler(d.handleEnvelope)
	return d
}

// Transport exposes the underlying transport, mainly so callers can mount
// HTTP handlers (e.g. /metrics) on its mux before Start.
func (d *Dispatcher) Transport() *transport.Transport { return d.tr }

// Mux is shorthand for Transport().Mux().
func (d *Dispatcher) Mux() *http.ServeMux { return d.tr.Mux() }

// AddObserver registers an observer for all status events. Must be called
// before Start.
func (d *Dispatcher) AddObserver(obs Observer) {
	d.observers = append(d.observers, obs)
	if f, ok := obs.(FilterObserver); ok {
		d.filters = append(d.filters, f)
	}
}

// Start opens the transport and begins health monitoring.
func (d *Dispatcher) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already started")
	}
	if err := d.tr.Start(); err != nil {
		d.started.Store(false)
		return fmt.Errorf("start transport: %w", err)
	}
	go d.loop()
	d.wg.Add(1)
	go d.sender()
	d.logger.Info("dispatcher started",
		"addr", d.tr.Self().Addr(),
		"pulse_interval", d.cfg.PulseInterval)
	return nil
}

// Stop fails all outstanding jobs, closes every status subscription and
// shuts the transport down. Workers are left running; use QuitWorkers first
// for a coordinated shutdown.
func (d *Dispatcher) Stop() error {
	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.shutdown:
		<-d.done
		return nil
	default:
	}
	close(d.shutdown)
	<-d.done
	d.wg.Wait()
	return d.tr.Stop()
}

// Submit schedules one run of comp on the least loaded eligible worker. The
// returned handle delivers chunks and the terminal result. If no worker has
// capacity the job waits until one does.
func (d *Dispatcher) Submit(comp Computation, opts ...SubmitOption) (*JobHandle, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	j := &job{
		id:        uuid.NewString(),
		comp:      comp,
		state:     JobSubmitted,
		filter:    so.filter,
		submitted: time.Now(),
	}
	j.handle = newJobHandle(d, j.id, comp, d.cfg.StreamBuffer)

	if !d.post(func() {
		d.jobs[j.id] = j
		if so.workerID != "" {
			prev := j.filter
			j.filter = func(w WorkerInfo) bool {
				return w.ID == so.workerID && (prev == nil || prev(w))
			}
		}
		if !d.tryAssign(j) {
			d.pendingQ = append(d.pendingQ, j)
		}
	}) {
		return nil, ErrStopped
	}
	return j.handle, nil
}

// SubmitAll fans comp out as one independent job per currently eligible
// worker and returns a handle for each.
func (d *Dispatcher) SubmitAll(comp Computation, opts ...SubmitOption) ([]*JobHandle, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	type reply struct {
		handles []*JobHandle
		err     error
	}
	ch := make(chan reply, 1)
	if !d.post(func() {
		var handles []*JobHandle
		for _, id := range d.eligibleWorkers(so.filter) {
			j := &job{
				id:        uuid.NewString(),
				comp:      comp,
				state:     JobSubmitted,
				submitted: time.Now(),
			}
			pinned := id
			j.filter = func(w WorkerInfo) bool { return w.ID == pinned }
			j.handle = newJobHandle(d, j.id, comp, d.cfg.StreamBuffer)
			d.jobs[j.id] = j
			if !d.tryAssign(j) {
				d.pendingQ = append(d.pendingQ, j)
			}
			handles = append(handles, j.handle)
		}
		if len(handles) == 0 {
			ch <- reply{err: ErrNoWorkers}
			return
		}
		ch <- reply{handles: handles}
	}) {
		return nil, ErrStopped
	}
	r := <-ch
	return r.handles, r.err
}

// CancelJob requests cooperative cancellation of a job. Pending jobs are
// cancelled immediately; running ones when the worker's coroutine next
// suspends.
func (d *Dispatcher) CancelJob(id string) error {
	errCh := make(chan error, 1)
	if !d.post(func() {
		j := d.jobs[id]
		if j == nil {
			errCh <- ErrUnknownJob
			return
		}
		j.cancelRequested = true
		if j.worker == nil {
			d.removePending(j)
			d.finishJob(j, JobCancelled, nil, ErrCancelled)
			errCh <- nil
			return
		}
		d.sendCommand(j.worker, CmdCancel, CancelCommand{JobID: id}, "")
		errCh <- nil
	}) {
		return ErrStopped
	}
	return <-errCh
}

// CloseComputation retires a computation name on every live worker. Jobs
// already running keep going; new runs of the name fail on the worker.
func (d *Dispatcher) CloseComputation(name string) error {
	if !d.post(func() {
		for _, w := range d.workers {
			if w.info.State == WorkerAlive || w.info.State == WorkerSuspect {
				d.sendCommand(w, CmdClose, CloseCommand{Computation: name}, "")
			}
		}
	}) {
		return ErrStopped
	}
	return nil
}

// QuitWorkers asks every worker to finish outstanding jobs and exit.
func (d *Dispatcher) QuitWorkers() error {
	if !d.post(func() {
		for _, w := range d.workers {
			d.sendCommand(w, CmdQuit, struct{}{}, "")
		}
	}) {
		return ErrStopped
	}
	return nil
}

// SubscribeStatus attaches a new subscriber to the status stream. Events
// are delivered in publication order until Unsubscribe.
func (d *Dispatcher) SubscribeStatus() (*StatusSub, error) {
	buf := d.cfg.StatusBuffer
	if buf <= 0 {
		buf = 128
	}
	sub := &StatusSub{
		id: d.nextSub.Add(1),
		d:  d,
		ch: make(chan Status, buf),
	}
	if !d.post(func() { d.subs[sub.id] = sub }) {
		return nil, ErrStopped
	}
	return sub, nil
}

func (d *Dispatcher) unsubscribe(id uint64) {
	d.post(func() {
		if sub := d.subs[id]; sub != nil {
			delete(d.subs, id)
			close(sub.ch)
			if sub.dropped > 0 {
				d.logger.Warn("status subscriber lagged", "dropped", sub.dropped)
			}
		}
	})
}

// Workers returns a snapshot of the current pool.
func (d *Dispatcher) Workers() []WorkerInfo {
	ch := make(chan []WorkerInfo, 1)
	if !d.post(func() {
		infos := make([]WorkerInfo, 0, len(d.workers))
		for _, w := range d.workers {
			infos = append(infos, w.info)
		}
		sort.Slice(infos, func(i, k int) bool { return infos[i].ID < infos[k].ID })
		ch <- infos
	}) {
		return nil
	}
	return <-ch
}

// SubmitOption tweaks one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	filter   NodeFilter
	workerID string
}

// WithFilter restricts assignment to workers the predicate accepts.
func WithFilter(f NodeFilter) SubmitOption {
	return func(o *submitOptions) { o.filter = f }
}

// WithWorker pins the job to a specific worker id.
func WithWorker(id string) SubmitOption {
	return func(o *submitOptions) { o.workerID = id }
}

// ---- actor loop ----

// post enqueues fn for the dispatcher loop. Never blocks; returns false
// once the dispatcher has stopped.
func (d *Dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.ops = append(d.ops, fn)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PulseInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			d.drainOps()
			d.teardown()
			return
		case <-d.notify:
			d.drainOps()
		case <-ticker.C:
			d.checkHealth()
		}
	}
}

func (d *Dispatcher) drainOps() {
	for {
		d.mu.Lock()
		if len(d.ops) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.ops
		d.ops = nil
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// teardown fails everything still in flight and closes subscriptions. Runs
// once, at the end of the loop.
func (d *Dispatcher) teardown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	for _, j := range d.jobs {
		if !terminal(j.state) {
			d.finishJob(j, JobFailed, nil, ErrStopped)
		}
	}
	for id, sub := range d.subs {
		delete(d.subs, id)
		close(sub.ch)
	}
	d.logger.Info("dispatcher stopped")
}

// ---- inbound traffic ----

// handleEnvelope runs on transport read goroutines; it decodes and hands
// off to the loop immediately.
func (d *Dispatcher) handleEnvelope(env transport.Envelope) {
	switch env.Kind {
	case transport.KindHeartbeat:
		var hb transport.Heartbeat
		if err := transport.DecodePayload(env, &hb); err != nil {
			d.logger.Debug("bad heartbeat", "error", err)
			return
		}
		d.post(func() { d.handleHeartbeat(hb) })

	case transport.KindMessage:
		if env.Target != TargetDispatcher {
			return
		}
		var msg WorkerMessage
		if err := transport.DecodePayload(env, &msg); err != nil {
			d.logger.Debug("bad worker message", "error", err)
			return
		}
		d.post(func() { d.handleWorkerMessage(env.Sender, msg) })
	}
}

func (d *Dispatcher) handleWorkerMessage(sender transport.Endpoint, msg WorkerMessage) {
	switch msg.Type {
	case MsgRegister:
		var req RegisterRequest
		if err := decodeData(msg.Data, &req); err != nil {
			d.logger.Debug("bad register", "error", err)
			return
		}
		d.handleRegister(req)
	case MsgRunning:
		var rm RunningMessage
		if err := decodeData(msg.Data, &rm); err != nil {
			return
		}
		if j := d.jobs[rm.JobID]; j != nil && j.state == JobDispatched {
			j.state = JobRunning
		}
	case MsgChunk:
		var cm ChunkMessage
		if err := decodeData(msg.Data, &cm); err != nil {
			return
		}
		if j := d.jobs[cm.JobID]; j != nil && !terminal(j.state) {
			if !j.handle.pushChunk(cm.Data) {
				d.logger.Warn("dropped stream chunk", "job", cm.JobID, "seq", cm.Seq)
			}
		}
	case MsgResult:
		var rm ResultMessage
		if err := decodeData(msg.Data, &rm); err != nil {
			return
		}
		d.handleResult(rm)
	case MsgBye:
		d.handleBye(sender)
	default:
		d.logger.Debug("unknown worker message", "type", msg.Type)
	}
}

func (d *Dispatcher) handleRegister(req RegisterRequest) {
	if w := d.workers[req.WorkerID]; w != nil {
		// Re-announce from a known worker; refresh its shape.
		w.info.Endpoint = req.Endpoint
		w.info.Capacity = req.Capacity
		w.info.Tags = req.Tags
		w.info.LastHeartbeat = time.Now()
		return
	}

	w := &worker{
		info: WorkerInfo{
			ID:            req.WorkerID,
			Endpoint:      req.Endpoint,
			Capacity:      req.Capacity,
			Tags:          req.Tags,
			State:         WorkerAlive,
			LastHeartbeat: time.Now(),
		},
		jobs: make(map[string]*job),
	}
	d.workers[req.WorkerID] = w
	d.logger.Info("worker registered",
		"worker", req.WorkerID,
		"endpoint", req.Endpoint.String(),
		"capacity", req.Capacity)
	d.publish(Status{
		Kind:      StatusWorkerRegistered,
		WorkerID:  w.info.ID,
		Endpoint:  w.info.Endpoint,
		State:     WorkerAlive,
		PrevState: WorkerUnknown,
	})
	d.assignPending()
}

func (d *Dispatcher) handleHeartbeat(hb transport.Heartbeat) {
	w := d.workers[hb.WorkerID]
	if w == nil {
		d.logger.Debug("heartbeat from unknown worker", "worker", hb.WorkerID)
		return
	}
	w.info.LastHeartbeat = time.Now()
	w.info.ReportedLoad = hb.Load

	if w.info.State == WorkerSuspect {
		w.goodStreak++
		if w.goodStreak >= d.cfg.ReviveStreak {
			w.info.State = WorkerAlive
			w.goodStreak = 0
			d.logger.Info("worker revived", "worker", w.info.ID)
			d.publish(Status{
				Kind:      StatusWorkerRegistered,
				WorkerID:  w.info.ID,
				Endpoint:  w.info.Endpoint,
				State:     WorkerAlive,
				PrevState: WorkerSuspect,
			})
			d.assignPending()
		}
	}
}

func (d *Dispatcher) handleResult(rm ResultMessage) {
	j := d.jobs[rm.JobID]
	if j == nil || terminal(j.state) {
		return
	}
	switch {
	case rm.Err == "":
		d.finishJob(j, JobCompleted, rm.Value, nil)
	case j.cancelRequested:
		d.finishJob(j, JobCancelled, nil, ErrCancelled)
	default:
		d.finishJob(j, JobFailed, nil, fmt.Errorf("computation failed: %s", rm.Err))
	}
	d.assignPending()
}

func (d *Dispatcher) handleBye(sender transport.Endpoint) {
	for _, w := range d.workers {
		if w.info.Endpoint.Instance == sender.Instance {
			d.markDead(w, "worker quit")
			return
		}
	}
}

// ---- health ----

func (d *Dispatcher) checkHealth() {
	now := time.Now()
	deadAfter := time.Duration(d.cfg.DeadFactor) * d.cfg.PulseInterval

	for _, w := range d.workers {
		if w.info.State == WorkerDead {
			continue
		}
		overdue := now.Sub(w.info.LastHeartbeat)
		switch {
		case overdue > deadAfter:
			d.markDead(w, "heartbeats stopped")
		case overdue > d.cfg.PulseInterval && w.info.State == WorkerAlive:
			w.info.State = WorkerSuspect
			w.goodStreak = 0
			d.logger.Warn("worker suspect",
				"worker", w.info.ID,
				"overdue", overdue.Round(time.Millisecond))
			d.publish(Status{
				Kind:      StatusWorkerSuspect,
				WorkerID:  w.info.ID,
				Endpoint:  w.info.Endpoint,
				State:     WorkerSuspect,
				PrevState: WorkerAlive,
			})
		}
	}
}

// markDead retires a worker for good and fails everything assigned to it.
// Dead is terminal; if the process comes back it registers under a fresh
// instance id.
func (d *Dispatcher) markDead(w *worker, reason string) {
	prev := w.info.State
	w.info.State = WorkerDead
	delete(d.workers, w.info.ID)
	d.logger.Warn("worker dead", "worker", w.info.ID, "reason", reason, "jobs_lost", len(w.jobs))
	d.publish(Status{
		Kind:      StatusWorkerDead,
		WorkerID:  w.info.ID,
		Endpoint:  w.info.Endpoint,
		State:     WorkerDead,
		PrevState: prev,
	})

	for _, j := range w.jobs {
		j.worker = nil
		d.finishJob(j, JobFailed, nil, fmt.Errorf("%w: %s", ErrWorkerDied, w.info.ID))
	}
	w.jobs = make(map[string]*job)
}

// ---- assignment ----

// eligibleWorkers lists Alive workers with spare capacity that pass every
// filter, least loaded first.
func (d *Dispatcher) eligibleWorkers(filter NodeFilter) []string {
	type cand struct {
		id   string
		load int
	}
	var cands []cand
	for _, w := range d.workers {
		if !d.eligible(w, filter) {
			continue
		}
		cands = append(cands, cand{id: w.info.ID, load: len(w.jobs)})
	}
	sort.Slice(cands, func(i, k int) bool {
		if cands[i].load != cands[k].load {
			return cands[i].load < cands[k].load
		}
		return cands[i].id < cands[k].id
	})
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

func (d *Dispatcher) eligible(w *worker, filter NodeFilter) bool {
	if w.info.State != WorkerAlive {
		return false
	}
	if w.info.Capacity > 0 && len(w.jobs) >= w.info.Capacity {
		return false
	}
	if filter != nil && !filter(w.info) {
		return false
	}
	for _, f := range d.filters {
		if !f.NodeFilter(w.info) {
			return false
		}
	}
	return true
}

// tryAssign places j on the least loaded eligible worker. Returns false
// when no worker can take it right now.
func (d *Dispatcher) tryAssign(j *job) bool {
	ids := d.eligibleWorkers(j.filter)
	if len(ids) == 0 {
		return false
	}
	w := d.workers[ids[0]]

	w.jobs[j.id] = j
	w.info.Load = len(w.jobs)
	j.worker = w
	j.state = JobDispatched

	d.publish(Status{
		Kind:        StatusJobAssigned,
		WorkerID:    w.info.ID,
		Endpoint:    w.info.Endpoint,
		State:       w.info.State,
		JobID:       j.id,
		Computation: j.comp.Name,
	})

	d.sendCommand(w, CmdRun, RunCommand{
		JobID:       j.id,
		Computation: j.comp.Name,
		Args:        j.comp.Args,
	}, j.id)
	return true
}

func (d *Dispatcher) assignPending() {
	if len(d.pendingQ) == 0 {
		return
	}
	remaining := d.pendingQ[:0]
	for _, j := range d.pendingQ {
		if terminal(j.state) {
			continue
		}
		if !d.tryAssign(j) {
			remaining = append(remaining, j)
		}
	}
	d.pendingQ = remaining
}

func (d *Dispatcher) removePending(j *job) {
	for i, p := range d.pendingQ {
		if p == j {
			d.pendingQ = append(d.pendingQ[:i], d.pendingQ[i+1:]...)
			return
		}
	}
}

// ---- job termination ----

func (d *Dispatcher) finishJob(j *job, state JobState, value json.RawMessage, err error) {
	if terminal(j.state) {
		return
	}
	j.state = state
	if w := j.worker; w != nil {
		delete(w.jobs, j.id)
		w.info.Load = len(w.jobs)
		j.worker = nil
	}
	delete(d.jobs, j.id)
	j.handle.finish(value, err)

	st := Status{
		JobID:       j.id,
		Computation: j.comp.Name,
	}
	switch state {
	case JobCompleted:
		st.Kind = StatusJobCompleted
	case JobCancelled:
		st.Kind = StatusJobCancelled
	default:
		st.Kind = StatusJobFailed
		if err != nil {
			st.Error = err.Error()
		}
	}
	d.publish(st)
}

func terminal(s JobState) bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ---- plumbing ----

// sendCommand queues a command for the sender goroutine. The loop never
// does network I/O itself, so an unreachable worker delays only its own
// commands, not heartbeat processing or submissions.
func (d *Dispatcher) sendCommand(w *worker, typ string, data any, jobID string) {
	c := outCmd{
		workerID: w.info.ID,
		endpoint: w.info.Endpoint,
		typ:      typ,
		data:     data,
		jobID:    jobID,
	}
	select {
	case d.outbox <- c:
	case <-d.shutdown:
	}
}

// sender is the single writer toward workers; queued order is delivery
// order, so a cancel never overtakes its run command.
func (d *Dispatcher) sender() {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			return
		case c := <-d.outbox:
			err := d.deliver(c)
			if err == nil {
				continue
			}
			d.logger.Warn("command delivery failed",
				"worker", c.workerID, "type", c.typ, "error", err)
			if c.jobID != "" {
				d.post(func() { d.failUndelivered(c.jobID, c.workerID, err) })
			}
		}
	}
}

func (d *Dispatcher) deliver(c outCmd) error {
	cmd := NodeCommand{Type: c.typ, Data: mustMarshal(c.data)}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	return d.tr.Send(ctx, c.endpoint, TargetNode, cmd)
}

// failUndelivered fails a job whose run command never reached its worker.
// Runs on the loop.
func (d *Dispatcher) failUndelivered(jobID, workerID string, cause error) {
	j := d.jobs[jobID]
	if j == nil || terminal(j.state) {
		return
	}
	if j.worker == nil || j.worker.info.ID != workerID {
		return
	}
	d.finishJob(j, JobFailed, nil, fmt.Errorf("run command undelivered: %w", cause))
	d.assignPending()
}

// publish fans one event out to subscribers and observers, in publication
// order, from the loop goroutine.
func (d *Dispatcher) publish(st Status) {
	st.Time = time.Now()
	for _, sub := range d.subs {
		sub.publish(st)
	}
	for _, obs := range d.observers {
		obs.OnStatus(st)
	}
}

func decodeData(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

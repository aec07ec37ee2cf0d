// Package transport moves envelopes between peer processes over persistent
// bidirectional websocket connections. Connections are established lazily,
// shared by all coroutines addressing the same endpoint, and serialized for
// writes; a lost connection fails in-flight sends with a delivery error and
// is re-dialed on the next send, never proactively.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/net/netutil"

	"github.com/coromesh/coromesh/utils"
)

// Config holds transport settings
type Config struct {
	ListenAddr        string        `json:"listen_addr"` // empty for client-only transports
	MaxConns          int           `json:"max_conns"`
	DialTimeout       time.Duration `json:"dial_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	KeepAliveInterval time.Duration `json:"keepalive_interval"`
	StaleAfter        time.Duration `json:"stale_after"`
	ResolveTimeout    time.Duration `json:"resolve_timeout"`
	MaxMessageSize    int64         `json:"max_message_size"`
	CompressThreshold int           `json:"compress_threshold"`
	BreakerFailures   uint32        `json:"breaker_failures"`
	BreakerCooldown   time.Duration `json:"breaker_cooldown"`
}

// DefaultConfig returns sensible production defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:          256,
		DialTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 20 * time.Second,
		StaleAfter:        2 * time.Minute,
		ResolveTimeout:    5 * time.Second,
		MaxMessageSize:    16 << 20, // 16MB
		CompressThreshold: 4 << 10,  // 4KB
		BreakerFailures:   3,
		BreakerCooldown:   15 * time.Second,
	}
}

// Handler consumes inbound message and heartbeat envelopes. It runs on the
// connection read goroutine and must hand work off quickly (typically by
// posting to a reactor).
type Handler func(env Envelope)

// Resolver maps a registered name to a canonical local target string.
type Resolver func(name string) (target string, found bool)

// Stats counts transport activity.
type Stats struct {
	MessagesSent   uint64
	MessagesRecv   uint64
	FailedSends    uint64
	Dials          uint64
	ConnectionsNow int
}

// Transport owns all peer connections of one process.
type Transport struct {
	self   atomic.Value // Endpoint
	cfg    Config
	logger *slog.Logger

	handler  Handler
	resolver Resolver

	connMu sync.RWMutex
	conns  map[string]*peerConn

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	seq      atomic.Uint64
	sent     atomic.Uint64
	recv     atomic.Uint64
	failed   atomic.Uint64
	dials    atomic.Uint64
	shutdown chan struct{}
	started  atomic.Bool
	wg       sync.WaitGroup
}

type peerConn struct {
	key    string
	remote Endpoint
	ws     *websocket.Conn

	writeMu sync.Mutex // single writer at a time; unrelated peers unaffected

	mu          sync.Mutex
	lastContact time.Time

	closed atomic.Bool
}

// New creates a transport identified as self. self.Port may be zero when
// cfg.ListenAddr uses an ephemeral port; Start fills it in.
func New(self Endpoint, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "instance", utils.ShortID(self.Instance)),
		conns:    make(map[string]*peerConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		pending:  make(map[string]chan Envelope),
		mux:      http.NewServeMux(),
		shutdown: make(chan struct{}),
	}
	t.self.Store(self)
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
	}
	t.mux.HandleFunc("/ws", t.handleWS)
	return t
}

// Self returns this process's endpoint. The port is final once Start has
// returned.
func (t *Transport) Self() Endpoint { return t.self.Load().(Endpoint) }

// Mux exposes the HTTP mux backing the listener so callers can mount
// additional handlers (e.g. /metrics) before Start.
func (t *Transport) Mux() *http.ServeMux { return t.mux }

// SetHandler installs the inbound envelope handler. Must be called before
// Start.
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// SetResolver installs the local name registry consulted for resolve
// requests. Must be called before Start.
func (t *Transport) SetResolver(r Resolver) { t.resolver = r }

// Start begins listening (when configured) and starts connection
// maintenance.
func (t *Transport) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}

	if t.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			return newError(ErrCodeDialFailed, "listen", t.Self(), err)
		}
		if t.cfg.MaxConns > 0 {
			ln = netutil.LimitListener(ln, t.cfg.MaxConns)
		}
		t.listener = ln

		self := t.Self()
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			self.Port = addr.Port
			if self.Host == "" {
				self.Host = "127.0.0.1"
			}
			t.self.Store(self)
		}

		t.server = &http.Server{Handler: t.mux}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Error("listener failed", "error", err)
			}
		}()
		t.logger.Info("transport listening", "addr", self.Addr())
	}

	t.wg.Add(1)
	go t.connectionManager()
	return nil
}

// Stop closes the listener and all peer connections.
func (t *Transport) Stop() error {
	if !t.started.Load() {
		return nil
	}
	select {
	case <-t.shutdown:
		return nil
	default:
	}
	close(t.shutdown)

	if t.server != nil {
		t.server.Close()
	}

	t.connMu.Lock()
	for key, pc := range t.conns {
		pc.close()
		delete(t.conns, key)
	}
	t.connMu.Unlock()

	t.wg.Wait()
	t.logger.Info("transport stopped")
	return nil
}

// Connect returns a live shared connection to ep, dialing lazily. It is
// idempotent: an existing live connection (inbound or outbound) is reused.
func (t *Transport) Connect(ctx context.Context, ep Endpoint) error {
	_, err := t.getConn(ctx, ep)
	return err
}

// Send delivers payload to the named target at ep. Failure is reported to
// the caller and never retried by the transport.
func (t *Transport) Send(ctx context.Context, ep Endpoint, target string, payload any) error {
	data, compressed, err := encodePayload(payload, t.cfg.CompressThreshold)
	if err != nil {
		return newError(ErrCodeDeliveryFailure, "encode", ep, err)
	}
	return t.sendEnvelope(ctx, ep, Envelope{
		Kind:       KindMessage,
		Sender:     t.Self(),
		Target:     target,
		Seq:        t.seq.Add(1),
		Payload:    data,
		Compressed: compressed,
	})
}

// SendHeartbeat delivers a liveness pulse to ep.
func (t *Transport) SendHeartbeat(ctx context.Context, ep Endpoint, hb Heartbeat) error {
	data, compressed, err := encodePayload(hb, t.cfg.CompressThreshold)
	if err != nil {
		return newError(ErrCodeDeliveryFailure, "encode heartbeat", ep, err)
	}
	return t.sendEnvelope(ctx, ep, Envelope{
		Kind:       KindHeartbeat,
		Sender:     t.Self(),
		Seq:        t.seq.Add(1),
		Payload:    data,
		Compressed: compressed,
	})
}

// Resolve asks the peer at ep for the target bound to name in its registry.
func (t *Transport) Resolve(ctx context.Context, ep Endpoint, name string) (string, error) {
	reqID := utils.GenerateID()
	data, compressed, err := encodePayload(resolveRequest{Name: name}, 0)
	if err != nil {
		return "", newError(ErrCodeResolveFailed, "encode", ep, err)
	}

	ch := make(chan Envelope, 1)
	t.pendingMu.Lock()
	t.pending[reqID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, reqID)
		t.pendingMu.Unlock()
	}()

	env := Envelope{
		Kind:       KindResolve,
		Sender:     t.Self(),
		Seq:        t.seq.Add(1),
		ReqID:      reqID,
		Payload:    data,
		Compressed: compressed,
	}
	if err := t.sendEnvelope(ctx, ep, env); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ResolveTimeout)
	defer cancel()

	select {
	case reply := <-ch:
		var rr resolveReply
		if err := DecodePayload(reply, &rr); err != nil {
			return "", err
		}
		if !rr.Found {
			return "", newError(ErrCodeResolveFailed, "name not registered: "+name, ep, nil)
		}
		return rr.Target, nil
	case <-ctx.Done():
		return "", newError(ErrCodeResolveFailed, "resolve "+name, ep, ctx.Err())
	}
}

// Peers lists endpoints with live connections.
func (t *Transport) Peers() []Endpoint {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	peers := make([]Endpoint, 0, len(t.conns))
	for _, pc := range t.conns {
		if !pc.closed.Load() {
			peers = append(peers, pc.remote)
		}
	}
	return peers
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() Stats {
	t.connMu.RLock()
	n := len(t.conns)
	t.connMu.RUnlock()
	return Stats{
		MessagesSent:   t.sent.Load(),
		MessagesRecv:   t.recv.Load(),
		FailedSends:    t.failed.Load(),
		Dials:          t.dials.Load(),
		ConnectionsNow: n,
	}
}

// ---- internals ----

func connKey(ep Endpoint) string {
	if ep.Port > 0 {
		return ep.Addr()
	}
	return "inst:" + ep.Instance
}

func (t *Transport) sendEnvelope(ctx context.Context, ep Endpoint, env Envelope) error {
	pc, err := t.getConn(ctx, ep)
	if err != nil {
		t.failed.Add(1)
		return newError(ErrCodeDeliveryFailure, "no connection", ep, err)
	}
	if err := pc.write(env, t.cfg.WriteTimeout); err != nil {
		t.dropConn(pc)
		t.failed.Add(1)
		lost := newError(ErrCodeConnectionLost, "write failed", ep, err)
		return newError(ErrCodeDeliveryFailure, "send "+env.Kind, ep, lost)
	}
	t.sent.Add(1)
	return nil
}

func (t *Transport) getConn(ctx context.Context, ep Endpoint) (*peerConn, error) {
	key := connKey(ep)

	t.connMu.RLock()
	pc := t.conns[key]
	t.connMu.RUnlock()
	if pc != nil && !pc.closed.Load() {
		return pc, nil
	}

	v, err := t.breaker(key).Execute(func() (any, error) {
		return t.dial(ctx, ep)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, newError(ErrCodeCircuitOpen, "dials suppressed", ep, err)
		}
		return nil, err
	}
	return v.(*peerConn), nil
}

func (t *Transport) breaker(key string) *gobreaker.CircuitBreaker {
	t.breakerMu.Lock()
	defer t.breakerMu.Unlock()
	cb := t.breakers[key]
	if cb == nil {
		failures := t.cfg.BreakerFailures
		if failures == 0 {
			failures = 3
		}
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    key,
			Timeout: t.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
		t.breakers[key] = cb
	}
	return cb
}

func (t *Transport) dial(ctx context.Context, ep Endpoint) (*peerConn, error) {
	u := url.URL{Scheme: "ws", Host: ep.Addr(), Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}

	t.dials.Add(1)
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, newError(ErrCodeDialFailed, "dial", ep, err)
	}

	pc := t.newPeerConn(ep, ws)

	hello := Envelope{Kind: KindHello, Sender: t.Self(), Seq: t.seq.Add(1)}
	if err := pc.write(hello, t.cfg.WriteTimeout); err != nil {
		pc.close()
		return nil, newError(ErrCodeDialFailed, "hello", ep, err)
	}

	// Another goroutine may have raced the dial; keep the first live conn.
	key := connKey(ep)
	t.connMu.Lock()
	if existing := t.conns[key]; existing != nil && !existing.closed.Load() {
		t.connMu.Unlock()
		pc.close()
		return existing, nil
	}
	pc.key = key
	t.conns[key] = pc
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.readLoop(pc)

	t.logger.Debug("connected to peer", "peer", ep.String())
	return pc, nil
}

func (t *Transport) newPeerConn(remote Endpoint, ws *websocket.Conn) *peerConn {
	if t.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(t.cfg.MaxMessageSize)
	}
	pc := &peerConn{remote: remote, ws: ws, lastContact: time.Now()}
	ws.SetPongHandler(func(string) error {
		pc.touch()
		return nil
	})
	return pc
}

func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("upgrade failed", "error", err)
		return
	}
	pc := t.newPeerConn(Endpoint{}, ws)
	t.wg.Add(1)
	go t.readLoop(pc)
}

func (t *Transport) readLoop(pc *peerConn) {
	defer t.wg.Done()
	defer t.dropConn(pc)

	for {
		var env Envelope
		if err := pc.ws.ReadJSON(&env); err != nil {
			select {
			case <-t.shutdown:
			default:
				if !pc.closed.Load() {
					t.logger.Debug("connection lost", "peer", pc.remote.String(), "error", err)
				}
			}
			return
		}
		pc.touch()
		t.recv.Add(1)

		switch env.Kind {
		case KindHello:
			t.registerInbound(pc, env.Sender)
		case KindResolve:
			t.handleResolve(pc, env)
		case KindResolveReply:
			t.pendingMu.Lock()
			ch := t.pending[env.ReqID]
			t.pendingMu.Unlock()
			if ch != nil {
				select {
				case ch <- env:
				default:
				}
			}
		default:
			if t.handler != nil {
				t.handler(env)
			}
		}
	}
}

func (t *Transport) registerInbound(pc *peerConn, sender Endpoint) {
	pc.remote = sender
	key := connKey(sender)

	t.connMu.Lock()
	if existing := t.conns[key]; existing != nil && existing != pc && !existing.closed.Load() {
		// Keep the established connection; the newcomer still serves reads
		// until its peer closes it.
		t.connMu.Unlock()
		return
	}
	pc.key = key
	t.conns[key] = pc
	t.connMu.Unlock()

	t.logger.Debug("registered inbound peer", "peer", sender.String())
}

func (t *Transport) handleResolve(pc *peerConn, env Envelope) {
	var req resolveRequest
	if err := DecodePayload(env, &req); err != nil {
		t.logger.Debug("bad resolve request", "error", err)
		return
	}

	reply := resolveReply{Name: req.Name}
	if t.resolver != nil {
		reply.Target, reply.Found = t.resolver(req.Name)
	}

	data, compressed, err := encodePayload(reply, 0)
	if err != nil {
		return
	}
	out := Envelope{
		Kind:       KindResolveReply,
		Sender:     t.Self(),
		Seq:        t.seq.Add(1),
		ReqID:      env.ReqID,
		Payload:    data,
		Compressed: compressed,
	}
	if err := pc.write(out, t.cfg.WriteTimeout); err != nil {
		t.logger.Debug("resolve reply failed", "peer", pc.remote.String(), "error", err)
	}
}

func (t *Transport) dropConn(pc *peerConn) {
	pc.close()
	if pc.key == "" {
		return
	}
	t.connMu.Lock()
	if t.conns[pc.key] == pc {
		delete(t.conns, pc.key)
	}
	t.connMu.Unlock()
}

// connectionManager sends keep-alive pings and prunes stale connections.
func (t *Transport) connectionManager() {
	defer t.wg.Done()

	interval := t.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.shutdown:
			return
		case <-ticker.C:
			t.pingAll()
			t.cleanupStale()
		}
	}
}

func (t *Transport) pingAll() {
	t.connMu.RLock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.connMu.RUnlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	for _, pc := range conns {
		if err := pc.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			t.logger.Debug("keep-alive failed", "peer", pc.remote.String(), "error", err)
		}
	}
}

func (t *Transport) cleanupStale() {
	if t.cfg.StaleAfter <= 0 {
		return
	}
	t.connMu.Lock()
	now := time.Now()
	for key, pc := range t.conns {
		if now.Sub(pc.contact()) > t.cfg.StaleAfter {
			t.logger.Debug("closing stale connection", "peer", pc.remote.String())
			pc.close()
			delete(t.conns, key)
		}
	}
	t.connMu.Unlock()
}

func (pc *peerConn) write(env Envelope, timeout time.Duration) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if pc.closed.Load() {
		return errors.New("connection closed")
	}
	if timeout > 0 {
		pc.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return pc.ws.WriteJSON(env)
}

func (pc *peerConn) touch() {
	pc.mu.Lock()
	pc.lastContact = time.Now()
	pc.mu.Unlock()
}

func (pc *peerConn) contact() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastContact
}

func (pc *peerConn) close() {
	if pc.closed.CompareAndSwap(false, true) {
		pc.ws.Close()
	}
}

// Package connection owns the single logical connection to the assistant
// backend: dialing candidate endpoints, correlating chat replies, probing
// health and retrying with bounded backoff.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/correlator"
	"github.com/loqalabs/loqa-relay/internal/endpoint"
	"github.com/loqalabs/loqa-relay/internal/location"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/pubsub"
)

const writeWait = 5 * time.Second

type Options struct {
	Config    config.ConnectionConfig
	Endpoints config.EndpointsConfig
	// Host selects the deployment environment for endpoint resolution.
	Host       string
	Enricher   location.Enricher
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	// OnPermanentFailure runs after an auth failure so stored credentials
	// for userID can be discarded.
	OnPermanentFailure func(userID string, err error)
	Logger             *slog.Logger
}

type Manager struct {
	cfg       config.ConnectionConfig
	endpoints config.EndpointsConfig
	host      string
	enricher  location.Enricher
	dialer    *websocket.Dialer
	http      *http.Client
	onPerm    func(string, error)
	logger    *slog.Logger

	corr    *correlator.Correlator
	status  *pubsub.Broadcaster[Status]
	inbound *pubsub.Broadcaster[protocol.Inbound]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu          sync.Mutex
	machine     *fsm.FSM
	gen         uint64
	conn        *websocket.Conn
	userID      string
	token       string
	nextGen     bool
	retryCount  int
	retryTimer  *time.Timer
	nextRetryAt time.Time
	backoff     *backoff.ExponentialBackOff
	healthStop  context.CancelFunc
	rateLimited bool
	health      int
	backend     Backend
	lastErr     *Error
	lastErrText string
	latency     time.Duration
	endpoint    string
	metrics     Metrics
}

func NewManager(parent context.Context, opts Options) *Manager {
	ctx, cancel := context.WithCancel(parent)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "connection"))
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	enricher := opts.Enricher
	if enricher == nil {
		enricher = location.Disabled{}
	}
	m := &Manager{
		cfg:       opts.Config,
		endpoints: opts.Endpoints,
		host:      opts.Host,
		enricher:  enricher,
		dialer:    dialer,
		http:      client,
		onPerm:    opts.OnPermanentFailure,
		logger:    logger,
		corr: correlator.New(correlator.Options{
			Timeout: opts.Config.RequestTimeout(),
			EchoIDs: opts.Config.EchoIDs,
		}),
		status:  pubsub.New[Status](32, true),
		inbound: pubsub.NewStream[protocol.Inbound](64),
		ctx:     ctx,
		cancel:  cancel,
		nextGen: opts.Endpoints.NextGen,
		backoff: newBackOff(opts.Config.BaseDelay(), opts.Config.MaxDelay()),
		health:  initialHealth,
		backend: BackendOffline,
	}
	m.machine = newMachine(logger)
	m.publishLocked()
	return m
}

func newMachine(logger *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: "connect", Src: []string{string(StateIdle), string(StateRetrying)}, Dst: string(StateConnecting)},
			{Name: "opened", Src: []string{string(StateConnecting)}, Dst: string(StateOpen)},
			{Name: "retry", Src: []string{string(StateConnecting), string(StateOpen)}, Dst: string(StateRetrying)},
			{Name: "close", Src: []string{string(StateConnecting), string(StateOpen), string(StateRetrying)}, Dst: string(StateClosing)},
			{Name: "reset", Src: []string{string(StateConnecting), string(StateOpen), string(StateRetrying), string(StateClosing)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("connection state changed", slog.String("from", e.Src), slog.String("to", e.Dst), slog.String("event", e.Event))
			},
		},
	)
}

// fire applies a state machine event. Callers hold m.mu.
func (m *Manager) fire(event string) {
	err := m.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return
	}
	m.logger.Error("invalid connection transition", slog.String("event", event), slog.String("state", m.machine.Current()), slogError(err))
}

func (m *Manager) stateLocked() State { return State(m.machine.Current()) }

// Connect opens the connection and blocks until the first attempt settles.
// It returns false without side effects while another attempt is in
// progress, and fails fast without touching the network when credentials
// are missing. Missing credentials leave an open connection untouched.
func (m *Manager) Connect(ctx context.Context, userID, token string) (bool, error) {
	m.mu.Lock()
	state := m.stateLocked()
	if state == StateConnecting {
		m.mu.Unlock()
		return false, nil
	}
	if userID == "" || token == "" {
		err := &Error{Kind: Permanent, Op: "connect", Err: ErrMissingCredentials}
		if state == StateOpen {
			// The live connection keeps its credentials and status.
			m.mu.Unlock()
			return false, err
		}
		m.lastErr = err
		m.lastErrText = err.Error()
		m.publishLocked()
		m.mu.Unlock()
		return false, err
	}
	if state == StateOpen && m.userID == userID && m.token == token {
		m.mu.Unlock()
		return true, nil
	}

	old := m.teardownLocked()
	if state != StateIdle && state != StateRetrying {
		m.fire("reset")
	}
	m.userID, m.token = userID, token
	m.rateLimited = false
	m.retryCount = 0
	m.backoff.Reset()
	m.fire("connect")
	gen := m.gen
	m.publishLocked()
	m.mu.Unlock()
	closeSocket(old, &m.writeMu)

	if err := m.attempt(ctx, gen); err != nil {
		if ctx.Err() != nil {
			m.abandon(gen, ctx.Err())
			return false, ctx.Err()
		}
		m.handleFailure(gen, err)
		return false, err
	}
	return true, nil
}

// Disconnect stops retries and health probes, closes the socket with a
// normal closure and clears credentials. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old := m.teardownLocked()
	changed := old != nil || m.userID != "" || m.stateLocked() != StateIdle
	if m.stateLocked() != StateIdle {
		m.fire("close")
		m.fire("reset")
	}
	m.userID, m.token = "", ""
	m.backend = BackendOffline
	if changed {
		m.publishLocked()
	}
	m.mu.Unlock()

	m.corr.FailAll(ErrDisconnected)
	closeSocket(old, &m.writeMu)
	if changed {
		m.logger.Info("disconnected")
	}
}

// Close disconnects and waits for background goroutines.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
	m.wg.Wait()
	m.status.Close()
	m.inbound.Close()
}

// teardownLocked invalidates the current generation and stops its timers.
// The returned socket must be closed after m.mu is released.
func (m *Manager) teardownLocked() *websocket.Conn {
	m.gen++
	m.stopRetryLocked()
	m.stopHealthLocked()
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.nextRetryAt = time.Time{}
}

func (m *Manager) stopHealthLocked() {
	if m.healthStop != nil {
		m.healthStop()
		m.healthStop = nil
	}
}

func closeSocket(conn *websocket.Conn, writeMu *sync.Mutex) {
	if conn == nil {
		return
	}
	writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	writeMu.Unlock()
	_ = conn.Close()
}

// attempt dials candidates in preference order. Auth and rate limit
// rejections stop the walk; transient failures move on to the next
// address.
func (m *Manager) attempt(ctx context.Context, gen uint64) *Error {
	m.mu.Lock()
	userID, token, nextGen := m.userID, m.token, m.nextGen
	m.mu.Unlock()

	candidates := endpoint.Resolve(m.endpoints, m.host, nextGen)
	if len(candidates) == 0 {
		return &Error{Kind: Permanent, Op: "resolve", Err: ErrNoEndpoints}
	}

	var last *Error
	for i, base := range candidates {
		target, err := endpoint.BuildURL(base, userID, token, nextGen)
		if err != nil {
			last = &Error{Kind: Permanent, Op: "resolve", Err: err}
			continue
		}
		header := http.Header{}
		if nextGen {
			header.Set("Authorization", "Bearer "+token)
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout())
		start := time.Now()
		conn, resp, err := m.dialer.DialContext(dialCtx, target, header)
		cancel()
		if err != nil {
			var ce *Error
			if resp != nil {
				ce = classifyStatus("dial", resp.StatusCode, err)
			} else {
				ce = &Error{Kind: Transient, Op: "dial", Err: err}
			}
			m.logger.Warn("dial failed", slog.String("endpoint", base), slog.String("kind", ce.Kind.String()), slogError(err))
			if ce.Kind != Transient || ctx.Err() != nil {
				return ce
			}
			last = ce
			continue
		}
		backend := BackendPrimary
		if i > 0 {
			backend = BackendFallback
		}
		if err := m.opened(gen, conn, base, backend, time.Since(start)); err != nil {
			return err
		}
		return nil
	}
	return last
}

func (m *Manager) opened(gen uint64, conn *websocket.Conn, base string, backend Backend, latency time.Duration) *Error {
	m.mu.Lock()
	if gen != m.gen || m.stateLocked() != StateConnecting {
		m.mu.Unlock()
		_ = conn.Close()
		return &Error{Kind: Transient, Op: "open", Err: ErrDisconnected}
	}
	m.conn = conn
	m.fire("opened")
	m.retryCount = 0
	m.backoff.Reset()
	m.health = clampHealth(m.health + healthOnOpen)
	m.backend = backend
	m.endpoint = base
	m.latency = latency
	m.lastErr = nil
	m.lastErrText = ""

	m.wg.Add(1)
	go m.readLoop(gen, conn)

	if m.cfg.HealthIntervalMS > 0 && m.cfg.HealthPath != "" {
		if healthURL, err := endpoint.HealthURL(base, m.cfg.HealthPath); err == nil {
			hctx, stop := context.WithCancel(m.ctx)
			m.healthStop = stop
			m.wg.Add(1)
			go m.healthLoop(hctx, gen, healthURL)
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("connected", slog.String("endpoint", base), slog.String("backend", string(backend)), slog.Duration("latency", latency))
	return nil
}

// handleFailure applies the retry policy for a failure observed by
// generation gen. Failures from a stale generation are ignored.
func (m *Manager) handleFailure(gen uint64, cerr *Error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()
	m.lastErr = cerr
	m.lastErrText = cerr.Error()
	m.health = clampHealth(m.health + healthOnDrop)
	userID := m.userID

	switch cerr.Kind {
	case Permanent:
		m.fire("reset")
		m.userID, m.token = "", ""
		m.backend = BackendOffline
	case RateLimited:
		m.fire("reset")
		m.rateLimited = true
		m.backend = BackendOffline
	default:
		if m.retryCount < m.cfg.MaxAttempts && !m.rateLimited {
			m.fire("retry")
			m.scheduleRetryLocked()
		} else {
			m.fire("reset")
			m.backend = BackendOffline
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	m.corr.FailAll(ErrConnectionLost)
	closeSocket(old, &m.writeMu)

	m.logger.Warn("connection failure",
		slog.String("kind", cerr.Kind.String()),
		slog.Int("retry_count", m.Status().RetryCount),
		slogError(cerr))
	if cerr.Kind == Permanent && m.onPerm != nil && userID != "" {
		m.onPerm(userID, cerr)
	}
}

// abandon returns a cancelled manual attempt to idle without retrying.
func (m *Manager) abandon(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	old := m.teardownLocked()
	if old != nil {
		_ = old.Close()
	}
	m.fire("reset")
	m.lastErr = &Error{Kind: Transient, Op: "connect", Err: err}
	m.lastErrText = m.lastErr.Error()
	m.publishLocked()
}

// scheduleRetryLocked replaces any pending retry timer with one for the
// next backoff step.
func (m *Manager) scheduleRetryLocked() {
	m.stopRetryLocked()
	delay := m.backoff.NextBackOff()
	m.retryCount++
	gen := m.gen
	m.nextRetryAt = time.Now().Add(delay)
	m.retryTimer = time.AfterFunc(delay, func() { m.retryFired(gen) })
	m.logger.Info("reconnect scheduled", slog.Int("attempt", m.retryCount), slog.Duration("delay", delay))
}

func (m *Manager) retryFired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stateLocked() != StateRetrying || m.rateLimited {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.nextRetryAt = time.Time{}
	m.gen++
	next := m.gen
	m.fire("connect")
	m.publishLocked()
	m.mu.Unlock()

	if err := m.attempt(m.ctx, next); err != nil {
		m.handleFailure(next, err)
	}
}

func (m *Manager) handleServerClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()
	m.fire("reset")
	m.backend = BackendOffline
	m.publishLocked()
	m.mu.Unlock()

	m.corr.FailAll(ErrConnectionLost)
	if old != nil {
		_ = old.Close()
	}
	m.logger.Info("server closed connection")
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				m.handleServerClose(gen)
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				m.handleFailure(gen, classifyCloseCode(closeErr.Code, err))
				return
			}
			m.handleFailure(gen, &Error{Kind: Transient, Op: "read", Err: err})
			return
		}

		var msg protocol.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("failed to decode inbound message", slogError(err))
			continue
		}
		if msg.IsPing() {
			if err := m.writeJSON(conn, protocol.Control{Kind: protocol.KindPong}); err != nil {
				m.logger.Warn("failed to answer ping", slogError(err))
			}
			continue
		}
		if m.corr.Deliver(msg) {
			continue
		}
		m.inbound.Publish(msg)
	}
}

func (m *Manager) writeJSON(conn *websocket.Conn, v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// SendMessage sends a chat message enriched with location context and
// waits for its reply. A reply timeout fails only this call.
func (m *Manager) SendMessage(ctx context.Context, text string, extra map[string]any) (protocol.Inbound, error) {
	m.mu.Lock()
	conn, userID, gen := m.conn, m.userID, m.gen
	open := m.stateLocked() == StateOpen
	m.mu.Unlock()
	if conn == nil || !open {
		return protocol.Inbound{}, ErrNotConnected
	}

	payload := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		payload[k] = v
	}
	if d := m.enricher.Context(ctx, userID); d != nil {
		payload["location"] = d.Map()
	}

	var start time.Time
	msg, err := m.corr.Do(ctx, func(id string) error {
		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return ErrConnectionLost
		}
		start = time.Now()
		return m.writeJSON(conn, protocol.Outbound{
			Kind:          protocol.KindChat,
			Message:       text,
			UserID:        userID,
			Context:       payload,
			SentAt:        start.UTC(),
			CorrelationID: id,
		})
	})

	var latency time.Duration
	if !start.IsZero() {
		latency = time.Since(start)
	}
	ok := err == nil && msg.Kind != protocol.KindError
	m.mu.Lock()
	m.metrics.record(ok, latency)
	if ok {
		m.health = clampHealth(m.health + healthOnSuccess)
		m.latency = latency
	} else {
		m.health = clampHealth(m.health + healthOnFailure)
	}
	m.publishLocked()
	m.mu.Unlock()

	if err != nil {
		return protocol.Inbound{}, fmt.Errorf("send message: %w", err)
	}
	if msg.Kind == protocol.KindError {
		return msg, fmt.Errorf("assistant error: %s", msg.Text())
	}
	return msg, nil
}

// SetNextGenProtocol switches protocol generation for the next attempt.
func (m *Manager) SetNextGenProtocol(enabled bool) {
	m.mu.Lock()
	m.nextGen = enabled
	m.mu.Unlock()
}

// Subscribe registers a status listener. The current status is delivered
// immediately.
func (m *Manager) Subscribe(fn func(Status)) (unsubscribe func()) {
	return m.status.Subscribe(fn)
}

// SubscribeMessages registers a listener for server messages that did not
// answer a pending request.
func (m *Manager) SubscribeMessages(fn func(protocol.Inbound)) (unsubscribe func()) {
	return m.inbound.Subscribe(fn)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// PendingRetries reports how many reconnect timers are armed (0 or 1).
func (m *Manager) PendingRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryTimer != nil {
		return 1
	}
	return 0
}

// PendingRequests reports requests awaiting a reply.
func (m *Manager) PendingRequests() int { return m.corr.Pending() }

func (m *Manager) snapshotLocked() Status {
	state := m.stateLocked()
	s := Status{
		State:        state,
		IsConnected:  state == StateOpen,
		IsConnecting: state == StateConnecting,
		LastError:    m.lastErrText,
		RetryCount:   m.retryCount,
		NextRetryAt:  m.nextRetryAt,
		Backend:      m.backend,
		HealthScore:  m.health,
		Latency:      m.latency,
		Endpoint:     m.endpoint,
		UserID:       m.userID,
		UpdatedAt:    time.Now().UTC(),
	}
	if m.lastErr != nil {
		s.ErrorKind = m.lastErr.Kind.String()
	}
	return s
}

func (m *Manager) publishLocked() {
	m.status.Publish(m.snapshotLocked())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

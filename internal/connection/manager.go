package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkhandelwal/marketsync/internal/auth"
)

// CredentialSource provides fresh feed credentials for each connect
// attempt. *auth.Client satisfies it.
type CredentialSource interface {
	Fetch(ctx context.Context) (*auth.Credentials, error)
}

// MessageHandler receives inbound data messages (everything that is not
// an auth or error control message).
type MessageHandler func(msg TimestampedMessage)

// StateListener receives state transitions synchronously, in order.
type StateListener func(change StateChange)

// connState ties a live client to its reader-stop signal. A new one is
// created per connect attempt; the epoch guards against callbacks from
// a connection that has already been torn down.
type connState struct {
	client Client
	stop   chan struct{}
}

// Manager owns the process-wide streaming transport.
type Manager struct {
	cfg    ManagerConfig
	creds  CredentialSource
	logger *slog.Logger

	// newClient is swapped in tests.
	newClient func(ClientConfig, *slog.Logger) Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	conn          *connState
	epoch         uint64
	autoReconnect bool
	paused        bool
	userClosed    bool
	attempts      int
	reconnectTmr  *time.Timer
	authTmr       *time.Timer
	lastErr       error

	// notifyMu serializes transitions so listeners observe them in order.
	notifyMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[string]StateListener
	handlers    map[string]MessageHandler
}

// NewManager creates a Connection Manager. Exactly one should exist per
// process; it is injected wherever the multiplexer or controller needs it.
func NewManager(cfg ManagerConfig, creds CredentialSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:           cfg,
		creds:         creds,
		logger:        logger,
		newClient:     NewClient,
		state:         StateDisconnected,
		autoReconnect: true,
		listeners:     make(map[string]StateListener),
		handlers:      make(map[string]MessageHandler),
	}
}

// Start binds the manager lifecycle to ctx. It does not dial; call
// Connect for that.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	return nil
}

// Stop disconnects and waits for goroutines to drain.
func (m *Manager) Stop(ctx context.Context) error {
	m.Disconnect()
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("connection manager shutdown timeout")
		return ctx.Err()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether the feed is ready for subscriptions.
func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// Err returns the most recent connection or auth error.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SetAutoReconnect toggles automatic reconnection after unclean closes.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
}

// OnState registers a state listener and returns its disposer.
// Listeners are invoked synchronously in transition order. A listener
// must not call Connect, Disconnect, Pause, or Resume; sending on the
// manager (to flush queued subscriptions) is fine.
func (m *Manager) OnState(l StateListener) func() {
	id := uuid.NewString()
	m.listenersMu.Lock()
	m.listeners[id] = l
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// OnMessage registers an inbound data message handler and returns its
// disposer.
func (m *Manager) OnMessage(h MessageHandler) func() {
	id := uuid.NewString()
	m.listenersMu.Lock()
	m.handlers[id] = h
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.handlers, id)
		m.listenersMu.Unlock()
	}
}

// Send marshals and writes a command to the feed.
func (m *Manager) Send(cmd Command) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.client.Send(data)
}

// Connect starts a connect attempt. It is a no-op unless the manager is
// Disconnected, which makes duplicate transports impossible.
func (m *Manager) Connect() {
	if !m.transitionIf(func(s State) bool { return s == StateDisconnected }, StateConnecting, nil) {
		return
	}

	m.mu.Lock()
	m.userClosed = false
	epoch := m.epoch
	m.mu.Unlock()

	m.wg.Add(1)
	go m.establish(epoch)
}

// Disconnect is always user-initiated: it cancels any pending reconnect
// and closes the transport without scheduling another attempt.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	m.attempts = 0
	m.stopTimersLocked()
	conn := m.teardownLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.client.Close()
	}
	m.transitionIf(func(s State) bool { return s != StateDisconnected }, StateDisconnected, nil)
}

// Pause closes the transport to save resources while the application is
// backgrounded. No reconnect is scheduled until Resume.
func (m *Manager) Pause() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	m.stopTimersLocked()
	conn := m.teardownLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.client.Close()
	}
	m.transitionIf(func(s State) bool { return s != StatePaused }, StatePaused, nil)
	m.logger.Info("connection paused")
}

// Resume leaves Paused and immediately reconnects.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	m.attempts = 0
	m.mu.Unlock()

	m.transitionIf(func(s State) bool { return s == StatePaused }, StateDisconnected, nil)
	m.logger.Info("connection resumed")
	m.Connect()
}

// establish dials and authenticates one connection attempt.
func (m *Manager) establish(epoch uint64) {
	defer m.wg.Done()

	// Credentials rotate, so they are fetched fresh every attempt.
	creds, err := m.creds.Fetch(m.ctx)
	if err != nil {
		m.connectFailed(epoch, fmt.Errorf("fetch credentials: %w", err))
		return
	}

	url := creds.TransportURL
	if m.cfg.WSURL != "" {
		url = m.cfg.WSURL
	}

	cl := m.newClient(ClientConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      m.cfg.PingTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.MessageBufferSize,
	}, m.logger)

	if err := cl.Connect(m.ctx); err != nil {
		m.connectFailed(epoch, err)
		return
	}

	conn := &connState{client: cl, stop: make(chan struct{})}

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateConnecting {
		// Disconnected or paused while dialing.
		m.mu.Unlock()
		cl.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	// Transport is open: authenticate immediately.
	data, _ := json.Marshal(Command{Action: "authenticate", APIKey: creds.APIKey})
	if err := cl.Send(data); err != nil {
		m.dropConnection(epoch, err)
		return
	}

	m.transitionIf(func(s State) bool { return s == StateConnecting }, StateAwaitingAuth, nil)

	m.mu.Lock()
	if m.epoch == epoch {
		m.authTmr = time.AfterFunc(m.cfg.AuthTimeout, func() {
			m.logger.Error("authentication timed out, forcing reconnect")
			m.dropConnection(epoch, ErrAuthTimeout)
		})
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(conn, epoch)
}

// readLoop consumes one connection's messages until it dies.
func (m *Manager) readLoop(conn *connState, epoch uint64) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-conn.stop:
			return

		case err := <-conn.client.Errors():
			m.logger.Warn("transport error", "error", err)
			m.dropConnection(epoch, err)
			return

		case msg, ok := <-conn.client.Messages():
			if !ok {
				return
			}
			m.handleMessage(msg, epoch)
		}
	}
}

// handleMessage routes one inbound message.
func (m *Manager) handleMessage(msg TimestampedMessage, epoch uint64) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		// Malformed messages are dropped, never fatal.
		m.logger.Debug("dropping malformed message", "error", err)
		return
	}

	switch env.Type {
	case "auth":
		m.handleAuth(env, epoch)

	case "error":
		m.logger.Warn("feed error message", "message", env.Message)
		m.mu.Lock()
		m.lastErr = fmt.Errorf("feed error: %s", env.Message)
		m.mu.Unlock()

	default:
		m.listenersMu.RLock()
		handlers := make([]MessageHandler, 0, len(m.handlers))
		for _, h := range m.handlers {
			handlers = append(handlers, h)
		}
		m.listenersMu.RUnlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}

// handleAuth processes an authentication result message.
func (m *Manager) handleAuth(env Envelope, epoch uint64) {
	if env.Status == "success" {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		m.stopAuthTimerLocked()
		m.attempts = 0
		m.lastErr = nil
		m.mu.Unlock()

		m.transitionIf(func(s State) bool { return s == StateAwaitingAuth }, StateAuthenticated, nil)
		m.logger.Info("feed authenticated")
		return
	}

	// Auth rejection is not retried on its own; the user must trigger a
	// full reconnect after fixing credentials.
	err := fmt.Errorf("%w: %s", ErrAuthFailed, env.Message)
	m.logger.Error("feed authentication rejected", "message", env.Message)

	m.mu.Lock()
	if m.epoch == epoch {
		m.stopAuthTimerLocked()
		m.lastErr = err
	}
	m.mu.Unlock()
}

// connectFailed handles a failure before the transport existed.
func (m *Manager) connectFailed(epoch uint64, err error) {
	m.logger.Warn("connect attempt failed", "error", err)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.lastErr = err
	schedule := m.shouldReconnectLocked()
	m.mu.Unlock()

	m.transitionIf(func(s State) bool { return s == StateConnecting }, StateDisconnected, err)
	if schedule {
		m.scheduleReconnect()
	}
}

// dropConnection tears down a live connection after a transport error,
// auth timeout, or stale heartbeat, then schedules a reconnect when
// allowed. Listeners observing the Disconnected transition clear all
// connection-scoped state (subscription refcounts, symbol cache).
func (m *Manager) dropConnection(epoch uint64, err error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.stopAuthTimerLocked()
	m.lastErr = err
	conn := m.teardownLocked()
	schedule := m.shouldReconnectLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.client.Close()
	}

	m.transitionIf(func(s State) bool { return s != StateDisconnected && s != StatePaused }, StateDisconnected, err)

	if schedule {
		m.scheduleReconnect()
	}
}

// teardownLocked detaches the current connection and bumps the epoch so
// stale callbacks become no-ops. Caller holds m.mu and closes the
// returned connection outside the lock.
func (m *Manager) teardownLocked() *connState {
	m.epoch++
	conn := m.conn
	m.conn = nil
	if conn != nil {
		close(conn.stop)
	}
	return conn
}

// shouldReconnectLocked applies the auto-reconnect policy.
func (m *Manager) shouldReconnectLocked() bool {
	if !m.autoReconnect || m.userClosed || m.paused {
		return false
	}
	if m.cfg.ReconnectMaxAttempts > 0 && m.attempts >= m.cfg.ReconnectMaxAttempts {
		m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
		return false
	}
	return true
}

// scheduleReconnect arms the backoff timer for the next attempt.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	m.attempts++
	wait := m.backoffWait(m.attempts)
	m.reconnectTmr = time.AfterFunc(wait, m.autoConnect)
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"wait", wait,
	)
}

// autoConnect is the reconnect timer target. Re-checking the policy
// here closes the race where the user disconnects after the timer has
// already fired.
func (m *Manager) autoConnect() {
	m.mu.Lock()
	skip := m.userClosed || m.paused || !m.autoReconnect
	m.mu.Unlock()
	if skip {
		return
	}
	m.Connect()
}

// backoffWait computes exponential backoff with jitter: base doubling
// per attempt, capped, then spread ±jitter to avoid retry storms.
func (m *Manager) backoffWait(attempt int) time.Duration {
	wait := m.cfg.ReconnectBaseWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= m.cfg.ReconnectMaxWait {
			wait = m.cfg.ReconnectMaxWait
			break
		}
	}

	if m.cfg.ReconnectJitter > 0 {
		spread := 1 + m.cfg.ReconnectJitter*(2*rand.Float64()-1)
		wait = time.Duration(float64(wait) * spread)
	}
	if wait < 0 {
		wait = m.cfg.ReconnectBaseWait
	}
	return wait
}

func (m *Manager) stopTimersLocked() {
	if m.reconnectTmr != nil {
		m.reconnectTmr.Stop()
		m.reconnectTmr = nil
	}
	m.stopAuthTimerLocked()
}

func (m *Manager) stopAuthTimerLocked() {
	if m.authTmr != nil {
		m.authTmr.Stop()
		m.authTmr = nil
	}
}

// transitionIf atomically moves to state `to` when guard approves,
// notifying listeners before any later transition can start.
func (m *Manager) transitionIf(guard func(State) bool, to State, err error) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	if guard != nil && !guard(from) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Debug("connection state", "from", from, "to", to)

	m.listenersMu.RLock()
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.RUnlock()

	change := StateChange{From: from, To: to, Err: err}
	for _, l := range listeners {
		l(change)
	}
	return true
}

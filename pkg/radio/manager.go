package radio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

// Options configures a Manager. Zero durations fall back to the defaults
// noted per field.
type Options struct {
	Network wire.NetworkSource
	Address string
	Channel int32

	// ConnectRetries bounds the initial Connect; default 3.
	ConnectRetries int
	// BackoffStep/BackoffCap shape the reconnect delay
	// min(cap, attempts*step); defaults 5s/30s.
	BackoffStep time.Duration
	BackoffCap  time.Duration
	// CleanupDelay is waited after closing an old link before opening a
	// replacement; some radios hold the prior session in a wait-state for
	// tens of seconds. Default 10s.
	CleanupDelay time.Duration
	// StabilizationDelay is waited after opening a new link before
	// trusting it. Default 3s.
	StabilizationDelay time.Duration

	// HealthInterval/SilenceTimeout drive silence detection; a zero
	// interval disables the monitor (serial links rely on forced
	// reconnection instead).
	HealthInterval time.Duration
	SilenceTimeout time.Duration

	// ForcedReconnect reconnects on a schedule regardless of apparent
	// health, to route around firmware that degrades silently. 0 disables.
	ForcedReconnect time.Duration

	// Notify receives persistent-failure reports. Optional.
	Notify Notifier
	// OnPacket receives every decoded inbound packet. Required.
	OnPacket func(wire.Decoded, wire.NetworkSource)
}

// Connection is one live link session. It is replaced wholesale on
// reconnect, never mutated in place while a peer holds a reference.
type Connection struct {
	SessionID string
	Link      Link
	StartedAt time.Time
}

// Manager keeps exactly one healthy Connection to one network,
// transparently to callers.
type Manager struct {
	opts   Options
	dialer Dialer

	mu    sync.Mutex
	conn  *Connection
	state State

	attempts      int
	lastReconnect time.Time

	reconnecting   atomic.Bool
	lastActivity   atomic.Int64 // unix nanos
	sessionPackets atomic.Uint64

	nowFn func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is a diagnostics snapshot of the current session.
type Stats struct {
	Network        wire.NetworkSource
	State          State
	SessionID      string
	SessionStart   time.Time
	SessionPackets uint64
	Attempts       int
	LastActivity   time.Time
}

// ValidateHealthCheck flags risky (interval, timeout) pairs. Checks only
// run at multiples of the interval, so a timeout too close to it detects
// normal traffic sparsity as silence; T >= 4*I keeps at least half an
// interval of margin. Returns the proposed corrected timeout when risky.
func ValidateHealthCheck(interval, timeout time.Duration) (risky bool, proposed time.Duration) {
	if interval <= 0 || timeout <= 0 {
		return false, 0
	}
	if timeout < 4*interval {
		return true, 4 * interval
	}
	return false, 0
}

// New builds a Manager around a dialer. It validates the health timer pair
// and warns (never fails) on a risky configuration.
func New(dialer Dialer, opts Options) *Manager {
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = 3
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = 5 * time.Second
	}
	if opts.BackoffCap < opts.BackoffStep {
		opts.BackoffCap = 30 * time.Second
		if opts.BackoffCap < opts.BackoffStep {
			opts.BackoffCap = opts.BackoffStep
		}
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = 10 * time.Second
	}
	if opts.StabilizationDelay <= 0 {
		opts.StabilizationDelay = 3 * time.Second
	}
	if opts.HealthInterval > 0 && opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = 4 * opts.HealthInterval
	}
	if risky, proposed := ValidateHealthCheck(opts.HealthInterval, opts.SilenceTimeout); risky {
		zap.L().Warn("risky health-check configuration; silence may be detected on normal traffic sparsity",
			zap.String("network", opts.Network.String()),
			zap.Duration("check_interval", opts.HealthInterval),
			zap.Duration("silence_timeout", opts.SilenceTimeout),
			zap.Duration("proposed_timeout", proposed))
	}
	m := &Manager{
		opts:   opts,
		dialer: dialer,
		state:  StateDisconnected,
		nowFn:  time.Now,
	}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	return m
}

// Start performs the bounded initial connect and launches the background
// monitors. It returns a TransportError after exhausting the retry budget;
// the host decides whether to degrade to single-network operation.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.cancel = context.WithCancel(ctx)
	if err := m.connect(m.runCtx); err != nil {
		m.cancel()
		return err
	}
	if m.opts.HealthInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop()
	}
	if m.opts.ForcedReconnect > 0 {
		m.wg.Add(1)
		go m.forcedLoop()
	}
	return nil
}

// connect is the bounded initial connection sequence.
func (m *Manager) connect(ctx context.Context) error {
	m.setState(StateConnecting)
	var lastErr error
	for attempt := 1; attempt <= m.opts.ConnectRetries; attempt++ {
		if attempt > 1 {
			// increasing inter-attempt delay
			if err := m.sleep(ctx, time.Duration(attempt-1)*m.opts.BackoffStep); err != nil {
				return &TransportError{Op: "connect", Err: err}
			}
		}
		link, err := m.open(ctx)
		if err != nil {
			lastErr = err
			zap.L().Warn("connect attempt failed",
				zap.String("network", m.opts.Network.String()),
				zap.String("addr", m.opts.Address),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		m.install(link)
		return nil
	}
	m.setState(StateDisconnected)
	return &TransportError{Op: "connect " + m.opts.Address, Err: lastErr}
}

// open dials, waits out the stabilization delay and verifies the link is
// actually peered before handing it over.
func (m *Manager) open(ctx context.Context) (Link, error) {
	link, err := m.dialer.Dial(ctx, m.opts.Address)
	if err != nil {
		return nil, err
	}
	if err := m.sleep(ctx, m.opts.StabilizationDelay); err != nil {
		_ = link.Close()
		return nil, err
	}
	if !link.Peered() {
		_ = link.Close()
		return nil, &TransportError{Op: "verify " + m.opts.Address, Err: ErrNotConnected}
	}
	return link, nil
}

// install replaces the current Connection wholesale and resets the
// session-scoped diagnostics.
func (m *Manager) install(link Link) {
	now := m.nowFn()
	conn := &Connection{SessionID: uuid.NewString(), Link: link, StartedAt: now}

	m.mu.Lock()
	m.conn = conn
	m.state = StateStable
	m.attempts = 0
	m.mu.Unlock()

	m.lastActivity.Store(now.UnixNano())
	m.sessionPackets.Store(0)

	m.wg.Add(1)
	go m.recvLoop(conn)

	zap.L().Info("connection stable",
		zap.String("network", m.opts.Network.String()),
		zap.String("addr", m.opts.Address),
		zap.String("session", conn.SessionID))
	if m.opts.Notify != nil {
		m.opts.Notify(m.opts.Network, "connected", nil)
	}
}

// recvLoop drains one connection's packet feed. Reconnects never run on
// this goroutine, so the receive path is never blocked by recovery.
func (m *Manager) recvLoop(conn *Connection) {
	defer m.wg.Done()
	for p := range conn.Link.Packets() {
		m.lastActivity.Store(m.nowFn().UnixNano())
		m.sessionPackets.Add(1)
		if m.opts.OnPacket != nil {
			m.opts.OnPacket(p, m.opts.Network)
		}
	}
	// feed closed: the link died underneath us
	if m.runCtx != nil && m.runCtx.Err() != nil {
		return
	}
	m.mu.Lock()
	current := m.conn == conn
	m.mu.Unlock()
	if current {
		zap.L().Warn("link feed closed",
			zap.String("network", m.opts.Network.String()),
			zap.String("session", conn.SessionID))
		m.ScheduleReconnect("link closed")
	}
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

// checkOnce compares the silence gap against the timeout. Detection can lag
// a true silence event by up to one interval; never more.
func (m *Manager) checkOnce() {
	if m.reconnecting.Load() {
		return
	}
	gap := m.sinceActivity()
	if gap <= m.opts.SilenceTimeout {
		return
	}
	m.mu.Lock()
	if m.state == StateStable {
		m.state = StateDegraded
	}
	m.mu.Unlock()
	zap.L().Warn("silence timeout exceeded",
		zap.String("network", m.opts.Network.String()),
		zap.Duration("gap", gap),
		zap.Duration("timeout", m.opts.SilenceTimeout))
	m.ScheduleReconnect("silence")
}

func (m *Manager) forcedLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.ForcedReconnect)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			zap.L().Info("scheduled forced reconnect",
				zap.String("network", m.opts.Network.String()))
			m.ScheduleReconnect("scheduled")
		}
	}
}

// ScheduleReconnect starts a background reconnect sequence. Idempotent: a
// reconnect already in flight makes this a no-op. The compare-and-swap is
// the only gate, so concurrent callers cannot start two sequences.
func (m *Manager) ScheduleReconnect(reason string) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	zap.L().Info("reconnect scheduled",
		zap.String("network", m.opts.Network.String()),
		zap.String("reason", reason))
	m.wg.Add(1)
	go m.reconnectLoop(reason)
}

// reconnectLoop retries forever with capped backoff. Failures are reported
// to the notify hook, never thrown; only process shutdown stops it.
func (m *Manager) reconnectLoop(reason string) {
	defer m.wg.Done()
	defer m.reconnecting.Store(false)

	m.mu.Lock()
	old := m.conn
	m.conn = nil
	m.state = StateReconnecting
	m.lastReconnect = m.nowFn()
	m.mu.Unlock()
	if old != nil {
		_ = old.Link.Close()
	}

	for {
		if m.runCtx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		// let the remote device release its previous session
		if err := m.sleep(m.runCtx, m.opts.CleanupDelay); err != nil {
			m.setState(StateDisconnected)
			return
		}
		link, err := m.open(m.runCtx)
		if err == nil {
			m.install(link)
			zap.L().Info("reconnected",
				zap.String("network", m.opts.Network.String()),
				zap.String("reason", reason))
			return
		}

		m.mu.Lock()
		m.attempts++
		attempts := m.attempts
		m.mu.Unlock()

		backoff := m.backoffFor(attempts)
		zap.L().Warn("reconnect attempt failed",
			zap.String("network", m.opts.Network.String()),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if m.opts.Notify != nil {
			m.opts.Notify(m.opts.Network, "reconnect failed", err)
		}
		if err := m.sleep(m.runCtx, backoff); err != nil {
			m.setState(StateDisconnected)
			return
		}
	}
}

// backoffFor is monotonically non-decreasing in attempts up to the cap.
func (m *Manager) backoffFor(attempts int) time.Duration {
	d := time.Duration(attempts) * m.opts.BackoffStep
	if d > m.opts.BackoffCap {
		return m.opts.BackoffCap
	}
	return d
}

// Send transmits a payload on this network's current connection.
func (m *Manager) Send(ctx context.Context, payload []byte, dest uint32, channel int32) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	return conn.Link.Send(ctx, payload, dest, channel)
}

// Healthy reports whether the transport handle is live and a packet of any
// type was observed within the silence timeout.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || !conn.Link.Peered() {
		return false
	}
	if m.opts.SilenceTimeout <= 0 {
		return true
	}
	return m.sinceActivity() <= m.opts.SilenceTimeout
}

// Network returns the network this manager serves.
func (m *Manager) Network() wire.NetworkSource { return m.opts.Network }

// Channel returns the configured outbound channel index.
func (m *Manager) Channel() int32 { return m.opts.Channel }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns current session diagnostics.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	attempts := m.attempts
	m.mu.Unlock()
	s := Stats{
		Network:        m.opts.Network,
		State:          state,
		Attempts:       attempts,
		SessionPackets: m.sessionPackets.Load(),
		LastActivity:   time.Unix(0, m.lastActivity.Load()),
	}
	if conn != nil {
		s.SessionID = conn.SessionID
		s.SessionStart = conn.StartedAt
	}
	return s
}

// Close stops monitors and closes the current link.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Link.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) sinceActivity() time.Duration {
	return m.nowFn().Sub(time.Unix(0, m.lastActivity.Load()))
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

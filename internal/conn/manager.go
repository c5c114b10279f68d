package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carewire/carewire/internal/auth"
	"github.com/carewire/carewire/internal/bus"
	"github.com/carewire/carewire/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Send when the bounded outbound queue is at
// capacity while disconnected.
var ErrQueueFull = errors.New("outbound queue full")

const (
	writeTimeout   = 5 * time.Second
	refreshTimeout = 15 * time.Second
	// refreshMargin is how close to expiry a credential may get before a
	// dial triggers a proactive refresh.
	refreshMargin = 30 * time.Second
	// missedPongLimit forces a disconnect after this many unanswered probes.
	missedPongLimit = 2
)

// Config holds the connection manager tuning knobs.
type Config struct {
	URL               string
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	QueueSize         int
	FlushRate         rate.Limit
	FlushBurst        int
}

func (c *Config) defaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.FlushRate == 0 {
		c.FlushRate = 20
	}
	if c.FlushBurst == 0 {
		c.FlushBurst = 32
	}
}

// Status is a point-in-time view of the connection.
type Status struct {
	State   State
	Attempt int
	Queued  int
}

// Manager owns the single logical push connection: handshake, heartbeat,
// reconnection backoff, and outbound queueing. All inbound server events
// fan out on the bus; nothing else in the process touches the transport.
type Manager struct {
	cfg     Config
	dialer  Dialer
	tokens  auth.TokenSource
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	conn        Conn
	queue       [][]byte
	recon       *reconnector
	retryTimer  *time.Timer
	cancelLoops context.CancelFunc
	closed      bool
	pingSeq     int
	missedPongs int
}

// NewManager creates a connection manager. It does not dial until Connect.
func NewManager(cfg Config, d Dialer, ts auth.TokenSource, machine *Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:     cfg,
		dialer:  d,
		tokens:  ts,
		machine: machine,
		bus:     b,
		logger:  logger,
		limiter: rate.NewLimiter(cfg.FlushRate, cfg.FlushBurst),
		recon:   newReconnector(cfg.BackoffBase, cfg.BackoffMax),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Status returns the connection state plus backoff attempt counter and
// queued outbound count.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:   m.machine.Current(),
		Attempt: m.recon.attempt,
		Queued:  len(m.queue),
	}
}

// Connect establishes the transport and completes the handshake. A rejected
// credential is fatal and returned as *auth.Error; any other failure is
// absorbed and a retry is scheduled per the backoff policy. The retry loop
// runs until Disconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	return m.connect(ctx)
}

// reconnect is the retry-timer entry point. Unlike Connect it leaves the
// closed flag alone, so a Disconnect that raced the timer firing stays
// final instead of being resurrected by the callback.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if err := m.connect(context.Background()); err != nil {
		m.logger.Error("reconnect aborted", zap.Error(err))
	}
}

func (m *Manager) connect(ctx context.Context) error {
	st := m.machine.Current()
	if st == Connecting || st == Connected {
		return nil
	}
	if err := m.machine.Transition(Connecting); err != nil {
		return err
	}

	cred, err := m.credential(ctx)
	if err == nil {
		var c Conn
		c, err = m.handshake(ctx, cred)
		if err == nil {
			m.established(c)
			return nil
		}
	}

	_ = m.machine.Transition(Disconnected)
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		m.logger.Error("credential rejected", zap.Error(err))
		m.bus.Emit(bus.KindConnAuthFatal, authErr.Reason)
		return err
	}
	m.logger.Warn("connect failed, scheduling retry", zap.Error(err))
	m.bus.Emit(bus.KindConnDown, nil)
	m.scheduleReconnect()
	return nil
}

// credential fetches the bearer token, refreshing it first when it is
// expired or about to expire.
func (m *Manager) credential(ctx context.Context) (auth.Credential, error) {
	cred, err := m.tokens.Token(ctx)
	if err != nil {
		return auth.Credential{}, err
	}
	if cred.ExpiresWithin(time.Now(), refreshMargin) {
		m.logger.Info("credential near expiry, refreshing before dial")
		return m.tokens.Refresh(ctx)
	}
	return cred, nil
}

func (m *Manager) handshake(ctx context.Context, cred auth.Credential) (Conn, error) {
	c, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	frame, err := wire.AuthCommand(cred.Token).Encode()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.Write(ctx, frame); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("write auth: %w", err)
	}

	data, err := c.Read(ctx)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	in, err := wire.Decode(data)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("decode handshake reply: %w", err)
	}

	switch p := in.(type) {
	case wire.Connected:
		return c, nil
	case wire.ServerError:
		_ = c.Close()
		return nil, &auth.Error{Reason: p.Message}
	default:
		_ = c.Close()
		return nil, fmt.Errorf("unexpected handshake reply %T", in)
	}
}

func (m *Manager) established(c Conn) {
	loopCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		// Disconnect landed while the dial was in flight.
		m.mu.Unlock()
		cancel()
		_ = c.Close()
		_ = m.machine.Transition(Disconnected)
		return
	}
	m.conn = c
	m.cancelLoops = cancel
	m.missedPongs = 0
	m.recon.reset()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	// Drain anything queued while offline, in order, before accepting the
	// connection as up.
	if !m.flush(loopCtx, c) {
		return
	}

	_ = m.machine.Transition(Connected)
	m.bus.Emit(bus.KindConnUp, nil)
	m.logger.Info("connection established")

	// A Send may have slipped into the queue between the drain and the
	// state flip; drain again now that direct writes are allowed.
	if !m.flush(loopCtx, c) {
		return
	}

	go m.readLoop(loopCtx, c)
	go m.heartbeatLoop(loopCtx, c)
}

// Send transmits a command if connected, or buffers it in the bounded FIFO
// queue for the next flush. Transport write failures are absorbed: the
// frame is requeued and the reconnection loop takes over.
func (m *Manager) Send(cmd *wire.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	c := m.conn
	if m.machine.Current() != Connected || c == nil {
		if len(m.queue) >= m.cfg.QueueSize {
			m.mu.Unlock()
			return ErrQueueFull
		}
		m.queue = append(m.queue, data)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.Write(ctx, data); err != nil {
		m.logger.Warn("send failed, requeueing", zap.Error(err))
		m.mu.Lock()
		if !m.closed {
			m.queue = append([][]byte{data}, m.queue...)
		}
		m.mu.Unlock()
		m.dropped(c, false)
	}
	return nil
}

// flush writes queued frames in FIFO order, rate limited so a reconnect
// does not slam the server with the whole backlog. Returns false if the
// connection died mid-flush.
func (m *Manager) flush(ctx context.Context, c Conn) bool {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return true
		}
		data := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.limiter.Wait(ctx); err != nil {
			return false
		}
		if err := c.Write(ctx, data); err != nil {
			m.logger.Warn("flush failed", zap.Error(err))
			m.mu.Lock()
			if !m.closed {
				m.queue = append([][]byte{data}, m.queue...)
			}
			m.mu.Unlock()
			m.dropped(c, false)
			return false
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, c Conn) {
	for {
		data, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("transport read failed", zap.Error(err))
			m.dropped(c, false)
			return
		}

		in, err := wire.Decode(data)
		if err != nil {
			// Malformed or unknown frames are dropped; dispatch continues.
			m.logger.Warn("dropping inbound frame", zap.Error(err))
			continue
		}

		switch p := in.(type) {
		case wire.Pong:
			m.mu.Lock()
			m.missedPongs = 0
			m.mu.Unlock()
		case wire.AuthExpired:
			go m.reauthenticate(p)
		case wire.ServerMessage:
			m.bus.Emit(bus.KindServerMessage, p)
		case wire.Ack:
			m.bus.Emit(bus.KindServerAck, p)
		case wire.RoomUpdate:
			m.bus.Emit(bus.KindServerRoom, p)
		case wire.PresenceUpdate:
			m.bus.Emit(bus.KindServerPresence, p)
		case wire.ServerError:
			m.logger.Warn("server error", zap.String("message", p.Message))
		case wire.Connected:
			// Duplicate handshake confirmation; nothing to do.
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, c Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			missed := m.missedPongs
			m.mu.Unlock()
			if missed >= missedPongLimit {
				// Treated as a fresh outage: the next reconnect starts at
				// the base delay, not a continuation of prior backoff.
				m.logger.Warn("heartbeat unanswered twice, dropping connection")
				m.dropped(c, true)
				return
			}

			m.mu.Lock()
			m.pingSeq++
			seq := m.pingSeq
			m.missedPongs++
			m.mu.Unlock()

			frame, err := wire.PingCommand(fmt.Sprintf("hb-%d", seq)).Encode()
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.Write(wctx, frame)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.dropped(c, false)
				return
			}
		}
	}
}

// reauthenticate handles a server-signaled credential expiry on a live
// connection. Refresh success re-presents the new token and returns to
// Connected; refresh failure is fatal.
func (m *Manager) reauthenticate(p wire.AuthExpired) {
	if err := m.machine.Transition(Reauthenticating); err != nil {
		return
	}
	m.bus.Emit(bus.KindConnReauth, p.Reason)
	m.logger.Info("credential expired, refreshing", zap.String("reason", p.Reason))

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	cred, err := m.tokens.Refresh(ctx)
	if err != nil {
		m.logger.Error("credential refresh failed", zap.Error(err))
		m.bus.Emit(bus.KindConnAuthFatal, err.Error())
		m.Disconnect()
		return
	}

	frame, err := wire.AuthRefreshCommand(cred.Token).Encode()
	if err != nil {
		return
	}
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Write(ctx, frame); err != nil {
		m.dropped(c, false)
		return
	}
	_ = m.machine.Transition(Connected)
}

// dropped handles loss of the given connection. fresh outages reset the
// backoff sequence to the base delay. Stale calls (a loop noticing a
// connection that was already replaced) are ignored.
func (m *Manager) dropped(c Conn, fresh bool) {
	m.mu.Lock()
	if m.closed || m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancelLoops != nil {
		m.cancelLoops()
		m.cancelLoops = nil
	}
	if fresh {
		m.recon.reset()
	}
	m.mu.Unlock()

	_ = c.Close()
	_ = m.machine.Transition(Disconnected)
	m.bus.Emit(bus.KindConnDown, nil)
	m.scheduleReconnect()
}

// scheduleReconnect arms the single retry timer; arming replaces any timer
// already pending.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	delay := m.recon.next()
	attempt := m.recon.attempt
	m.retryTimer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt))
}

// Disconnect is the explicit, idempotent teardown: cancels timers and
// loops, discards the outbound queue, and closes the transport. No
// reconnection is attempted afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancelLoops != nil {
		m.cancelLoops()
		m.cancelLoops = nil
	}
	c := m.conn
	m.conn = nil
	m.queue = nil
	m.recon.reset()
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	if m.machine.Current() != Disconnected {
		_ = m.machine.Transition(Disconnected)
		m.bus.Emit(bus.KindConnDown, nil)
	}
	if !alreadyClosed {
		m.logger.Info("connection closed by client")
	}
}

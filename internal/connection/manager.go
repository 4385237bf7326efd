// Package connection tracks whether the backend is reachable and keeps the
// push channel open, reconnecting with capped exponential backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chatsync/internal/debug"
	"chatsync/internal/models"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

var errReconnect = errors.New("reconnect requested")

type Options struct {
	ProbeTimeout time.Duration
	DialTimeout  time.Duration
	// ProbeInterval re-checks health while connected; zero disables it.
	ProbeInterval  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func (o *Options) defaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 2
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = 0
	}
}

// StateObserver is told about every state transition.
type StateObserver interface {
	ConnectionStateChanged(state models.ConnectionState)
}

type Manager struct {
	prober  Prober
	dialer  Dialer
	handler func(models.ChatEvent)
	opts    Options

	mu          sync.Mutex
	state       models.ConnectionState
	watchers    map[int]chan models.ConnectionState
	nextWatcher int
	observer    StateObserver
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	dropConn    context.CancelCauseFunc
	kick        chan struct{}

	// genMu orders event delivery against connection teardown so a dropped
	// connection never delivers after its replacement starts.
	genMu      sync.RWMutex
	generation uint64
	live       bool
}

// NewManager wires the probe and push channel. dialer may be nil, in which
// case the manager only tracks health.
func NewManager(prober Prober, dialer Dialer, handler func(models.ChatEvent), opts Options) *Manager {
	opts.defaults()
	return &Manager{
		prober:   prober,
		dialer:   dialer,
		handler:  handler,
		opts:     opts,
		state:    models.StateDisconnected,
		watchers: make(map[int]chan models.ConnectionState),
		kick:     make(chan struct{}, 1),
	}
}

func (m *Manager) SetObserver(o StateObserver) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch streams state transitions; the current state is sent first.
func (m *Manager) Watch() (<-chan models.ConnectionState, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextWatcher
	m.nextWatcher++
	ch := make(chan models.ConnectionState, 8)
	ch <- m.state
	m.watchers[id] = ch
	return ch, func() {
		m.mu.Lock()
		if w, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w)
		}
		m.mu.Unlock()
	}
}

// WaitConnected blocks until the manager reports connected or ctx ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	ch, stop := m.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-ch:
			if st == models.StateConnected {
				return nil
			}
		}
	}
}

func (m *Manager) setState(st models.ConnectionState) {
	m.mu.Lock()
	if m.state == st {
		m.mu.Unlock()
		return
	}
	m.state = st
	for _, ch := range m.watchers {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
	obs := m.observer
	m.mu.Unlock()
	if obs != nil {
		obs.ConnectionStateChanged(st)
	}
	debug.Logf("connection state -> %s", st)
}

// Start activates the manager. Calling it while running is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(runCtx, done)
}

// Stop tears down the connection and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	cancel()
	<-done
	m.setState(models.StateDisconnected)
}

// Reconnect drops the current connection, if any, and retries immediately.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	drop := m.dropConn
	m.mu.Unlock()
	if drop != nil {
		drop(errReconnect)
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.opts.InitialBackoff),
		backoff.WithMaxInterval(m.opts.MaxBackoff),
		backoff.WithMultiplier(m.opts.Multiplier),
		backoff.WithRandomizationFactor(m.opts.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := m.newBackoff()
	for {
		m.setState(models.StateConnecting)
		established, err := m.connectOnce(ctx)
		m.setState(models.StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		if established {
			b.Reset()
		}
		if errors.Is(err, errReconnect) {
			continue
		}
		wait := b.NextBackOff()
		log.Printf("connection lost: %v (retry in %s)", err, wait.Round(time.Millisecond))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
			b.Reset()
		case <-timer.C:
		}
	}
}

// connectOnce probes, dials and then holds the connection until it breaks.
// established reports whether the connected state was reached.
func (m *Manager) connectOnce(ctx context.Context) (established bool, err error) {
	if err = m.probe(ctx); err != nil {
		return false, err
	}

	var conn PushConn
	if m.dialer != nil {
		dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		conn, err = m.dialer.Dial(dialCtx)
		cancel()
		if err != nil {
			return false, err
		}
	}

	connCtx, drop := context.WithCancelCause(ctx)
	defer drop(nil)
	m.mu.Lock()
	m.dropConn = drop
	m.mu.Unlock()
	gen := m.beginGeneration()
	m.setState(models.StateConnected)

	errCh := make(chan error, 2)
	if conn != nil {
		go func() { errCh <- m.readLoop(conn, gen) }()
	}
	if m.opts.ProbeInterval > 0 {
		go func() { errCh <- m.probeLoop(connCtx) }()
	}

	select {
	case <-connCtx.Done():
		err = context.Cause(connCtx)
	case err = <-errCh:
	}

	m.endGeneration()
	m.mu.Lock()
	m.dropConn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return true, err
}

func (m *Manager) beginGeneration() uint64 {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	m.generation++
	m.live = true
	return m.generation
}

func (m *Manager) endGeneration() {
	m.genMu.Lock()
	m.live = false
	m.genMu.Unlock()
}

func (m *Manager) readLoop(conn PushConn, gen uint64) error {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		if !m.deliver(ev, gen) {
			return nil
		}
	}
}

// deliver hands ev to the handler only while gen is the live connection.
func (m *Manager) deliver(ev models.ChatEvent, gen uint64) bool {
	m.genMu.RLock()
	defer m.genMu.RUnlock()
	if !m.live || m.generation != gen {
		return false
	}
	if m.handler != nil {
		m.handler(ev)
	}
	return true
}

func (m *Manager) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.probe(ctx); err != nil {
				return err
			}
		}
	}
}

// probe runs one health check bounded by ProbeTimeout. A prober that ignores
// its context is abandoned once the deadline passes.
func (m *Manager) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- m.prober.Probe(probeCtx) }()
	select {
	case err := <-result:
		return err
	case <-probeCtx.Done():
		return fmt.Errorf("probe: %w", probeCtx.Err())
	}
}

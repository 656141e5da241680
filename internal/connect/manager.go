package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/envgate/envgate/internal/gateway"
)

// ReconcileFunc receives every committed descriptor change. The registry
// supplies it; the manager never imports the registry directly, so multiple
// independent managers can feed one registry or none.
type ReconcileFunc func(Descriptor)

// Manager exposes one gateway through one strategy and owns the exposure
// lifecycle. All session teardown on CLOSING goes through the gateway so the
// session registry's per-key ordering holds during shutdown.
type Manager struct {
	mu      sync.Mutex
	desc    Descriptor
	waiters []chan struct{}

	gw        *gateway.Gateway
	server    *gateway.Server
	listener  net.Listener
	tunnel    TunnelProvider
	channel   *Channel
	logger    *slog.Logger
	reconcile ReconcileFunc

	publicHost     string
	rendezvousURL  string
	register       RegisterInfo
	tunnelAttempts uint64
	grace          time.Duration

	wasPaired bool
	recovered chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithReconcile sets the registry callback.
func WithReconcile(fn ReconcileFunc) ManagerOption {
	return func(m *Manager) { m.reconcile = fn }
}

// WithTunnelProvider sets the provider used in tunnel mode.
func WithTunnelProvider(p TunnelProvider) ManagerOption {
	return func(m *Manager) { m.tunnel = p }
}

// WithPublicHost overrides outbound-interface detection in direct mode.
func WithPublicHost(host string) ManagerOption {
	return func(m *Manager) { m.publicHost = host }
}

// WithRendezvous sets the channel-mode rendezvous address and registration.
func WithRendezvous(url string, info RegisterInfo) ManagerOption {
	return func(m *Manager) {
		m.rendezvousURL = url
		m.register = info
	}
}

// WithGracePeriod bounds reconnection after a transport drop.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = d }
}

// WithTunnelAttempts caps tunnel establishment retries.
func WithTunnelAttempts(n uint64) ManagerOption {
	return func(m *Manager) { m.tunnelAttempts = n }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager for one exposure. The descriptor seed carries
// the operator-chosen simulator name, hosting, mode, and agent capacity; the
// manager owns ID, port, endpoint, and state from here on.
func NewManager(seed Descriptor, gw *gateway.Gateway, srv *gateway.Server, opts ...ManagerOption) *Manager {
	m := &Manager{
		desc:           seed,
		gw:             gw,
		server:         srv,
		logger:         slog.Default(),
		tunnelAttempts: 5,
		grace:          30 * time.Second,
	}
	m.desc.ID = uuid.New()
	m.desc.State = StateUnbound
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Descriptor returns a copy of the current descriptor.
func (m *Manager) Descriptor() Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc.State
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.desc.State = s
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Await blocks until the manager reaches the target state.
func (m *Manager) Await(ctx context.Context, target State) error {
	for {
		m.mu.Lock()
		if m.desc.State == target {
			m.mu.Unlock()
			return nil
		}
		if m.desc.State == StateClosed && target != StateClosed {
			m.mu.Unlock()
			return fmt.Errorf("exposure closed while waiting for %s", target)
		}
		w := make(chan struct{})
		m.waiters = append(m.waiters, w)
		m.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Bind claims a local port for the gateway listener. Port 0 picks a free
// port. The HTTP surface starts serving immediately; it is only reachable
// from outside once Expose succeeds.
func (m *Manager) Bind(port int) error {
	if m.State() != StateUnbound {
		return fmt.Errorf("bind from state %s", m.State())
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", port, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.desc.Port = ln.Addr().(*net.TCPAddr).Port
	m.mu.Unlock()

	go func() {
		err := http.Serve(ln, m.server.Handler())
		if err != nil && !errors.Is(err, net.ErrClosed) {
			m.logger.Error("gateway listener stopped", "error", err)
		}
	}()

	m.setState(StateBound)
	m.logger.Info("port bound", "simulator", m.desc.Simulator, "port", m.desc.Port)
	return nil
}

// Expose makes the gateway reachable per the configured mode. On tunnel
// failure the manager returns to BOUND and the error wraps
// ErrTunnelEstablishment; open sessions are untouched and Expose may be
// called again.
func (m *Manager) Expose(ctx context.Context) error {
	if m.State() != StateBound {
		return fmt.Errorf("expose from state %s", m.State())
	}
	m.setState(StateExposing)

	endpoint, err := m.establish(ctx)
	if err != nil {
		m.setState(StateBound)
		return err
	}

	m.mu.Lock()
	m.desc.Endpoint = endpoint
	m.mu.Unlock()
	m.setState(StateExposed)
	m.commit()
	m.logger.Info("exposed",
		"simulator", m.desc.Simulator,
		"mode", m.desc.Mode,
		"endpoint", endpoint)
	return nil
}

// establish runs the mode strategy and returns the reachable endpoint. No
// state transitions happen here so reconnection can reuse it.
func (m *Manager) establish(ctx context.Context) (string, error) {
	m.mu.Lock()
	mode := m.desc.Mode
	port := m.desc.Port
	m.mu.Unlock()

	switch mode {
	case ModeDirect:
		host := m.publicHost
		if host == "" {
			host = OutboundIP()
		}
		return fmt.Sprintf("http://%s:%d", host, port), nil

	case ModeTunnel:
		if m.tunnel == nil {
			return "", fmt.Errorf("%w: no tunnel provider configured", ErrTunnelEstablishment)
		}
		return openTunnel(ctx, m.tunnel, port, m.tunnelAttempts)

	case ModeChannel:
		if m.rendezvousURL == "" {
			return "", fmt.Errorf("channel mode requires a rendezvous address")
		}
		ch, err := DialChannel(ctx, m.rendezvousURL, m.register, m.gw.HandleFrame, m.ReportDrop)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.channel = ch
		m.mu.Unlock()
		return m.rendezvousURL, nil

	default:
		return "", fmt.Errorf("unknown connection mode %q", mode)
	}
}

// Paired records the first trainer command. Wire it through the gateway's
// pair hook.
func (m *Manager) Paired() {
	m.mu.Lock()
	if m.desc.State != StateExposed {
		m.mu.Unlock()
		return
	}
	m.wasPaired = true
	m.mu.Unlock()
	m.setState(StatePaired)
	m.commit()
}

// ReportDrop marks the transport broken and starts bounded reconnection.
// Open sessions are never destroyed here; only grace expiry tears down.
func (m *Manager) ReportDrop(cause error) {
	m.mu.Lock()
	st := m.desc.State
	if st != StateExposed && st != StatePaired {
		m.mu.Unlock()
		return
	}
	m.wasPaired = st == StatePaired
	m.recovered = make(chan struct{})
	m.mu.Unlock()

	m.gw.Metrics().TransportDrop()
	m.logger.Warn("transport dropped",
		"simulator", m.desc.Simulator,
		"mode", m.desc.Mode,
		"error", cause)
	m.setState(StateDegraded)
	m.commit()
	go m.recover()
}

// recover retries the exposure strategy until the grace deadline. Success
// updates the registry entry in place; expiry closes the exposure.
func (m *Manager) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), m.grace)
	defer cancel()

	for {
		endpoint, err := m.establish(ctx)
		if err == nil {
			m.mu.Lock()
			m.desc.Endpoint = endpoint
			paired := m.wasPaired
			done := m.recovered
			m.recovered = nil
			m.mu.Unlock()
			if paired {
				m.setState(StatePaired)
			} else {
				m.setState(StateExposed)
			}
			m.commit()
			m.logger.Info("transport recovered", "simulator", m.desc.Simulator, "endpoint", endpoint)
			if done != nil {
				close(done)
			}
			return
		}

		select {
		case <-ctx.Done():
			m.logger.Error("reconnection grace period expired, closing",
				"simulator", m.desc.Simulator)
			shutdownCtx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = m.Close(shutdownCtx)
			scancel()
			return
		case <-time.After(time.Second):
		}
	}
}

// Probe checks the exposed endpoint and reports a drop on failure. The
// health sweep calls it periodically; channel mode is probed by its own read
// loop instead.
func (m *Manager) Probe(ctx context.Context) error {
	m.mu.Lock()
	st := m.desc.State
	mode := m.desc.Mode
	endpoint := m.desc.Endpoint
	m.mu.Unlock()

	if st != StateExposed && st != StatePaired {
		return nil
	}
	if mode == ModeChannel {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		m.ReportDrop(err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("health probe returned status %d", resp.StatusCode)
		m.ReportDrop(err)
		return err
	}
	return nil
}

// Close tears the exposure down: owned sessions, tunnel or channel, then the
// bound port. Terminal. Safe to call from any state.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.desc.State == StateClosing || m.desc.State == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.setState(StateClosing)
	m.commit()

	var errs []error
	if err := m.gw.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	m.mu.Lock()
	tunnel := m.tunnel
	channel := m.channel
	listener := m.listener
	m.channel = nil
	m.listener = nil
	m.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}
	if tunnel != nil && m.desc.Mode == ModeTunnel {
		if err := tunnel.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing tunnel: %w", err))
		}
	}
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("releasing port: %w", err))
		}
	}

	m.mu.Lock()
	m.desc.Endpoint = ""
	m.mu.Unlock()
	m.setState(StateClosed)
	m.commit()
	m.logger.Info("exposure closed", "simulator", m.desc.Simulator)
	return errors.Join(errs...)
}

// commit pushes the current descriptor to the registry callback.
func (m *Manager) commit() {
	if m.reconcile == nil {
		return
	}
	m.reconcile(m.Descriptor())
}

// Package sshmgr keeps at most one authenticated SSH session per host and
// runs remote commands over it.
package sshmgr

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/worldland/gpu-fleet/internal/metrics"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultExecTimeout    = 30 * time.Second
)

// DialFunc opens an SSH client connection to addr.
type DialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error)

// Manager owns the host -> session map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	// replacing holds a channel per host whose old session is draining;
	// it is closed once the new session is installed.
	replacing map[string]chan struct{}

	slotsMu sync.Mutex
	slots   map[string]*sync.Mutex

	creds          CredentialStore
	gss            GSSClientFactory
	dial           DialFunc
	connectTimeout time.Duration
	execTimeout    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithCredentialStore sets the Kerberos ticket source.
func WithCredentialStore(creds CredentialStore) Option {
	return func(m *Manager) { m.creds = creds }
}

// WithGSSClientFactory sets how tickets become GSSAPI clients.
func WithGSSClientFactory(f GSSClientFactory) Option {
	return func(m *Manager) { m.gss = f }
}

// WithDefaultTimeouts sets the timeouts used when a call passes zero.
func WithDefaultTimeouts(connect, exec time.Duration) Option {
	return func(m *Manager) {
		if connect > 0 {
			m.connectTimeout = connect
		}
		if exec > 0 {
			m.execTimeout = exec
		}
	}
}

// WithDialFunc replaces the network dialer (for testing)
func WithDialFunc(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[string]*session),
		replacing:      make(map[string]chan struct{}),
		slots:          make(map[string]*sync.Mutex),
		gss:            NewKrb5GSSClientFactory("/etc/krb5.conf"),
		dial:           dialSSH,
		connectTimeout: DefaultConnectTimeout,
		execTimeout:    DefaultExecTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// slot returns the mutex that serializes connect/disconnect for one host.
func (m *Manager) slot(host string) *sync.Mutex {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	mu, ok := m.slots[host]
	if !ok {
		mu = &sync.Mutex{}
		m.slots[host] = mu
	}
	return mu
}

// Connect authenticates to host and installs the session, replacing any
// existing one. The old session stays in place if the new one fails; when the
// new one succeeds, the old one is closed (after in-flight execs drain)
// before the new one becomes visible.
func (m *Manager) Connect(ctx context.Context, host string, auth AuthConfig, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.connectTimeout
	}
	port := auth.Port
	if port == 0 {
		port = 22
	}
	method := auth.Method()

	slot := m.slot(host)
	slot.Lock()
	defer slot.Unlock()

	authMethods, err := m.authMethods(ctx, host, auth)
	if err != nil {
		metrics.SSHConnects.WithLabelValues(string(method), "error").Inc()
		return err
	}

	cfg := &ssh.ClientConfig{
		User: auth.loginUser(),
		Auth: authMethods,
		// Trust on first use: unknown host keys are accepted.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	client, err := m.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), cfg, timeout)
	if err != nil {
		metrics.SSHConnects.WithLabelValues(string(method), "error").Inc()
		return classifyDialError(host, err)
	}

	next := &session{host: host, method: method, client: client, connectedAt: time.Now()}

	m.mu.Lock()
	prev := m.sessions[host]
	delete(m.sessions, host)
	var swapped chan struct{}
	if prev != nil {
		swapped = make(chan struct{})
		m.replacing[host] = swapped
	}
	m.mu.Unlock()

	if prev != nil {
		if err := prev.close(); err != nil {
			log.Debugf("Closing replaced session for %s: %v", host, err)
		}
	}

	m.mu.Lock()
	m.sessions[host] = next
	delete(m.replacing, host)
	count := len(m.sessions)
	m.mu.Unlock()
	if swapped != nil {
		close(swapped)
	}

	metrics.SSHConnects.WithLabelValues(string(method), "ok").Inc()
	metrics.SSHSessions.Set(float64(count))
	log.Infof("Connected to %s via %s", host, method)
	return nil
}

// Disconnect closes and forgets the session for host. It never fails.
func (m *Manager) Disconnect(host string) {
	slot := m.slot(host)
	slot.Lock()
	defer slot.Unlock()

	m.mu.Lock()
	s := m.sessions[host]
	delete(m.sessions, host)
	count := len(m.sessions)
	m.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.close(); err != nil {
		log.Debugf("Closing session for %s: %v", host, err)
	}
	metrics.SSHSessions.Set(float64(count))
	log.Infof("Disconnected from %s", host)
}

// Exec runs command on host's session and returns its output. A non-zero
// remote exit status is reported in the result, not as an error.
func (m *Manager) Exec(ctx context.Context, host, command string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = m.execTimeout
	}

	for {
		s, err := m.current(ctx, host, timeout)
		if err != nil {
			return ExecResult{}, err
		}

		result, err := s.exec(ctx, command, timeout)
		var notConn *NotConnectedError
		if errors.As(err, &notConn) {
			// s was closed between lookup and exec; retry on its successor.
			continue
		}
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			m.dropIfCurrent(host, s)
		}
		return result, err
	}
}

// current returns host's session, waiting out a replacement in progress.
func (m *Manager) current(ctx context.Context, host string, timeout time.Duration) (*session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.RLock()
		s := m.sessions[host]
		swapped := m.replacing[host]
		m.mu.RUnlock()

		if s != nil {
			return s, nil
		}
		if swapped == nil {
			return nil, &NotConnectedError{Host: host}
		}
		select {
		case <-swapped:
		case <-timer.C:
			return nil, &TimeoutError{Host: host, Op: "exec", Err: context.DeadlineExceeded}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dropIfCurrent forgets a dead session unless it has already been replaced.
func (m *Manager) dropIfCurrent(host string, s *session) {
	m.mu.Lock()
	if m.sessions[host] == s {
		delete(m.sessions, host)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	_ = s.close()
	metrics.SSHSessions.Set(float64(count))
	log.Warnf("Dropped broken session for %s", host)
}

// Hosts returns the connected hosts in sorted order.
func (m *Manager) Hosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hosts := make([]string, 0, len(m.sessions)+len(m.replacing))
	for h := range m.sessions {
		hosts = append(hosts, h)
	}
	for h := range m.replacing {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Close disconnects every session.
func (m *Manager) Close() {
	for _, h := range m.Hosts() {
		m.Disconnect(h)
	}
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The deadline bounds the handshake; it is cleared once authenticated.
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyDialError(host string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Host: host, Op: "connect", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Host: host, Op: "connect", Err: err}
	}
	return &ConnectionError{Host: host, Err: err}
}

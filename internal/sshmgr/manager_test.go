package sshmgr

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type mockCredentialStore struct {
	mu          sync.Mutex
	AcquireFunc func(ctx context.Context, principal, password string) (*TicketHandle, error)
	calls       []string
}

func (m *mockCredentialStore) Acquire(ctx context.Context, principal, password string) (*TicketHandle, error) {
	m.mu.Lock()
	m.calls = append(m.calls, principal+":"+password)
	m.mu.Unlock()
	return m.AcquireFunc(ctx, principal, password)
}

type fakeGSSClient struct{}

func (fakeGSSClient) InitSecContext(target string, token []byte, deleg bool) ([]byte, bool, error) {
	return []byte("ap-req"), false, nil
}

func (fakeGSSClient) GetMIC(micField []byte) ([]byte, error) { return []byte("mic"), nil }

func (fakeGSSClient) DeleteSecContext() error { return nil }

func passwordAuth(srv *testServer) AuthConfig {
	return AuthConfig{User: "alice", Password: "secret", Port: srv.port}
}

func connected(t *testing.T, srv *testServer, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	t.Cleanup(m.Close)
	require.NoError(t, m.Connect(context.Background(), srv.host, passwordAuth(srv), time.Second))
	return m
}

func TestAuthConfig_Method(t *testing.T) {
	tests := []struct {
		name string
		cfg  AuthConfig
		want AuthMethod
	}{
		{"principal only", AuthConfig{Principal: "alice@EXAMPLE.COM", KinitPassword: "pw"}, AuthKerberos},
		{"principal with key", AuthConfig{Principal: "alice", KeyPath: "/k"}, AuthPublicKey},
		{"principal with password", AuthConfig{Principal: "alice", Password: "pw"}, AuthPassword},
		{"key beats password", AuthConfig{KeyPath: "/k", Password: "pw"}, AuthPublicKey},
		{"password", AuthConfig{Password: "pw"}, AuthPassword},
		{"nothing", AuthConfig{}, AuthPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Method())
		})
	}
}

func TestConnect_PasswordAndExec(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	res, err := m.Exec(context.Background(), srv.host, "echo hello", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{srv.host}, m.Hosts())
}

func TestConnect_WrongPassword(t *testing.T) {
	srv := newTestServer(t)
	m := NewManager()

	err := m.Connect(context.Background(), srv.host, AuthConfig{User: "alice", Password: "nope", Port: srv.port}, time.Second)

	assert.ErrorIs(t, err, ErrConnection)
	assert.Empty(t, m.Hosts())
}

func TestConnect_PublicKey(t *testing.T) {
	srv := newTestServer(t)
	keyPath := srv.writeClientKey(t)
	m := NewManager()
	t.Cleanup(m.Close)

	err := m.Connect(context.Background(), srv.host, AuthConfig{User: "bob", KeyPath: keyPath, Port: srv.port}, time.Second)
	require.NoError(t, err)

	res, err := m.Exec(context.Background(), srv.host, "whoami", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bob\n", res.Stdout)
}

func TestConnect_MissingKeyFile(t *testing.T) {
	srv := newTestServer(t)
	m := NewManager()

	err := m.Connect(context.Background(), srv.host, AuthConfig{User: "bob", KeyPath: "/nonexistent/key", Port: srv.port}, time.Second)

	assert.ErrorIs(t, err, ErrConnection)
}

func TestConnect_Kerberos(t *testing.T) {
	srv := newTestServer(t)
	creds := &mockCredentialStore{AcquireFunc: func(ctx context.Context, principal, password string) (*TicketHandle, error) {
		return &TicketHandle{Principal: principal, Cache: []byte("cc")}, nil
	}}
	var gotTicket *TicketHandle
	m := NewManager(
		WithCredentialStore(creds),
		WithGSSClientFactory(func(ticket *TicketHandle) (ssh.GSSAPIClient, error) {
			gotTicket = ticket
			return fakeGSSClient{}, nil
		}),
	)
	t.Cleanup(m.Close)

	err := m.Connect(context.Background(), srv.host, AuthConfig{
		Principal: "alice@EXAMPLE.COM", KinitPassword: "pw", Port: srv.port,
	}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@EXAMPLE.COM:pw"}, creds.calls)
	require.NotNil(t, gotTicket)
	assert.Equal(t, "alice@EXAMPLE.COM", gotTicket.Principal)

	res, err := m.Exec(context.Background(), srv.host, "whoami", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alice\n", res.Stdout)
}

func TestConnect_KerberosCredentialFailure(t *testing.T) {
	srv := newTestServer(t)
	creds := &mockCredentialStore{AcquireFunc: func(ctx context.Context, principal, password string) (*TicketHandle, error) {
		return nil, &CredentialError{Principal: principal, Err: errors.New("kinit: Password incorrect")}
	}}
	m := NewManager(WithCredentialStore(creds))

	err := m.Connect(context.Background(), srv.host, AuthConfig{Principal: "alice@EXAMPLE.COM", Port: srv.port}, time.Second)

	assert.ErrorIs(t, err, ErrCredential)
	assert.Empty(t, m.Hosts())
}

func TestConnect_KerberosWithoutStore(t *testing.T) {
	m := NewManager()
	err := m.Connect(context.Background(), "127.0.0.1", AuthConfig{Principal: "alice"}, time.Second)
	assert.ErrorIs(t, err, ErrCredential)
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := NewManager()
	err = m.Connect(context.Background(), "127.0.0.1", AuthConfig{User: "alice", Password: "x", Port: port}, time.Second)

	assert.ErrorIs(t, err, ErrConnection)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	m := NewManager()
	start := time.Now()
	err = m.Connect(context.Background(), "127.0.0.1",
		AuthConfig{User: "alice", Password: "x", Port: ln.Addr().(*net.TCPAddr).Port}, 200*time.Millisecond)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExec_NotConnected(t *testing.T) {
	m := NewManager()
	_, err := m.Exec(context.Background(), "10.0.0.9", "echo hi", time.Second)

	assert.ErrorIs(t, err, ErrNotConnected)
	var nce *NotConnectedError
	require.ErrorAs(t, err, &nce)
	assert.Equal(t, "10.0.0.9", nce.Host)
}

func TestExec_NonZeroExitIsNotAnError(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	res, err := m.Exec(context.Background(), srv.host, "fail", time.Second)

	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
}

func TestExec_Timeout(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	_, err := m.Exec(context.Background(), srv.host, "sleep", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	res, err := m.Exec(context.Background(), srv.host, "echo still here", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still here\n", res.Stdout)
}

func TestConnect_ReplacesSession(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)
	srv.waitActive(t, 1)

	require.NoError(t, m.Connect(context.Background(), srv.host, passwordAuth(srv), time.Second))

	srv.waitActive(t, 1)
	assert.Equal(t, int32(2), srv.accepted.Load())
	assert.Equal(t, []string{srv.host}, m.Hosts())

	res, err := m.Exec(context.Background(), srv.host, "echo second", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second\n", res.Stdout)
}

func TestConnect_FailedReconnectKeepsSession(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	err := m.Connect(context.Background(), srv.host, AuthConfig{User: "alice", Password: "wrong", Port: srv.port}, time.Second)
	require.ErrorIs(t, err, ErrConnection)

	res, err := m.Exec(context.Background(), srv.host, "echo alive", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alive\n", res.Stdout)
}

func TestConnect_ReplacementWaitsForInFlightExec(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	execDone := make(chan error, 1)
	go func() {
		_, err := m.Exec(context.Background(), srv.host, "sleep", 300*time.Millisecond)
		execDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Connect(context.Background(), srv.host, passwordAuth(srv), time.Second))
	elapsed := time.Since(start)

	select {
	case err := <-execDone:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("exec on the replaced session never returned")
	}
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestExec_DuringReplacementRunsOnNewSession(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	go func() {
		_, _ = m.Exec(context.Background(), srv.host, "sleep", 400*time.Millisecond)
	}()
	time.Sleep(50 * time.Millisecond)

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- m.Connect(context.Background(), srv.host, passwordAuth(srv), time.Second)
	}()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []string{srv.host}, m.Hosts())

	res, err := m.Exec(context.Background(), srv.host, "echo hi", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)

	require.NoError(t, <-connectDone)
	assert.Equal(t, int32(2), srv.accepted.Load())
}

func TestExec_ReplacementWaitIsBounded(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	go func() {
		_, _ = m.Exec(context.Background(), srv.host, "sleep", time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		_ = m.Connect(context.Background(), srv.host, passwordAuth(srv), time.Second)
	}()
	time.Sleep(250 * time.Millisecond)

	_, err := m.Exec(context.Background(), srv.host, "echo hi", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConcurrentExec(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Exec(context.Background(), srv.host, "echo x", time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, "x\n", res.Stdout)
			}
		}()
	}
	wg.Wait()
}

func TestDisconnect(t *testing.T) {
	srv := newTestServer(t)
	m := connected(t, srv)

	m.Disconnect(srv.host)
	m.Disconnect(srv.host)
	m.Disconnect("never-connected")

	srv.waitActive(t, 0)
	assert.Empty(t, m.Hosts())
	_, err := m.Exec(context.Background(), srv.host, "echo hi", time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func writeFakeKinit(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
path=${KRB5CCNAME#FILE:}
if [ -e "$path" ]; then echo "stale cache present" >&2; exit 1; fi
read pw
if [ "$pw" != "good" ]; then echo "kinit: Password incorrect while getting initial credentials" >&2; exit 1; fi
printf 'ticket-for-%s' "$1" > "$path"
`
	path := filepath.Join(t.TempDir(), "kinit")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestKinitStore_ClearsCacheBeforeAcquire(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "krb5cc")
	require.NoError(t, os.WriteFile(cache, []byte("stale"), 0o600))
	store := NewKinitStore(writeFakeKinit(t), cache)

	ticket, err := store.Acquire(context.Background(), "alice@EXAMPLE.COM", "good")
	require.NoError(t, err)
	assert.Equal(t, "ticket-for-alice@EXAMPLE.COM", string(ticket.Cache))
	assert.Equal(t, cache, ticket.CachePath)

	again, err := store.Acquire(context.Background(), "bob@EXAMPLE.COM", "good")
	require.NoError(t, err)
	assert.Equal(t, "ticket-for-bob@EXAMPLE.COM", string(again.Cache))
}

func TestKinitStore_BadPassword(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "krb5cc")
	store := NewKinitStore(writeFakeKinit(t), cache)

	_, err := store.Acquire(context.Background(), "alice@EXAMPLE.COM", "bad")

	assert.ErrorIs(t, err, ErrCredential)
	assert.Contains(t, err.Error(), "Password incorrect")
	_, statErr := os.Stat(cache)
	assert.True(t, os.IsNotExist(statErr))
}

func TestKinitStore_MissingBinary(t *testing.T) {
	store := NewKinitStore("/nonexistent/kinit", filepath.Join(t.TempDir(), "cc"))
	_, err := store.Acquire(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrCredential)
}

func TestServicePrincipal(t *testing.T) {
	assert.Equal(t, "host/gpu-01.example.com", servicePrincipal("host@gpu-01.example.com"))
	assert.Equal(t, "host/gpu-01", servicePrincipal("gpu-01"))
}

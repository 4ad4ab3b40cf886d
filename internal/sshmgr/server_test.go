package sshmgr

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server. Exec requests understand:
//
//	echo <text>   stdout "<text>\n", exit 0
//	fail          stderr "boom\n", exit 3
//	sleep         blocks until the channel is closed
//	whoami        stdout "<user>\n"
type testServer struct {
	addr       string
	host       string
	port       int
	listener   net.Listener
	authorized ssh.PublicKey
	active     atomic.Int32
	accepted   atomic.Int32
}

type fakeGSSServer struct{}

func (fakeGSSServer) AcceptSecContext(token []byte) ([]byte, string, bool, error) {
	if string(token) != "ap-req" {
		return nil, "", false, errors.New("bad token")
	}
	return nil, "alice@EXAMPLE.COM", false, nil
}

func (fakeGSSServer) VerifyMIC(micField, micToken []byte) error {
	if string(micToken) != "mic" {
		return errors.New("bad mic")
	}
	return nil
}

func (fakeGSSServer) DeleteSecContext() error { return nil }

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	srv := &testServer{}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "alice" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if srv.authorized != nil && bytes.Equal(key.Marshal(), srv.authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
		GSSAPIWithMICConfig: &ssh.GSSAPIWithMICConfig{
			AllowLogin: func(c ssh.ConnMetadata, srcName string) (*ssh.Permissions, error) {
				if srcName == "alice@EXAMPLE.COM" && c.User() == "alice" {
					return nil, nil
				}
				return nil, errors.New("not allowed")
			},
			Server: fakeGSSServer{},
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln
	srv.addr = ln.Addr().String()
	host, portStr, _ := net.SplitHostPort(srv.addr)
	srv.host = host
	srv.port, _ = strconv.Atoi(portStr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()

	t.Cleanup(func() {
		ln.Close()
	})
	return srv
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	s.accepted.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	go ssh.DiscardRequests(reqs)
	go func() {
		for nc := range chans {
			if nc.ChannelType() != "session" {
				_ = nc.Reject(ssh.UnknownChannelType, "session only")
				continue
			}
			ch, chReqs, err := nc.Accept()
			if err != nil {
				continue
			}
			go handleSession(ch, chReqs, sconn.User())
		}
	}()
	_ = sconn.Wait()
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, user string) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		if len(req.Payload) < 4 {
			_ = req.Reply(false, nil)
			return
		}
		n := binary.BigEndian.Uint32(req.Payload)
		cmd := string(req.Payload[4 : 4+n])
		_ = req.Reply(true, nil)

		code := uint32(0)
		switch {
		case strings.HasPrefix(cmd, "echo "):
			_, _ = ch.Write([]byte(strings.TrimPrefix(cmd, "echo ") + "\n"))
		case cmd == "fail":
			_, _ = ch.Stderr().Write([]byte("boom\n"))
			code = 3
		case cmd == "whoami":
			_, _ = ch.Write([]byte(user + "\n"))
		case cmd == "sleep":
			for range reqs {
			}
			return
		default:
			code = 127
		}
		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, code)
		_, _ = ch.SendRequest("exit-status", false, status)
		return
	}
}

// writeClientKey generates a key pair, authorizes it on srv and returns the
// private key path.
func (s *testServer) writeClientKey(t *testing.T) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	s.authorized = sshPub

	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func (s *testServer) waitActive(t *testing.T, want int32) {
	t.Helper()
	require.Eventually(t, func() bool { return s.active.Load() == want }, 2*time.Second, 5*time.Millisecond)
}

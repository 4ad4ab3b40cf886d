package sshmgr

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AuthMethod names the strategy chosen for a connect.
type AuthMethod string

const (
	AuthKerberos  AuthMethod = "kerberos"
	AuthPublicKey AuthMethod = "publickey"
	AuthPassword  AuthMethod = "password"
)

// AuthConfig carries the credentials for one connect. Which fields are set
// selects the strategy; see Method.
type AuthConfig struct {
	User          string
	Port          int
	Principal     string
	KinitPassword string
	KeyPath       string
	Password      string
}

// Method picks exactly one strategy: Kerberos when a principal is given
// without a key or password, then key, then password.
func (a AuthConfig) Method() AuthMethod {
	switch {
	case a.Principal != "" && a.KeyPath == "" && a.Password == "":
		return AuthKerberos
	case a.KeyPath != "":
		return AuthPublicKey
	default:
		return AuthPassword
	}
}

// loginUser defaults to the principal's primary for Kerberos logins.
func (a AuthConfig) loginUser() string {
	if a.User != "" {
		return a.User
	}
	if a.Principal != "" {
		name, _, _ := strings.Cut(a.Principal, "@")
		return name
	}
	return ""
}

func (m *Manager) authMethods(ctx context.Context, host string, auth AuthConfig) ([]ssh.AuthMethod, error) {
	switch auth.Method() {
	case AuthKerberos:
		if m.creds == nil {
			return nil, &CredentialError{Principal: auth.Principal, Err: fmt.Errorf("no credential store configured")}
		}
		ticket, err := m.creds.Acquire(ctx, auth.Principal, auth.KinitPassword)
		if err != nil {
			return nil, err
		}
		gss, err := m.gss(ticket)
		if err != nil {
			return nil, &CredentialError{Principal: auth.Principal, Err: err}
		}
		return []ssh.AuthMethod{ssh.GSSAPIWithMICAuthMethod(gss, host)}, nil

	case AuthPublicKey:
		keyBytes, err := os.ReadFile(auth.KeyPath)
		if err != nil {
			return nil, &ConnectionError{Host: host, Err: fmt.Errorf("failed to read key %s: %w", auth.KeyPath, err)}
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, &ConnectionError{Host: host, Err: fmt.Errorf("failed to parse key %s: %w", auth.KeyPath, err)}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return []ssh.AuthMethod{ssh.Password(auth.Password)}, nil
	}
}

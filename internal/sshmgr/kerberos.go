package sshmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TicketHandle is a freshly acquired Kerberos credential cache.
type TicketHandle struct {
	Principal  string
	CachePath  string
	Cache      []byte // raw ccache file contents
	AcquiredAt time.Time
}

// CredentialStore acquires Kerberos tickets. Implementations must discard
// any previously cached ticket before each acquisition.
type CredentialStore interface {
	Acquire(ctx context.Context, principal, password string) (*TicketHandle, error)
}

// KinitStore runs kinit against one dedicated file cache owned by this
// process. Acquisitions are serialized because they share the cache file.
type KinitStore struct {
	mu        sync.Mutex
	kinitPath string
	cachePath string
}

// NewKinitStore creates a store; cachePath "" means a file under os.TempDir().
func NewKinitStore(kinitPath, cachePath string) *KinitStore {
	if kinitPath == "" {
		kinitPath = "kinit"
	}
	if cachePath == "" {
		cachePath = filepath.Join(os.TempDir(), fmt.Sprintf("gpu-fleet-krb5cc-%d", os.Getpid()))
	}
	return &KinitStore{kinitPath: kinitPath, cachePath: cachePath}
}

// CachePath returns the credential cache file managed by this store.
func (k *KinitStore) CachePath() string {
	return k.cachePath
}

func (k *KinitStore) Acquire(ctx context.Context, principal, password string) (*TicketHandle, error) {
	if principal == "" {
		return nil, &CredentialError{Principal: principal, Err: errors.New("principal is required")}
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.Remove(k.cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &CredentialError{Principal: principal, Err: fmt.Errorf("failed to clear credential cache: %w", err)}
	}

	cmd := exec.CommandContext(ctx, k.kinitPath, principal)
	cmd.Env = append(os.Environ(), "KRB5CCNAME=FILE:"+k.cachePath)
	cmd.Stdin = strings.NewReader(password + "\n")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &CredentialError{Principal: principal, Err: fmt.Errorf("kinit: %s", msg)}
	}

	cache, err := os.ReadFile(k.cachePath)
	if err != nil {
		return nil, &CredentialError{Principal: principal, Err: fmt.Errorf("kinit produced no credential cache: %w", err)}
	}

	log.Infof("Acquired Kerberos ticket for %s", principal)
	return &TicketHandle{
		Principal:  principal,
		CachePath:  k.cachePath,
		Cache:      cache,
		AcquiredAt: time.Now(),
	}, nil
}

var _ CredentialStore = (*KinitStore)(nil)

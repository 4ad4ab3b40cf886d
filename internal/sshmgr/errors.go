package sshmgr

import (
	"errors"
	"fmt"
)

var (
	ErrConnection   = errors.New("ssh connection failed")
	ErrTimeout      = errors.New("ssh operation timed out")
	ErrCredential   = errors.New("credential acquisition failed")
	ErrNotConnected = errors.New("no ssh session for host")
)

// ConnectionError is a transport or authentication failure.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error        { return e.Err }
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// TimeoutError reports which operation ran out of time.
type TimeoutError struct {
	Host string
	Op   string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ssh %s on %s timed out", e.Op, e.Host)
}

func (e *TimeoutError) Unwrap() error        { return e.Err }
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CredentialError is a failed ticket acquisition for a principal.
type CredentialError struct {
	Principal string
	Err       error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential acquisition for %s failed: %v", e.Principal, e.Err)
}

func (e *CredentialError) Unwrap() error        { return e.Err }
func (e *CredentialError) Is(target error) bool { return target == ErrCredential }

// NotConnectedError means connect must be called first.
type NotConnectedError struct {
	Host string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected to %s", e.Host)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

package sshcore

import (
	"fmt"

	"github.com/pkg/errors"
)

// IoError wraps a failure in the socket layer: a read, write, accept or
// EOF encountered while a handshake or message round was in progress.
type IoError struct{ cause error }

func (e *IoError) Error() string { return "sshcore: io: " + e.cause.Error() }
func (e *IoError) Unwrap() error { return e.cause }

func newIoError(cause error) error {
	return errors.WithStack(&IoError{cause: cause})
}

// ProtocolError signals a malformed packet, a packet type illegal for the
// current session state, an oversized banner, or an empty algorithm
// intersection.
type ProtocolError struct{ msg string }

func (e *ProtocolError) Error() string { return "sshcore: protocol: " + e.msg }

func newProtocolError(format string, args ...interface{}) error {
	return errors.WithStack(&ProtocolError{msg: fmt.Sprintf(format, args...)})
}

// CryptoError signals a DH arithmetic failure, a signature failure, or a
// key-derivation failure.
type CryptoError struct{ msg string }

func (e *CryptoError) Error() string { return "sshcore: crypto: " + e.msg }

func newCryptoError(format string, args ...interface{}) error {
	return errors.WithStack(&CryptoError{msg: fmt.Sprintf(format, args...)})
}

// ConfigError signals no host key configured, or an unbindable address.
type ConfigError struct{ msg string }

func (e *ConfigError) Error() string { return "sshcore: config: " + e.msg }

func newConfigError(format string, args ...interface{}) error {
	return errors.WithStack(&ConfigError{msg: fmt.Sprintf(format, args...)})
}

// AllocError signals a resource-allocation failure (buffer growth,
// key-material sizing).
type AllocError struct{ msg string }

func (e *AllocError) Error() string { return "sshcore: alloc: " + e.msg }

func newAllocError(format string, args ...interface{}) error {
	return errors.WithStack(&AllocError{msg: fmt.Sprintf(format, args...)})
}

// ErrRekeyUnsupported is returned when a peer attempts to initiate a
// second key exchange on a session that has already reached
// StateAuthenticating. See DESIGN.md for the rationale.
var ErrRekeyUnsupported = &ProtocolError{msg: "re-keying is not supported on this session"}

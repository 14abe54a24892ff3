package errs

import (
	"errors"
	"fmt"
)

// MalformedPayloadError reports a structurally invalid envelope or payload.
type MalformedPayloadError struct{ Reason string }

func (e *MalformedPayloadError) Error() string { return "malformed payload: " + e.Reason }

// UnauthorizedUserError reports that the sender lacks the asserted relationship.
type UnauthorizedUserError struct{ Reason string }

func (e *UnauthorizedUserError) Error() string { return "unauthorized user: " + e.Reason }

// BadNameError reports that a key did not map to a local account.
type BadNameError struct{ Name string }

func (e *BadNameError) Error() string { return "bad name: " + e.Name }

// KeyMismatchError reports that a declared identity does not match its cryptographic proof.
type KeyMismatchError struct {
	Declared string
	Proven   string
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("key mismatch: declared %s, proven %s", e.Declared, e.Proven)
}

// MalformedOrReplayPayloadError reports a proof or nonce that does not match its context.
type MalformedOrReplayPayloadError struct{ Reason string }

func (e *MalformedOrReplayPayloadError) Error() string {
	return "malformed or replayed payload: " + e.Reason
}

// Malformed builds a MalformedPayloadError.
func Malformed(format string, args ...any) error {
	return &MalformedPayloadError{Reason: fmt.Sprintf(format, args...)}
}

// Unauthorized builds an UnauthorizedUserError.
func Unauthorized(format string, args ...any) error {
	return &UnauthorizedUserError{Reason: fmt.Sprintf(format, args...)}
}

// BadName builds a BadNameError.
func BadName(name string) error { return &BadNameError{Name: name} }

// Replay builds a MalformedOrReplayPayloadError.
func Replay(format string, args ...any) error {
	return &MalformedOrReplayPayloadError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocol reports whether err is one of the typed protocol errors that a
// maildrop answers with a negative acknowledgment.
func IsProtocol(err error) bool {
	var (
		mp *MalformedPayloadError
		uu *UnauthorizedUserError
		bn *BadNameError
		km *KeyMismatchError
		mr *MalformedOrReplayPayloadError
	)
	return errors.As(err, &mp) || errors.As(err, &uu) || errors.As(err, &bn) ||
		errors.As(err, &km) || errors.As(err, &mr)
}

// Kind returns a short stable label for err, used for metrics and logs.
func Kind(err error) string {
	var (
		mp *MalformedPayloadError
		uu *UnauthorizedUserError
		bn *BadNameError
		km *KeyMismatchError
		mr *MalformedOrReplayPayloadError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &mp):
		return "malformed"
	case errors.As(err, &uu):
		return "unauthorized"
	case errors.As(err, &bn):
		return "bad_name"
	case errors.As(err, &km):
		return "key_mismatch"
	case errors.As(err, &mr):
		return "replay"
	default:
		return "internal"
	}
}

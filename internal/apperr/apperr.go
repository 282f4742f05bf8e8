// Package apperr defines the error taxonomy shared by the client and
// the relay: sentinel errors grouped by failure bucket, plus a small
// coded wrapper for errors that must cross the HTTP boundary with a
// specific status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Auth errors — missing/invalid signature, unknown device, revoked membership.
var (
	ErrUnknownDevice    = errors.New("auth: unknown device")
	ErrInvalidSignature = errors.New("auth: invalid request signature")
	ErrChainForbidden   = errors.New("auth: device is not a current chain member")
)

// Protocol errors — malformed wire messages, credential mismatch.
var (
	ErrMalformedMessage  = errors.New("protocol: malformed wire message")
	ErrCredentialMismatch = errors.New("protocol: credential mismatch")
)

// Consistency errors — bounded automatic recovery lives at the call site.
var (
	ErrCounterConflict  = errors.New("consistency: counter conflict")
	ErrSecretNotFound   = errors.New("consistency: document secret not found")
	ErrChainEpochMissing = errors.New("consistency: chain epoch missing")
	ErrGroupEpochMismatch = errors.New("consistency: group epoch mismatch")
)

// Crypto errors — no automatic recovery, always surfaced.
var (
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	ErrChecksumMismatch = errors.New("crypto: checksum mismatch")
)

// Resource errors.
var (
	ErrBlobTooBig    = errors.New("resource: blob exceeds maximum size")
	ErrInvalidBlobID = errors.New("resource: blob id is not uuid-shaped")
	ErrBlobMissing   = errors.New("resource: blob has not been uploaded")
)

// Chain-specific errors (spec.md §4.1 contract).
var (
	ErrChainBroken = errors.New("chain: parent hash mismatch")
	ErrChainUnsigned = errors.New("chain: signature verification failed")
	ErrChainEmpty  = errors.New("chain: chain has no blocks")
)

// Fatal errors — escalate, never retry.
var (
	ErrDatabaseCorrupt   = errors.New("fatal: local database is corrupt")
	ErrCredentialMissing = errors.New("fatal: signing credential missing for a presumed member device")
)

// Other structural sentinels used across packages.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidCreatedAt = errors.New("mailbox: created_at out of range")
)

// CodedError pairs an error with the HTTP status the relay should
// answer with. Handlers unwrap it with errors.As to pick a status;
// everything else maps to 500.
type CodedError struct {
	Status int
	Err    error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s (http %d)", e.Err.Error(), e.Status)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Coded wraps err with an HTTP status.
func Coded(status int, err error) *CodedError {
	return &CodedError{Status: status, Err: err}
}

// HTTPStatus maps a (possibly wrapped) error to the status the relay
// should respond with, defaulting to 500 for anything unrecognized.
func HTTPStatus(err error) int {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Status
	}
	switch {
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrChainForbidden):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrCredentialMismatch), errors.Is(err, ErrInvalidBlobID), errors.Is(err, ErrInvalidCreatedAt):
		return http.StatusBadRequest
	case errors.Is(err, ErrCounterConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBlobMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrBlobTooBig):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Per-file errors (transfer failures, classification errors) never abort a
// session. Store and discovery errors do.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrFileChanged is returned when the bytes streamed during an upload do
	// not match the digest computed at classification time.
	ErrFileChanged = errors.New("file contents changed during sync")

	// ErrAlreadyQueued is returned when a path is submitted while another
	// attempt for it is queued or in flight.
	ErrAlreadyQueued = errors.New("transfer already queued for path")

	// ErrInterrupted marks a session that was closed before it settled.
	ErrInterrupted = errors.New("interrupted")
)

// TransientTransferError is a transfer failure worth retrying.
type TransientTransferError struct {
	Op  string
	Err error
}

func (err *TransientTransferError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", err.Op, err.Err)
}

func (err *TransientTransferError) Unwrap() error {
	return err.Err
}

// FatalTransferError is a permanent transfer failure. It is reported once
// and never retried.
type FatalTransferError struct {
	Op  string
	Err error
}

func (err *FatalTransferError) Error() string {
	return fmt.Sprintf("fatal %s failure: %v", err.Op, err.Err)
}

func (err *FatalTransferError) Unwrap() error {
	return err.Err
}

// StoreUnavailableError means the fingerprint store could not be reached
// after the bounded local retries.
type StoreUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (err *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s after %d attempts: %v", err.Op, err.Attempts, err.Err)
}

func (err *StoreUnavailableError) Unwrap() error {
	return err.Err
}

// ClassificationError means the metadata of a single file was unusable.
// The file is skipped and the session continues.
type ClassificationError struct {
	Path   string
	Reason string
	Err    error
}

func (err *ClassificationError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("cannot classify %q: %s: %v", err.Path, err.Reason, err.Err)
	}
	return fmt.Sprintf("cannot classify %q: %s", err.Path, err.Reason)
}

func (err *ClassificationError) Unwrap() error {
	return err.Err
}

// DiscoverySourceGoneError means the source root disappeared mid-scan.
type DiscoverySourceGoneError struct {
	Root string
	Err  error
}

func (err *DiscoverySourceGoneError) Error() string {
	return fmt.Sprintf("source %q is gone: %v", err.Root, err.Err)
}

func (err *DiscoverySourceGoneError) Unwrap() error {
	return err.Err
}

// Transient wraps err as a TransientTransferError.
func Transient(op string, err error) error {
	return &TransientTransferError{Op: op, Err: err}
}

// Fatal wraps err as a FatalTransferError.
func Fatal(op string, err error) error {
	return &FatalTransferError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Errors that carry
// neither classification are treated as transient so that the retry bound,
// not the error source, decides when to give up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalTransferError
	if errors.As(err, &fatal) || errors.Is(err, ErrFileChanged) {
		return false
	}
	var store *StoreUnavailableError
	return !errors.As(err, &store)
}

// IsFatal reports whether err is a permanent transfer failure.
func IsFatal(err error) bool {
	var fatal *FatalTransferError
	return errors.As(err, &fatal)
}

// IsStoreUnavailable reports whether err came from an exhausted store retry.
func IsStoreUnavailable(err error) bool {
	var store *StoreUnavailableError
	return errors.As(err, &store)
}

// IsSourceGone reports whether err signals a vanished discovery root.
func IsSourceGone(err error) bool {
	var gone *DiscoverySourceGoneError
	return errors.As(err, &gone)
}

// IsClassification reports whether err is a per-file classification error.
func IsClassification(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}

// AbortsSession reports whether err must end the whole session.
func AbortsSession(err error) bool {
	return IsStoreUnavailable(err) || IsSourceGone(err)
}

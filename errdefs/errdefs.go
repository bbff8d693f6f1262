// Package errdefs defines the error categories shared by the connector
// components: configuration errors, transient and fatal store errors, and
// per-item failures.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrConfiguration matches every *ConfigError.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransient matches errors explicitly marked with Transient.
	ErrTransient = errors.New("transient store error")

	// ErrFatal matches every *FatalError.
	ErrFatal = errors.New("fatal store error")
)

// ConfigError reports a bad, missing or conflicting parameter. It is always
// raised before any network call is made.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Config builds a *ConfigError for field.
func Config(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient marks err as retryable regardless of its underlying type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// FatalError is returned by a component when its retry budget is exhausted
// or the remote store failed in a way that cannot be recovered.
type FatalError struct {
	Component string
	Op        string
	Attempts  int
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempt(s): %v", e.Component, e.Op, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}

// ItemError is a failure scoped to a single file or record. The component
// that produced it keeps running.
type ItemError struct {
	Item string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %q: %v", e.Item, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// HTTPStatusError is implemented by errors that carry the status code of a
// failed HTTP exchange.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// IsTransient reports whether err is worth retrying: network failures,
// dropped connections, server-side HTTP errors and throttling.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatus()
		return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusUnauthorized
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Package faults defines the typed error taxonomy the supervisor and
// protocol readers check with errors.As at their respective boundaries.
// Everywhere else errors are wrapped plainly with fmt.Errorf, matching the
// rest of this codebase's error-handling style.
package faults

import "fmt"

// ConfigError wraps a failure loading or validating configuration. It is
// always fatal: the process must not start with a bad config.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BindError wraps a failure to bind a listener. It is fatal at startup;
// the supervisor's restart backoff does not apply to a bind that never
// succeeded even once.
type BindError struct {
	Listener string
	Addr     string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind error (%s %s): %v", e.Listener, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// TlsError wraps a TLS handshake or certificate-resolution failure for one
// connection. It is never fatal to the process: the offending connection
// is closed and the listener keeps accepting.
type TlsError struct {
	ServerName string
	Err        error
}

func (e *TlsError) Error() string {
	return fmt.Sprintf("tls error (sni=%s): %v", e.ServerName, e.Err)
}

func (e *TlsError) Unwrap() error { return e.Err }

// UpstreamDialError wraps a failure to establish the upstream connection
// for one forwarded request.
type UpstreamDialError struct {
	Protocol string
	Addr     string
	Err      error
}

func (e *UpstreamDialError) Error() string {
	return fmt.Sprintf("upstream dial error (%s %s): %v", e.Protocol, e.Addr, e.Err)
}

func (e *UpstreamDialError) Unwrap() error { return e.Err }

// UpstreamIoError wraps a failure copying bytes to or from an already
// established upstream connection.
type UpstreamIoError struct {
	Protocol string
	Err      error
}

func (e *UpstreamIoError) Error() string {
	return fmt.Sprintf("upstream io error (%s): %v", e.Protocol, e.Err)
}

func (e *UpstreamIoError) Unwrap() error { return e.Err }

// ClientIoError wraps a failure reading from or writing to the client side
// of a connection, as distinct from the upstream side, so metrics and logs
// can attribute blame correctly.
type ClientIoError struct {
	Protocol string
	Err      error
}

func (e *ClientIoError) Error() string {
	return fmt.Sprintf("client io error (%s): %v", e.Protocol, e.Err)
}

func (e *ClientIoError) Unwrap() error { return e.Err }

// LockPoisonError signals that a cache or registry invariant was found
// broken at runtime (for example, a single-flight dedup map left in an
// inconsistent state after a panic in a loader). It is always a bug.
type LockPoisonError struct {
	Component string
	Err       error
}

func (e *LockPoisonError) Error() string {
	return fmt.Sprintf("internal invariant violated in %s: %v", e.Component, e.Err)
}

func (e *LockPoisonError) Unwrap() error { return e.Err }

// Package upstream implements the three forwarders protocol readers hand
// rewritten connections/requests to: a raw TCP+TLS byte tunnel for DoT, a
// pooled HTTPS/HTTP3 client for DoH/DoH3, and a QUIC stream-copy tunnel for
// DoQ.
package upstream

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/tternquist/dns-sni-gateway/internal/faults"
)

// Options configures the outbound TLS policy shared by every upstream:
// one address per transport, no bootstrap resolution, no multi-candidate
// selection.
type Options struct {
	// InsecureSkipVerify disables upstream certificate verification. Only
	// meant for local development/testing.
	InsecureSkipVerify bool
	// DialTimeout bounds the TCP/QUIC dial itself.
	DialTimeout time.Duration
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 10 * time.Second
}

// TlsTunnel implements UpstreamTlsTunnel: a per-connection TCP+TLS dial to
// addr with SNI set to the rewritten target, followed by a bidirectional
// byte copy with the client connection. It treats the stream as opaque
// bytes and never parses DNS wire messages.
type TlsTunnel struct {
	opts Options
}

// NewTlsTunnel returns a TlsTunnel using the given dial options.
func NewTlsTunnel(opts Options) *TlsTunnel {
	return &TlsTunnel{opts: opts}
}

// copyBufferSize matches typical DNS-over-TLS message sizes without being
// so large that idle connections waste memory; it is reused across the
// lifetime of one connection's copy, never reallocated per message.
const copyBufferSize = 16 * 1024

// Forward dials addr, TLS-handshakes with serverName as SNI, and copies
// bytes bidirectionally between client and the new upstream connection
// until either side errs or reaches EOF. It returns the bytes copied in
// each direction.
func (t *TlsTunnel) Forward(ctx context.Context, client net.Conn, addr, serverName string) (bytesIn, bytesOut int64, err error) {
	dialer := &net.Dialer{Timeout: t.opts.dialTimeout()}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, 0, &faults.UpstreamDialError{Protocol: "dot", Addr: addr, Err: err}
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: t.opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return 0, 0, &faults.UpstreamDialError{Protocol: "dot", Addr: addr, Err: err}
	}
	defer tlsConn.Close()

	bytesIn, bytesOut, errAtoB, errBtoA := copyBidirectional(client, tlsConn)
	// a->b reads the client and writes the upstream; a broken copy here is
	// attributed to the client side. b->a is the mirror, attributed to
	// upstream.
	if errAtoB != nil {
		return bytesIn, bytesOut, &faults.ClientIoError{Protocol: "dot", Err: errAtoB}
	}
	if errBtoA != nil {
		return bytesIn, bytesOut, &faults.UpstreamIoError{Protocol: "dot", Err: errBtoA}
	}
	return bytesIn, bytesOut, nil
}

// copyBidirectional runs two goroutines, each owning one direction, and
// waits for both to finish. Closing either side's read propagates to the
// other via the write error it produces.
// It returns bytes copied a->b (aToB) and b->a (bToA), plus each
// direction's own error so the caller can attribute the failure to the
// right side instead of flattening both into one error.
func copyBidirectional(a, b net.Conn) (aToB, bToA int64, errAtoB, errBtoA error) {
	done := make(chan struct{}, 2)

	go func() {
		buf := make([]byte, copyBufferSize)
		aToB, errAtoB = io.CopyBuffer(b, a, buf)
		if tc, ok := b.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, copyBufferSize)
		bToA, errBtoA = io.CopyBuffer(a, b, buf)
		if tc, ok := a.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done

	if errAtoB == io.EOF {
		errAtoB = nil
	}
	if errBtoA == io.EOF {
		errBtoA = nil
	}
	return aToB, bToA, errAtoB, errBtoA
}

// Package tlsaccept wraps a net.Listener so every accepted connection is
// already TLS-handshaked before it reaches the caller's Accept, running
// each handshake in its own goroutine so one slow or hostile client can
// never block acceptance of the next.
package tlsaccept

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"

	"github.com/tternquist/dns-sni-gateway/internal/certstore"
)

// CertResolver is the subset of certstore.Store the acceptor depends on,
// kept as an interface so tests can supply a fake without touching disk.
type CertResolver interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
	Resolve(sni string) (*certstore.Entry, error)
}

// Listener wraps an underlying net.Listener, performing the TLS handshake
// and per-certificate client-auth enforcement before handing a connection
// to Accept, grounded on the accept-loop/pending-map/goroutine-per-handshake
// shape of a reverse-proxy TLS listener.
type Listener struct {
	net.Listener
	store CertResolver

	connc chan net.Conn
	donec chan struct{}
	err   error

	onHandshakeFailure func(net.Addr, error)
}

// New wraps inner, dispatching ClientHello-time certificate selection to
// store and enforcing each resolved certificate's client-auth policy after
// the handshake completes (Go's tls.Config has one static ClientAuth
// policy, but GetCertificate can vary the certificate per SNI, so a
// connection presenting no client certificate is only rejected here, once
// we know which Entry it resolved to). nextProtos sets the ALPN list
// offered to clients; DoT advertises "dot", plain DoH advertises "h2" and
// "http/1.1".
func New(inner net.Listener, store CertResolver, nextProtos []string, onHandshakeFailure func(net.Addr, error)) *Listener {
	if onHandshakeFailure == nil {
		onHandshakeFailure = func(net.Addr, error) {}
	}
	tlsConf := &tls.Config{
		GetCertificate: store.GetCertificate,
		// Request a client cert whenever the peer offers one so a
		// per-entry RequireClientCert policy can still be enforced
		// post-handshake without forcing every SNI through mTLS.
		ClientAuth: tls.RequestClientCert,
		MinVersion: tls.VersionTLS12,
		NextProtos: nextProtos,
	}

	l := &Listener{
		Listener:           tls.NewListener(inner, tlsConf),
		store:              store,
		connc:              make(chan net.Conn),
		donec:              make(chan struct{}),
		onHandshakeFailure: onHandshakeFailure,
	}
	go l.acceptLoop()
	return l
}

// Close shuts down the underlying listener and waits for the accept loop
// to drain any in-flight handshakes.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	<-l.donec
	return err
}

// Accept returns the next fully handshaked, policy-checked connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connc:
		return conn, nil
	case <-l.donec:
		return nil, l.err
	}
}

// acceptLoop runs one goroutine per in-flight TLS handshake, tracked in
// pending so Close can wait for them to finish or abandon cleanly, rather
// than leaking goroutines on shutdown.
func (l *Listener) acceptLoop() {
	var wg sync.WaitGroup
	var pendingMu sync.Mutex
	pending := make(map[net.Conn]struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		pendingMu.Lock()
		for c := range pending {
			c.Close()
		}
		pendingMu.Unlock()
		wg.Wait()
		close(l.donec)
	}()

	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			l.err = err
			return
		}

		pendingMu.Lock()
		pending[conn] = struct{}{}
		pendingMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := l.handshakeAndCheck(ctx, conn)
			pendingMu.Lock()
			delete(pending, conn)
			pendingMu.Unlock()
			if !ok {
				conn.Close()
			}
		}()
	}
}

// handshakeAndCheck performs the TLS handshake, resolves the negotiated
// SNI's certstore.Entry, and enforces RequireClientCert. On success it
// hands the connection to Accept and returns true; the caller must not
// close conn in that case.
func (l *Listener) handshakeAndCheck(ctx context.Context, conn net.Conn) bool {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		l.onHandshakeFailure(conn.RemoteAddr(), fmt.Errorf("tlsaccept: accepted connection is not *tls.Conn"))
		return false
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		l.onHandshakeFailure(conn.RemoteAddr(), err)
		return false
	}

	state := tlsConn.ConnectionState()
	entry, err := l.store.Resolve(state.ServerName)
	if err != nil {
		l.onHandshakeFailure(conn.RemoteAddr(), fmt.Errorf("tlsaccept: resolving entry for %q: %w", state.ServerName, err))
		return false
	}
	if entry.RequireClientCert && len(state.PeerCertificates) == 0 {
		l.onHandshakeFailure(conn.RemoteAddr(), fmt.Errorf("tlsaccept: %q requires a client certificate, none presented", state.ServerName))
		return false
	}
	if entry.RequireClientCert && entry.ClientCAs != nil && len(state.PeerCertificates) > 0 {
		opts := x509.VerifyOptions{
			Roots:         entry.ClientCAs,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		for _, cert := range state.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := state.PeerCertificates[0].Verify(opts); err != nil {
			l.onHandshakeFailure(conn.RemoteAddr(), fmt.Errorf("tlsaccept: client certificate for %q failed verification: %w", state.ServerName, err))
			return false
		}
	}

	select {
	case l.connc <- tlsConn:
		return true
	case <-ctx.Done():
		return false
	}
}

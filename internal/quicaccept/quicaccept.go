// Package quicaccept builds the QUIC-backed endpoints used by the DoQ and
// DoH3 readers: each Endpoint is one UDP socket wrapped in one
// quic.Transport, from which DoQ listens early with ALPN "doq" or DoH3
// listens early for http3.Server.
package quicaccept

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// NextProtoDoQ is the ALPN token RFC 9250 reserves for DNS-over-QUIC.
var NextProtoDoQ = []string{"doq"}

// NextProtoDoH3 is the ALPN token negotiated for DoH3, with HTTP/2 and
// HTTP/1.1 listed as fallbacks for clients that probe before committing.
var NextProtoDoH3 = []string{http3.NextProtoH3, "h2", "http/1.1"}

// CertResolver adapts a certstore.Store (or a fake, in tests) to the
// crypto/tls.Config.GetCertificate hook.
type CertResolver interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// Endpoint owns one UDP socket and the quic.Transport built on top of it.
// DoQ and DoH3 each get their own Endpoint since they run distinct ALPN
// sets and distinct serving loops, even when, in practice, an operator
// often points both at the same bind address via two separate ports.
type Endpoint struct {
	conn      net.PacketConn
	transport *quic.Transport
}

// Listen opens a UDP socket at addr and wraps it in a quic.Transport ready
// for either ListenEarly (DoQ) or http3.Server.ServeListener (DoH3).
func Listen(addr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quicaccept: resolving %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quicaccept: listening on %q: %w", addr, err)
	}
	return &Endpoint{
		conn:      conn,
		transport: &quic.Transport{Conn: conn},
	}, nil
}

// Addr reports the bound local address.
func (e *Endpoint) Addr() net.Addr {
	return e.conn.LocalAddr()
}

// ListenDoQ starts an early QUIC listener for one-stream-per-query DNS
// framing, with certResolver supplying the certificate for each SNI.
func (e *Endpoint) ListenDoQ(certResolver CertResolver) (*quic.EarlyListener, error) {
	tlsConf := &tls.Config{
		GetCertificate: certResolver.GetCertificate,
		NextProtos:     NextProtoDoQ,
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := e.transport.ListenEarly(tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("quicaccept: listening doq: %w", err)
	}
	return ln, nil
}

// ListenDoH3 starts an early QUIC listener configured for HTTP/3 ALPN
// negotiation, ready to be handed to an http3.Server via ServeListener.
func (e *Endpoint) ListenDoH3(certResolver CertResolver) (*quic.EarlyListener, error) {
	tlsConf := &tls.Config{
		GetCertificate: certResolver.GetCertificate,
		NextProtos:     NextProtoDoH3,
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := e.transport.ListenEarly(tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("quicaccept: listening doh3: %w", err)
	}
	return ln, nil
}

// Close tears down the transport and its underlying socket.
func (e *Endpoint) Close() error {
	err := e.transport.Close()
	if cerr := e.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// AcceptStreams blocks, handing each incoming QUIC connection's streams to
// handle, one goroutine per stream, until ctx is cancelled or ln closes.
// This is the DoQ accept pattern: a DoQ client opens one bidirectional
// stream per query rather than one connection per query, so streams -- not
// connections -- are the unit of dispatch. onConnDone, if non-nil, runs
// once per connection after its last stream has been accepted (the
// connection closed or errored), so a caller that keeps per-connection
// state (such as a cached upstream dial) has a place to tear it down.
func AcceptStreams(ctx context.Context, ln *quic.EarlyListener, handle func(context.Context, *quic.Conn, *quic.Stream), onConnDone func(*quic.Conn)) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quicaccept: accepting connection: %w", err)
		}
		go acceptStreamsOnConn(ctx, conn, handle, onConnDone)
	}
}

func acceptStreamsOnConn(ctx context.Context, conn *quic.Conn, handle func(context.Context, *quic.Conn, *quic.Stream), onConnDone func(*quic.Conn)) {
	if onConnDone != nil {
		defer onConnDone(conn)
	}
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go handle(ctx, conn, stream)
	}
}

package upstream

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/tternquist/dns-sni-gateway/internal/faults"
)

// Quic implements UpstreamQuic: a per-client-connection QUIC dial to addr
// with ALPN "doq", from which one upstream stream is opened per client
// stream and copied bidirectionally.
type Quic struct {
	opts Options
}

// NewQuic returns a Quic upstream using opts for its outbound TLS policy.
func NewQuic(opts Options) *Quic {
	return &Quic{opts: opts}
}

// Dial opens a QUIC connection to addr with serverName as SNI and ALPN
// "doq", returning a handle the DoQ reader uses to open one upstream
// stream per client stream.
func (q *Quic) Dial(ctx context.Context, addr, serverName string) (*quic.Conn, error) {
	tlsConf := &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{"doq"},
		InsecureSkipVerify: q.opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, &faults.UpstreamDialError{Protocol: "doq", Addr: addr, Err: err}
	}
	return conn, nil
}

// ForwardStream opens one bidirectional stream on upstreamConn, copies both
// halves against clientStream concurrently, and closes both sides
// symmetrically when either half finishes.
func ForwardStream(ctx context.Context, upstreamConn *quic.Conn, clientStream *quic.Stream) (bytesIn, bytesOut int64, err error) {
	upstreamStream, err := upstreamConn.OpenStreamSync(ctx)
	if err != nil {
		return 0, 0, &faults.UpstreamDialError{Protocol: "doq", Addr: upstreamConn.RemoteAddr().String(), Err: err}
	}

	var errUp, errDown error
	done := make(chan struct{}, 2)

	go func() {
		bytesIn, errUp = io.Copy(upstreamStream, clientStream)
		upstreamStream.Close()
		done <- struct{}{}
	}()
	go func() {
		bytesOut, errDown = io.Copy(clientStream, upstreamStream)
		clientStream.Close()
		done <- struct{}{}
	}()

	<-done
	<-done

	// errUp reads the client stream and writes the upstream stream, so a
	// failure there is attributed to the client side; errDown is the mirror,
	// attributed to upstream.
	if errUp != nil && errUp != io.EOF {
		return bytesIn, bytesOut, &faults.ClientIoError{Protocol: "doq", Err: errUp}
	}
	if errDown != nil && errDown != io.EOF {
		return bytesIn, bytesOut, &faults.UpstreamIoError{Protocol: "doq", Err: errDown}
	}
	return bytesIn, bytesOut, nil
}

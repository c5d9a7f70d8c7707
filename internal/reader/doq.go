package reader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/tternquist/dns-sni-gateway/internal/forwardlog"
	"github.com/tternquist/dns-sni-gateway/internal/metrics"
	"github.com/tternquist/dns-sni-gateway/internal/quicaccept"
	"github.com/tternquist/dns-sni-gateway/internal/tracelog"
	"github.com/tternquist/dns-sni-gateway/internal/upstream"
)

// DoQ serves DNS-over-QUIC: every stream on a client QUIC connection shares
// the same negotiated ServerName, so the SNI and rewrite decision are read
// from the connection once, and one upstream QUIC connection is dialed per
// client connection and reused (via OpenStreamSync) for every stream that
// connection opens.
type DoQ struct {
	Listener     *quic.EarlyListener
	Gate         RewriteGate
	Upstream     *upstream.Quic
	UpstreamAddr string
	ForwardLog   forwardlog.Sink
	Logger       *slog.Logger
	Trace        *tracelog.Events

	conns sync.Map // *quic.Conn -> *connState
}

// connState is the once-per-client-connection rewrite decision and upstream
// dial, shared by every stream that connection opens.
type connState struct {
	once         sync.Once
	sni          string
	target       string
	proceed      bool
	upstreamConn *quic.Conn
	dialErr      error
}

// Serve accepts QUIC connections until ctx is cancelled or the listener
// closes.
func (d *DoQ) Serve(ctx context.Context) error {
	return quicaccept.AcceptStreams(ctx, d.Listener, d.handleStream, d.connClosed)
}

// connClosed tears down the cached upstream connection once the client's
// connection has no more streams to offer.
func (d *DoQ) connClosed(conn *quic.Conn) {
	v, ok := d.conns.LoadAndDelete(conn)
	if !ok {
		return
	}
	cs := v.(*connState)
	if cs.upstreamConn != nil {
		cs.upstreamConn.CloseWithError(0, "")
	}
}

// stateFor returns the shared connState for conn, establishing the rewrite
// decision and dialing the upstream connection exactly once regardless of
// how many streams race to call this concurrently.
func (d *DoQ) stateFor(ctx context.Context, conn *quic.Conn) *connState {
	v, _ := d.conns.LoadOrStore(conn, &connState{})
	cs := v.(*connState)
	cs.once.Do(func() {
		cs.sni = conn.ConnectionState().TLS.ServerName
		cs.target, cs.proceed = d.Gate.Apply(cs.sni)
		tracelog.Trace(d.Trace, d.Logger, tracelog.EventRewriteDecision, "doq rewrite decision", "sni", cs.sni, "target", cs.target, "proceed", cs.proceed)
		if !cs.proceed {
			return
		}
		cs.upstreamConn, cs.dialErr = d.Upstream.Dial(ctx, d.UpstreamAddr, cs.target)
	})
	return cs
}

// handleStream is invoked once per client-opened stream. The first stream
// on a connection establishes the shared connState (rewrite decision and
// upstream dial); every stream, including the first, then opens its own
// matching stream on that one upstream connection.
func (d *DoQ) handleStream(ctx context.Context, conn *quic.Conn, stream *quic.Stream) {
	metrics.RecordAccepted("doq")
	start := time.Now()
	tracelog.Trace(d.Trace, d.Logger, tracelog.EventConnectionAccepted, "doq stream accepted", "remote", conn.RemoteAddr().String())

	cs := d.stateFor(ctx, conn)

	if !cs.proceed {
		metrics.RecordErr("doq")
		stream.CancelWrite(0)
		stream.CancelRead(0)
		d.logEvent(cs.sni, "", conn, 0, 0, "rejected_unmatched", nil)
		return
	}

	if cs.dialErr != nil {
		metrics.RecordErr("doq")
		metrics.RecordUpstreamError("doq")
		stream.CancelWrite(0)
		stream.CancelRead(0)
		d.logEvent(cs.sni, cs.target, conn, 0, 0, "error", cs.dialErr)
		return
	}

	bytesIn, bytesOut, err := upstream.ForwardStream(ctx, cs.upstreamConn, stream)
	metrics.RecordBytes("doq", bytesIn, bytesOut)
	tracelog.Trace(d.Trace, d.Logger, tracelog.EventUpstreamForward, "doq upstream forward", "target", cs.target, "bytes_in", bytesIn, "bytes_out", bytesOut, "err", err)
	if err != nil {
		metrics.RecordErr("doq")
		if isUpstreamFault(err) {
			metrics.RecordUpstreamError("doq")
		}
		d.logEvent(cs.sni, cs.target, conn, bytesIn, bytesOut, "error", err)
		return
	}

	metrics.RecordOK("doq", time.Since(start))
	d.logEvent(cs.sni, cs.target, conn, bytesIn, bytesOut, "ok", nil)
}

func (d *DoQ) logEvent(sni, target string, conn *quic.Conn, bytesIn, bytesOut int64, outcome string, err error) {
	if d.ForwardLog == nil {
		return
	}
	ev := forwardlog.Event{
		Time:        time.Now(),
		Protocol:    "doq",
		OriginalSNI: sni,
		Target:      target,
		ClientAddr:  conn.RemoteAddr().String(),
		BytesIn:     bytesIn,
		BytesOut:    bytesOut,
		Outcome:     outcome,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.ForwardLog.Record(ev)
}

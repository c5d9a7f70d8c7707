// Package reader implements the four protocol front ends: DoT, DoH, DoQ
// and DoH3. Each accepts already-terminated connections/requests from the
// corresponding acceptor factory, recovers the client's SNI, rewrites it,
// and forwards to the matching upstream.
package reader

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/tternquist/dns-sni-gateway/internal/forwardlog"
	"github.com/tternquist/dns-sni-gateway/internal/metrics"
	"github.com/tternquist/dns-sni-gateway/internal/rewrite"
	"github.com/tternquist/dns-sni-gateway/internal/tracelog"
	"github.com/tternquist/dns-sni-gateway/internal/upstream"
)

// RewriteGate bundles a Rewriter with the reject_unmatched policy: callers
// ask it what to do with an SNI rather than inlining the policy check
// themselves, keeping the Rewriter's own contract total and error-free.
type RewriteGate struct {
	Rewriter        rewrite.Rewriter
	RejectUnmatched bool
}

// Apply rewrites sni and reports whether the caller should proceed. When
// there is no match and RejectUnmatched is false, the original sni is
// forwarded unchanged (pass-through).
func (g RewriteGate) Apply(sni string) (target string, proceed bool) {
	result, ok := g.Rewriter.Rewrite(sni)
	if ok {
		return result.Target, true
	}
	if g.RejectUnmatched {
		return "", false
	}
	return sni, true
}

// DoT serves DNS-over-TLS: one goroutine per accepted connection, a
// rewrite of the negotiated SNI, and a raw byte tunnel to the resolved
// upstream address.
type DoT struct {
	Listener     net.Listener
	Gate         RewriteGate
	Upstream     *upstream.TlsTunnel
	UpstreamAddr string
	ForwardLog   forwardlog.Sink
	Logger       *slog.Logger
	Trace        *tracelog.Events
}

// Serve accepts connections until Listener.Accept returns an error (the
// expected signal on Close) or ctx is cancelled.
func (d *DoT) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.Listener.Close()
	}()
	for {
		conn, err := d.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *DoT) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	metrics.RecordAccepted("dot")
	start := time.Now()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		metrics.RecordErr("dot")
		d.logError("accepted connection is not TLS", "")
		return
	}

	tracelog.Trace(d.Trace, d.Logger, tracelog.EventConnectionAccepted, "dot connection accepted", "remote", conn.RemoteAddr().String())

	sni := tlsConn.ConnectionState().ServerName
	target, proceed := d.Gate.Apply(sni)
	tracelog.Trace(d.Trace, d.Logger, tracelog.EventRewriteDecision, "dot rewrite decision", "sni", sni, "target", target, "proceed", proceed)
	if !proceed {
		metrics.RecordErr("dot")
		d.logEvent(sni, "", conn.RemoteAddr(), 0, 0, "rejected_unmatched", nil)
		return
	}

	dialAddr := d.UpstreamAddr
	if target != sni {
		dialAddr = d.dialAddr(target)
	}
	bytesIn, bytesOut, err := d.Upstream.Forward(ctx, conn, dialAddr, target)
	metrics.RecordBytes("dot", bytesIn, bytesOut)
	tracelog.Trace(d.Trace, d.Logger, tracelog.EventUpstreamForward, "dot upstream forward", "target", target, "bytes_in", bytesIn, "bytes_out", bytesOut, "err", err)
	if err != nil {
		metrics.RecordErr("dot")
		if isUpstreamFault(err) {
			metrics.RecordUpstreamError("dot")
		}
		d.logEvent(sni, target, conn.RemoteAddr(), bytesIn, bytesOut, "error", err)
		return
	}

	metrics.RecordOK("dot", time.Since(start))
	d.logEvent(sni, target, conn.RemoteAddr(), bytesIn, bytesOut, "ok", nil)
}

// dialAddr builds the actual TCP dial destination: the configured
// upstream's port, paired with target's host when a rewrite occurred, so
// the connection lands on the resolver the rewritten name actually
// belongs to rather than the operator's static default.
func (d *DoT) dialAddr(target string) string {
	_, port, err := net.SplitHostPort(d.UpstreamAddr)
	if err != nil {
		return d.UpstreamAddr
	}
	return net.JoinHostPort(target, port)
}

func (d *DoT) logEvent(sni, target string, remote net.Addr, bytesIn, bytesOut int64, outcome string, err error) {
	if d.ForwardLog == nil {
		return
	}
	ev := forwardlog.Event{
		Time:        time.Now(),
		Protocol:    "dot",
		OriginalSNI: sni,
		Target:      target,
		ClientAddr:  remote.String(),
		BytesIn:     bytesIn,
		BytesOut:    bytesOut,
		Outcome:     outcome,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.ForwardLog.Record(ev)
}

func (d *DoT) logError(msg, sni string) {
	if d.Logger == nil {
		return
	}
	d.Logger.Warn(msg, "protocol", "dot", "sni", sni)
}

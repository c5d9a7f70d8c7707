package reader

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tternquist/dns-sni-gateway/internal/forwardlog"
	"github.com/tternquist/dns-sni-gateway/internal/metrics"
	"github.com/tternquist/dns-sni-gateway/internal/tracelog"
	"github.com/tternquist/dns-sni-gateway/internal/upstream"
)

// DoH serves DNS-over-HTTPS as a plain http.Handler, shared verbatim by
// the DoH3 reader: the only difference between the two transports is
// which listener/http.Server hands requests to ServeHTTP.
type DoH struct {
	Gate       RewriteGate
	Upstream   *upstream.Http
	ForwardLog forwardlog.Sink
	Logger     *slog.Logger
	Trace      *tracelog.Events

	// protocolLabel is "doh" or "doh3", set by the caller constructing
	// this handler so metrics/log events carry the right transport name.
	protocolLabel string
}

// NewDoH builds a DoH handler labeled for metrics/logging as protocol. up
// already encapsulates the resolved upstream endpoint.
func NewDoH(protocol string, gate RewriteGate, up *upstream.Http, fl forwardlog.Sink, logger *slog.Logger) *DoH {
	return &DoH{
		Gate:          gate,
		Upstream:      up,
		ForwardLog:    fl,
		Logger:        logger,
		protocolLabel: protocol,
	}
}

// ServeHTTP extracts the effective SNI (preferring the negotiated TLS
// ServerName, falling back to the Host header for plaintext testing),
// rewrites it, and reverse-proxies the request to the resolved upstream.
func (h *DoH) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.RecordAccepted(h.protocolLabel)
	start := time.Now()
	tracelog.Trace(h.Trace, h.Logger, tracelog.EventConnectionAccepted, h.protocolLabel+" request accepted", "remote", r.RemoteAddr)

	sni := h.effectiveSNI(r)
	target, proceed := h.Gate.Apply(sni)
	tracelog.Trace(h.Trace, h.Logger, tracelog.EventRewriteDecision, h.protocolLabel+" rewrite decision", "sni", sni, "target", target, "proceed", proceed)
	if !proceed {
		metrics.RecordErr(h.protocolLabel)
		http.Error(w, "no route for requested name", http.StatusMisdirectedRequest)
		h.logEvent(sni, "", r, 0, 0, "rejected_unmatched", nil)
		return
	}

	bytesIn, bytesOut, err := h.Upstream.Forward(w, r, target)
	metrics.RecordBytes(h.protocolLabel, bytesIn, bytesOut)
	tracelog.Trace(h.Trace, h.Logger, tracelog.EventUpstreamForward, h.protocolLabel+" upstream forward", "target", target, "bytes_in", bytesIn, "bytes_out", bytesOut, "err", err)
	if err != nil {
		metrics.RecordErr(h.protocolLabel)
		metrics.RecordUpstreamError(h.protocolLabel)
		h.logEvent(sni, target, r, bytesIn, bytesOut, "error", err)
		return
	}

	metrics.RecordOK(h.protocolLabel, time.Since(start))
	h.logEvent(sni, target, r, bytesIn, bytesOut, "ok", nil)
}

// effectiveSNI prefers the TLS layer's negotiated ServerName (set for both
// HTTP/2-over-TCP and HTTP/3-over-QUIC by the respective acceptor), and
// falls back to the Host header when r.TLS is nil or carries no
// ServerName.
func (h *DoH) effectiveSNI(r *http.Request) string {
	if r.TLS != nil && r.TLS.ServerName != "" {
		return r.TLS.ServerName
	}
	if host := r.Host; host != "" {
		return hostOnly(host)
	}
	return ""
}

func (h *DoH) logEvent(sni, target string, r *http.Request, bytesIn, bytesOut int64, outcome string, err error) {
	if h.ForwardLog == nil {
		return
	}
	ev := forwardlog.Event{
		Time:        time.Now(),
		Protocol:    h.protocolLabel,
		OriginalSNI: sni,
		Target:      target,
		ClientAddr:  r.RemoteAddr,
		BytesIn:     bytesIn,
		BytesOut:    bytesOut,
		Outcome:     outcome,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	h.ForwardLog.Record(ev)
}

// DoHServer runs a DoH handler behind a plain net/http server over an
// already TLS-wrapping net.Listener (tlsaccept.Listener).
type DoHServer struct {
	Listener net.Listener
	Handler  *DoH
}

// Serve blocks, serving HTTP/1.1 and HTTP/2 requests until the listener is
// closed or ctx is cancelled.
func (s *DoHServer) Serve(ctx context.Context) error {
	hs := &http.Server{Handler: s.Handler}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		hs.Close()
		close(done)
	}()
	err := hs.Serve(s.Listener)
	if ctx.Err() != nil {
		<-done
		return nil
	}
	return err
}

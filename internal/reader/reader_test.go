package reader

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tternquist/dns-sni-gateway/internal/rewrite"
)

func mustRewriter(t *testing.T) rewrite.Rewriter {
	t.Helper()
	cfg, err := rewrite.NewConfig([]string{"example.org"}, ".example.cn")
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return rewrite.New(cfg)
}

func TestRewriteGate_Apply_Match(t *testing.T) {
	gate := RewriteGate{Rewriter: mustRewriter(t)}
	target, proceed := gate.Apply("shop.example.org")
	if !proceed {
		t.Fatal("expected proceed=true")
	}
	if target != "shop.example.cn" {
		t.Errorf("target = %q, want shop.example.cn", target)
	}
}

func TestRewriteGate_Apply_NoMatchPassThroughByDefault(t *testing.T) {
	gate := RewriteGate{Rewriter: mustRewriter(t)}
	target, proceed := gate.Apply("unrelated.example.net")
	if !proceed {
		t.Fatal("expected proceed=true (pass-through)")
	}
	if target != "unrelated.example.net" {
		t.Errorf("target = %q, want original sni unchanged", target)
	}
}

func TestRewriteGate_Apply_NoMatchRejected(t *testing.T) {
	gate := RewriteGate{Rewriter: mustRewriter(t), RejectUnmatched: true}
	_, proceed := gate.Apply("unrelated.example.net")
	if proceed {
		t.Fatal("expected proceed=false when reject_unmatched is set")
	}
}

func TestDoH_EffectiveSNI_PrefersTLSServerName(t *testing.T) {
	h := &DoH{Gate: RewriteGate{Rewriter: mustRewriter(t)}, protocolLabel: "doh"}
	req := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	req.TLS = &tls.ConnectionState{ServerName: "shop.example.org"}
	req.Host = "decoy.example.org"

	if got := h.effectiveSNI(req); got != "shop.example.org" {
		t.Errorf("effectiveSNI = %q, want shop.example.org", got)
	}
}

func TestDoH_EffectiveSNI_FallsBackToHost(t *testing.T) {
	h := &DoH{Gate: RewriteGate{Rewriter: mustRewriter(t)}, protocolLabel: "doh"}
	req := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	req.Host = "shop.example.org:443"

	if got := h.effectiveSNI(req); got != "shop.example.org" {
		t.Errorf("effectiveSNI = %q, want shop.example.org", got)
	}
}

func TestDoT_DialAddr_SubstitutesTargetHostKeepingConfiguredPort(t *testing.T) {
	d := &DoT{UpstreamAddr: "203.0.113.10:853"}
	if got := d.dialAddr("shop.example.cn"); got != "shop.example.cn:853" {
		t.Errorf("dialAddr = %q, want shop.example.cn:853", got)
	}
}

func TestDoT_DialAddr_FallsBackToConfiguredAddrWhenUnparseable(t *testing.T) {
	d := &DoT{UpstreamAddr: "not-a-host-port"}
	if got := d.dialAddr("shop.example.cn"); got != "not-a-host-port" {
		t.Errorf("dialAddr = %q, want unchanged fallback", got)
	}
}

func TestDoH_ServeHTTP_RejectsUnmatchedWhenConfigured(t *testing.T) {
	h := NewDoH("doh", RewriteGate{Rewriter: mustRewriter(t), RejectUnmatched: true}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	req.Host = "unrelated.example.net"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMisdirectedRequest {
		t.Errorf("status = %d, want 421", rec.Code)
	}
}

package upstream

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tternquist/dns-sni-gateway/internal/faults"
)

func selfSignedServerCert(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// TestTlsTunnel_Forward_ByteConservation checks that bytes read from one
// side equal bytes written to the other, barring a terminal truncated
// frame.
func TestTlsTunnel_Forward_ByteConservation(t *testing.T) {
	cert := selfSignedServerCert(t, "upstream.test")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	const payload = "hello upstream"
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(payload))
		io.ReadFull(conn, buf)
		conn.Write(buf) // echo
	}()

	clientSide, serverSide := net.Pipe()
	tunnel := NewTlsTunnel(Options{InsecureSkipVerify: true})

	var bytesIn, bytesOut int64
	var forwardErr error
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		bytesIn, bytesOut, forwardErr = tunnel.Forward(context.Background(), serverSide, ln.Addr().String(), "upstream.test")
	}()

	clientSide.Write([]byte(payload))
	echoed := make([]byte, len(payload))
	io.ReadFull(clientSide, echoed)
	if !bytes.Equal(echoed, []byte(payload)) {
		t.Errorf("echo mismatch: got %q", echoed)
	}
	clientSide.Close()

	<-forwardDone
	<-serverDone

	if forwardErr != nil {
		t.Fatalf("Forward: %v", forwardErr)
	}
	if bytesOut != int64(len(payload)) {
		t.Errorf("bytesOut = %d, want %d", bytesOut, len(payload))
	}
	if bytesIn != int64(len(payload)) {
		t.Errorf("bytesIn = %d, want %d", bytesIn, len(payload))
	}
}

func TestTlsTunnel_Forward_DialFailureIsUpstreamDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // guarantees nothing is listening on addr

	tunnel := NewTlsTunnel(Options{InsecureSkipVerify: true, DialTimeout: time.Second})
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	_, _, err = tunnel.Forward(context.Background(), serverSide, addr, "upstream.test")
	if err == nil {
		t.Fatal("expected Forward to fail dialing a closed port")
	}
	var dialErr *faults.UpstreamDialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("expected *faults.UpstreamDialError, got %T: %v", err, err)
	}
	if dialErr.Protocol != "dot" {
		t.Errorf("Protocol = %q, want dot", dialErr.Protocol)
	}
}

func TestHttp_Forward_RewritesAuthorityAndStreamsBody(t *testing.T) {
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/dns-message")
		w.WriteHeader(http.StatusOK)
		w.Write(append([]byte("resp:"), body...))
	}))
	defer upstream.Close()

	h, err := NewHttp(upstream.URL+"/dns-query", Options{}, false)
	if err != nil {
		t.Fatalf("NewHttp: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewBufferString("0123456789"))
	req.ContentLength = 10
	rec := httptest.NewRecorder()

	bytesIn, bytesOut, err := h.Forward(rec, req, "rewritten.example.org")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotHost != "rewritten.example.org" {
		t.Errorf("upstream saw Host=%q, want rewritten.example.org", gotHost)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "resp:0123456789" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if bytesIn != 10 {
		t.Errorf("bytesIn = %d, want 10", bytesIn)
	}
	if bytesOut != int64(len("resp:0123456789")) {
		t.Errorf("bytesOut = %d, want %d", bytesOut, len("resp:0123456789"))
	}
}

func TestHttp_Forward_StripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Error("Connection header should have been stripped before forwarding")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h, err := NewHttp(upstream.URL, Options{}, false)
	if err != nil {
		t.Fatalf("NewHttp: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()
	if _, _, err := h.Forward(rec, req, "example.org"); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestIsHopByHop(t *testing.T) {
	if !isHopByHop("connection") {
		t.Error("expected case-insensitive match")
	}
	if isHopByHop("Content-Type") {
		t.Error("Content-Type must not be treated as hop-by-hop")
	}
}

func TestHostWithPort(t *testing.T) {
	if got := hostWithPort("example.org", "443"); got != "example.org:443" {
		t.Errorf("got %q", got)
	}
	if got := hostWithPort("example.org:8443", "443"); got != "example.org:8443" {
		t.Errorf("got %q, want existing port preserved", got)
	}
}

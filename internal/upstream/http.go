package upstream

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// hopByHopHeaders are stripped before forwarding a request or response, per
// RFC 7230 section 6.1.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"TE", "Trailer", "Upgrade", "Proxy-Authenticate", "Proxy-Authorization",
}

// Http implements UpstreamHttp: a pooled HTTPS (and, for DoH3, HTTP/3)
// client shared across every request of a reader and reused across
// requests, including for DoH3 where applicable.
type Http struct {
	client      *http.Client
	upstreamURL *url.URL
}

// NewHttp builds an Http upstream targeting upstreamURL. When http3 is
// true, the client speaks HTTP/3 over QUIC (for DoH3); otherwise it uses
// the standard HTTP/1.1+HTTP/2 transport (for DoH).
func NewHttp(upstreamURL string, opts Options, useHTTP3 bool) (*Http, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parsing upstream URL %q: %w", upstreamURL, err)
	}

	var transport http.RoundTripper
	if useHTTP3 {
		transport = &http3.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.InsecureSkipVerify,
				MinVersion:         tls.VersionTLS12,
			},
			DisableCompression: true,
		}
	} else {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.InsecureSkipVerify,
				MinVersion:         tls.VersionTLS12,
			},
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	return &Http{
		client:      &http.Client{Transport: transport, Timeout: opts.dialTimeout() * 3},
		upstreamURL: u,
	}, nil
}

// Forward rebuilds the request against the upstream URL with its authority
// replaced by target, forwards method/headers/body, and copies the
// response status/headers/body to w. It returns request and response body
// byte counts.
func (h *Http) Forward(w http.ResponseWriter, r *http.Request, target string) (bytesIn, bytesOut int64, err error) {
	outURL := *h.upstreamURL
	outURL.Host = hostWithPort(target, h.upstreamURL.Port())

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("upstream: building request: %w", err)
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)
	outReq.Host = target

	if r.ContentLength > 0 {
		bytesIn = r.ContentLength
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		return bytesIn, 0, fmt.Errorf("upstream: forwarding request: %w", err)
	}
	defer resp.Body.Close()

	respHeader := w.Header()
	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			respHeader.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	bytesOut += n
	if err != nil {
		return bytesIn, bytesOut, fmt.Errorf("upstream: streaming response: %w", err)
	}
	return bytesIn, bytesOut, nil
}

// Close releases idle connections held by the underlying transport.
func (h *Http) Close() error {
	if closer, ok := h.client.Transport.(io.Closer); ok {
		return closer.Close()
	}
	if transport, ok := h.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

func hostWithPort(host, fallbackPort string) string {
	if strings.Contains(host, ":") {
		return host
	}
	if fallbackPort == "" {
		return host
	}
	return host + ":" + fallbackPort
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func isHopByHop(k string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, k) {
			return true
		}
	}
	return false
}

package reader

import (
	"errors"
	"net"

	"github.com/tternquist/dns-sni-gateway/internal/faults"
)

// hostOnly strips a trailing ":port" from host if present, otherwise
// returns host unchanged. Unlike net.SplitHostPort, it never errors when
// there is no port to split.
func hostOnly(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

// isUpstreamFault reports whether err is attributable to the upstream side
// of a forward (a dial failure or I/O on the already-established upstream
// connection), as opposed to the client side, so callers only count a
// forward failure as an upstream error when the upstream is actually at
// fault.
func isUpstreamFault(err error) bool {
	var dialErr *faults.UpstreamDialError
	var ioErr *faults.UpstreamIoError
	return errors.As(err, &dialErr) || errors.As(err, &ioErr)
}

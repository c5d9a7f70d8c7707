package reader

import (
	"context"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// DoH3Server wires a DoH handler to an HTTP/3 server over an early QUIC
// listener: the handler logic is identical to plain DoH, only the
// transport differs.
type DoH3Server struct {
	Listener *quic.EarlyListener
	Handler  *DoH
}

// Serve blocks, serving HTTP/3 requests until the listener is closed.
func (s *DoH3Server) Serve(ctx context.Context) error {
	h3 := &http3.Server{Handler: s.Handler}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		h3.Close()
		close(done)
	}()
	err := h3.ServeListener(s.Listener)
	if ctx.Err() != nil {
		<-done
		return nil
	}
	return err
}

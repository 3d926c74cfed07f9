package certs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Listener serves the plain HTTP listener on port 80 that answers
// ACME HTTP-01 challenges. It implements
// transport.Listener so it can be run alongside the relay's main
// listener under the same errgroup-based lifecycle.
type Listener struct {
	srv *http.Server
}

// NewListener returns a Listener bound to addr (typically ":80")
// serving svc's HTTP-01 handler. Non-challenge requests go to
// fallback (the relay mounts its /metrics endpoint there); with a nil
// fallback everything else receives a 404.
func NewListener(addr string, svc *Service, fallback http.Handler) *Listener {
	if fallback == nil {
		fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return &Listener{
		srv: &http.Server{
			Addr:    addr,
			Handler: svc.HTTPHandler(fallback),
		},
	}
}

// Start runs the HTTP-01 listener until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- l.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("certs: http-01 listener: %w", err)
	}
}

// Stop gracefully shuts the HTTP-01 listener down.
func (l *Listener) Stop(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}

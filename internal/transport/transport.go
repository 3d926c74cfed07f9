// Package transport runs couloir's long-lived components (the relay
// accept loop, the ACME HTTP-01 listener, the exposer pool) under a
// single lifecycle: everything starts together, and the first failure
// or a cancelled context brings everything down.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful shutdown of each component once the
// serve context ends. Bound relay pairs are closed rather than
// drained, so shutdown normally finishes well inside this.
const shutdownTimeout = 15 * time.Second

// Listener is one long-running couloir component. Start blocks until
// the component finishes or ctx is cancelled. Stop releases the
// component's resources (listening sockets, idle pool members,
// in-flight pairs) within the ctx deadline.
type Listener interface {
	Start(context.Context) error
	Stop(context.Context) error
}

// Serve runs every listener until the first failure or until ctx is
// cancelled, then stops them in reverse registration order. Callers
// register outward-facing components after the ones they depend on
// (the relay accept loop after the certificate listener), so teardown
// refuses new sockets before dismantling what serves the live ones.
func Serve(ctx context.Context, lis ...Listener) error {
	log := slog.Default().With("component", "transport")

	eg, egCtx := errgroup.WithContext(ctx)
	for _, li := range lis {
		eg.Go(func() error {
			return li.Start(egCtx)
		})
	}

	// A single goroutine waits for the derived context to end (parent
	// cancellation or a component failure), then runs the reverse-order
	// stop sequence.
	eg.Go(func() error {
		<-egCtx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for i := len(lis) - 1; i >= 0; i-- {
			if err := lis[i].Stop(stopCtx); err != nil {
				log.Warn("component stop failed", "error", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return eg.Wait()
}

// Package imagefactory holds the small process-wide helper shared by every
// command in this module: signal-driven context cancellation.
package imagefactory

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the process
// receives SIGINT or SIGTERM. All of the dispatcher, updater and collector
// loops select on ctx.Done() at their suspension points (spec §5) so a signal
// drains them without losing in-flight state: running subprocesses are let
// to finish, and workers write their final row status before exiting.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// A second signal terminates immediately, useful if cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

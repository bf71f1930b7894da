// Package orchestrator runs the dispatcher, updater and collector loops that
// tie the job queue, worker pool and artifact store together into one
// daemon (spec §4.E). All three are supervised by one errgroup bound to the
// process's interruptible root context, the concurrency primitive the
// teacher module already depends on (golang.org/x/sync) instead of raw
// sync.WaitGroup plumbing (spec §5).
package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/logging"
	"github.com/openwrt/imagefactory/internal/queue"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/worker"
)

// Dispatcher polls the database for requested image builds and feeds them,
// one at a time, into a capacity-1 queue shared by a fixed pool of build
// workers — one per configured worker location (spec §4.C, §4.E).
type Dispatcher struct {
	Deps worker.Deps
	Cfg  *config.Config
}

// Run sweeps stuck builds once, then alternates between polling for a
// pending build job and sleeping when none is found, until ctx is done. The
// sweep runs unconditionally on every Run, not only on process startup, so
// the same logic governs a first launch and a dispatcher restart (spec §5,
// §9 open question 2).
func (d *Dispatcher) Run(ctx context.Context) error {
	log := logging.New("dispatcher", nil)

	n, err := d.Deps.Store.SweepStuckBuilds(ctx)
	if err != nil {
		return xerrors.Errorf("sweeping stuck builds: %w", err)
	}
	if n > 0 {
		log.WithField("rows", n).Info("reset stuck building rows to requested")
	}

	q := queue.NewBounded[*store.ImageRequest]()

	g, gctx := errgroup.WithContext(ctx)
	for _, location := range d.Cfg.Workers {
		location := location
		w, err := worker.NewBuildWorker(gctx, d.Deps, location, q)
		if err != nil {
			return xerrors.Errorf("starting build worker at %s: %w", location, err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error { return d.poll(gctx, q, log) })

	return g.Wait()
}

// poll repeatedly claims one requested build job and hands it to the
// worker pool, blocking (backpressure) until a worker is free; on finding
// nothing pending it sleeps for the configured idle interval (spec §4.C,
// §5: "the dispatcher polls ... sleeping between polls when idle").
func (d *Dispatcher) poll(ctx context.Context, q *queue.Bounded[*store.ImageRequest], log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, err := d.Deps.Store.PopBuildJob(ctx)
		if err != nil {
			log.WithError(err).Error("polling for build job")
			if err := sleepOrDone(ctx, d.Cfg.DispatcherIdleInterval); err != nil {
				return nil
			}
			continue
		}
		if job == nil {
			if err := sleepOrDone(ctx, d.Cfg.DispatcherIdleInterval); err != nil {
				return nil
			}
			continue
		}

		if err := q.Put(ctx, job); err != nil {
			return nil // context canceled while waiting for a free worker
		}
	}
}

// sleepOrDone blocks for d or until ctx is done, returning ctx.Err() in the
// latter case so callers can distinguish a normal idle sleep from shutdown.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

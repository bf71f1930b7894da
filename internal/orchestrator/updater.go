package orchestrator

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/logging"
	"github.com/openwrt/imagefactory/internal/queue"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/worker"
)

// Updater polls the database for subtargets whose metadata has gone stale
// and feeds them to a fixed pool of update workers sharing one worker
// location (spec §4.C, §4.D.2, §4.E).
type Updater struct {
	Deps worker.Deps
	Cfg  *config.Config
}

// Run launches UpdaterThreads update workers against the shared
// UpdaterDir, then polls for outdated subtargets until ctx is done.
func (u *Updater) Run(ctx context.Context) error {
	log := logging.New("updater", nil)
	q := queue.NewBounded[*store.SubtargetKey]()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < u.Cfg.UpdaterThreads; i++ {
		w, err := worker.NewUpdateWorker(gctx, u.Deps, u.Cfg.UpdaterDir, q)
		if err != nil {
			return xerrors.Errorf("starting update worker in %s: %w", u.Cfg.UpdaterDir, err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error { return u.poll(gctx, q, log) })

	return g.Wait()
}

func (u *Updater) poll(ctx context.Context, q *queue.Bounded[*store.SubtargetKey], log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		key, err := u.Deps.Store.PopOutdatedSubtarget(ctx, u.Cfg.RefreshInterval)
		if err != nil {
			log.WithError(err).Error("polling for outdated subtarget")
			if err := sleepOrDone(ctx, u.Cfg.UpdaterIdleInterval); err != nil {
				return nil
			}
			continue
		}
		if key == nil {
			if err := sleepOrDone(ctx, u.Cfg.UpdaterIdleInterval); err != nil {
				return nil
			}
			continue
		}

		if err := q.Put(ctx, key); err != nil {
			return nil
		}
	}
}

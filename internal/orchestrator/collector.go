package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/logging"
	"github.com/openwrt/imagefactory/internal/store"
)

// Collector reclaims expired artifacts on a long timer: outdated snapshot
// images, custom images, dangling manifests and stale request rows (spec
// §4.E). Each deletion follows the store contract — database row first,
// then on-disk files — so a crash mid-cycle just leaves candidates for the
// next cycle to re-select (spec invariant 2).
type Collector struct {
	Store    store.Store
	Artifact *artifact.Store
	Cfg      *config.Config
}

// Run fires one collection cycle immediately, then every CollectorInterval,
// until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	log := logging.New("collector", nil)
	for {
		c.logDiskSpace(log)
		if err := c.cycle(ctx, log); err != nil {
			log.WithError(err).Error("collection cycle failed")
		}
		if err := sleepOrDone(ctx, c.Cfg.CollectorInterval); err != nil {
			return nil
		}
	}
}

// RunOnce runs a single collection cycle synchronously, for an operator CLI
// that wants an immediate sweep rather than waiting for the next timer
// tick.
func (c *Collector) RunOnce(ctx context.Context) error {
	return c.cycle(ctx, logging.New("collector", nil))
}

// cycle runs the four reclamation steps in the fixed order spec §4.E
// requires: snapshots, customs, manifests, then stale requests.
func (c *Collector) cycle(ctx context.Context, log *logrus.Entry) error {
	if err := c.reclaimImages(ctx, log, store.KindSnapshot, c.Cfg.SnapshotTTL); err != nil {
		return xerrors.Errorf("reclaiming snapshots: %w", err)
	}
	if err := c.reclaimImages(ctx, log, store.KindCustom, c.Cfg.CustomTTL); err != nil {
		return xerrors.Errorf("reclaiming customs: %w", err)
	}
	if err := c.reclaimManifests(ctx, log); err != nil {
		return xerrors.Errorf("reclaiming manifests: %w", err)
	}
	if err := c.Store.DelOutdatedRequest(ctx, c.Cfg.RequestTTL); err != nil {
		return xerrors.Errorf("deleting outdated requests: %w", err)
	}
	return nil
}

// reclaimImages deletes every image of kind older than ttl: database row
// first, then its on-disk directory (spec invariant 2).
func (c *Collector) reclaimImages(ctx context.Context, log *logrus.Entry, kind store.ImageKind, ttl time.Duration) error {
	var (
		outdated []store.Image
		err      error
	)
	switch kind {
	case store.KindSnapshot:
		outdated, err = c.Store.GetOutdatedSnapshots(ctx, ttl)
	case store.KindCustom:
		outdated, err = c.Store.GetOutdatedCustoms(ctx, ttl)
	default:
		return xerrors.Errorf("reclaimImages: unsupported kind %q", kind)
	}
	if err != nil {
		return err
	}

	for _, img := range outdated {
		ilog := log.WithField("image_hash", img.ImageHash)
		if err := c.Store.DelImage(ctx, img.ImageHash); err != nil {
			ilog.WithError(err).Error("deleting image row")
			continue
		}
		freed := artifact.DirSize(img.Dir)
		if err := c.Artifact.Delete(img.Dir); err != nil {
			ilog.WithError(err).Error("deleting image directory")
			continue
		}
		ilog.WithField("freed", freed).Info("reclaimed image")
	}
	return nil
}

// reclaimManifests deletes manifest rows no image row references anymore.
func (c *Collector) reclaimManifests(ctx context.Context, log *logrus.Entry) error {
	hashes, err := c.Store.GetOutdatedManifests(ctx)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if err := c.Store.DelManifest(ctx, hash); err != nil {
			log.WithField("manifest_hash", hash).WithError(err).Error("deleting manifest row")
		}
	}
	return nil
}

// logDiskSpace reports free bytes on the download folder's filesystem,
// grounded on cmd/autobuilder's status page DiskSpace computation. This is
// observational only: it never blocks or fails a cycle.
func (c *Collector) logDiskSpace(log *logrus.Entry) {
	var fs unix.Statfs_t
	if err := unix.Statfs(c.Cfg.DownloadFolder, &fs); err != nil {
		log.WithError(err).Warn("statfs download folder")
		return
	}
	log.WithField("free_bytes", fs.Bavail*uint64(fs.Bsize)).Info("disk space")
}

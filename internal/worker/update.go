package worker

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/openwrt/imagefactory/internal/queue"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/toolchain"
)

// UpdateWorker is one update-role worker. Unlike build workers, several
// update workers may share one worker location (spec §4.D.2), and their
// toolchain invocations there may run concurrently: nothing in this package
// serializes them.
type UpdateWorker struct {
	Deps
	Location string
	Queue    *queue.Bounded[*store.SubtargetKey]
	driver   runner
}

// NewUpdateWorker constructs an update worker and runs its one-time setup.
func NewUpdateWorker(ctx context.Context, deps Deps, location string, q *queue.Bounded[*store.SubtargetKey]) (*UpdateWorker, error) {
	driver := newDriver(location, deps.Config)
	if err := driver.Setup(ctx); err != nil {
		return nil, xerrors.Errorf("setting up update worker at %s: %w", location, err)
	}
	return &UpdateWorker{
		Deps:     deps,
		Location: location,
		Queue:    q,
		driver:   driver,
	}, nil
}

// Run dequeues one subtarget at a time until ctx is done, refreshing each
// one's metadata. As with BuildWorker.Run, a failed refresh never escapes as
// a Go error — it is only logged (spec §7). Claiming the subtarget already
// bumped its last_refreshed, so it is picked up again only once the refresh
// interval has elapsed anew.
func (w *UpdateWorker) Run(ctx context.Context) error {
	log := newWorkerLogger("update", w.Location)
	for {
		key, err := w.Queue.Get(ctx)
		if err != nil {
			return nil // context canceled, clean shutdown
		}
		klog := log.WithField("subtarget", key.Target+"/"+key.Subtarget)
		klog.Info("refreshing")
		// A started refresh runs to completion even if ctx is canceled meanwhile.
		if err := w.update(context.WithoutCancel(ctx), key); err != nil {
			klog.WithError(err).Error("refresh failed unexpectedly")
		}
	}
}

// update runs the full info -> package_list protocol for one subtarget
// (spec §4.D.2).
func (w *UpdateWorker) update(ctx context.Context, key *store.SubtargetKey) error {
	params := map[string]string{
		"distro":    key.Distro,
		"version":   key.Version,
		"target":    key.Target,
		"subtarget": key.Subtarget,
	}

	infoResult, err := w.driver.Run(ctx, toolchain.CmdInfo, params)
	if err != nil {
		return err
	}
	if !infoResult.Success() {
		return xerrors.Errorf("info failed for %s/%s: %s", key.Target, key.Subtarget, infoResult.Stderr)
	}

	defaultPackages, profiles := toolchain.ParseInfo(infoResult.Stdout)
	if err := w.Store.InsertProfiles(ctx, *key, defaultPackages, profiles); err != nil {
		return xerrors.Errorf("inserting profiles: %w", err)
	}

	supported := w.supportsSysupgrade(key)
	if err := w.Store.InsertSupported(ctx, *key, supported); err != nil {
		return xerrors.Errorf("recording supported flag: %w", err)
	}

	listResult, err := w.driver.Run(ctx, toolchain.CmdPackageList, params)
	if err != nil {
		return err
	}
	if !listResult.Success() {
		return xerrors.Errorf("package_list failed for %s/%s: %s", key.Target, key.Subtarget, listResult.Stderr)
	}

	packages := toolchain.ParsePackageList(listResult.Stdout)
	if err := w.Store.InsertPackagesAvailable(ctx, *key, packages); err != nil {
		return xerrors.Errorf("inserting package catalog: %w", err)
	}
	return nil
}

// supportsSysupgrade reports whether the checked-out subtarget's base-files
// upgrade hook is present, the on-disk signal spec §4.D.2 uses to detect
// sysupgrade support. The path is per (distro, version, target, subtarget),
// mirroring worker.py's info(): <location>/imagebuilder/<distro>/<version>/
// <target>/<subtarget>/target/linux/<target>/base-files/lib/upgrade/platform.sh
// — a flat per-target path would collide across the distinct (distro,
// version, subtarget) triples that share a Target and are refreshed
// concurrently by the updater's worker pool against the same location.
func (w *UpdateWorker) supportsSysupgrade(key *store.SubtargetKey) bool {
	path := filepath.Join(w.Location, "imagebuilder", key.Distro, key.Version, key.Target, key.Subtarget,
		"target", "linux", key.Target, "base-files", "lib", "upgrade", "platform.sh")
	_, err := os.Stat(path)
	return err == nil
}

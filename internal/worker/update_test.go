package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/queue"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/toolchain"
)

func newTestUpdateWorker(t *testing.T, fs *store.Fake, r *fakeRunner) *UpdateWorker {
	t.Helper()
	return &UpdateWorker{
		Deps: Deps{
			Config:   testConfig(),
			Store:    fs,
			Artifact: &artifact.Store{Root: t.TempDir()},
		},
		Location: t.TempDir(),
		Queue:    queue.NewBounded[*store.SubtargetKey](),
		driver:   r,
	}
}

const infoStdout = `Default Packages: base-files dropbear
ath79_generic:
    TP-Link Archer A7 v5
    Packages: kmod-ath10k
`

func TestUpdateSupportedWhenPlatformScriptPresent(t *testing.T) {
	fs := store.NewFake()
	key := &store.SubtargetKey{Distro: "openwrt", Version: "22.03", Target: "ath79", Subtarget: "generic"}

	r := newFakeRunner()
	r.results[toolchain.CmdInfo] = toolchain.Result{ExitCode: 0, Stdout: infoStdout}
	r.results[toolchain.CmdPackageList] = toolchain.Result{ExitCode: 0, Stdout: "dropbear - 2022.83 - SSH server\n"}

	w := newTestUpdateWorker(t, fs, r)
	platformScript := filepath.Join(w.Location, "imagebuilder", key.Distro, key.Version, key.Target, key.Subtarget,
		"target", "linux", key.Target, "base-files", "lib", "upgrade", "platform.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(platformScript), 0o755))
	require.NoError(t, os.WriteFile(platformScript, nil, 0o644))

	require.NoError(t, w.update(context.Background(), key))

	supported, err := fs.SysupgradeSupported(context.Background(), *key)
	require.NoError(t, err)
	require.NotNil(t, supported)
	assert.True(t, *supported)
}

func TestUpdateSupportDoesNotCollideAcrossSubtargetsSharingTarget(t *testing.T) {
	fs := store.NewFake()
	keyOld := &store.SubtargetKey{Distro: "openwrt", Version: "21.02", Target: "ath79", Subtarget: "generic"}
	keyNew := &store.SubtargetKey{Distro: "openwrt", Version: "22.03", Target: "ath79", Subtarget: "generic"}

	r := newFakeRunner()
	r.results[toolchain.CmdInfo] = toolchain.Result{ExitCode: 0, Stdout: infoStdout}
	r.results[toolchain.CmdPackageList] = toolchain.Result{ExitCode: 0, Stdout: ""}

	w := newTestUpdateWorker(t, fs, r)

	// Only the old version's checkout has the platform script; the new
	// version's checkout (same Target, different Version) does not, and
	// must not be reported supported because of that collision.
	platformScript := filepath.Join(w.Location, "imagebuilder", keyOld.Distro, keyOld.Version, keyOld.Target, keyOld.Subtarget,
		"target", "linux", keyOld.Target, "base-files", "lib", "upgrade", "platform.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(platformScript), 0o755))
	require.NoError(t, os.WriteFile(platformScript, nil, 0o644))

	require.NoError(t, w.update(context.Background(), keyOld))
	require.NoError(t, w.update(context.Background(), keyNew))

	oldSupported, err := fs.SysupgradeSupported(context.Background(), *keyOld)
	require.NoError(t, err)
	require.NotNil(t, oldSupported)
	assert.True(t, *oldSupported)

	newSupported, err := fs.SysupgradeSupported(context.Background(), *keyNew)
	require.NoError(t, err)
	require.NotNil(t, newSupported)
	assert.False(t, *newSupported)
}

func TestUpdateUnsupportedWhenPlatformScriptAbsent(t *testing.T) {
	fs := store.NewFake()
	key := &store.SubtargetKey{Distro: "openwrt", Version: "22.03", Target: "ath79", Subtarget: "generic"}

	r := newFakeRunner()
	r.results[toolchain.CmdInfo] = toolchain.Result{ExitCode: 0, Stdout: infoStdout}
	r.results[toolchain.CmdPackageList] = toolchain.Result{ExitCode: 0, Stdout: ""}

	w := newTestUpdateWorker(t, fs, r)
	require.NoError(t, w.update(context.Background(), key))

	supported, err := fs.SysupgradeSupported(context.Background(), *key)
	require.NoError(t, err)
	require.NotNil(t, supported)
	assert.False(t, *supported)
}

func TestUpdateInfoFailureStopsBeforePackageList(t *testing.T) {
	fs := store.NewFake()
	key := &store.SubtargetKey{Distro: "openwrt", Version: "22.03", Target: "ath79", Subtarget: "generic"}

	r := newFakeRunner()
	r.results[toolchain.CmdInfo] = toolchain.Result{ExitCode: 1, Stderr: "no such target"}

	w := newTestUpdateWorker(t, fs, r)
	err := w.update(context.Background(), key)
	assert.Error(t, err)
	assert.Len(t, r.calls, 1) // package_list never invoked
}

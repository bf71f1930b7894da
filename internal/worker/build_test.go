package worker

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/queue"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/toolchain"
)

// fakeRunner scripts canned toolchain.Result responses per command, for
// build/update protocol tests that must never invoke a real subprocess.
type fakeRunner struct {
	results map[toolchain.Command]toolchain.Result
	errs    map[toolchain.Command]error
	calls   []toolchain.Command
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[toolchain.Command]toolchain.Result),
		errs:    make(map[toolchain.Command]error),
	}
}

func (f *fakeRunner) Run(ctx context.Context, cmd toolchain.Command, params map[string]string) (toolchain.Result, error) {
	f.calls = append(f.calls, cmd)
	return f.results[cmd], f.errs[cmd]
}

func testConfig() *config.Config {
	return &config.Config{
		DownloadFolder: "",
		TempDir:        "",
		Distros: map[string]*config.Distro{
			"openwrt": {
				Latest: "22.03",
				Versions: map[string]*config.Version{
					"22.03": {},
				},
			},
		},
	}
}

func newTestBuildWorker(t *testing.T, fs *store.Fake, r *fakeRunner) *BuildWorker {
	t.Helper()
	root := t.TempDir()
	return &BuildWorker{
		Deps: Deps{
			Config:   testConfig(),
			Store:    fs,
			Artifact: &artifact.Store{Root: root},
		},
		Location: t.TempDir(),
		Queue:    queue.NewBounded[*store.ImageRequest](),
		driver:   r,
	}
}

func newTestBuildWorkerWithRoot(t *testing.T, fs *store.Fake, r *fakeRunner, root string) *BuildWorker {
	t.Helper()
	return &BuildWorker{
		Deps: Deps{
			Config:   testConfig(),
			Store:    fs,
			Artifact: &artifact.Store{Root: root},
		},
		Location: t.TempDir(),
		Queue:    queue.NewBounded[*store.ImageRequest](),
		driver:   r,
	}
}

func sampleRequest() *store.ImageRequest {
	return &store.ImageRequest{
		RequestHash: "req1",
		Distro:      "openwrt",
		Version:     "22.03",
		Target:      "ath79",
		Subtarget:   "generic",
		Profile:     "tplink_archer-a7-v5",
		Packages:    []string{"luci"},
		Status:      store.StatusRequested,
	}
}

func TestBuildManifestFailure(t *testing.T) {
	fs := store.NewFake()
	req := sampleRequest()
	fs.PutRequest(req)

	r := newFakeRunner()
	r.results[toolchain.CmdManifest] = toolchain.Result{ExitCode: 1, Stderr: "no such profile"}

	w := newTestBuildWorker(t, fs, r)
	ctx := context.Background()
	require.NoError(t, w.build(ctx, req, testLogger()))

	got := fs.Request("req1")
	require.NotNil(t, got)
	assert.Equal(t, store.StatusManifestFail, got.Status)
}

func TestBuildNoSysupgradeWhenToolchainProducesNoArtifact(t *testing.T) {
	fs := store.NewFake()
	req := sampleRequest()
	fs.PutRequest(req)

	r := newFakeRunner()
	r.results[toolchain.CmdManifest] = toolchain.Result{ExitCode: 0, Stdout: "luci - 1.0\nbase-files - 2.0"}
	r.results[toolchain.CmdImage] = toolchain.Result{ExitCode: 0, Stdout: "Packages successfully installed"}

	w := newTestBuildWorker(t, fs, r)

	// The fake runner never populates the build directory, so MoveIn has
	// nothing to move and SelectSysupgrade finds no artifact — the outcome
	// an empty build directory genuinely produces.
	ctx := context.Background()
	require.NoError(t, w.build(ctx, req, testLogger()))

	got := fs.Request("req1")
	require.NotNil(t, got)
	assert.Equal(t, store.StatusNoSysupgrade, got.Status)
	assert.NotEmpty(t, got.ImageHash)
}

func TestBuildImageTooBig(t *testing.T) {
	fs := store.NewFake()
	req := sampleRequest()
	fs.PutRequest(req)

	r := newFakeRunner()
	r.results[toolchain.CmdManifest] = toolchain.Result{ExitCode: 0, Stdout: "luci - 1.0"}
	r.results[toolchain.CmdImage] = toolchain.Result{ExitCode: 0, Stdout: "Image is too big for flash, can't fit"}

	w := newTestBuildWorker(t, fs, r)
	ctx := context.Background()
	require.NoError(t, w.build(ctx, req, testLogger()))

	got := fs.Request("req1")
	require.NotNil(t, got)
	assert.Equal(t, store.StatusImagesizeFail, got.Status)
}

func TestBuildFailurePhase(t *testing.T) {
	fs := store.NewFake()
	req := sampleRequest()
	fs.PutRequest(req)

	r := newFakeRunner()
	r.results[toolchain.CmdManifest] = toolchain.Result{ExitCode: 0, Stdout: "luci - 1.0"}
	r.results[toolchain.CmdImage] = toolchain.Result{ExitCode: 1, Stderr: "toolchain exploded"}

	w := newTestBuildWorker(t, fs, r)
	ctx := context.Background()
	require.NoError(t, w.build(ctx, req, testLogger()))

	got := fs.Request("req1")
	require.NotNil(t, got)
	assert.Equal(t, store.StatusBuildFail, got.Status)
}

func TestBuildDedupSkipsSecondBuild(t *testing.T) {
	fs := store.NewFake()
	req := sampleRequest()
	fs.PutRequest(req)

	r := newFakeRunner()
	r.results[toolchain.CmdManifest] = toolchain.Result{ExitCode: 0, Stdout: "luci - 1.0"}

	root := t.TempDir()
	w := newTestBuildWorkerWithRoot(t, fs, r, root)
	ctx := context.Background()

	key := store.SubtargetKey{Distro: "openwrt", Version: "22.03", Target: "ath79", Subtarget: "generic"}
	imageHash := imageHashFor("luci - 1.0")
	imageDir := w.Artifact.ImageDir(key, "tplink_archer-a7-v5", imageHash)
	require.NoError(t, os.MkdirAll(imageDir, 0o755))

	require.NoError(t, fs.AddImage(ctx, &store.Image{
		ImageHash:    imageHash,
		ManifestHash: "luci - 1.0",
		SubtargetKey: key,
		Profile:      "tplink_archer-a7-v5",
		Dir:          imageDir,
		Sysupgrade:   "openwrt-sysupgrade.bin",
	}))

	require.NoError(t, w.build(ctx, req, testLogger()))

	got := fs.Request("req1")
	require.NotNil(t, got)
	assert.Equal(t, store.StatusCreated, got.Status)
	assert.Len(t, r.calls, 1) // only the manifest phase ran, image phase skipped
}

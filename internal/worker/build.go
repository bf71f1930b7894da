package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/hashing"
	"github.com/openwrt/imagefactory/internal/queue"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/toolchain"
)

// BuildWorker is one image-role worker bound to a single worker location
// (spec §4.D.1).
type BuildWorker struct {
	Deps
	Location string
	Queue    *queue.Bounded[*store.ImageRequest]
	driver   runner
}

// NewBuildWorker constructs a build worker and runs its one-time setup.
func NewBuildWorker(ctx context.Context, deps Deps, location string, q *queue.Bounded[*store.ImageRequest]) (*BuildWorker, error) {
	driver := newDriver(location, deps.Config)
	if err := driver.Setup(ctx); err != nil {
		return nil, xerrors.Errorf("setting up build worker at %s: %w", location, err)
	}
	return &BuildWorker{
		Deps:     deps,
		Location: location,
		Queue:    q,
		driver:   driver,
	}, nil
}

// Run dequeues one job at a time until ctx is done, building each to a
// terminal outcome. Errors from an individual build never escape Run — they
// become row status, per spec §7 ("Worker errors become terminal states in
// the request row; they are never thrown to the dispatcher").
func (w *BuildWorker) Run(ctx context.Context) error {
	log := newWorkerLogger("image", w.Location)
	for {
		job, err := w.Queue.Get(ctx)
		if err != nil {
			return nil // context canceled, clean shutdown
		}
		jlog := log.WithField("request_hash", job.RequestHash)
		jlog.Info("building")
		// A started build runs to completion even if ctx is canceled meanwhile.
		if err := w.build(context.WithoutCancel(ctx), job, jlog); err != nil {
			jlog.WithError(err).Error("build failed unexpectedly")
		}
	}
}

// writeLog appends a KEY=VALUE parameter header, then the `sh meta`
// command line, then stdout/stderr sections, exactly as worker.py's
// write_log does.
func writeLog(path string, params map[string]string, stdout, stderr string) error {
	var b []byte
	b = append(b, "### BUILD COMMAND:\n\n"...)
	for k, v := range params {
		b = append(b, []byte(fmt.Sprintf("%s=%s\n", strings.ToUpper(k), v))...)
	}
	b = append(b, "sh meta\n"...)
	if stdout != "" {
		b = append(b, []byte("\n\n### STDOUT:\n\n"+stdout)...)
	}
	if stderr != "" {
		b = append(b, []byte("\n\n### STDERR:\n\n"+stderr)...)
	}
	if existing, err := os.ReadFile(path); err == nil {
		b = append(existing, b...)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, b, 0o644)
}

// build runs the full manifest -> image protocol for one request (spec
// §4.D.1).
func (w *BuildWorker) build(ctx context.Context, job *store.ImageRequest, log *logrus.Entry) error {
	key := store.SubtargetKey{Distro: job.Distro, Version: job.Version, Target: job.Target, Subtarget: job.Subtarget}
	overlay, err := versionParams(w.Config, job.Distro, job.Version)
	if err != nil {
		return xerrors.Errorf("resolving version overlay: %w", err)
	}

	baseParams := map[string]string{
		"distro":    job.Distro,
		"version":   job.Version,
		"target":    job.Target,
		"subtarget": job.Subtarget,
		"profile":   job.Profile,
		"packages":  joinPackages(job.Packages),
	}
	for k, v := range overlay {
		baseParams[k] = v
	}

	failLogPath := w.Artifact.FailLogPath(job.RequestHash)

	// 1. Manifest phase.
	manifestResult, err := w.driver.Run(ctx, toolchain.CmdManifest, baseParams)
	if err != nil {
		return err
	}
	if !manifestResult.Success() {
		log.Warn("manifest phase failed")
		if err := writeLog(failLogPath, baseParams, "", manifestResult.Stderr); err != nil {
			log.WithError(err).Error("writing fail log")
		}
		return w.Store.SetImageRequestsStatus(ctx, job.RequestHash, store.StatusManifestFail)
	}

	manifestHash := hashing.Manifest(manifestResult.Stdout)
	manifestPackages := toolchain.ParseManifest(manifestResult.Stdout)
	if err := w.Store.AddManifestPackages(ctx, manifestHash, manifestPackages); err != nil {
		return xerrors.Errorf("persisting manifest packages: %w", err)
	}

	// 2. Image-hash derivation.
	imageHash := hashing.Image(manifestHash)
	imageDir := w.Artifact.ImageDir(key, job.Profile, imageHash)

	// 3. Dedup short-circuit. The database row is authoritative (spec
	// invariant 2), but a row can outlive its directory if a prior process
	// died between the two deletes of a reclaim cycle; Exists re-validates
	// before trusting the row and falls through to a fresh build otherwise.
	existing, err := w.Store.ImageByHash(ctx, imageHash)
	if err != nil {
		return xerrors.Errorf("checking existing image: %w", err)
	}
	if existing != nil && w.Artifact.Exists(existing.Dir) {
		log.WithField("image_hash", imageHash).Info("image already built, skipping build")
		return w.Store.DoneBuildJob(ctx, job.RequestHash, imageHash, statusForSysupgrade(existing.Sysupgrade))
	}

	// 4. Build phase.
	buildDir, err := os.MkdirTemp(w.Config.TempDir, "imagefactory-build-")
	if err != nil {
		return xerrors.Errorf("allocating temp build dir: %w", err)
	}
	defer os.RemoveAll(buildDir)

	buildParams := map[string]string{}
	for k, v := range baseParams {
		buildParams[k] = v
	}
	buildParams["bin_dir"] = buildDir
	buildParams["j"] = strconv.Itoa(cpuCount())
	buildParams["extra_image_name"] = manifestHash
	buildParams["no_download"] = "1"

	if job.DefaultsHash != "" {
		defaultsContent, err := w.Store.GetDefaults(ctx, job.DefaultsHash)
		if err != nil {
			return xerrors.Errorf("fetching defaults %s: %w", job.DefaultsHash, err)
		}
		defaultsDir := filepath.Join(buildDir, "files", "etc", "uci-defaults")
		if err := os.MkdirAll(defaultsDir, 0o755); err != nil {
			return xerrors.Errorf("creating uci-defaults dir: %w", err)
		}
		defaultsFile := filepath.Join(defaultsDir, "99-server-defaults")
		if err := renameio.WriteFile(defaultsFile, []byte(defaultsContent), 0o644); err != nil {
			return xerrors.Errorf("writing uci-defaults: %w", err)
		}
		buildParams["files"] = filepath.Join(buildDir, "files") + string(os.PathSeparator)
		buildParams["extra_image_name"] += "-" + hashing.DefaultsSuffix(job.DefaultsHash)
	}

	buildStart := time.Now()
	imageResult, err := w.driver.Run(ctx, toolchain.CmdImage, buildParams)
	buildSeconds := int(time.Since(buildStart).Seconds())
	if err != nil {
		return err
	}

	if !imageResult.Success() {
		log.Warn("build phase failed")
		if err := writeLog(failLogPath, buildParams, imageResult.Stdout, imageResult.Stderr); err != nil {
			log.WithError(err).Error("writing fail log")
		}
		return w.Store.SetImageRequestsStatus(ctx, job.RequestHash, store.StatusBuildFail)
	}

	if err := w.Artifact.MoveIn(buildDir, imageDir); err != nil {
		return xerrors.Errorf("moving build output into %s: %w", imageDir, err)
	}

	outcome, err := artifact.SelectSysupgrade(imageDir, imageResult.Stdout)
	if err != nil {
		return xerrors.Errorf("selecting sysupgrade artifact: %w", err)
	}

	if outcome.Filename == "" && outcome.TooBig {
		log.Warn("built image exceeds flash size")
		if err := writeLog(failLogPath, buildParams, imageResult.Stdout, imageResult.Stderr); err != nil {
			log.WithError(err).Error("writing fail log")
		}
		return w.Store.SetImageRequestsStatus(ctx, job.RequestHash, store.StatusImagesizeFail)
	}

	status := statusForSysupgrade(outcome.Filename)

	successLogPath := artifact.SuccessLogPath(imageDir, imageHash)
	if err := writeLog(successLogPath, buildParams, imageResult.Stdout, ""); err != nil {
		log.WithError(err).Error("writing success log")
	}

	img := &store.Image{
		ImageHash:    imageHash,
		ManifestHash: manifestHash,
		SubtargetKey: key,
		Profile:      job.Profile,
		Dir:          imageDir,
		Sysupgrade:   outcome.Filename,
		BuildSeconds: buildSeconds,
		Kind:         kindFor(job),
	}
	if err := w.Store.AddImage(ctx, img); err != nil {
		return xerrors.Errorf("recording image: %w", err)
	}

	log.WithField("image_hash", imageHash).Info("build succeeded")
	return w.Store.DoneBuildJob(ctx, job.RequestHash, imageHash, status)
}

// kindFor classifies a request's resulting image for collector retention
// purposes (spec §3, invariant 5): a request carrying defaults produces a
// custom image, otherwise a snapshot. Release images are seeded directly by
// an out-of-band mirroring process, not by this worker.
func kindFor(job *store.ImageRequest) store.ImageKind {
	if job.DefaultsHash != "" {
		return store.KindCustom
	}
	return store.KindSnapshot
}

// statusForSysupgrade derives the terminal status from whether a sysupgrade
// artifact was produced (spec §4.B, §4.D.1): present means created, absent
// but not oversized means no_sysupgrade. Used both for a fresh build and for
// the dedup short-circuit against a previously built image.
func statusForSysupgrade(sysupgrade string) string {
	if sysupgrade == "" {
		return store.StatusNoSysupgrade
	}
	return store.StatusCreated
}

func joinPackages(pkgs []string) string {
	out := ""
	for i, p := range pkgs {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// Package toolchain drives the external image-builder as a subprocess (spec
// §4.A). It owns one-time worker-location setup (cloning the meta-builder
// wrapper) and the regex-level parsing boundary; everything downstream of
// Parse* operates on typed records, per spec §9's re-architecture guidance
// ("Regex-based parsing of toolchain output ... downstream code operates on
// typed records").
package toolchain

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/xerrors"
)

// Command is one of the four subprocess verbs the toolchain understands
// (spec §4.A).
type Command string

const (
	CmdInfo        Command = "info"
	CmdPackageList Command = "package_list"
	CmdManifest    Command = "manifest"
	CmdImage       Command = "image"
)

// Result is the outcome of one toolchain invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the subprocess exited zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Driver invokes `sh meta <cmd>` in one worker location, exporting the
// current request parameters as upper-cased environment variables, the way
// worker.py's run_meta does.
type Driver struct {
	// Location is the worker's dedicated filesystem path, holding a
	// private checkout of the meta-builder.
	Location string

	// MetaRepo is the git URL cloned into Location on first use; the
	// checkout's `meta` script is what Run invokes.
	MetaRepo string
}

// Setup ensures Location exists and, if Location/meta is absent, clones
// MetaRepo into Location itself. A cross-process flock on Location/.setup.lock (grounded on the
// cocoon pack member's lock/flock wrapper) guards the clone so that two
// daemon processes pointed at the same worker location cannot race it.
// Failure here is fatal per spec §4.A: "the worker cannot function."
func (d *Driver) Setup(ctx context.Context) error {
	if err := os.MkdirAll(d.Location, 0o755); err != nil {
		return xerrors.Errorf("creating worker location %s: %w", d.Location, err)
	}

	lock := flock.New(filepath.Join(d.Location, ".setup.lock"))
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return xerrors.Errorf("locking worker location %s: %w", d.Location, err)
	}
	if !locked {
		return xerrors.Errorf("locking worker location %s: timed out", d.Location)
	}
	defer lock.Unlock()

	metaDir := filepath.Join(d.Location, "meta")
	if _, err := os.Stat(metaDir); err == nil {
		return nil // already set up
	} else if !os.IsNotExist(err) {
		return xerrors.Errorf("stat %s: %w", metaDir, err)
	}

	clone := exec.CommandContext(ctx, "git", "clone", d.MetaRepo, ".")
	clone.Dir = d.Location
	var stderr bytes.Buffer
	clone.Stderr = &stderr
	if err := clone.Run(); err != nil {
		return xerrors.Errorf("cloning meta-builder into %s: %v: %w", d.Location, stderr.String(), err)
	}
	return nil
}

// Run invokes `sh meta <cmd>` with params exported as upper-cased
// environment variables on top of the process environment, exactly as
// worker.py's run_meta does (spec §4.A).
func (d *Driver) Run(ctx context.Context, cmd Command, params map[string]string) (Result, error) {
	c := exec.CommandContext(ctx, "sh", "meta", string(cmd))
	c.Dir = d.Location
	c.Env = buildEnv(params)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil // non-zero exit is not a Go error, per spec §4.A
	}
	if err != nil {
		return res, xerrors.Errorf("running meta %s in %s: %w", cmd, d.Location, err)
	}
	res.ExitCode = 0
	return res, nil
}

func buildEnv(params map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic order, helps build logs diff cleanly
	for _, k := range keys {
		env = append(env, strings.ToUpper(k)+"="+params[k])
	}
	return env
}

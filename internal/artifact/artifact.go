// Package artifact implements the content-addressed image store (spec
// §4.B): directory layout, sysupgrade selection and the move-in/delete
// primitives the worker pool and collector use.
package artifact

import (
	"os"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"golang.org/x/xerrors"

	"github.com/openwrt/imagefactory/internal/store"
)

// Store is the content-addressed layout rooted at a configured download
// folder: <download>/<distro>/<version>/<target>/<subtarget>/<profile>/<image_hash>/.
type Store struct {
	Root string
}

// ImageDir returns the final directory an image with this identifying tuple
// lives in (spec §4.B, §6 persistent state layout).
func (s *Store) ImageDir(key store.SubtargetKey, profile, imageHash string) string {
	return filepath.Join(s.Root, key.Distro, key.Version, key.Target, key.Subtarget, profile, imageHash)
}

// FailLogPath is where a build's failure log is written (spec §4.D.1).
func (s *Store) FailLogPath(requestHash string) string {
	return filepath.Join(s.Root, "faillogs", "faillog-"+requestHash+".txt")
}

// SuccessLogPath is where a build's success log is written, inside the
// image directory itself.
func SuccessLogPath(imageDir, imageHash string) string {
	return filepath.Join(imageDir, "buildlog-"+imageHash+".txt")
}

// Exists reports whether imageDir exists as a directory; its contents are
// not inspected (used for the
// dedup short-circuit, spec §4.D.1 step 3, in conjunction with the image
// row's existence in the database).
func (s *Store) Exists(imageDir string) bool {
	st, err := os.Stat(imageDir)
	return err == nil && st.IsDir()
}

// MoveIn atomically relocates every file the toolchain produced in buildDir
// into imageDir. If a destination file already exists, that single file's
// move is aborted — first writer wins — while the rest proceed (spec §4.B).
func (s *Store) MoveIn(buildDir, imageDir string) error {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return xerrors.Errorf("creating image dir %s: %w", imageDir, err)
	}
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return xerrors.Errorf("reading build dir %s: %w", buildDir, err)
	}
	for _, entry := range entries {
		src := filepath.Join(buildDir, entry.Name())
		dst := filepath.Join(imageDir, entry.Name())
		if _, err := os.Stat(dst); err == nil {
			continue // first writer wins, this file is skipped
		}
		if err := os.Rename(src, dst); err != nil {
			return xerrors.Errorf("moving %s to %s: %w", src, dst, err)
		}
	}
	return nil
}

// Delete removes an image's on-disk directory. It is idempotent: a missing
// directory is not an error (spec §4.B, §8 round-trip property: calling
// delete twice is a no-op the second time). Callers must delete the
// database row first (spec invariant 2).
func (s *Store) Delete(imageDir string) error {
	if err := os.RemoveAll(imageDir); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("deleting image dir %s: %w", imageDir, err)
	}
	return nil
}

// sysupgradeGlobs is the ordered priority list of sysupgrade artifact name
// patterns, from most to least likely (spec §4.B).
var sysupgradeGlobs = []string{
	"*-squashfs-sysupgrade.bin",
	"*-squashfs-sysupgrade.tar",
	"*-squashfs.trx",
	"*-squashfs.chk",
	"*-squashfs.bin",
	"*-squashfs-sdcard.img.gz",
	"*-combined-squashfs*",
	"*.img.gz",
}

// SelectSysupgradeOutcome is the result of scanning an image directory for
// its primary upgrade artifact.
type SelectSysupgradeOutcome struct {
	// Filename is the basename of the chosen sysupgrade artifact, or empty
	// if none was found.
	Filename string

	// TooBig is true when no sysupgrade artifact was found and the
	// toolchain's stdout mentioned the image being oversized (spec §4.B:
	// "No match + stdout contains 'too big' => status imagesize_fail").
	TooBig bool
}

// SelectSysupgrade scans imageDir against sysupgradeGlobs, in priority
// order, and returns the first match. If nothing matches, buildStdout is
// inspected for the toolchain's "too big" diagnostic.
func SelectSysupgrade(imageDir, buildStdout string) (SelectSysupgradeOutcome, error) {
	for _, pattern := range sysupgradeGlobs {
		matches, err := filepath.Glob(filepath.Join(imageDir, pattern))
		if err != nil {
			return SelectSysupgradeOutcome{}, xerrors.Errorf("globbing %s: %w", pattern, err)
		}
		if len(matches) > 0 {
			return SelectSysupgradeOutcome{Filename: filepath.Base(matches[0])}, nil
		}
	}
	return SelectSysupgradeOutcome{TooBig: strings.Contains(buildStdout, "too big")}, nil
}

// DirSize returns a human-readable total size of dir's contents, for log
// messages (e.g. the collector reporting how much space a reclaimed image
// freed), using docker/go-units the way the cocoon pack member formats byte
// counts instead of a hand-rolled formatter.
func DirSize(dir string) string {
	var total int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return units.HumanSize(float64(total))
}

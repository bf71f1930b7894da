package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/imagefactory/internal/store"
)

func TestImageDirLayout(t *testing.T) {
	s := &Store{Root: "/srv/images"}
	dir := s.ImageDir(store.SubtargetKey{Distro: "openwrt", Version: "18.06", Target: "ar71xx", Subtarget: "generic"}, "tplink_archer-a7-v5", "abc123def456789")
	assert.Equal(t, "/srv/images/openwrt/18.06/ar71xx/generic/tplink_archer-a7-v5/abc123def456789", dir)
}

func TestMoveInFirstWriterWins(t *testing.T) {
	root := t.TempDir()
	buildDir := filepath.Join(root, "build")
	imageDir := filepath.Join(root, "image")
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	require.NoError(t, os.MkdirAll(imageDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "new.bin"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "existing.bin"), []byte("from build"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "existing.bin"), []byte("already there"), 0o644))

	s := &Store{Root: root}
	require.NoError(t, s.MoveIn(buildDir, imageDir))

	content, err := os.ReadFile(filepath.Join(imageDir, "existing.bin"))
	require.NoError(t, err)
	assert.Equal(t, "already there", string(content)) // not overwritten

	content, err = os.ReadFile(filepath.Join(imageDir, "new.bin"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(content)) // still moved in
}

func TestDeleteIdempotent(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "img")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	s := &Store{Root: root}
	require.NoError(t, s.Delete(dir))
	assert.NoDirExists(t, dir)
	require.NoError(t, s.Delete(dir)) // missing dir is not an error
}

func TestSelectSysupgradeFindsFirstMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "openwrt-18.06-ar71xx-generic-squashfs-sysupgrade.bin"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "openwrt-18.06-ar71xx-generic.img.gz"), nil, 0o644))

	outcome, err := SelectSysupgrade(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "openwrt-18.06-ar71xx-generic-squashfs-sysupgrade.bin", outcome.Filename)
}

func TestSelectSysupgradeTooBig(t *testing.T) {
	dir := t.TempDir()
	outcome, err := SelectSysupgrade(dir, "Image is too big for flash")
	require.NoError(t, err)
	assert.Empty(t, outcome.Filename)
	assert.True(t, outcome.TooBig)
}

func TestSelectSysupgradeNoMatchNotTooBig(t *testing.T) {
	dir := t.TempDir()
	outcome, err := SelectSysupgrade(dir, "build complete")
	require.NoError(t, err)
	assert.Empty(t, outcome.Filename)
	assert.False(t, outcome.TooBig)
}

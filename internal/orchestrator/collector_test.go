package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/store"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestCollectorReclaimsOutdatedSnapshotButKeepsFreshOne(t *testing.T) {
	root := t.TempDir()
	fs := store.NewFake()
	ctx := context.Background()

	oldDir := filepath.Join(root, "old")
	freshDir := filepath.Join(root, "fresh")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	require.NoError(t, os.MkdirAll(freshDir, 0o755))

	require.NoError(t, fs.AddImage(ctx, &store.Image{ImageHash: "old", Dir: oldDir, Kind: store.KindSnapshot}))
	require.NoError(t, fs.AddImage(ctx, &store.Image{ImageHash: "fresh", Dir: freshDir, Kind: store.KindSnapshot}))

	// AddImage stamps CreatedAt = now, so backdate the "old" one directly.
	fs.SetImageCreatedAt("old", time.Now().Add(-48*time.Hour))

	c := &Collector{
		Store:    fs,
		Artifact: &artifact.Store{Root: root},
		Cfg:      &config.Config{SnapshotTTL: 24 * time.Hour},
	}
	require.NoError(t, c.reclaimImages(ctx, discardLogger(), store.KindSnapshot, c.Cfg.SnapshotTTL))

	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, freshDir)

	got, err := fs.ImageByHash(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = fs.ImageByHash(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCollectorReclaimsDanglingManifests(t *testing.T) {
	fs := store.NewFake()
	ctx := context.Background()
	require.NoError(t, fs.AddManifestPackages(ctx, "dangling", map[string]string{"luci": "1.0"}))
	require.NoError(t, fs.AddImage(ctx, &store.Image{ImageHash: "img1", ManifestHash: "referenced", Dir: t.TempDir()}))
	require.NoError(t, fs.AddManifestPackages(ctx, "referenced", map[string]string{"luci": "1.0"}))

	c := &Collector{Store: fs, Artifact: &artifact.Store{Root: t.TempDir()}, Cfg: &config.Config{}}
	require.NoError(t, c.reclaimManifests(ctx, discardLogger()))

	manifests, err := fs.GetOutdatedManifests(ctx)
	require.NoError(t, err)
	assert.Empty(t, manifests) // dangling one deleted, referenced one was never outdated
}

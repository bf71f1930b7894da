package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/logging"
	"github.com/openwrt/imagefactory/internal/queue"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/worker"
)

func TestUpdaterPollFeedsBoundedQueueAndRespectsBackpressure(t *testing.T) {
	fs := store.NewFake()
	old := time.Now().Add(-time.Hour)
	keyA := store.SubtargetKey{Distro: "openwrt", Version: "22.03", Target: "ath79", Subtarget: "generic"}
	keyB := store.SubtargetKey{Distro: "openwrt", Version: "22.03", Target: "ipq40xx", Subtarget: "generic"}
	fs.PutSubtarget(keyA, old)
	fs.PutSubtarget(keyB, old.Add(time.Millisecond)) // sorts after keyA, both outdated

	u := &Updater{
		Deps: worker.Deps{Store: fs},
		Cfg:  &config.Config{RefreshInterval: time.Millisecond, UpdaterIdleInterval: 5 * time.Millisecond},
	}

	q := queue.NewBounded[*store.SubtargetKey]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- u.poll(ctx, q, logging.New("test", nil)) }()

	first, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, keyA.Target, first.Target)

	// poll must have blocked handing off keyB until the above Get drained
	// the capacity-1 queue.
	second, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, keyB.Target, second.Target)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poll did not exit after context cancellation")
	}
}

// Package worker implements the build-worker and update-worker protocols
// (spec §4.D). A worker is a long-lived agent tied to one worker location
// and one role; it repeatedly dequeues a job from a bounded queue, resolves
// the job's version configuration overlay, and dispatches by role.
package worker

import (
	"context"
	"runtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/logging"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/toolchain"
)

// versionParams resolves the version configuration overlay (parent_version,
// repos) into the toolchain environment variables worker.py's run_meta
// adds on top of the request parameters.
func versionParams(cfg *config.Config, distro, version string) (map[string]string, error) {
	v, err := cfg.Version(distro, version)
	if err != nil {
		return nil, err
	}
	params := map[string]string{}
	if v.ParentVersion != "" {
		params["ib_version"] = v.ParentVersion
	}
	if len(v.Repos) > 0 {
		params["repos"] = joinRepos(v.Repos)
	}
	return params, nil
}

func joinRepos(repos []string) string {
	out := repos[0]
	for _, r := range repos[1:] {
		out += " " + r
	}
	return out
}

func cpuCount() int { return runtime.NumCPU() }

// newWorkerLogger tags every log line from one worker instance with a
// uuid identity for correlation (the pattern the cocoon pack member uses
// google/uuid for session/task identities), plus its location and role.
// The id has no semantic role in claim discipline, which stays keyed by
// request_hash/image_hash in the database (spec §5).
func newWorkerLogger(role, location string) *logrus.Entry {
	return logging.New("worker", logging.Fields{
		"worker_id": uuid.New().String(),
		"role":      role,
		"location":  location,
	})
}

// Deps bundles the collaborators every worker needs, shared across the
// whole pool.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Artifact *artifact.Store
}

func newDriver(location string, cfg *config.Config) *toolchain.Driver {
	return &toolchain.Driver{Location: location, MetaRepo: cfg.MetaRepo}
}

// runner abstracts toolchain.Driver.Run so build/update protocol tests can
// inject a fake without invoking a real subprocess. *toolchain.Driver
// satisfies this interface.
type runner interface {
	Run(ctx context.Context, cmd toolchain.Command, params map[string]string) (toolchain.Result, error)
}

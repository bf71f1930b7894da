// Package store is the database-mediated boundary the core talks to (spec
// §6, "Request-tier contract"). Store is implemented by Postgres (see
// postgres.go, grounded on the teacher's cmd/distri-checkupstream use of
// database/sql + lib/pq) and by an in-memory Fake (see fake.go) used to
// exercise the dispatcher/worker/collector orchestration logic without a
// live database.
package store

import (
	"context"
	"time"
)

// SubtargetKey identifies one (distro, version, target, subtarget) family.
type SubtargetKey struct {
	Distro    string
	Version   string
	Target    string
	Subtarget string
}

// ImageKind is the retention class the collector uses to pick a TTL.
type ImageKind string

const (
	KindSnapshot ImageKind = "snapshot"
	KindRelease  ImageKind = "release"
	KindCustom   ImageKind = "custom"
)

// Terminal and in-flight statuses an image_requests row can carry (spec §3,
// lifecycles).
const (
	StatusRequested    = "requested"
	StatusBuilding      = "building"
	StatusCreated       = "created"
	StatusNoSysupgrade  = "no_sysupgrade"
	StatusBuildFail     = "build_fail"
	StatusManifestFail  = "manifest_fail"
	StatusImagesizeFail = "imagesize_fail"
)

// ImageRequest is one row of image_requests, as handed to a build worker by
// PopBuildJob.
type ImageRequest struct {
	RequestHash  string
	Distro       string
	Version      string
	Target       string
	Subtarget    string
	Profile      string
	Packages     []string
	DefaultsHash string
	Status       string
	CreatedAt    time.Time
	ImageHash    string
}

// Image is one row of the image table.
type Image struct {
	ImageHash    string
	ManifestHash string
	SubtargetKey
	Profile      string
	Dir          string
	Sysupgrade   string
	BuildSeconds int
	CreatedAt    time.Time
	Kind         ImageKind
}

// Profile is one per-subtarget device profile, as parsed from `meta info`.
type Profile struct {
	Name        string
	Description string
	Packages    []string
}

// PackageVersion is one entry of a subtarget's available-package catalog,
// as parsed from `meta package_list`.
type PackageVersion struct {
	Name        string
	Version     string
	Description string
}

// Store is the request-tier contract the core consumes (spec §6). Every
// method is safe for concurrent use by multiple workers.
type Store interface {
	// PopBuildJob atomically claims one 'requested' row, transitioning it
	// to 'building', and returns its payload. Returns (nil, nil) if no row
	// is pending.
	PopBuildJob(ctx context.Context) (*ImageRequest, error)

	// PopOutdatedSubtarget atomically claims one subtarget whose
	// last_refreshed age exceeds the refresh interval. Returns (nil, nil)
	// if none are outdated.
	PopOutdatedSubtarget(ctx context.Context, refreshInterval time.Duration) (*SubtargetKey, error)

	// AddManifestPackages idempotently stores the resolved package/version
	// map for manifestHash.
	AddManifestPackages(ctx context.Context, manifestHash string, packages map[string]string) error

	// ImageByHash returns the existing image row for imageHash, or (nil,
	// nil) if none exists (used for the dedup short-circuit, spec
	// §4.D.1 step 3).
	ImageByHash(ctx context.Context, imageHash string) (*Image, error)

	// AddImage inserts a newly built image row.
	AddImage(ctx context.Context, img *Image) error

	// DoneBuildJob links a request row to its resulting image and sets its
	// terminal status.
	DoneBuildJob(ctx context.Context, requestHash, imageHash, status string) error

	// SetImageRequestsStatus sets a terminal failure status with no image
	// reference (manifest_fail, build_fail, imagesize_fail).
	SetImageRequestsStatus(ctx context.Context, requestHash, status string) error

	// GetDefaults returns the uci-defaults content previously submitted
	// under defaultsHash.
	GetDefaults(ctx context.Context, defaultsHash string) (string, error)

	// InsertProfiles replaces a subtarget's default package list and
	// device profile set (spec §4.D.2).
	InsertProfiles(ctx context.Context, key SubtargetKey, defaultPackages []string, profiles []Profile) error

	// InsertPackagesAvailable replaces a subtarget's package catalog.
	InsertPackagesAvailable(ctx context.Context, key SubtargetKey, packages []PackageVersion) error

	// InsertSupported records whether a subtarget's upgrade path is
	// supported and bumps its last_refreshed timestamp.
	InsertSupported(ctx context.Context, key SubtargetKey, supported bool) error

	// GetOutdatedSnapshots/Customs return images eligible for reclamation
	// under the given TTL (spec invariant 5).
	GetOutdatedSnapshots(ctx context.Context, ttl time.Duration) ([]Image, error)
	GetOutdatedCustoms(ctx context.Context, ttl time.Duration) ([]Image, error)

	// GetOutdatedManifests returns manifest hashes with no referencing
	// image row.
	GetOutdatedManifests(ctx context.Context) ([]string, error)

	// DelImage deletes the database row for imageHash, idempotently (a
	// second call is a no-op, spec §8 round-trip property).
	DelImage(ctx context.Context, imageHash string) error

	// DelManifest deletes a dangling manifest row.
	DelManifest(ctx context.Context, manifestHash string) error

	// DelOutdatedRequest deletes terminal image_requests rows older than
	// ttl.
	DelOutdatedRequest(ctx context.Context, ttl time.Duration) error

	// CheckPackages returns the subset of packages unknown to the named
	// subtarget's catalog.
	CheckPackages(ctx context.Context, key SubtargetKey, packages []string) ([]string, error)

	// SysupgradeSupported reports whether key's subtarget supports
	// sysupgrade. Returns (nil, nil) if the subtarget itself is unknown.
	SysupgradeSupported(ctx context.Context, key SubtargetKey) (*bool, error)

	// SweepStuckBuilds unconditionally resets every 'building' row back to
	// 'requested' (spec §5, §9 open question 2: the startup sweep this
	// specification mandates). Returns the number of rows reset.
	SweepStuckBuilds(ctx context.Context) (int64, error)
}

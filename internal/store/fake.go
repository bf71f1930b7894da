package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Store used to unit-test the dispatcher, worker pool
// and collector without a live Postgres instance (SPEC_FULL.md §8: "an
// in-memory store.Store fake for unit tests of the dispatcher/worker/
// collector loops").
type Fake struct {
	mu sync.Mutex

	requests  map[string]*ImageRequest
	images    map[string]*Image
	manifests map[string]bool
	defaults  map[string]string
	subtargets map[subtargetKey]*subtargetRow
	packages   map[subtargetKey]map[string]string // name -> version

	requestOrder []string
}

type subtargetKey struct {
	distro, version, target, subtarget string
}

func toKey(k SubtargetKey) subtargetKey {
	return subtargetKey{k.Distro, k.Version, k.Target, k.Subtarget}
}

type subtargetRow struct {
	supported       bool
	supportedSet    bool
	lastRefreshed   time.Time
	defaultPackages []string
	profiles        []Profile
}

// NewFake returns an empty Fake store.
func NewFake() *Fake {
	return &Fake{
		requests:   make(map[string]*ImageRequest),
		images:     make(map[string]*Image),
		manifests:  make(map[string]bool),
		defaults:   make(map[string]string),
		subtargets: make(map[subtargetKey]*subtargetRow),
		packages:   make(map[subtargetKey]map[string]string),
	}
}

// PutRequest seeds a request row directly, for test setup.
func (f *Fake) PutRequest(req *ImageRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	f.requests[req.RequestHash] = &cp
	f.requestOrder = append(f.requestOrder, req.RequestHash)
}

// PutDefaults seeds defaults content, for test setup.
func (f *Fake) PutDefaults(hash, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[hash] = content
}

// PutSubtarget seeds a subtarget row, for test setup.
func (f *Fake) PutSubtarget(key SubtargetKey, lastRefreshed time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subtargets[toKey(key)] = &subtargetRow{lastRefreshed: lastRefreshed}
}

// PutPackageAvailable seeds one known package for a subtarget, for test
// setup of CheckPackages.
func (f *Fake) PutPackageAvailable(key SubtargetKey, name, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := toKey(key)
	if f.packages[k] == nil {
		f.packages[k] = make(map[string]string)
	}
	f.packages[k][name] = version
}

func (f *Fake) PopBuildJob(ctx context.Context) (*ImageRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, hash := range f.requestOrder {
		req := f.requests[hash]
		if req != nil && req.Status == StatusRequested {
			req.Status = StatusBuilding
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Fake) PopOutdatedSubtarget(ctx context.Context, refreshInterval time.Duration) (*SubtargetKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]subtargetKey, 0, len(f.subtargets))
	for k := range f.subtargets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return f.subtargets[keys[i]].lastRefreshed.Before(f.subtargets[keys[j]].lastRefreshed)
	})
	now := time.Now()
	for _, k := range keys {
		row := f.subtargets[k]
		if now.Sub(row.lastRefreshed) >= refreshInterval {
			row.lastRefreshed = now
			return &SubtargetKey{Distro: k.distro, Version: k.version, Target: k.target, Subtarget: k.subtarget}, nil
		}
	}
	return nil, nil
}

func (f *Fake) AddManifestPackages(ctx context.Context, manifestHash string, packages map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[manifestHash] = true
	return nil
}

func (f *Fake) ImageByHash(ctx context.Context, imageHash string) (*Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[imageHash]
	if !ok {
		return nil, nil
	}
	cp := *img
	return &cp, nil
}

func (f *Fake) AddImage(ctx context.Context, img *Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[img.ImageHash]; ok {
		return nil // ON CONFLICT DO NOTHING semantics
	}
	cp := *img
	cp.CreatedAt = time.Now()
	f.images[img.ImageHash] = &cp
	return nil
}

func (f *Fake) DoneBuildJob(ctx context.Context, requestHash, imageHash, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestHash]
	if !ok {
		return nil
	}
	req.Status = status
	req.ImageHash = imageHash
	return nil
}

func (f *Fake) SetImageRequestsStatus(ctx context.Context, requestHash, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req, ok := f.requests[requestHash]; ok {
		req.Status = status
	}
	return nil
}

func (f *Fake) GetDefaults(ctx context.Context, defaultsHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaults[defaultsHash], nil
}

func (f *Fake) InsertProfiles(ctx context.Context, key SubtargetKey, defaultPackages []string, profiles []Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := toKey(key)
	row := f.subtargets[k]
	if row == nil {
		row = &subtargetRow{}
		f.subtargets[k] = row
	}
	row.defaultPackages = defaultPackages
	row.profiles = profiles
	row.lastRefreshed = time.Now()
	return nil
}

func (f *Fake) InsertPackagesAvailable(ctx context.Context, key SubtargetKey, packages []PackageVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := toKey(key)
	m := make(map[string]string, len(packages))
	for _, pkg := range packages {
		m[pkg.Name] = pkg.Version
	}
	f.packages[k] = m
	return nil
}

func (f *Fake) InsertSupported(ctx context.Context, key SubtargetKey, supported bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := toKey(key)
	row := f.subtargets[k]
	if row == nil {
		row = &subtargetRow{}
		f.subtargets[k] = row
	}
	row.supported = supported
	row.supportedSet = true
	row.lastRefreshed = time.Now()
	return nil
}

func (f *Fake) GetOutdatedSnapshots(ctx context.Context, ttl time.Duration) ([]Image, error) {
	return f.outdatedByKind(KindSnapshot, ttl), nil
}

func (f *Fake) GetOutdatedCustoms(ctx context.Context, ttl time.Duration) ([]Image, error) {
	return f.outdatedByKind(KindCustom, ttl), nil
}

func (f *Fake) outdatedByKind(kind ImageKind, ttl time.Duration) []Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Image
	now := time.Now()
	for _, img := range f.images {
		if img.Kind == kind && now.Sub(img.CreatedAt) >= ttl {
			out = append(out, *img)
		}
	}
	return out
}

func (f *Fake) GetOutdatedManifests(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	referenced := make(map[string]bool)
	for _, img := range f.images {
		referenced[img.ManifestHash] = true
	}
	var out []string
	for h := range f.manifests {
		if !referenced[h] {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) DelImage(ctx context.Context, imageHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, imageHash)
	return nil
}

func (f *Fake) DelManifest(ctx context.Context, manifestHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.manifests, manifestHash)
	return nil
}

func (f *Fake) DelOutdatedRequest(ctx context.Context, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for hash, req := range f.requests {
		if req.Status != StatusRequested && req.Status != StatusBuilding && now.Sub(req.CreatedAt) >= ttl {
			delete(f.requests, hash)
		}
	}
	return nil
}

func (f *Fake) CheckPackages(ctx context.Context, key SubtargetKey, packages []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	known := f.packages[toKey(key)]
	var unknown []string
	for _, p := range packages {
		if _, ok := known[p]; !ok {
			unknown = append(unknown, p)
		}
	}
	return unknown, nil
}

func (f *Fake) SysupgradeSupported(ctx context.Context, key SubtargetKey) (*bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.subtargets[toKey(key)]
	if !ok {
		return nil, nil
	}
	supported := row.supported
	return &supported, nil
}

func (f *Fake) SweepStuckBuilds(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, req := range f.requests {
		if req.Status == StatusBuilding {
			req.Status = StatusRequested
			n++
		}
	}
	return n, nil
}

// SetImageCreatedAt backdates an already-inserted image's CreatedAt, for
// tests of collector TTL logic that can't wait out a real TTL.
func (f *Fake) SetImageCreatedAt(imageHash string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img, ok := f.images[imageHash]; ok {
		img.CreatedAt = t
	}
}

// Request returns the current state of a request, for test assertions.
func (f *Fake) Request(requestHash string) *ImageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestHash]
	if !ok {
		return nil
	}
	cp := *req
	return &cp
}

// Package config loads the immutable configuration value every component of
// the image factory is constructed with. Per spec §9's re-architecture
// guidance ("shared mutable configuration singleton ... replace with an
// immutable configuration value passed by the launcher into each component
// at startup"), Load returns one *Config and nothing in this module reads
// global configuration state afterwards.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
)

// Version describes one toolchain version of a distribution: which parent
// ImageBuilder version it is built against, and which extra package
// repositories it adds on top of the stock ones.
type Version struct {
	ParentVersion string   `yaml:"parent_version" mapstructure:"parent_version"`
	Repos         []string `yaml:"repos" mapstructure:"repos"`
}

// Distro is a configuration-declared distribution: its latest version alias
// and the set of versions it supports.
type Distro struct {
	Latest   string              `yaml:"latest" mapstructure:"latest"`
	Versions map[string]*Version `yaml:"versions" mapstructure:"versions"`
}

// VersionList returns the distro's configured version names for
// request-tier validation and status display. Version strings that parse
// as semver once coerced with a leading "v" (e.g. "1.10.0" -> "v1.10.0")
// come first, newest first by golang.org/x/mod/semver.Compare; anything
// else (e.g. "SNAPSHOT", or "22.03", whose leading-zero "03" semver
// rejects) follows in ascending lexical order.
func (d *Distro) VersionList() []string {
	out := make([]string, 0, len(d.Versions))
	for v := range d.Versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := "v"+out[i], "v"+out[j]
		iValid, jValid := semver.IsValid(vi), semver.IsValid(vj)
		switch {
		case iValid && jValid:
			return semver.Compare(vi, vj) > 0
		case iValid != jValid:
			return iValid
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// Config is the complete, immutable configuration of one image-factory
// process. It is loaded once at startup and passed by value (or pointer to
// an otherwise-never-mutated value) into every component constructor.
type Config struct {
	// DatabaseDSN is a database/sql data source name understood by the
	// lib/pq driver, e.g. "dbname=imagefactory sslmode=disable".
	DatabaseDSN string `yaml:"database_dsn" mapstructure:"database_dsn"`

	// DownloadFolder is the root of the content-addressed artifact store
	// (spec §6, persistent state layout).
	DownloadFolder string `yaml:"download_folder" mapstructure:"download_folder"`

	// TempDir is the parent directory new per-build temporary directories
	// are created under.
	TempDir string `yaml:"tempdir" mapstructure:"tempdir"`

	// Workers lists one filesystem path per build worker location.
	Workers []string `yaml:"workers" mapstructure:"workers"`

	// UpdaterDir is the shared worker location the updater's workers use.
	UpdaterDir string `yaml:"updater_dir" mapstructure:"updater_dir"`

	// UpdaterThreads is how many concurrent update workers share
	// UpdaterDir.
	UpdaterThreads int `yaml:"updater_threads" mapstructure:"updater_threads"`

	// MetaRepo is the git URL of the upstream meta-builder ImageBuilder
	// wrapper cloned into a fresh worker location.
	MetaRepo string `yaml:"meta_repo" mapstructure:"meta_repo"`

	// DispatcherIdleInterval / UpdaterIdleInterval are how long the
	// dispatcher/updater loops sleep after finding no pending work
	// (spec §4.C: 10s / 5s defaults).
	DispatcherIdleInterval time.Duration `yaml:"dispatcher_idle_interval" mapstructure:"dispatcher_idle_interval"`
	UpdaterIdleInterval    time.Duration `yaml:"updater_idle_interval" mapstructure:"updater_idle_interval"`

	// CollectorInterval is how often the collector sweeps expired
	// artifacts (spec §4.E: every 6 hours).
	CollectorInterval time.Duration `yaml:"collector_interval" mapstructure:"collector_interval"`

	// RefreshInterval is the subtarget metadata staleness threshold the
	// updater's query uses (spec §4.C).
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`

	// SnapshotTTL / CustomTTL / RequestTTL resolve spec §9 open question 1
	// ("No explicit TTLs ... appear in source; implementations must expose
	// these as configuration"). CustomTTL defaults to the 7 days spec
	// invariant 5 names explicitly.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" mapstructure:"snapshot_ttl"`
	CustomTTL   time.Duration `yaml:"custom_ttl" mapstructure:"custom_ttl"`
	RequestTTL  time.Duration `yaml:"request_ttl" mapstructure:"request_ttl"`

	Distros map[string]*Distro `yaml:"distros" mapstructure:"distros"`
}

// Version looks up the named version of distro, following the "latest"
// alias when version is empty, as the request tier's contract describes
// (spec §6: "optional version (defaults to distro's latest)").
func (c *Config) Version(distro, version string) (*Version, error) {
	d, ok := c.Distros[distro]
	if !ok {
		return nil, xerrors.Errorf("unknown distribution %q", distro)
	}
	if version == "" {
		version = d.Latest
	}
	v, ok := d.Versions[version]
	if !ok {
		return nil, xerrors.Errorf("unknown version %q for distribution %q", version, distro)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("updater_dir", "updater")
	v.SetDefault("updater_threads", 4)
	v.SetDefault("dispatcher_idle_interval", 10*time.Second)
	v.SetDefault("updater_idle_interval", 5*time.Second)
	v.SetDefault("collector_interval", 6*time.Hour)
	v.SetDefault("refresh_interval", 7*24*time.Hour)
	v.SetDefault("snapshot_ttl", 30*24*time.Hour)
	v.SetDefault("custom_ttl", 7*24*time.Hour)
	v.SetDefault("request_ttl", 7*24*time.Hour)
	v.SetDefault("meta_repo", "https://github.com/aparcar/meta-imagebuilder.git")
	v.SetDefault("tempdir", "")
}

// Load reads path (YAML) into a fresh viper instance, layers
// IMAGEFACTORY_-prefixed environment variable overrides on top (the pattern
// internal/util.config.go exercises with WATCH_DESTINATION_REPOSITORY-style
// keys), and decodes the result into a *Config.
func Load(path string) (*Config, error) {
	// Version names such as "22.03" are map keys, so the key path delimiter
	// must not be ".".
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("imagefactory")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, xerrors.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadFolder == "" {
		return fmt.Errorf("download_folder must be set")
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("workers must name at least one worker location")
	}
	if len(c.Distros) == 0 {
		return fmt.Errorf("distros must name at least one distribution")
	}
	return nil
}

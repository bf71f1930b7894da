package toolchain

import (
	"regexp"

	"github.com/openwrt/imagefactory/internal/store"
)

// infoPattern matches the `info` output format (spec §4.A):
//
//	Default Packages: <list>
//	<profile>:
//	    <description>
//	    Packages: <list>
var (
	defaultPackagesPattern = regexp.MustCompile(`(?m)^Default Packages: (.+)$`)
	profilePattern         = regexp.MustCompile(`(?m)^(\S+):\n    (.+)\n    Packages: (.*)$`)
	packageListPattern     = regexp.MustCompile(`(?m)^(.+?) - (.+?) - (.*)$`)
	manifestPattern        = regexp.MustCompile(`(?m)^(.+) - (.+)$`)
	whitespacePattern      = regexp.MustCompile(`\s+`)
)

// ParseInfo parses `meta info` stdout into the subtarget's default package
// list and its per-profile device descriptions (spec §4.A).
func ParseInfo(stdout string) (defaultPackages []string, profiles []store.Profile) {
	if m := defaultPackagesPattern.FindStringSubmatch(stdout); m != nil {
		defaultPackages = splitPackageList(m[1])
	}
	for _, m := range profilePattern.FindAllStringSubmatch(stdout, -1) {
		profiles = append(profiles, store.Profile{
			Name:        m[1],
			Description: m[2],
			Packages:    splitPackageList(m[3]),
		})
	}
	return defaultPackages, profiles
}

// ParsePackageList parses `meta package_list` stdout (lines of
// `<name> - <version> - <desc>`).
func ParsePackageList(stdout string) []store.PackageVersion {
	var out []store.PackageVersion
	for _, m := range packageListPattern.FindAllStringSubmatch(stdout, -1) {
		out = append(out, store.PackageVersion{Name: m[1], Version: m[2], Description: m[3]})
	}
	return out
}

// ParseManifest parses `meta manifest` stdout (lines of `<name> - <version>`)
// into the resolved package/version map.
func ParseManifest(stdout string) map[string]string {
	out := make(map[string]string)
	for _, m := range manifestPattern.FindAllStringSubmatch(stdout, -1) {
		out[m[1]] = m[2]
	}
	return out
}

func splitPackageList(s string) []string {
	var out []string
	for _, field := range whitespacePattern.Split(s, -1) {
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}

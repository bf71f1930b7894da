// Package hashing centralizes every fingerprint the image factory computes:
// request hashes, manifest hashes, image hashes and defaults hashes. Keeping
// one function per fingerprint in one package is the re-architecture guidance
// from spec §9 ("Request-hash canonicalization: centralize") applied to all
// four hashes, not just the request one.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Truncate returns the first n hex characters of the SHA-256 digest of s.
// 15 characters (60 bits) is used for request/manifest/image hashes; 6
// characters is used for the defaults-hash suffix appended to
// EXTRA_IMAGE_NAME.
func Truncate(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// excludedPackages are never part of the request-hash input: a client may
// name them explicitly but they do not affect which packages the toolchain
// actually resolves (they are implied by the profile), so two requests
// differing only in whether "libc"/"kernel" were spelled out must hash
// identically (spec §8, testable property 6).
var excludedPackages = map[string]bool{
	"libc":   true,
	"kernel": true,
}

// CanonicalPackages returns packages sorted and with excludedPackages
// removed, so that request-hash input is invariant under input ordering and
// under the presence/absence of implied packages.
func CanonicalPackages(packages []string) []string {
	out := make([]string, 0, len(packages))
	for _, p := range packages {
		if excludedPackages[p] {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Request computes the request hash over (distro, version, target,
// subtarget, canonical packages, defaults hash). defaultsHash may be empty.
func Request(distro, version, target, subtarget string, packages []string, defaultsHash string) string {
	canon := CanonicalPackages(packages)
	var b strings.Builder
	b.WriteString(distro)
	b.WriteByte('|')
	b.WriteString(version)
	b.WriteByte('|')
	b.WriteString(target)
	b.WriteByte('|')
	b.WriteString(subtarget)
	b.WriteByte('|')
	b.WriteString(strings.Join(canon, ","))
	b.WriteByte('|')
	b.WriteString(defaultsHash)
	return Truncate(b.String(), 15)
}

// Manifest computes the manifest hash over the raw "manifest" subprocess
// stdout. It fingerprints the actual resolved dependency closure, which is
// not uniquely determined by the client's package list (repository state
// can drift between requests).
func Manifest(manifestStdout string) string {
	return Truncate(manifestStdout, 15)
}

// imageHashSeparator disambiguates the image-hash input from a bare manifest
// hash so that Image(m) can never collide with Truncate(m, 15) used
// elsewhere for an unrelated purpose.
const imageHashSeparator = "|image|"

// Image derives the image hash from the manifest hash (spec invariant 4:
// image_hash = H(manifest_hash)). Two requests whose package lists resolve
// to the same manifest therefore share one image.
func Image(manifestHash string) string {
	return Truncate(manifestHash+imageHashSeparator, 15)
}

// Defaults computes the defaults-hash fingerprint over the user-supplied
// uci-defaults content. Only its first 6 characters are ever used, appended
// to EXTRA_IMAGE_NAME, but the full value is what's stored and looked up in
// the database.
func Defaults(content string) string {
	return Truncate(content, 15)
}

// DefaultsSuffix returns the 6-character suffix appended to
// EXTRA_IMAGE_NAME when defaults are present.
func DefaultsSuffix(defaultsHash string) string {
	if len(defaultsHash) < 6 {
		return defaultsHash
	}
	return defaultsHash[:6]
}

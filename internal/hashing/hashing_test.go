package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestInvariantUnderPermutation(t *testing.T) {
	a := Request("openwrt", "18.06", "ar71xx", "generic", []string{"luci", "vim"}, "")
	b := Request("openwrt", "18.06", "ar71xx", "generic", []string{"vim", "luci"}, "")
	assert.Equal(t, a, b)
}

func TestRequestInvariantUnderImpliedPackages(t *testing.T) {
	a := Request("openwrt", "18.06", "ar71xx", "generic", []string{"a", "b"}, "")
	b := Request("openwrt", "18.06", "ar71xx", "generic", []string{"b", "a", "libc"}, "")
	assert.Equal(t, a, b)
}

func TestRequestDiffersOnPackages(t *testing.T) {
	a := Request("openwrt", "18.06", "ar71xx", "generic", []string{"a"}, "")
	b := Request("openwrt", "18.06", "ar71xx", "generic", []string{"a", "b"}, "")
	assert.NotEqual(t, a, b)
}

func TestRequestHashLength(t *testing.T) {
	h := Request("openwrt", "18.06", "ar71xx", "generic", []string{"a"}, "")
	assert.Len(t, h, 15)
}

func TestImageDeterministicFromManifest(t *testing.T) {
	m := Manifest("luci - 1.0\nvim - 8.1\n")
	assert.Equal(t, Image(m), Image(m))
}

func TestImageDiffersFromManifest(t *testing.T) {
	m := Manifest("luci - 1.0\nvim - 8.1\n")
	assert.NotEqual(t, m, Image(m))
}

func TestDefaultsSuffixTruncates(t *testing.T) {
	h := Defaults("uci set system.@system[0].hostname='foo'")
	assert.Len(t, DefaultsSuffix(h), 6)
}

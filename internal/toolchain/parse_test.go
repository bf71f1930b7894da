package toolchain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/openwrt/imagefactory/internal/store"
)

const infoOutput = `Default Packages: base-files libc
ath79_generic:
    Generic AR71XX/AR724X/AR913X based boards
    Packages: kmod-usb-core kmod-usb2
mvebu_cortexa9:
    Marvell EBU Cortex-A9
    Packages: kmod-usb3
`

func TestParseInfo(t *testing.T) {
	defaults, profiles := ParseInfo(infoOutput)
	assert.Equal(t, []string{"base-files", "libc"}, defaults)

	want := []store.Profile{
		{Name: "ath79_generic", Description: "Generic AR71XX/AR724X/AR913X based boards", Packages: []string{"kmod-usb-core", "kmod-usb2"}},
		{Name: "mvebu_cortexa9", Description: "Marvell EBU Cortex-A9", Packages: []string{"kmod-usb3"}},
	}
	if diff := cmp.Diff(want, profiles); diff != "" {
		t.Errorf("ParseInfo profiles mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePackageList(t *testing.T) {
	out := "luci - 1.0 - LuCI web interface\nvim - 8.1 - Vi IMproved\n"
	pkgs := ParsePackageList(out)
	want := []store.PackageVersion{
		{Name: "luci", Version: "1.0", Description: "LuCI web interface"},
		{Name: "vim", Version: "8.1", Description: "Vi IMproved"},
	}
	if diff := cmp.Diff(want, pkgs); diff != "" {
		t.Errorf("ParsePackageList mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifest(t *testing.T) {
	out := "luci - 1.0\nvim - 8.1\n"
	got := ParseManifest(out)
	assert.Equal(t, map[string]string{"luci": "1.0", "vim": "8.1"}, got)
}

func TestParseInfoNoProfiles(t *testing.T) {
	defaults, profiles := ParseInfo("Default Packages: base-files\n")
	assert.Equal(t, []string{"base-files"}, defaults)
	assert.Nil(t, profiles)
}

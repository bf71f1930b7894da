package worker

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/openwrt/imagefactory/internal/hashing"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// imageHashFor mirrors build()'s derivation (hashing.Image of
// hashing.Manifest of the manifest subprocess stdout), so tests can seed a
// pre-existing image row that the dedup short-circuit will actually match.
func imageHashFor(manifestStdout string) string {
	return hashing.Image(hashing.Manifest(manifestStdout))
}

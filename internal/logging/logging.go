// Package logging constructs the structured logger every component of the
// image factory logs through, the way pkg/log does it for lazydocker: a
// *logrus.Entry carrying static fields, JSON-formatted off a terminal,
// text-formatted on one, DEBUG level when asked for.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Fields is a shorthand for the static fields New attaches to every log
// line emitted through the returned entry.
type Fields = logrus.Fields

// New returns a logger entry tagged with component-identifying fields (e.g.
// {"component": "dispatcher"} or {"component": "worker", "worker_id": id,
// "role": "image"}).
func New(component string, fields Fields) *logrus.Entry {
	log := logrus.New()
	if os.Getenv("IMAGEFACTORY_DEBUG") == "1" {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	} else {
		log.Formatter = &logrus.JSONFormatter{}
	}
	log.Out = os.Stderr

	all := logrus.Fields{"component": component}
	for k, v := range fields {
		all[k] = v
	}
	return log.WithFields(all)
}

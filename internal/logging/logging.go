// Package logging centralizes logrus setup so every package logs through
// the same formatter and level, the way the rest of the pack's services
// configure a single shared logger at startup.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	root *logrus.Logger
)

// Init configures the package-wide logger. Safe to call multiple times;
// only the first call takes effect.
func Init(level logrus.Level, json bool) {
	once.Do(func() {
		root = logrus.New()
		root.SetOutput(os.Stderr)
		root.SetLevel(level)
		if json {
			root.SetFormatter(&logrus.JSONFormatter{})
		} else {
			root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
	})
}

// L returns the shared logger, initializing it with sane defaults if Init
// has not yet been called (e.g. from a test binary).
func L() *logrus.Entry {
	Init(logrus.InfoLevel, false)
	return logrus.NewEntry(root)
}

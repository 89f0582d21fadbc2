/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package logging builds the single *logrus.Logger every component in
// the coincidence engine is constructed with.
package logging // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/logging"

import (
	"os"

	"github.com/sirupsen/logrus"
)

// hostFormatter wraps logrus.TextFormatter and stamps every entry with
// the local hostname and a UTC timestamp, so logs from multiple
// instances can be interleaved.
type hostFormatter struct {
	inner logrus.Formatter
	host  string
}

func (f *hostFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Data[`host`] = f.host
	e.Time = e.Time.UTC()
	return f.inner.Format(e)
}

// New builds a logrus.Logger at the given level, writing to stderr
// with UTC timestamps and a host field on every entry.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr

	host, err := os.Hostname()
	if err != nil {
		host = `unknown`
	}
	log.Formatter = &hostFormatter{
		inner: &logrus.TextFormatter{FullTimestamp: true},
		host:  host,
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

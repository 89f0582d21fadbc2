/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package telemetry registers the engine's operational counters and
// meters on a go-metrics registry and periodically reports them
// through the logger.
package telemetry // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/telemetry"

import (
	"context"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Metrics wraps the engine's metrics registry.
type Metrics struct {
	registry metrics.Registry
	log      *logrus.Logger
}

// New builds a Metrics around a fresh registry.
func New(log *logrus.Logger) *Metrics {
	return &Metrics{
		registry: metrics.NewRegistry(),
		log:      log,
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() metrics.Registry {
	return m.registry
}

// MarkProcessed counts one validated inbound observation, before
// cache admission.
func (m *Metrics) MarkProcessed() {
	metrics.GetOrRegisterMeter(`/messages/processed.per.second`, m.registry).Mark(1)
}

// MarkRejected counts one rejected inbound payload under the given
// label; the runner passes the rejection's error kind, not its
// free-text reason.
func (m *Metrics) MarkRejected(reason string) {
	metrics.GetOrRegisterCounter(`/messages/rejected/`+reason, m.registry).Inc(1)
}

// MarkAlert counts one published alert, keyed by alert type.
func (m *Metrics) MarkAlert(alertType string) {
	metrics.GetOrRegisterMeter(`/alerts/`+alertType+`.per.second`, m.registry).Mark(1)
}

// MarkRetraction counts one processed retraction.
func (m *Metrics) MarkRetraction() {
	metrics.GetOrRegisterCounter(`/messages/retractions`, m.registry).Inc(1)
}

// MarkHeartbeat counts one recorded heartbeat.
func (m *Metrics) MarkHeartbeat() {
	metrics.GetOrRegisterMeter(`/heartbeats/recorded.per.second`, m.registry).Mark(1)
}

// MarkSilenceWarning counts one heartbeat-silence warning.
func (m *Metrics) MarkSilenceWarning() {
	metrics.GetOrRegisterCounter(`/heartbeats/silence.warnings`, m.registry).Inc(1)
}

// Report walks the registry at the given cadence and logs every
// counter and meter until ctx is cancelled.
func (m *Metrics) Report(ctx context.Context, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.registry.Each(func(name string, i interface{}) {
				switch v := i.(type) {
				case metrics.Counter:
					m.log.WithFields(logrus.Fields{
						`metric`: name,
						`count`:  v.Count(),
					}).Info(`telemetry`)
				case metrics.Meter:
					s := v.Snapshot()
					m.log.WithFields(logrus.Fields{
						`metric`:  name,
						`count`:   s.Count(),
						`rate.1m`: s.Rate1(),
					}).Info(`telemetry`)
				}
			})
		}
	}
}

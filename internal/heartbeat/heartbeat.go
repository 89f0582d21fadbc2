/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package heartbeat implements the Heartbeat Monitor: a rolling
// window of per-detector heartbeats that exposes a read-only
// live-detector snapshot to the false-alarm calculator.
package heartbeat // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/heartbeat"

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one recorded heartbeat.
type Entry struct {
	Detector     string
	ReceivedTime time.Time
	StampedTime  time.Time
	Latency      time.Duration
	Gap          time.Duration
	Status       string // ON or OFF
}

// Snapshot is the read-only view the false-alarm calculator and the
// Redis-backed persistence layer consume. It is never mutated after
// construction.
type Snapshot struct {
	Live map[string]bool
	At   time.Time
}

// Monitor owns the rolling heartbeat window. Record and
// ScanForSilence mutate it under mu; readers take the
// atomically-swapped Snapshot instead of locking the live entry map.
type Monitor struct {
	window time.Duration
	log    *logrus.Logger

	mu      sync.Mutex // guards entries and warned; held only for record/scan
	entries map[string][]Entry
	warned  map[string]bool

	snap atomic.Value // *Snapshot
}

// New builds a Monitor retaining entries for the given window.
func New(window time.Duration, log *logrus.Logger) *Monitor {
	m := &Monitor{
		window:  window,
		log:     log,
		entries: make(map[string][]Entry),
		warned:  make(map[string]bool),
	}
	m.snap.Store(&Snapshot{Live: map[string]bool{}, At: time.Now().UTC()})
	return m
}

// Record appends a heartbeat entry, computes latency and inter-
// arrival gap against the most recent same-detector entry (0 if
// none), drops entries older than the retention horizon, and
// refreshes the live-detector snapshot.
func (m *Monitor) Record(detector string, stamped time.Time, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	received := time.Now().UTC()
	var gap time.Duration
	prior := m.entries[detector]
	if len(prior) > 0 {
		last := prior[len(prior)-1]
		gap = received.Sub(last.ReceivedTime)
	}

	e := Entry{
		Detector:     detector,
		ReceivedTime: received,
		StampedTime:  stamped,
		Latency:      received.Sub(stamped),
		Gap:          gap,
		Status:       status,
	}
	m.entries[detector] = append(prior, e)
	m.dropOld(detector)

	// a fresh beat clears the silence-warning suppression for this
	// detector
	delete(m.warned, detector)

	m.refreshSnapshot()
	return nil
}

func (m *Monitor) dropOld(detector string) {
	cutoff := time.Now().UTC().Add(-m.window)
	es := m.entries[detector]
	i := 0
	for i < len(es) && es[i].ReceivedTime.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.entries[detector] = append([]Entry(nil), es[i:]...)
	}
	if len(m.entries[detector]) == 0 {
		delete(m.entries, detector)
	}
}

func (m *Monitor) refreshSnapshot() {
	live := make(map[string]bool, len(m.entries))
	for det, es := range m.entries {
		if len(es) == 0 {
			continue
		}
		last := es[len(es)-1]
		if time.Since(last.ReceivedTime) <= m.window && last.Status == `ON` {
			live[det] = true
		}
	}
	m.snap.Store(&Snapshot{Live: live, At: time.Now().UTC()})
}

// Snapshot returns the current read-only live-detector view. Safe to
// call concurrently with Record; never blocks on the monitor's
// internal mutex.
func (m *Monitor) Snapshot() *Snapshot {
	return m.snap.Load().(*Snapshot)
}

// LiveCount returns the number of detectors ON within window as of
// the latest snapshot (recomputed on each Record), satisfying
// decider.LiveCounter without the decider package importing this one.
func (m *Monitor) LiveCount() int {
	return len(m.Snapshot().Live)
}

// LiveDetectors returns the detector names ON within window as of the
// latest snapshot (recomputed on each Record).
func (m *Monitor) LiveDetectors() []string {
	s := m.Snapshot()
	out := make([]string, 0, len(s.Live))
	for d := range s.Live {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ScanForSilence checks every detector with at least 5 entries in the
// last 24h; if the time since its last beat exceeds mean+3σ of its
// recent inter-arrival gaps, it logs one warning, suppressed until
// that detector's next heartbeat.
func (m *Monitor) ScanForSilence() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	dayAgo := now.Add(-24 * time.Hour)
	var warnings []string

	for det, es := range m.entries {
		recent := make([]Entry, 0, len(es))
		for _, e := range es {
			if e.ReceivedTime.After(dayAgo) {
				recent = append(recent, e)
			}
		}
		if len(recent) < 5 {
			continue
		}
		if m.warned[det] {
			continue
		}
		gaps := make([]float64, 0, len(recent)-1)
		for i := 1; i < len(recent); i++ {
			gaps = append(gaps, recent[i].Gap.Seconds())
		}
		mean, stddev := meanStddev(gaps)
		threshold := mean + 3*stddev
		since := now.Sub(recent[len(recent)-1].ReceivedTime).Seconds()
		if since > threshold {
			m.warned[det] = true
			warnings = append(warnings, det)
			if m.log != nil {
				m.log.WithFields(logrus.Fields{
					`detector`:  det,
					`since_sec`: since,
					`threshold`: threshold,
				}).Warn(`heartbeat silence exceeds mean+3sigma`)
			}
		}
	}
	sort.Strings(warnings)
	return warnings
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(xs)))
	return mean, stddev
}

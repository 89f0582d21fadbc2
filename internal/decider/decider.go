/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package decider implements the Alert Decider: it observes cache
// transitions after every admission, classifies them, and emits at
// most one alert per genuine transition per sub-group.
package decider // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/decider"

import (
	"sort"
	"time"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/falsealarm"
	"github.com/sirupsen/logrus"
)

// AlertType is the kind of transition an Alert records.
type AlertType string

// Recognised alert types.
const (
	NewMessage AlertType = `NEW_MESSAGE`
	Update     AlertType = `UPDATE`
	Retraction AlertType = `RETRACTION`
)

// DetectorObservation is one (detector, neutrino time, p-value) tuple
// in an alert's ordered member list.
type DetectorObservation struct {
	Detector     string
	NeutrinoTime time.Time
	PVal         *float64
}

// Alert is the record the Alert Decider hands to the publisher.
type Alert struct {
	SubGroupID      int
	Members         []DetectorObservation
	MeanPVal        float64
	FalseAlarmYears float64
	ServerTag       string
	AlertType       AlertType
	IsTest          bool
}

// LiveCounter is the read-only view the false-alarm computation
// consumes; it keeps this package from importing the heartbeat
// monitor's internals.
type LiveCounter interface {
	LiveCount() int
}

// Config tunes the false-alarm calculation and alert stamping.
type Config struct {
	WindowSeconds    float64
	ImitationPerWeek float64
	ServerTag        string
}

// Decider runs the Alert Decider pass.
type Decider struct {
	cfg Config
	log *logrus.Logger
}

// New builds a Decider.
func New(cfg Config, log *logrus.Logger) *Decider {
	return &Decider{cfg: cfg, log: log}
}

// Run inspects every sub-group with a non-None state tag, decides
// whether it fires, builds an Alert for the ones that do, and clears
// every inspected sub-group's tag before returning.
func (d *Decider) Run(c *cache.Cache, live LiveCounter, isTest bool) []Alert {
	var alerts []Alert

	groups := c.Groups()
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		g := groups[id]
		if g.Tag == cache.StateNone {
			continue
		}

		fire := false
		atype := NewMessage

		switch g.Tag {
		case cache.StateInitial:
			if d.log != nil {
				d.log.WithField(`sub_group`, id).Debug(`initial single-detector observation, no alert`)
			}

		case cache.StateCoincMsg:
			if len(g.Entries) > g.PrevSize {
				fire = true
				atype = NewMessage
			}

		case cache.StateCoincMsgStaggered:
			if len(g.Entries) >= 2 {
				fire = true
				atype = NewMessage
			}

		case cache.StateUpdate:
			if len(g.Entries) >= 2 && g.ContentHash() != g.PrevHash {
				fire = true
				atype = Update
			}

		case cache.StateRetraction:
			if len(g.Entries) < g.PrevSize {
				fire = true
				atype = Retraction
			}
		}

		if fire {
			alerts = append(alerts, d.build(g, atype, live, isTest))
		}
		c.ClearTag(id)
	}
	return alerts
}

func (d *Decider) build(g *cache.SubGroup, atype AlertType, live LiveCounter, isTest bool) Alert {
	members := make([]DetectorObservation, 0, len(g.Entries))
	var sum float64
	var count int
	for _, e := range g.Entries {
		members = append(members, DetectorObservation{
			Detector:     e.Obs.Detector,
			NeutrinoTime: e.Obs.NeutrinoTime,
			PVal:         e.Obs.PVal,
		})
		if e.Obs.PVal != nil {
			sum += *e.Obs.PVal
			count++
		}
	}
	var mean float64
	if count > 0 {
		mean = sum / float64(count)
	}

	n := 0
	if live != nil {
		n = live.LiveCount()
	}
	years := falsealarm.Years(n, len(g.Entries), d.cfg.WindowSeconds, d.cfg.ImitationPerWeek)

	return Alert{
		SubGroupID:      g.ID,
		Members:         members,
		MeanPVal:        mean,
		FalseAlarmYears: years,
		ServerTag:       d.cfg.ServerTag,
		AlertType:       atype,
		IsTest:          isTest,
	}
}

/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package validate implements the stateless Message Validator: given
// a decoded payload, it classifies it as an observation, a heartbeat,
// a retraction, an admin command, or rejects it with a structured
// reason. It never throws.
package validate // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/validate"

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/errs"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/registry"
)

// Validator classifies inbound payloads against a closed detector
// registry. Stateless beyond that registry reference.
type Validator struct {
	reg *registry.Registry
}

// New builds a Validator against the given detector registry.
func New(reg *registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// Result is the outcome of classifying one payload: exactly one of
// the typed fields is non-nil, or Reject carries the rejection.
type Result struct {
	Observation  *message.Observation
	Heartbeat    *message.Heartbeat
	Retraction   *message.Retraction
	AdminCommand *message.AdminCommand
	Reject       *errs.Error
}

// Classify decodes raw JSON and returns a Result. It never panics or
// returns a Go error: malformed input becomes a Result with Reject
// set.
func (v *Validator) Classify(payload []byte) Result {
	raw := &message.Raw{}
	if err := json.Unmarshal(payload, raw); err != nil {
		return Result{Reject: errs.Wrap(errs.Validation, `malformed json`, err)}
	}
	return v.ClassifyRaw(raw)
}

// ClassifyRaw classifies an already-decoded payload.
func (v *Validator) ClassifyRaw(raw *message.Raw) Result {
	if raw.ID == `` {
		return Result{Reject: errs.New(errs.Validation, `missing id field`)}
	}
	if !idFormatOK(raw.ID) {
		return Result{Reject: errs.New(errs.Validation, fmt.Sprintf(`id %q is not "<num>_<kind>_..."`, raw.ID))}
	}

	kind := message.KindOf(raw.ID)

	switch kind {
	case message.KindHardReset, message.KindTestConnection,
		message.KindDisplayHeartbeats, message.KindGetFeedback:
		return Result{AdminCommand: &message.AdminCommand{
			Kind:     kind,
			Detector: raw.DetectorName,
			Raw:      raw,
		}}

	case message.KindRetraction:
		if !v.detectorOK(raw.DetectorName) {
			return Result{Reject: errs.New(errs.Validation, fmt.Sprintf(`unknown detector %q`, raw.DetectorName))}
		}
		return Result{Retraction: &message.Retraction{Detector: raw.DetectorName}}

	case message.KindHeartbeat:
		if !v.detectorOK(raw.DetectorName) {
			return Result{Reject: errs.New(errs.Validation, fmt.Sprintf(`unknown detector %q`, raw.DetectorName))}
		}
		if raw.DetectorStatus != `ON` && raw.DetectorStatus != `OFF` {
			return Result{Reject: errs.New(errs.Validation, fmt.Sprintf(`detector_status %q must be ON or OFF`, raw.DetectorStatus))}
		}
		sent, err := message.ParseTime(raw.SentTimeUTC)
		if err != nil {
			return Result{Reject: errs.Wrap(errs.Validation, `bad sent_time_utc`, err)}
		}
		return Result{Heartbeat: &message.Heartbeat{
			Detector: raw.DetectorName,
			SentTime: sent,
			Status:   raw.DetectorStatus,
		}}

	case message.KindObservation:
		return v.classifyObservation(raw)

	default:
		return Result{Reject: errs.New(errs.Validation, fmt.Sprintf(`unrecognised id kind %q`, kind))}
	}
}

func (v *Validator) classifyObservation(raw *message.Raw) Result {
	if !v.detectorOK(raw.DetectorName) {
		return Result{Reject: errs.New(errs.Validation, fmt.Sprintf(`unknown detector %q`, raw.DetectorName))}
	}
	if raw.NeutrinoTimeUTC == `` {
		return Result{Reject: errs.New(errs.Validation, `missing neutrino_time_utc`)}
	}
	nt, err := message.ParseTime(raw.NeutrinoTimeUTC)
	if err != nil {
		return Result{Reject: errs.Wrap(errs.Validation, `bad neutrino_time_utc`, err)}
	}
	isTest := raw.IsTest()
	if !isTest {
		now := time.Now().UTC()
		if !nt.After(now.Add(-48*time.Hour)) || nt.After(now) {
			return Result{Reject: errs.New(errs.Validation, `neutrino_time_utc outside (now-48h, now]`)}
		}
	}
	if raw.PVal != nil && (*raw.PVal <= 0 || *raw.PVal >= 1) {
		return Result{Reject: errs.New(errs.Validation, `p_val must be in (0,1)`)}
	}
	sent, err := message.ParseTime(raw.SentTimeUTC)
	if err != nil {
		return Result{Reject: errs.Wrap(errs.Validation, `bad sent_time_utc`, err)}
	}

	return Result{Observation: &message.Observation{
		ID:           raw.ID,
		Detector:     raw.DetectorName,
		SentTime:     sent,
		NeutrinoTime: nt,
		PVal:         raw.PVal,
		Meta:         raw.Meta,
		IsTest:       isTest,
	}}
}

func (v *Validator) detectorOK(name string) bool {
	if name == `` {
		return false
	}
	if v.reg == nil {
		return true
	}
	return v.reg.Known(name)
}

// idFormatOK reports whether id looks like "<num>_<kind>_...": a
// leading numeric token, an underscore, and at least one further
// token.
func idFormatOK(id string) bool {
	first := -1
	for i := 0; i < len(id); i++ {
		if id[i] == '_' {
			first = i
			break
		}
	}
	if first <= 0 {
		return false
	}
	for i := 0; i < first; i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	rest := id[first+1:]
	return len(rest) > 0
}

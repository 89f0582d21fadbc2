/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package message implements the tagged variant for inbound payloads
// and the record types the coincidence cache operates on.
package message // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"

import (
	"strings"
	"time"
)

// Kind classifies the second underscore-delimited token of an
// inbound id field.
type Kind string

// Kinds recognised on the inbound topic.
const (
	KindObservation       Kind = `CoincidenceTier`
	KindHeartbeat         Kind = `Heartbeat`
	KindRetraction        Kind = `Retraction`
	KindHardReset         Kind = `hard-reset`
	KindTestConnection    Kind = `test-connection`
	KindDisplayHeartbeats Kind = `display-heartbeats`
	KindGetFeedback       Kind = `Get-Feedback`
	KindUnknown           Kind = ``
)

// KindOf extracts the Kind encoded in an id field formatted
// "<num>_<kind>_...". An id with fewer than two underscore-delimited
// tokens yields KindUnknown.
func KindOf(id string) Kind {
	parts := strings.SplitN(id, `_`, 3)
	if len(parts) < 2 {
		return KindUnknown
	}
	return Kind(parts[1])
}

// Raw is the decoded shape of any inbound payload before
// classification; free-form fields the validator does not itself
// interpret are kept under Meta.
type Raw struct {
	ID              string                 `json:"id"`
	DetectorName    string                 `json:"detector_name"`
	SentTimeUTC     string                 `json:"sent_time_utc"`
	NeutrinoTimeUTC string                 `json:"neutrino_time_utc,omitempty"`
	PVal            *float64               `json:"p_val,omitempty"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
	DetectorStatus  string                 `json:"detector_status,omitempty"`
}

// IsTest reports whether the payload's meta carries is_test: true.
func (r *Raw) IsTest() bool {
	if r.Meta == nil {
		return false
	}
	v, ok := r.Meta[`is_test`]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Observation is an immutable, validated observation ready for cache
// admission.
type Observation struct {
	ID           string
	Detector     string
	SentTime     time.Time
	NeutrinoTime time.Time
	PVal         *float64
	Meta         map[string]interface{}
	IsTest       bool
}

// Heartbeat is a validated heartbeat payload.
type Heartbeat struct {
	Detector string
	SentTime time.Time
	Status   string // ON or OFF
}

// Retraction names the detector whose entries must be removed from
// the cache.
type Retraction struct {
	Detector string
}

// AdminCommand is a validated admin-surface request.
type AdminCommand struct {
	Kind     Kind
	Secret   string
	Detector string // for Get-Feedback
	Raw      *Raw
}

const timeLayout = `2006-01-02T15:04:05.000000`

// ParseTime parses an ISO-8601 UTC timestamp with up to 12 fractional
// digits and an optional trailing Z, truncating to microsecond
// precision (Go's time.Time carries nanoseconds, more precision than
// a float64 neutrino-time offset needs downstream).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, `Z`)
	layouts := []string{
		`2006-01-02T15:04:05.000000000000`,
		`2006-01-02T15:04:05.000000000`,
		`2006-01-02T15:04:05.000000`,
		`2006-01-02T15:04:05.000`,
		`2006-01-02T15:04:05`,
	}
	var lastErr error
	for _, layout := range layouts {
		if len(layout) != len(s) {
			continue
		}
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().Truncate(time.Microsecond), nil
		}
		lastErr = err
	}
	t, err := time.Parse(time.RFC3339Nano, s+`Z`)
	if err == nil {
		return t.UTC().Truncate(time.Microsecond), nil
	}
	if lastErr != nil {
		return time.Time{}, lastErr
	}
	return time.Time{}, err
}

// FormatTime renders t the way outbound alert payloads expect:
// ISO-8601 UTC with microsecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(`2006-01-02T15:04:05.000000`)
}

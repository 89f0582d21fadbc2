/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package archive implements the persisted local relational store:
// all messages, the per-tier archives, coincidence alerts, and cached
// heartbeats, schema initialised from an embedded SQL script, with a
// periodic sweep removing expired rows.
package archive // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/archive"

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/decider"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS all_msgs (
	id             TEXT PRIMARY KEY,
	received_time  TEXT NOT NULL,
	message_type   TEXT NOT NULL,
	message        TEXT NOT NULL,
	expiration     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sig_tier_archive (
	id             TEXT PRIMARY KEY,
	detector_name  TEXT NOT NULL,
	p_value        REAL,
	neutrino_time  TEXT NOT NULL,
	sent_time      TEXT NOT NULL,
	meta           TEXT,
	expiration     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS time_tier_archive (
	id             TEXT PRIMARY KEY,
	detector_name  TEXT NOT NULL,
	p_value        REAL,
	timing_series  TEXT NOT NULL,
	sent_time      TEXT NOT NULL,
	meta           TEXT,
	expiration     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS coincidence_tier_archive (
	sub_group_id    INTEGER NOT NULL,
	alert_type      TEXT NOT NULL,
	detector_names  TEXT NOT NULL,
	p_values        TEXT NOT NULL,
	neutrino_times  TEXT NOT NULL,
	p_values_avg    REAL NOT NULL,
	false_alarm_prob TEXT NOT NULL,
	server_tag      TEXT NOT NULL,
	sent_time       TEXT NOT NULL,
	expiration      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS heartbeats (
	detector_name  TEXT NOT NULL,
	received_time  TEXT NOT NULL,
	stamped_time   TEXT NOT NULL,
	latency        REAL NOT NULL,
	status         TEXT NOT NULL,
	expiration     TEXT NOT NULL
);
`

// Store wraps the sqlite-backed archive.
type Store struct {
	db         *sql.DB
	expiration time.Duration
}

// Open opens (or creates) the sqlite database at path and initialises
// its schema.
func Open(path string, expiration time.Duration) (*Store, error) {
	db, err := sql.Open(`sqlite`, path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, expiration: expiration}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveObservation writes one admitted observation to all_msgs and
// the signal-tier archive.
func (s *Store) ArchiveObservation(obs message.Observation) error {
	now := time.Now().UTC()
	expiration := now.Add(48 * time.Hour)

	rawMsg, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO all_msgs (id, received_time, message_type, message, expiration) VALUES (?, ?, ?, ?, ?)`,
		obs.ID, message.FormatTime(now), `CoincidenceTier`, string(rawMsg), message.FormatTime(expiration),
	); err != nil {
		return err
	}

	var meta string
	if obs.Meta != nil {
		b, err := json.Marshal(obs.Meta)
		if err == nil {
			meta = string(b)
		}
	}
	var pval interface{}
	if obs.PVal != nil {
		pval = *obs.PVal
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sig_tier_archive (id, detector_name, p_value, neutrino_time, sent_time, meta, expiration)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.Detector, pval, message.FormatTime(obs.NeutrinoTime), message.FormatTime(obs.SentTime), meta, message.FormatTime(expiration),
	)
	return err
}

// ArchiveAlert replaces the coincidence-tier archive's row for a
// sub-group with the alert just published; that table always holds
// the latest state per sub-group, never a history.
func (s *Store) ArchiveAlert(a decider.Alert) error {
	now := time.Now().UTC()
	expiration := now.Add(48 * time.Hour)

	names := make([]string, 0, len(a.Members))
	pvals := make([]float64, 0, len(a.Members))
	ntimes := make([]string, 0, len(a.Members))
	for _, m := range a.Members {
		names = append(names, m.Detector)
		if m.PVal != nil {
			pvals = append(pvals, *m.PVal)
		} else {
			pvals = append(pvals, 0)
		}
		ntimes = append(ntimes, message.FormatTime(m.NeutrinoTime))
	}
	namesJSON, _ := json.Marshal(names)
	pvalsJSON, _ := json.Marshal(pvals)
	ntimesJSON, _ := json.Marshal(ntimes)

	_, err := s.db.Exec(
		`DELETE FROM coincidence_tier_archive WHERE sub_group_id = ?`, a.SubGroupID,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO coincidence_tier_archive
		 (sub_group_id, alert_type, detector_names, p_values, neutrino_times, p_values_avg, false_alarm_prob, server_tag, sent_time, expiration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SubGroupID, string(a.AlertType), string(namesJSON), string(pvalsJSON), string(ntimesJSON),
		a.MeanPVal, "", a.ServerTag, message.FormatTime(now), message.FormatTime(expiration),
	)
	return err
}

// ArchiveHeartbeat appends a heartbeat row.
func (s *Store) ArchiveHeartbeat(detector string, received, stamped time.Time, latency time.Duration, status string) error {
	expiration := received.Add(s.expiration)
	_, err := s.db.Exec(
		`INSERT INTO heartbeats (detector_name, received_time, stamped_time, latency, status, expiration) VALUES (?, ?, ?, ?, ?, ?)`,
		detector, message.FormatTime(received), message.FormatTime(stamped), latency.Seconds(), status, message.FormatTime(expiration),
	)
	return err
}

// Sweep removes rows past their expiration timestamp from every
// table; runs on the same cadence as the heartbeat scanner.
func (s *Store) Sweep(now time.Time) error {
	nowStr := message.FormatTime(now)
	for _, table := range []string{`all_msgs`, `sig_tier_archive`, `time_tier_archive`, `coincidence_tier_archive`, `heartbeats`} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE expiration < ?`, nowStr); err != nil {
			return err
		}
	}
	return nil
}

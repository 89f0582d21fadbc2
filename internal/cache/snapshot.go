/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package cache

import (
	"encoding/json"
	"time"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
)

// wireEntry and wireGroup are the JSON-serialisable shapes used for
// Redis-backed snapshotting.
type wireEntry struct {
	ID           string                 `json:"id"`
	Detector     string                 `json:"detector_name"`
	SentTime     time.Time              `json:"sent_time_utc"`
	NeutrinoTime time.Time              `json:"neutrino_time_utc"`
	PVal         *float64               `json:"p_val,omitempty"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
	IsTest       bool                   `json:"is_test"`
	Offset       float64                `json:"offset"`
	ReceivedTime time.Time              `json:"received_time"`
}

type wireGroup struct {
	ID       int         `json:"sub_group_id"`
	Entries  []wireEntry `json:"entries"`
	Tag      StateTag    `json:"tag"`
	PrevSize int         `json:"prev_size"`
	PrevHash string      `json:"prev_hash"`
}

type wireCache struct {
	Window     time.Duration `json:"window_ns"`
	Expiration time.Duration `json:"expiration_ns"`
	NextID     int           `json:"next_id"`
	Groups     []wireGroup   `json:"groups"`
}

// Serialize renders the cache to JSON. Entries within a group are
// emitted in their stored order (neutrino time ascending, anchor
// first) so Deserialize reproduces the same sub-groups.
func (c *Cache) Serialize() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := wireCache{
		Window:     c.W,
		Expiration: c.expiration,
		NextID:     c.nextID,
		Groups:     make([]wireGroup, 0, len(c.groups)),
	}
	for _, g := range c.groups {
		wg := wireGroup{ID: g.ID, Tag: g.Tag, PrevSize: g.PrevSize, PrevHash: g.PrevHash}
		for _, e := range g.Entries {
			wg.Entries = append(wg.Entries, wireEntry{
				ID:           e.Obs.ID,
				Detector:     e.Obs.Detector,
				SentTime:     e.Obs.SentTime,
				NeutrinoTime: e.Obs.NeutrinoTime,
				PVal:         e.Obs.PVal,
				Meta:         e.Obs.Meta,
				IsTest:       e.Obs.IsTest,
				Offset:       e.Offset,
				ReceivedTime: e.ReceivedTime,
			})
		}
		w.Groups = append(w.Groups, wg)
	}
	return json.Marshal(w)
}

// Deserialize rebuilds a Cache from Serialize's output.
func Deserialize(data []byte) (*Cache, error) {
	w := wireCache{}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	c := &Cache{
		W:          w.Window,
		expiration: w.Expiration,
		nextID:     w.NextID,
		groups:     make(map[int]*SubGroup, len(w.Groups)),
	}
	for _, wg := range w.Groups {
		g := &SubGroup{ID: wg.ID, Tag: wg.Tag, PrevSize: wg.PrevSize, PrevHash: wg.PrevHash}
		for _, we := range wg.Entries {
			g.Entries = append(g.Entries, Entry{
				Obs: message.Observation{
					ID:           we.ID,
					Detector:     we.Detector,
					SentTime:     we.SentTime,
					NeutrinoTime: we.NeutrinoTime,
					PVal:         we.PVal,
					Meta:         we.Meta,
					IsTest:       we.IsTest,
				},
				Offset:       we.Offset,
				ReceivedTime: we.ReceivedTime,
			})
		}
		c.groups[g.ID] = g
	}
	return c, nil
}

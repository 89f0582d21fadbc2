/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package cache implements the Coincidence Cache, the engine's
// central data structure: an indexed collection of sub-groups, each
// an ordered sequence of cache entries.
//
// Cache operations execute to completion without suspending, so that
// alert decisions downstream always see a consistent view. A
// mutation that would leave the cache violating its invariants is
// rolled back in full: Add and Retract snapshot the group set first
// and restore it if the attempted mutation fails validation.
package cache // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/errs"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/sirupsen/logrus"
)

// StateTag is the transient per-sub-group tag the Alert Decider
// consumes and clears after each pass.
type StateTag int

// Recognised state tags.
const (
	StateNone StateTag = iota
	StateInitial
	StateCoincMsg
	StateCoincMsgStaggered
	StateUpdate
	StateRetraction
)

func (s StateTag) String() string {
	switch s {
	case StateInitial:
		return `INITIAL`
	case StateCoincMsg:
		return `COINC_MSG`
	case StateCoincMsgStaggered:
		return `COINC_MSG_STAGGERED`
	case StateUpdate:
		return `UPDATE`
	case StateRetraction:
		return `RETRACTION`
	default:
		return `None`
	}
}

// Entry is one observation inside a sub-group.
type Entry struct {
	Obs          message.Observation
	Offset       float64 // seconds, signed, relative to the sub-group anchor
	ReceivedTime time.Time
}

// SubGroup is an ordered collection of cache entries sharing a
// sub-group id. Entries are kept sorted by neutrino time ascending,
// anchor first.
type SubGroup struct {
	ID       int
	Entries  []Entry
	Tag      StateTag
	PrevSize int
	PrevHash string
}

// Anchor returns the sub-group's earliest entry, or a zero Entry if
// the group is empty.
func (g *SubGroup) Anchor() Entry {
	if len(g.Entries) == 0 {
		return Entry{}
	}
	return g.Entries[0]
}

// HasDetector reports whether any entry in the group was authored by
// detector.
func (g *SubGroup) HasDetector(detector string) bool {
	for _, e := range g.Entries {
		if e.Obs.Detector == detector {
			return true
		}
	}
	return false
}

// IDSet returns the group's entry-id set, used for the subset
// redundancy check.
func (g *SubGroup) IDSet() map[string]bool {
	s := make(map[string]bool, len(g.Entries))
	for _, e := range g.Entries {
		s[e.Obs.ID] = true
	}
	return s
}

// ContentHash is a stable fingerprint of (detector, neutrino time,
// p-value) across the group's entries, used by the Alert Decider to
// detect whether an UPDATE actually changed anything.
func (g *SubGroup) ContentHash() string {
	parts := make([]string, 0, len(g.Entries))
	for _, e := range g.Entries {
		pv := `nil`
		if e.Obs.PVal != nil {
			pv = fmt.Sprintf("%.6f", *e.Obs.PVal)
		}
		parts = append(parts, fmt.Sprintf("%s|%s|%s",
			e.Obs.Detector, message.FormatTime(e.Obs.NeutrinoTime), pv))
	}
	sort.Strings(parts)
	out := ``
	for _, p := range parts {
		out += p + `;`
	}
	return out
}

func isSubset(a, b map[string]bool) bool {
	if len(a) >= len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// Cache is the coincidence cache. W is the coincidence window;
// expiration is the age beyond which an anchor is evicted.
type Cache struct {
	W          time.Duration
	expiration time.Duration

	mu     sync.Mutex // serializes mutations against the maintenance sweep
	nextID int
	groups map[int]*SubGroup
	log    *logrus.Logger
}

// New builds an empty Cache.
func New(window, expiration time.Duration, log *logrus.Logger) *Cache {
	return &Cache{
		W:          window,
		expiration: expiration,
		groups:     make(map[int]*SubGroup),
		log:        log,
	}
}

// Groups returns a shallow copy of the group-id to sub-group map for
// read-only iteration by the Alert Decider.
func (c *Cache) Groups() map[int]*SubGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]*SubGroup, len(c.groups))
	for k, v := range c.groups {
		out[k] = v
	}
	return out
}

// Group looks up a single sub-group by id.
func (c *Cache) Group(id int) (*SubGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[id]
	return g, ok
}

// ClearTag resets a sub-group's transient state tag to None and
// updates its remembered size/content hash, called by the Alert
// Decider once it has processed the group's transition.
func (c *Cache) ClearTag(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[id]
	if !ok {
		return
	}
	g.Tag = StateNone
	g.PrevSize = len(g.Entries)
	g.PrevHash = g.ContentHash()
}

// clone deep-copies the group map so a failed mutation can be rolled
// back in full.
func (c *Cache) clone() (map[int]*SubGroup, int) {
	out := make(map[int]*SubGroup, len(c.groups))
	for k, v := range c.groups {
		cp := *v
		cp.Entries = append([]Entry(nil), v.Entries...)
		out[k] = &cp
	}
	return out, c.nextID
}

func (c *Cache) restore(groups map[int]*SubGroup, nextID int) {
	c.groups = groups
	c.nextID = nextID
}

// validate checks the sub-group invariants (anchor at offset 0,
// offsets within the window, unique detectors, no subset groups)
// against the current group set.
func (c *Cache) validate() error {
	for _, g := range c.groups {
		if len(g.Entries) == 0 {
			return fmt.Errorf("sub-group %d is empty", g.ID)
		}
		anchor := g.Entries[0]
		if anchor.Offset != 0 {
			return fmt.Errorf("sub-group %d anchor offset is %f, want 0", g.ID, anchor.Offset)
		}
		seen := make(map[string]bool, len(g.Entries))
		for _, e := range g.Entries {
			if e.Offset < -c.W.Seconds()-1e-9 || e.Offset > c.W.Seconds()+1e-9 {
				return fmt.Errorf("sub-group %d entry %s offset %f out of [-W,W]", g.ID, e.Obs.ID, e.Offset)
			}
			if seen[e.Obs.Detector] {
				return fmt.Errorf("sub-group %d has duplicate detector %s", g.ID, e.Obs.Detector)
			}
			seen[e.Obs.Detector] = true
		}
	}
	for idA, a := range c.groups {
		for idB, b := range c.groups {
			if idA == idB {
				continue
			}
			if isSubset(a.IDSet(), b.IDSet()) {
				return fmt.Errorf("sub-group %d is a strict subset of %d", idA, idB)
			}
		}
	}
	return nil
}

// recomputeOffsets sorts the group's entries by neutrino time and
// recomputes every offset against the new minimum (the anchor).
func recomputeOffsets(g *SubGroup) {
	sort.Slice(g.Entries, func(i, j int) bool {
		return g.Entries[i].Obs.NeutrinoTime.Before(g.Entries[j].Obs.NeutrinoTime)
	})
	if len(g.Entries) == 0 {
		return
	}
	anchorTime := g.Entries[0].Obs.NeutrinoTime
	for i := range g.Entries {
		g.Entries[i].Offset = g.Entries[i].Obs.NeutrinoTime.Sub(anchorTime).Seconds()
	}
}

func newEntry(obs message.Observation) Entry {
	return Entry{Obs: obs, ReceivedTime: time.Now().UTC()}
}

// Add admits an observation. It returns the ids of every sub-group
// touched by the admission (for the Alert Decider to inspect).
func (c *Cache) Add(obs message.Observation) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapGroups, snapNextID := c.clone()

	touched, err := c.add(obs)
	if err != nil {
		c.restore(snapGroups, snapNextID)
		return nil, err
	}
	if verr := c.validate(); verr != nil {
		c.restore(snapGroups, snapNextID)
		return nil, errs.Wrap(errs.Cache, `admission left cache in an invalid state, rolled back`, verr)
	}
	return touched, nil
}

func (c *Cache) add(obs message.Observation) ([]int, error) {
	if len(c.groups) == 0 {
		g := &SubGroup{
			ID:      c.nextID,
			Entries: []Entry{newEntry(obs)},
			Tag:     StateInitial,
		}
		c.nextID++
		c.groups[g.ID] = g
		return []int{g.ID}, nil
	}

	existing := c.groupsWithDetector(obs.Detector)
	if len(existing) > 0 {
		return c.update(obs, existing)
	}

	return c.insertNew(obs)
}

func (c *Cache) groupsWithDetector(detector string) []*SubGroup {
	var out []*SubGroup
	for _, g := range c.groups {
		if g.HasDetector(detector) {
			out = append(out, g)
		}
	}
	return out
}

// update implements case (b): the incoming message's detector already
// has an entry somewhere in the cache.
func (c *Cache) update(obs message.Observation, existing []*SubGroup) ([]int, error) {
	var touched []int
	for _, g := range existing {
		anchor := g.Anchor()
		delta := obs.NeutrinoTime.Sub(anchor.Obs.NeutrinoTime)
		if delta < -c.W || delta > c.W {
			// falls outside W for this sub-group: left untouched
			continue
		}
		for i := range g.Entries {
			if g.Entries[i].Obs.Detector == obs.Detector {
				g.Entries[i].Obs = obs
				g.Entries[i].ReceivedTime = time.Now().UTC()
				break
			}
		}
		recomputeOffsets(g)
		g.Tag = StateUpdate
		touched = append(touched, g.ID)
	}
	return touched, nil
}

// insertNew implements cases (c) and (d): the incoming message's
// detector is new to the cache.
func (c *Cache) insertNew(obs message.Observation) ([]int, error) {
	var coincident []*SubGroup
	for _, g := range c.groups {
		anchor := g.Anchor()
		delta := obs.NeutrinoTime.Sub(anchor.Obs.NeutrinoTime).Seconds()
		if delta > 0 && delta <= c.W.Seconds() {
			coincident = append(coincident, g)
		}
	}

	if len(coincident) > 0 {
		var touched []int
		for _, g := range coincident {
			anchor := g.Anchor()
			delta := obs.NeutrinoTime.Sub(anchor.Obs.NeutrinoTime).Seconds()
			e := newEntry(obs)
			e.Offset = delta
			g.Entries = append(g.Entries, e)
			recomputeOffsets(g)
			g.Tag = StateCoincMsg
			touched = append(touched, g.ID)
		}
		return touched, nil
	}

	return c.formSplitGroups(obs)
}

// formSplitGroups implements case (d): no existing sub-group is
// coincident with the new message, so up to two candidate sub-groups
// are formed around it (post-group and early-group) and redundancy
// is eliminated across the whole cache.
func (c *Cache) formSplitGroups(obs message.Observation) ([]int, error) {
	W := c.W.Seconds()
	anchorTime := obs.NeutrinoTime

	seenEntry := make(map[string]Entry) // detector+neutrino_time dedup, across all existing groups
	for _, g := range c.groups {
		for _, e := range g.Entries {
			key := e.Obs.Detector + `|` + message.FormatTime(e.Obs.NeutrinoTime)
			seenEntry[key] = e
		}
	}

	var postEntries, earlyEntries []Entry
	for _, e := range seenEntry {
		delta := e.Obs.NeutrinoTime.Sub(anchorTime).Seconds()
		switch {
		case delta > 0 && delta <= W:
			postEntries = append(postEntries, e)
		case delta < 0 && delta >= -W:
			earlyEntries = append(earlyEntries, e)
		}
	}

	var newIDs []int

	if len(postEntries) > 0 {
		g := &SubGroup{ID: c.nextID, Entries: append(postEntries, newEntry(obs))}
		c.nextID++
		recomputeOffsets(g)
		c.groups[g.ID] = g
		newIDs = append(newIDs, g.ID)
	}
	if len(earlyEntries) > 0 {
		g := &SubGroup{ID: c.nextID, Entries: append(earlyEntries, newEntry(obs))}
		c.nextID++
		recomputeOffsets(g)
		c.groups[g.ID] = g
		newIDs = append(newIDs, g.ID)
	}
	if len(newIDs) == 0 {
		g := &SubGroup{ID: c.nextID, Entries: []Entry{newEntry(obs)}}
		c.nextID++
		c.groups[g.ID] = g
		newIDs = append(newIDs, g.ID)
	}

	c.eliminateRedundant()

	var touched []int
	for _, id := range newIDs {
		g, ok := c.groups[id]
		if !ok {
			// this candidate lost a redundancy check and was removed
			continue
		}
		if len(g.Entries) >= 2 {
			g.Tag = StateCoincMsgStaggered
		} else {
			g.Tag = StateNone
		}
		touched = append(touched, g.ID)
	}
	return touched, nil
}

// eliminateRedundant removes every sub-group whose entry-id set is a
// strict subset of another sub-group's, keeping the superset.
func (c *Cache) eliminateRedundant() {
	for {
		removed := false
		for idA, a := range c.groups {
			for idB, b := range c.groups {
				if idA == idB {
					continue
				}
				if isSubset(a.IDSet(), b.IDSet()) {
					delete(c.groups, idA)
					removed = true
					break
				}
			}
			if removed {
				break
			}
		}
		if !removed {
			return
		}
	}
}

// Retract removes every entry authored by detector from every
// sub-group. If an anchor is removed the earliest surviving entry
// becomes the new anchor. Sub-groups that empty are deleted. Every
// touched sub-group is tagged RETRACTION.
func (c *Cache) Retract(detector string) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapGroups, snapNextID := c.clone()

	var touched []int
	for id, g := range c.groups {
		if !g.HasDetector(detector) {
			continue
		}
		kept := g.Entries[:0:0]
		for _, e := range g.Entries {
			if e.Obs.Detector != detector {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.groups, id)
			continue
		}
		g.Entries = kept
		recomputeOffsets(g)
		g.Tag = StateRetraction
		touched = append(touched, id)
	}

	if verr := c.validate(); verr != nil {
		c.restore(snapGroups, snapNextID)
		return nil, errs.Wrap(errs.Cache, `retraction left cache in an invalid state, rolled back`, verr)
	}
	return touched, nil
}

// Reset discards all entries and sub-groups.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = make(map[int]*SubGroup)
	c.nextID = 0
}

// Sweep evicts sub-groups whose anchor's neutrino time is older than
// expiration, measured against now.
func (c *Cache) Sweep(now time.Time) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var evicted []int
	cutoff := now.Add(-c.expiration)
	for id, g := range c.groups {
		if g.Anchor().Obs.NeutrinoTime.Before(cutoff) {
			delete(c.groups, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Size returns the number of live sub-groups.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

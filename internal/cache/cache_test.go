package cache

import (
	"testing"
	"time"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := message.ParseTime(s)
	require.NoError(t, err)
	return ts
}

func obs(t *testing.T, id, detector, neutrino string, pval *float64) message.Observation {
	return message.Observation{
		ID:           id,
		Detector:     detector,
		SentTime:     mustTime(t, neutrino),
		NeutrinoTime: mustTime(t, neutrino),
		PVal:         pval,
		IsTest:       true,
	}
}

func pv(v float64) *float64 { return &v }

func newTestCache() *Cache {
	return New(10*time.Second, 24*time.Hour, nil)
}

// S1 - single detector in, no alert (tested here at the cache level:
// one sub-group of size 1, tag INITIAL).
func TestS1SingleDetector(t *testing.T) {
	c := newTestCache()
	touched, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	require.Len(t, touched, 1)
	g, ok := c.Group(touched[0])
	require.True(t, ok)
	require.Len(t, g.Entries, 1)
	require.Equal(t, StateInitial, g.Tag)
	require.Equal(t, 0.0, g.Entries[0].Offset)
}

// S2 - two way coincidence.
func TestS2TwoWayCoincidence(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, pv(0.4)))
	require.NoError(t, err)
	touched, err := c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`, pv(0.6)))
	require.NoError(t, err)
	require.Len(t, touched, 1)
	g, _ := c.Group(touched[0])
	require.Len(t, g.Entries, 2)
	require.Equal(t, StateCoincMsg, g.Tag)
	require.Equal(t, `XENONnT`, g.Entries[0].Obs.Detector)
	require.Equal(t, `KamLAND`, g.Entries[1].Obs.Detector)
	require.InDelta(t, 3.5, g.Entries[1].Offset, 1e-9)
}

// S3 - late arriving earlier message forms an early-group and
// supersedes the original sub-group.
func TestS3LateArrivingEarlierMessage(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	touched, err := c.Add(obs(t, `2_CoincidenceTier_c`, `SK`, `2029-12-31T23:59:57.000000`, nil))
	require.NoError(t, err)
	require.NotEmpty(t, touched)

	require.Equal(t, 1, c.Size(), "original sub-group must be superseded, leaving exactly one")
	var g *SubGroup
	for _, grp := range c.Groups() {
		g = grp
	}
	require.Len(t, g.Entries, 2)
	require.Equal(t, `SK`, g.Entries[0].Obs.Detector)
	require.Equal(t, 0.0, g.Entries[0].Offset)
	require.Equal(t, `XENONnT`, g.Entries[1].Obs.Detector)
	require.InDelta(t, 3.0, g.Entries[1].Offset, 1e-9)
}

// S4 - update.
func TestS4Update(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, pv(0.4)))
	require.NoError(t, err)
	touched, err := c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`, pv(0.6)))
	require.NoError(t, err)
	gid := touched[0]

	touched2, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.500000`, pv(0.45)))
	require.NoError(t, err)
	require.Equal(t, []int{gid}, touched2)

	g, _ := c.Group(gid)
	require.Equal(t, StateUpdate, g.Tag)
	require.Len(t, g.Entries, 2)
	require.Equal(t, `XENONnT`, g.Entries[0].Obs.Detector)
	require.Equal(t, 0.0, g.Entries[0].Offset)
	require.InDelta(t, 3.0, g.Entries[1].Offset, 1e-9)
}

// S5 - retraction.
func TestS5Retraction(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	touched, err := c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`, nil))
	require.NoError(t, err)
	gid := touched[0]

	rtouched, err := c.Retract(`KamLAND`)
	require.NoError(t, err)
	require.Equal(t, []int{gid}, rtouched)

	g, ok := c.Group(gid)
	require.True(t, ok, "sub-group must not be deleted, only reduced")
	require.Len(t, g.Entries, 1)
	require.Equal(t, StateRetraction, g.Tag)
	require.Equal(t, `XENONnT`, g.Entries[0].Obs.Detector)
	require.Equal(t, 0.0, g.Entries[0].Offset)
}

// S6 - out of window message forms an unrelated singleton.
func TestS6OutOfWindow(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	_, err = c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`, nil))
	require.NoError(t, err)

	touched, err := c.Add(obs(t, `3_CoincidenceTier_d`, `Borexino`, `2030-01-01T00:00:30.000000`, nil))
	require.NoError(t, err)
	require.Len(t, touched, 1)
	g, _ := c.Group(touched[0])
	require.Len(t, g.Entries, 1)
	require.Equal(t, StateNone, g.Tag)
	require.Equal(t, 2, c.Size())
}

func TestRetractionRemovesEmptySubGroup(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	_, err = c.Retract(`XENONnT`)
	require.NoError(t, err)
	require.Equal(t, 0, c.Size())
}

func TestReset(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	c.Reset()
	require.Equal(t, 0, c.Size())
}

// Invariant: no duplicate detector may join the same sub-group (delta
// 0 forbidden by update semantics: a same-detector resubmission is
// always routed through the update path, never appended as Δ=0).
func TestNoDuplicateDetectorInSubGroup(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	_, err = c.Add(obs(t, `2_CoincidenceTier_b`, `XENONnT`, `2030-01-01T00:00:00.000000`, nil))
	require.NoError(t, err)
	require.Equal(t, 1, c.Size())
	for _, g := range c.Groups() {
		require.Len(t, g.Entries, 1)
	}
}

// Idempotence: feeding the exact same admitted message
// twice must leave the cache's content hash identical so the Decider
// fires no second alert.
func TestIdempotentResubmission(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, pv(0.5)))
	require.NoError(t, err)
	touched, err := c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`, pv(0.5)))
	require.NoError(t, err)
	gid := touched[0]
	g, _ := c.Group(gid)
	hashBefore := g.ContentHash()
	c.ClearTag(gid)

	touched2, err := c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`, pv(0.5)))
	require.NoError(t, err)
	require.Equal(t, []int{gid}, touched2)
	g2, _ := c.Group(gid)
	require.Equal(t, hashBefore, g2.ContentHash())
}

// Serialise/reload round trip.
func TestSerializeRoundTrip(t *testing.T) {
	c := newTestCache()
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`, pv(0.4)))
	require.NoError(t, err)
	_, err = c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`, pv(0.6)))
	require.NoError(t, err)

	blob, err := c.Serialize()
	require.NoError(t, err)

	c2, err := Deserialize(blob)
	require.NoError(t, err)
	require.Equal(t, c.Size(), c2.Size())
	for id, g := range c.Groups() {
		g2, ok := c2.Group(id)
		require.True(t, ok)
		require.Equal(t, len(g.Entries), len(g2.Entries))
		for i := range g.Entries {
			require.Equal(t, g.Entries[i].Obs.Detector, g2.Entries[i].Obs.Detector)
			require.InDelta(t, g.Entries[i].Offset, g2.Entries[i].Offset, 1e-9)
		}
	}
}

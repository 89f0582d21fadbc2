package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordFirstBeatHasZeroGap(t *testing.T) {
	m := New(7*24*time.Hour, nil)
	require.NoError(t, m.Record(`XENONnT`, time.Now().UTC(), `ON`))
	require.Equal(t, time.Duration(0), m.entries[`XENONnT`][0].Gap)
}

func TestLiveDetectorsOnlyON(t *testing.T) {
	m := New(7*24*time.Hour, nil)
	require.NoError(t, m.Record(`XENONnT`, time.Now().UTC(), `ON`))
	require.NoError(t, m.Record(`KamLAND`, time.Now().UTC(), `OFF`))
	live := m.LiveDetectors()
	require.Equal(t, []string{`XENONnT`}, live)
}

func TestRetractionDoesNotTurnDetectorOff(t *testing.T) {
	m := New(7*24*time.Hour, nil)
	require.NoError(t, m.Record(`XENONnT`, time.Now().UTC(), `ON`))
	// no corresponding monitor operation for a retraction: only an
	// explicit OFF heartbeat changes liveness.
	require.Equal(t, []string{`XENONnT`}, m.LiveDetectors())
}

func TestLiveDetectorsExcludeBeatsBeyondWindow(t *testing.T) {
	m := New(50*time.Millisecond, nil)
	require.NoError(t, m.Record(`XENONnT`, time.Now().UTC(), `ON`))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Record(`KamLAND`, time.Now().UTC(), `ON`))
	live := m.LiveDetectors()
	require.Equal(t, []string{`KamLAND`}, live)
}

func TestScanForSilenceSuppressedUntilNextBeat(t *testing.T) {
	m := New(7*24*time.Hour, nil)
	base := time.Now().UTC().Add(-10 * time.Minute)
	for i := 0; i < 6; i++ {
		require.NoError(t, m.Record(`XENONnT`, base.Add(time.Duration(i)*time.Second), `ON`))
	}
	// the rapid-fire beats above have microsecond-scale gaps; by now
	// the silence comfortably exceeds their mean+3sigma
	time.Sleep(50 * time.Millisecond)
	warn1 := m.ScanForSilence()
	require.Equal(t, []string{`XENONnT`}, warn1)
	warn2 := m.ScanForSilence()
	require.Empty(t, warn2, `second scan before a fresh beat must not re-warn`)
}

package decider

import (
	"testing"
	"time"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/stretchr/testify/require"
)

type fakeLive struct{ n int }

func (f fakeLive) LiveCount() int { return f.n }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := message.ParseTime(s)
	require.NoError(t, err)
	return ts
}

func obs(t *testing.T, id, detector, neutrino string) message.Observation {
	ts := mustTime(t, neutrino)
	return message.Observation{ID: id, Detector: detector, SentTime: ts, NeutrinoTime: ts, IsTest: true}
}

func testCfg() Config {
	return Config{WindowSeconds: 10, ImitationPerWeek: 1.0 / 7, ServerTag: `test-server`}
}

func TestInitialNeverPublishes(t *testing.T) {
	c := cache.New(10*time.Second, 24*time.Hour, nil)
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`))
	require.NoError(t, err)

	d := New(testCfg(), nil)
	alerts := d.Run(c, fakeLive{n: 5}, true)
	require.Empty(t, alerts)
}

func TestCoincMsgStaggeredPublishesNewMessage(t *testing.T) {
	c := cache.New(10*time.Second, 24*time.Hour, nil)
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`))
	require.NoError(t, err)
	_, err = c.Add(obs(t, `2_CoincidenceTier_c`, `SK`, `2029-12-31T23:59:57.000000`))
	require.NoError(t, err)

	d := New(testCfg(), nil)
	alerts := d.Run(c, fakeLive{n: 5}, true)
	require.Len(t, alerts, 1)
	require.Equal(t, NewMessage, alerts[0].AlertType)
	require.Len(t, alerts[0].Members, 2)
}

func TestUpdateFiresOnlyOnContentChange(t *testing.T) {
	c := cache.New(10*time.Second, 24*time.Hour, nil)
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`))
	require.NoError(t, err)
	_, err = c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`))
	require.NoError(t, err)

	d := New(testCfg(), nil)
	alerts := d.Run(c, fakeLive{n: 5}, true) // clears tags, one NEW_MESSAGE
	require.Len(t, alerts, 1)

	// resubmit KamLAND with identical fields: update tag set, but no
	// content change, so no alert.
	_, err = c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`))
	require.NoError(t, err)
	alerts2 := d.Run(c, fakeLive{n: 5}, true)
	require.Empty(t, alerts2, "idempotent resubmission must not re-fire")

	// now actually change the time: must fire UPDATE.
	_, err = c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:04.000000`))
	require.NoError(t, err)
	alerts3 := d.Run(c, fakeLive{n: 5}, true)
	require.Len(t, alerts3, 1)
	require.Equal(t, Update, alerts3[0].AlertType)
}

func TestRetractionFiresAndKeepsSubGroup(t *testing.T) {
	c := cache.New(10*time.Second, 24*time.Hour, nil)
	_, err := c.Add(obs(t, `1_CoincidenceTier_a`, `XENONnT`, `2030-01-01T00:00:00.000000`))
	require.NoError(t, err)
	_, err = c.Add(obs(t, `2_CoincidenceTier_b`, `KamLAND`, `2030-01-01T00:00:03.500000`))
	require.NoError(t, err)

	d := New(testCfg(), nil)
	d.Run(c, fakeLive{n: 5}, true)

	_, err = c.Retract(`KamLAND`)
	require.NoError(t, err)
	alerts := d.Run(c, fakeLive{n: 5}, true)
	require.Len(t, alerts, 1)
	require.Equal(t, Retraction, alerts[0].AlertType)
}

package validate

import (
	"testing"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/errs"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/registry"
	"github.com/stretchr/testify/require"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	r.Add(`XENONnT`)
	r.Add(`KamLAND`)
	return r
}

func TestClassifyObservationValid(t *testing.T) {
	v := New(testRegistry())
	pv := 0.5
	res := v.ClassifyRaw(&message.Raw{
		ID:              `1_CoincidenceTier_2030`,
		DetectorName:    `XENONnT`,
		SentTimeUTC:     `2030-01-01T00:00:01.000000`,
		NeutrinoTimeUTC: `2030-01-01T00:00:00.000000`,
		PVal:            &pv,
		Meta:            map[string]interface{}{`is_test`: true},
	})
	require.Nil(t, res.Reject)
	require.NotNil(t, res.Observation)
	require.Equal(t, `XENONnT`, res.Observation.Detector)
	require.True(t, res.Observation.IsTest)
}

func TestClassifyRejectsUnknownDetector(t *testing.T) {
	v := New(testRegistry())
	res := v.ClassifyRaw(&message.Raw{
		ID:              `1_CoincidenceTier_2030`,
		DetectorName:    `NotARealDetector`,
		SentTimeUTC:     `2030-01-01T00:00:01.000000`,
		NeutrinoTimeUTC: `2030-01-01T00:00:00.000000`,
		Meta:            map[string]interface{}{`is_test`: true},
	})
	require.NotNil(t, res.Reject)
	require.True(t, errs.Is(res.Reject, errs.Validation))
}

func TestClassifyRejectsBadIDFormat(t *testing.T) {
	v := New(testRegistry())
	res := v.ClassifyRaw(&message.Raw{ID: `not-numeric-prefixed`})
	require.NotNil(t, res.Reject)
}

func TestClassifyRejectsPValOutOfRange(t *testing.T) {
	v := New(testRegistry())
	pv := 1.5
	res := v.ClassifyRaw(&message.Raw{
		ID:              `1_CoincidenceTier_2030`,
		DetectorName:    `XENONnT`,
		SentTimeUTC:     `2030-01-01T00:00:01.000000`,
		NeutrinoTimeUTC: `2030-01-01T00:00:00.000000`,
		PVal:            &pv,
		Meta:            map[string]interface{}{`is_test`: true},
	})
	require.NotNil(t, res.Reject)
}

func TestClassifyRejectsFutureNeutrinoTimeWhenNotTest(t *testing.T) {
	v := New(testRegistry())
	res := v.ClassifyRaw(&message.Raw{
		ID:              `1_CoincidenceTier_2099`,
		DetectorName:    `XENONnT`,
		SentTimeUTC:     `2099-01-01T00:00:01.000000`,
		NeutrinoTimeUTC: `2099-01-01T00:00:00.000000`,
	})
	require.NotNil(t, res.Reject)
}

func TestClassifyHeartbeat(t *testing.T) {
	v := New(testRegistry())
	res := v.ClassifyRaw(&message.Raw{
		ID:             `1_Heartbeat_2030`,
		DetectorName:   `KamLAND`,
		SentTimeUTC:    `2030-01-01T00:00:01.000000`,
		DetectorStatus: `ON`,
	})
	require.Nil(t, res.Reject)
	require.NotNil(t, res.Heartbeat)
	require.Equal(t, `ON`, res.Heartbeat.Status)
}

func TestClassifyAdminCommandBypassesRegistry(t *testing.T) {
	v := New(testRegistry())
	res := v.ClassifyRaw(&message.Raw{ID: `1_hard-reset_2030`})
	require.Nil(t, res.Reject)
	require.NotNil(t, res.AdminCommand)
	require.Equal(t, message.KindHardReset, res.AdminCommand.Kind)
}

func TestClassifyRetraction(t *testing.T) {
	v := New(testRegistry())
	res := v.ClassifyRaw(&message.Raw{ID: `1_Retraction_2030`, DetectorName: `XENONnT`})
	require.Nil(t, res.Reject)
	require.NotNil(t, res.Retraction)
	require.Equal(t, `XENONnT`, res.Retraction.Detector)
}

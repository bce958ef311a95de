package validation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/internal/hubframe"
)

func stateChangedEvent(t *testing.T, entityID, newState, lastChanged string, attrs map[string]any) hubframe.RawEvent {
	t.Helper()
	newStateJSON, err := json.Marshal(newState)
	require.NoError(t, err)

	data := hubframe.EventData{
		EntityID: entityID,
		NewState: &hubframe.StateObject{
			EntityID:    entityID,
			State:       newStateJSON,
			Attributes:  attrs,
			LastChanged: lastChanged,
		},
	}
	dataJSON, err := json.Marshal(data)
	require.NoError(t, err)

	return hubframe.RawEvent{EventType: "state_changed", TimeFired: lastChanged, Data: dataJSON}
}

func TestNormalize_Accepted(t *testing.T) {
	ev := stateChangedEvent(t, "light.kitchen", "on", "2026-01-01T12:00:00+00:00", map[string]any{
		"friendly_name": "Kitchen Light",
		"unit_of_measurement": "W",
	})

	out, result, err := Normalize(ev)
	require.NoError(t, err)
	require.True(t, result.IsValid)
	require.Equal(t, "light", out.Domain)
	require.NotNil(t, out.Bool)
	require.True(t, *out.Bool)
	require.Equal(t, "watt", out.Unit)
	require.Equal(t, "Kitchen Light", out.Metadata.FriendlyName)
	require.False(t, out.SyntheticTimestamp)
}

func TestNormalize_RejectsBadEntityIDFormat(t *testing.T) {
	ev := stateChangedEvent(t, "light.kitchen_", "on", "2026-01-01T12:00:00+00:00", nil)
	_, result, err := Normalize(ev)
	require.Error(t, err)
	require.False(t, result.IsValid)
	require.Equal(t, ErrorInvalidFormat, ClassifyError(err))
}

func TestNormalize_MissingTimestampIsSynthetic(t *testing.T) {
	ev := stateChangedEvent(t, "sensor.temp", "21.5", "", nil)
	out, result, err := Normalize(ev)
	require.NoError(t, err)
	require.True(t, out.SyntheticTimestamp)
	require.Contains(t, result.Warnings, WarningSyntheticTime)
	require.WithinDuration(t, time.Now().UTC(), out.ChangedAt, 5*time.Second)
}

func TestNormalize_OffsetlessTimestampAssumedUTC(t *testing.T) {
	ev := stateChangedEvent(t, "sensor.temp", "21.5", "2026-01-01T12:00:00", nil)
	out, _, err := Normalize(ev)
	require.NoError(t, err)
	require.Equal(t, time.UTC, out.ChangedAt.Location())
	require.Equal(t, 12, out.ChangedAt.Hour())
}

func TestNormalize_PreservesUnavailableState(t *testing.T) {
	ev := stateChangedEvent(t, "sensor.temp", "unavailable", "2026-01-01T12:00:00+00:00", nil)
	out, _, err := Normalize(ev)
	require.NoError(t, err)
	require.Nil(t, out.Bool)
	require.Nil(t, out.Numeric)
	require.Equal(t, "unavailable", out.NewState)
}

func TestNormalize_NumericState(t *testing.T) {
	ev := stateChangedEvent(t, "sensor.temp", "21.5", "2026-01-01T12:00:00+00:00", nil)
	out, _, err := Normalize(ev)
	require.NoError(t, err)
	require.NotNil(t, out.Numeric)
	require.Equal(t, 21.5, *out.Numeric)
}

func TestNormalize_UnknownUnitWarns(t *testing.T) {
	ev := stateChangedEvent(t, "sensor.custom", "3", "2026-01-01T12:00:00+00:00", map[string]any{
		"unit_of_measurement": "furlongs",
	})
	out, result, err := Normalize(ev)
	require.NoError(t, err)
	require.Equal(t, "furlongs", out.Unit)
	require.Contains(t, result.Warnings, WarningUnknownUnit)
}

func TestNormalize_RejectsNonStateChanged(t *testing.T) {
	ev := hubframe.RawEvent{EventType: "call_service"}
	_, result, err := Normalize(ev)
	require.Error(t, err)
	require.False(t, result.IsValid)
	require.Equal(t, ErrorMissingField, ClassifyError(err))
}

func TestQuality_RatingThresholds(t *testing.T) {
	now := time.Now()
	q := NewQuality(time.Hour, func() time.Time { return now })

	for i := 0; i < 96; i++ {
		q.RecordAccepted()
	}
	for i := 0; i < 4; i++ {
		q.RecordDropped(ErrorMissingField)
	}
	require.Equal(t, RatingHealthy, q.Snapshot().Rating)

	for i := 0; i < 6; i++ {
		q.RecordDropped(ErrorMissingField)
	}
	require.Equal(t, RatingDegraded, q.Snapshot().Rating)
}

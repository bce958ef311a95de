package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(context.Background(), 0)
	require.NoError(t, err)
	return v
}

func TestValidate_CleanAutomationPasses(t *testing.T) {
	v := newValidator(t)
	yaml := `
alias: evening lamp
trigger:
  - platform: sun
    event: sunset
action:
  - service: light.turn_on
    target:
      entity_id: light.living_room
`
	res := v.Validate(context.Background(), yaml, LevelStrict)
	assert.True(t, res.Passed)
	assert.Equal(t, 100, res.SafetyScore)
	assert.Empty(t, res.Issues)
	assert.True(t, res.CanOverride)
}

// A bulk area_id:all turn_off with no time constraint must fail at
// moderate level with a bulk_device_off critical and a score at or
// below the moderate threshold.
func TestValidate_BulkShutoffBlocked(t *testing.T) {
	v := newValidator(t)
	yaml := `
alias: all off
trigger:
  - platform: state
    entity_id: sensor.anything
action:
  - service: light.turn_off
    target:
      area_id: all
`
	res := v.Validate(context.Background(), yaml, LevelModerate)
	assert.False(t, res.Passed)
	assert.LessOrEqual(t, res.SafetyScore, 70)

	var found bool
	for _, iss := range res.Issues {
		if iss.Rule == "bulk_device_off" && iss.Severity == SeverityCritical {
			found = true
		}
	}
	assert.True(t, found, "expected a bulk_device_off critical issue")
	assert.True(t, res.CanOverride, "bulk shutoff is overridable, unlike destructive system actions")
}

func TestValidate_ClimateExtremes(t *testing.T) {
	v := newValidator(t)
	yaml := `
alias: scorch
trigger:
  - platform: time
    at: "08:00:00"
action:
  - service: climate.set_temperature
    data:
      temperature: 95
`
	res := v.Validate(context.Background(), yaml, LevelPermissive)
	assert.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "climate_extremes", res.Issues[0].Rule)
	assert.Equal(t, SeverityCritical, res.Issues[0].Severity)

	// boundary: exactly 55 and 85 are allowed
	for _, temp := range []string{"55", "85"} {
		ok := v.Validate(context.Background(), `
trigger:
  - platform: time
    at: "08:00:00"
action:
  - service: climate.set_temperature
    data:
      temperature: `+temp+`
`, LevelStrict)
		assert.True(t, ok.Passed, "temperature %s is inside the allowed band", temp)
	}
}

func TestValidate_SecurityDisable(t *testing.T) {
	v := newValidator(t)
	yaml := `
alias: disarm
trigger:
  - platform: state
    entity_id: person.owner
action:
  - service: switch.turn_off
    entity_id: switch.alarm_siren
`
	res := v.Validate(context.Background(), yaml, LevelPermissive)
	assert.False(t, res.Passed)

	var found bool
	for _, iss := range res.Issues {
		if iss.Rule == "security_disable" {
			found = true
			assert.Equal(t, SeverityCritical, iss.Severity)
		}
	}
	assert.True(t, found)
}

func TestValidate_DestructiveSystemActionNotOverridable(t *testing.T) {
	v := newValidator(t)
	yaml := `
alias: nightly restart
trigger:
  - platform: time
    at: "03:00:00"
action:
  - service: homeassistant.restart
`
	res := v.Validate(context.Background(), yaml, LevelPermissive)
	assert.False(t, res.Passed)
	assert.False(t, res.CanOverride)
}

func TestValidate_ExcessiveTriggerWarning(t *testing.T) {
	v := newValidator(t)
	yaml := `
alias: every minute
trigger:
  - platform: time_pattern
    minutes: "*"
action:
  - service: light.turn_on
    entity_id: light.porch
`
	res := v.Validate(context.Background(), yaml, LevelModerate)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "excessive_triggers", res.Issues[0].Rule)
	assert.Equal(t, SeverityWarning, res.Issues[0].Severity)
	assert.Equal(t, 90, res.SafetyScore)
	assert.True(t, res.Passed, "a single warning still clears the moderate threshold")
}

func TestValidate_WarningsFailStrictThreshold(t *testing.T) {
	v := newValidator(t)
	yaml := `
alias: warnings stack up
trigger:
  - platform: time_pattern
    minutes: "*"
  - platform: time_pattern
    minutes: "*"
action:
  - service: light.turn_on
    entity_id: light.porch
`
	res := v.Validate(context.Background(), yaml, LevelStrict)
	assert.Equal(t, 80, res.SafetyScore)
	assert.False(t, res.Passed, "80 is below the strict threshold of 85")

	moderate := v.Validate(context.Background(), yaml, LevelModerate)
	assert.True(t, moderate.Passed)
}

func TestValidate_InvalidYAML(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(context.Background(), ":\n  - [unbalanced", LevelModerate)
	assert.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "parse", res.Issues[0].Rule)
}

func TestAutoFix(t *testing.T) {
	in := `
triggers:
  - trigger: state
    entity_id: binary_sensor.motion
conditions: []
actions:
  - action: wled.turn_on
`
	fixed := AutoFix(in)
	assert.Contains(t, fixed, "trigger:\n")
	assert.Contains(t, fixed, "platform: state")
	assert.Contains(t, fixed, "condition: []")
	assert.Contains(t, fixed, "service: light.turn_on")
	assert.NotContains(t, fixed, "wled.turn_on")
	assert.NotContains(t, fixed, "triggers:")
}

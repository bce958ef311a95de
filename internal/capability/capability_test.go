package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func dimmerExposes() []Expose {
	return []Expose{
		{Type: "light", Features: []Expose{{Type: "numeric", Name: "brightness"}}},
		{Type: "enum", Name: "smartBulbMode", Values: []string{"Disabled", "Enabled"}},
		{Type: "numeric", Name: "autoTimerOff", ValueMin: f(0), ValueMax: f(7200), Unit: "s"},
	}
}

func contactExposes() []Expose {
	return []Expose{
		{Type: "binary", Name: "contact", Values: []string{"open", "close"}},
		{Type: "numeric", Name: "battery", ValueMin: f(0), ValueMax: f(100), Unit: "%"},
	}
}

func bulbExposes() []Expose {
	return []Expose{
		{Type: "light", Features: []Expose{
			{Type: "numeric", Name: "brightness"},
			{Type: "numeric", Name: "colorTemp"},
		}},
		{Type: "enum", Name: "effect", Values: []string{"blink", "breathe"}},
	}
}

func TestParse_MultiManufacturer(t *testing.T) {
	dimmer := Parse("Inovelli", "VZW31-SN", dimmerExposes())
	contact := Parse("Aqara", "MCCGQ11LM", contactExposes())
	bulb := Parse("Philips", "LCA001", bulbExposes())

	require.Len(t, dimmer.Capabilities, 3)
	require.Len(t, contact.Capabilities, 2)
	require.Len(t, bulb.Capabilities, 2)

	lc, ok := dimmer.Capabilities["light_control"]
	require.True(t, ok)
	assert.Equal(t, TypeComposite, lc.Type)
	assert.Equal(t, []string{"brightness"}, lc.Values)

	mode, ok := dimmer.Capabilities["smart_bulb_mode"]
	require.True(t, ok, "smartBulbMode maps through the alias table")
	assert.Equal(t, TypeEnum, mode.Type)
	assert.Equal(t, []string{"Disabled", "Enabled"}, mode.Values)
	assert.Equal(t, ComplexityEasy, mode.Complexity)

	timer, ok := dimmer.Capabilities["auto_timer_off"]
	require.True(t, ok)
	assert.Equal(t, TypeNumeric, timer.Type)
	assert.Equal(t, 0.0, *timer.Min)
	assert.Equal(t, 7200.0, *timer.Max)
	assert.Equal(t, "s", timer.Unit)
	assert.Equal(t, ComplexityMedium, timer.Complexity, "timer-named capabilities are medium")

	contactCap := contact.Capabilities["contact"]
	assert.Equal(t, TypeBinary, contactCap.Type)
	assert.Equal(t, []string{"open", "close"}, contactCap.Values)

	battery := contact.Capabilities["battery"]
	assert.Equal(t, TypeNumeric, battery.Type)
	assert.Equal(t, "%", battery.Unit)

	bulbLight := bulb.Capabilities["light_control"]
	assert.Equal(t, []string{"brightness", "color_temp"}, bulbLight.Values)

	effect := bulb.Capabilities["effect"]
	assert.Equal(t, ComplexityAdvanced, effect.Complexity, "effect-named capabilities are advanced")
}

func TestParse_UnknownTypesSkipped(t *testing.T) {
	mc := Parse("X", "Y", []Expose{
		{Type: "composite", Name: "weird"},
		{Type: "text", Name: "label"},
		{Type: "binary", Name: "contact"},
	})
	require.Len(t, mc.Capabilities, 1)
	_, ok := mc.Capabilities["contact"]
	assert.True(t, ok)
}

func TestParse_Idempotent(t *testing.T) {
	a := Parse("Inovelli", "VZW31-SN", dimmerExposes())
	b := Parse("Inovelli", "VZW31-SN", dimmerExposes())
	assert.Equal(t, a, b)
}

func TestCamelToSnake(t *testing.T) {
	assert.Equal(t, "auto_timer_off", camelToSnake("autoTimerOff"))
	assert.Equal(t, "already_snake", camelToSnake("already_snake"))
	assert.Equal(t, "led_notifications", mapName("led_effect"), "aliased names bypass the mechanical rule")
}

func TestStore_RefreshAndGet(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("VZW31-SN")
	assert.False(t, ok)

	s.Refresh([]Device{
		{Manufacturer: "Inovelli", Model: "VZW31-SN", Exposes: dimmerExposes()},
		{Manufacturer: "Aqara", Model: "MCCGQ11LM", Exposes: contactExposes()},
	})

	mc, ok := s.Get("VZW31-SN")
	require.True(t, ok)
	assert.Equal(t, "Inovelli", mc.Manufacturer)
	assert.Len(t, s.All(), 2)

	// a refresh with a new device list replaces, not merges
	s.Refresh([]Device{{Manufacturer: "Philips", Model: "LCA001", Exposes: bulbExposes()}})
	_, ok = s.Get("VZW31-SN")
	assert.False(t, ok)
	assert.Len(t, s.All(), 1)
}

package hubframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Discrimination(t *testing.T) {
	frame, id, err := Decode([]byte(`{"type":"auth_required","ha_version":"2026.3"}`))
	require.NoError(t, err)
	assert.IsType(t, AuthRequired{}, frame)
	assert.Zero(t, id)

	frame, id, err = Decode([]byte(`{"type":"result","id":7,"success":true,"result":{"devices":[]}}`))
	require.NoError(t, err)
	res, ok := frame.(Result)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.True(t, res.Success)

	frame, _, err = Decode([]byte(`{"type":"event","event":{"event_type":"state_changed","time_fired":"2026-03-02T10:00:00+00:00","data":{"entity_id":"light.kitchen"}}}`))
	require.NoError(t, err)
	ev, ok := frame.(Event)
	require.True(t, ok)
	assert.Equal(t, "state_changed", ev.Event.EventType)

	frame, id, err = Decode([]byte(`{"type":"ping","id":3}`))
	require.NoError(t, err)
	assert.IsType(t, Ping{}, frame)
	assert.Equal(t, int64(3), id)

	_, _, err = Decode([]byte(`{"type":"something_else"}`))
	assert.Error(t, err)
}

func TestEncode_InjectsMissingType(t *testing.T) {
	b, err := Encode(SubscribeEvents{ID: 1, EventType: "state_changed"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"subscribe_events"`)
	assert.Contains(t, string(b), `"event_type":"state_changed"`)

	b, err = Encode(Auth{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"auth"`)
	assert.Contains(t, string(b), `"access_token":"tok"`)
}

func TestEncode_RegistryRequestKeepsRequestType(t *testing.T) {
	b, err := Encode(RegistryRequest{ID: 9, Type: TypeDeviceRegistry})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"config/device_registry/list"`)
	assert.Contains(t, string(b), `"id":9`)
}

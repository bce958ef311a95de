// Package hubframe defines the closed JSON frame vocabulary exchanged
// over the hub's persistent bidirectional channel as explicit sum
// types, so no untyped payload map travels past the socket boundary.
package hubframe

import (
	"encoding/json"
	"fmt"
)

// Type enumerates every frame type this system consumes or produces.
type Type string

const (
	TypeAuthRequired    Type = "auth_required"
	TypeAuth            Type = "auth"
	TypeAuthOK          Type = "auth_ok"
	TypeAuthInvalid     Type = "auth_invalid"
	TypeSubscribeEvents Type = "subscribe_events"
	TypeResult          Type = "result"
	TypeEvent           Type = "event"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeDeviceRegistry  Type = "config/device_registry/list"
	TypeEntityRegistry  Type = "config/entity_registry/list"
	TypeConfigEntries   Type = "config_entries/list"
)

// envelope is the minimal shape every frame shares, used to discriminate
// before unmarshalling into a concrete type.
type envelope struct {
	ID   int64  `json:"id,omitempty"`
	Type Type   `json:"type"`
}

// Frame is implemented by every concrete frame type.
type Frame interface {
	FrameType() Type
}

// AuthRequired is sent by the hub when the channel opens.
type AuthRequired struct{}

func (AuthRequired) FrameType() Type { return TypeAuthRequired }

// Auth is sent by this system in response to AuthRequired.
type Auth struct {
	AccessToken string `json:"access_token"`
}

func (Auth) FrameType() Type { return TypeAuth }

// AuthOK confirms successful authentication.
type AuthOK struct{}

func (AuthOK) FrameType() Type { return TypeAuthOK }

// AuthInvalid rejects the presented credential.
type AuthInvalid struct {
	Message string `json:"message"`
}

func (AuthInvalid) FrameType() Type { return TypeAuthInvalid }

// SubscribeEvents requests a subscription to one event type.
type SubscribeEvents struct {
	ID        int64  `json:"id"`
	EventType string `json:"event_type,omitempty"`
}

func (SubscribeEvents) FrameType() Type { return TypeSubscribeEvents }

// Ping is a liveness probe sent by either side.
type Ping struct {
	ID int64 `json:"id"`
}

func (Ping) FrameType() Type { return TypePing }

// Pong answers a Ping.
type Pong struct {
	ID int64 `json:"id"`
}

func (Pong) FrameType() Type { return TypePong }

// Result correlates a response to a request ID. Result is left raw
// (json.RawMessage) because its payload shape depends on which request it
// answers (registry list, subscription ack, ...); callers unmarshal
// ResultPayload based on context.
type Result struct {
	ID      int64           `json:"id"`
	Success bool            `json:"success"`
	ResultPayload json.RawMessage `json:"result,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
}

func (Result) FrameType() Type { return TypeResult }

// ResultError is the error payload on a failed Result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventContext is the context block on a raw Event.
type EventContext struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// StateObject is either old_state or new_state on a state_changed event.
type StateObject struct {
	EntityID    string         `json:"entity_id"`
	State       json.RawMessage `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// EventData is the data block of a state_changed event. Other event
// types carry an opaque map; this system only enriches state_changed.
type EventData struct {
	EntityID string       `json:"entity_id"`
	OldState *StateObject `json:"old_state"`
	NewState *StateObject `json:"new_state"`
}

// RawEvent is the payload of an "event" frame.
type RawEvent struct {
	EventType string       `json:"event_type"`
	TimeFired string       `json:"time_fired"`
	Context   EventContext `json:"context"`
	Data      json.RawMessage `json:"data"`
}

// Event wraps a RawEvent frame.
type Event struct {
	Event RawEvent `json:"event"`
}

func (Event) FrameType() Type { return TypeEvent }

// RegistryRequest is a one-shot discovery request.
type RegistryRequest struct {
	ID   int64 `json:"id"`
	Type Type  `json:"type"`
}

func (r RegistryRequest) FrameType() Type { return r.Type }

// Decode discriminates a raw JSON frame by its "type" field and returns
// the concrete Frame plus the correlation ID where present (0 otherwise).
func Decode(raw []byte) (Frame, int64, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("decode frame envelope: %w", err)
	}

	switch env.Type {
	case TypeAuthRequired:
		return AuthRequired{}, 0, nil
	case TypeAuthOK:
		return AuthOK{}, 0, nil
	case TypeAuthInvalid:
		var f AuthInvalid
		_ = json.Unmarshal(raw, &f)
		return f, 0, nil
	case TypeResult:
		var f Result
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, 0, fmt.Errorf("decode result frame: %w", err)
		}
		return f, f.ID, nil
	case TypeEvent:
		var f Event
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, 0, fmt.Errorf("decode event frame: %w", err)
		}
		return f, 0, nil
	case TypePing:
		var f Ping
		_ = json.Unmarshal(raw, &f)
		return f, f.ID, nil
	case TypePong:
		var f Pong
		_ = json.Unmarshal(raw, &f)
		return f, f.ID, nil
	default:
		return nil, 0, fmt.Errorf("unrecognized frame type %q", env.Type)
	}
}

// Encode marshals a Frame to the wire. Most frame structs (Auth,
// SubscribeEvents, Ping, Pong among them) carry no "type" field of their
// own, so this helper injects FrameType() whenever the marshalled object
// lacks one; RegistryRequest carries its own.
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(b, &asMap); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if _, ok := asMap["type"]; !ok {
		typeJSON, _ := json.Marshal(f.FrameType())
		asMap["type"] = typeJSON
		b, err = json.Marshal(asMap)
		if err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
	}
	return b, nil
}

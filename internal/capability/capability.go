// Package capability maintains a model -> capability-map index derived
// from parsing the hub's device-list broadcast. The parser takes
// an `exposes[]` array per device model and produces a capability map;
// the Store holds the index behind copy-on-refresh so readers never
// observe a half-rebuilt map.
package capability

import (
	"strings"
	"sync/atomic"
)

// Type is the closed vocabulary of capability shapes.
type Type string

const (
	TypeComposite Type = "composite"
	TypeEnum      Type = "enum"
	TypeNumeric   Type = "numeric"
	TypeBinary    Type = "binary"
)

// Complexity buckets a capability by how much context an automation
// author needs to use it safely.
type Complexity string

const (
	ComplexityEasy     Complexity = "easy"
	ComplexityMedium   Complexity = "medium"
	ComplexityAdvanced Complexity = "advanced"
)

// Capability describes one controllable or observable feature of a
// device model.
type Capability struct {
	Name       string     `json:"name"`
	Type       Type       `json:"type"`
	Values     []string   `json:"values,omitempty"`
	Min        *float64   `json:"min,omitempty"`
	Max        *float64   `json:"max,omitempty"`
	Unit       string     `json:"unit,omitempty"`
	Complexity Complexity `json:"complexity"`
}

// Expose is one element of the hub's device-list `exposes[]` array.
type Expose struct {
	Type     string   `json:"type"`
	Name     string   `json:"name,omitempty"`
	Features []Expose `json:"features,omitempty"`
	Values   []string `json:"values,omitempty"`
	ValueMin *float64 `json:"value_min,omitempty"`
	ValueMax *float64 `json:"value_max,omitempty"`
	Unit     string   `json:"unit,omitempty"`
}

// Device is one device-list broadcast entry: a manufacturer/model pair
// plus its exposes[] array.
type Device struct {
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Exposes      []Expose `json:"exposes"`
}

// ModelCapabilities is the per-model output of Parse: the capability
// map keyed by capability name, plus the owning manufacturer.
type ModelCapabilities struct {
	Manufacturer string
	Model        string
	Capabilities map[string]Capability
}

// aliasTable maps hub-native camelCase feature names to the snake_case
// name this system uses, for the handful that don't round-trip under
// the mechanical rule below.
var aliasTable = map[string]string{
	"smartBulbMode": "smart_bulb_mode",
	"led_effect":    "led_notifications",
	"ledEffect":     "led_notifications",
	"autoTimerOff":  "auto_timer_off",
	"colorTemp":     "color_temp",
}

// compositeTypes is the set of expose types that collapse to a single
// named composite capability listing feature names, rather than one
// capability per feature.
var compositeTypes = map[string]string{
	"light":   "light_control",
	"switch":  "switch_control",
	"climate": "climate_control",
}

// Parse derives a model's capability map from its exposes[] array.
// Unknown expose types are skipped (logged at debug by the caller, which
// owns the logger); Parse itself is pure and deterministic so repeated
// broadcasts with identical exposes[] produce identical maps.
func Parse(manufacturer, model string, exposes []Expose) ModelCapabilities {
	caps := make(map[string]Capability)
	for _, e := range exposes {
		switch e.Type {
		case "light", "switch", "climate":
			name := compositeTypes[e.Type]
			features := make([]string, 0, len(e.Features))
			for _, f := range e.Features {
				features = append(features, mapName(nameOf(f)))
			}
			caps[name] = Capability{
				Name:       name,
				Type:       TypeComposite,
				Values:     features,
				Complexity: classify(features),
			}
		case "enum":
			name := mapName(e.Name)
			if name == "" {
				continue
			}
			caps[name] = Capability{
				Name:       name,
				Type:       TypeEnum,
				Values:     append([]string(nil), e.Values...),
				Complexity: classify([]string{name}),
			}
		case "numeric":
			name := mapName(e.Name)
			if name == "" {
				continue
			}
			caps[name] = Capability{
				Name:       name,
				Type:       TypeNumeric,
				Min:        e.ValueMin,
				Max:        e.ValueMax,
				Unit:       e.Unit,
				Complexity: classify([]string{name}),
			}
		case "binary":
			name := mapName(e.Name)
			if name == "" {
				continue
			}
			on, off := "true", "false"
			if len(e.Values) == 2 {
				on, off = e.Values[0], e.Values[1]
			}
			caps[name] = Capability{
				Name:       name,
				Type:       TypeBinary,
				Values:     []string{on, off},
				Complexity: classify([]string{name}),
			}
		default:
			// unknown types are skipped
		}
	}
	return ModelCapabilities{Manufacturer: manufacturer, Model: model, Capabilities: caps}
}

func nameOf(e Expose) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Type
}

// mapName converts a hub-native feature/expose name to snake_case,
// consulting the alias table first and falling back to a mechanical
// camelCase -> snake_case rule.
func mapName(raw string) string {
	if raw == "" {
		return ""
	}
	if mapped, ok := aliasTable[raw]; ok {
		return mapped
	}
	return camelToSnake(raw)
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify applies the complexity heuristic: any matched feature
// name containing effect/transition/calibration escalates the whole
// capability to advanced; timer/delay/threshold to medium; otherwise
// easy.
func classify(names []string) Complexity {
	best := ComplexityEasy
	for _, n := range names {
		switch {
		case containsAny(n, "effect", "transition", "calibration"):
			return ComplexityAdvanced
		case containsAny(n, "timer", "delay", "threshold"):
			best = ComplexityMedium
		}
	}
	return best
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Store holds the current model -> ModelCapabilities index behind an
// atomic pointer; Refresh replaces the whole index at once so readers
// never see a partially rebuilt map: single writer, many readers,
// copy-on-refresh.
type Store struct {
	current atomic.Pointer[map[string]ModelCapabilities]
}

// NewStore returns a Store with an empty initial index.
func NewStore() *Store {
	s := &Store{}
	empty := make(map[string]ModelCapabilities)
	s.current.Store(&empty)
	return s
}

// Refresh parses every device's exposes[] array and atomically replaces
// the current index.
func (s *Store) Refresh(devices []Device) {
	idx := make(map[string]ModelCapabilities, len(devices))
	for _, d := range devices {
		idx[d.Model] = Parse(d.Manufacturer, d.Model, d.Exposes)
	}
	s.current.Store(&idx)
}

// Get returns the capability map for model, if known.
func (s *Store) Get(model string) (ModelCapabilities, bool) {
	idx := s.current.Load()
	mc, ok := (*idx)[model]
	return mc, ok
}

// All returns every known model's capabilities. The returned slice must
// not be mutated.
func (s *Store) All() []ModelCapabilities {
	idx := s.current.Load()
	out := make([]ModelCapabilities, 0, len(*idx))
	for _, mc := range *idx {
		out = append(out, mc)
	}
	return out
}

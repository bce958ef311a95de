// Package suggestion turns qualifying Patterns into description-first
// Suggestion records: load patterns above a quality floor, fetch
// capability snapshots, ask the oracle for a natural-language
// description, and classify category/priority heuristically.
package suggestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/capability"
	"github.com/wtthornton/ha-ingestor/internal/patterns"
)

// Status is the closed lifecycle vocabulary.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
	StatusDeployed Status = "deployed"
	StatusRejected Status = "rejected"
)

// Category is the heuristic classification bucket.
type Category string

const (
	CategoryEnergy     Category = "energy"
	CategoryComfort    Category = "comfort"
	CategorySecurity   Category = "security"
	CategoryConvenience Category = "convenience"
)

// Priority is derived from pattern confidence.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Suggestion is the persisted record; automation_yaml stays nil while
// status=draft and becomes immutable once set.
type Suggestion struct {
	SuggestionID         string
	PatternID            string
	Status               Status
	DescriptionOnly      string
	DeviceCapabilities   []capability.ModelCapabilities
	RefinementCount      int
	AutomationYAML       *string
	Category             Category
	Priority              Priority
	Confidence            float64
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ApprovedAt            *time.Time
	DeployedAt            *time.Time
	ExternalAutomationID *string
}

// Oracle is the minimal LLM capability this package needs.
type Oracle interface {
	Complete(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error)
}

// Capabilities resolves the capability snapshot for a pattern's device
// model(s). Callers key by whatever model identifier the capability
// store was refreshed with; the pattern's device_id(s) are passed
// through verbatim, since this system has no separate entity->model
// resolver in the core scope.
type Capabilities interface {
	Get(model string) (capability.ModelCapabilities, bool)
}

// Generator produces Suggestions from qualifying Patterns.
type Generator struct {
	oracle Oracle
	caps   Capabilities
	clock  func() time.Time
	log    *zap.Logger

	qualityFloor float64
}

// NewGenerator creates a Generator. qualityFloor defaults to 0.5 when 0.
func NewGenerator(oracle Oracle, caps Capabilities, clock func() time.Time, log *zap.Logger, qualityFloor float64) *Generator {
	if clock == nil {
		clock = time.Now
	}
	if qualityFloor == 0 {
		qualityFloor = 0.5
	}
	return &Generator{oracle: oracle, caps: caps, clock: clock, log: log.Named("suggestion"), qualityFloor: qualityFloor}
}

// Generate produces one Suggestion per qualifying pattern, newest first.
// LLM failures fall back to a deterministic template rather than leaving
// the pattern unsuggested.
func (g *Generator) Generate(ctx context.Context, ps []patterns.Pattern) []Suggestion {
	sorted := make([]patterns.Pattern, len(ps))
	copy(sorted, ps)
	sortPatternsNewestFirst(sorted)

	var out []Suggestion
	for _, p := range sorted {
		if p.Confidence < g.qualityFloor {
			continue
		}
		out = append(out, g.generateOne(ctx, p))
	}
	return out
}

// Refine replaces a draft suggestion's description via a conversational
// follow-up turn and increments RefinementCount. It
// only mutates draft suggestions; callers must re-persist the result.
func (g *Generator) Refine(ctx context.Context, s Suggestion, userMessage string) (Suggestion, error) {
	if g.oracle == nil {
		return s, fmt.Errorf("refine: no oracle configured")
	}
	system := "You refine a one-sentence home-automation suggestion description based on user feedback. Reply with the new sentence only."
	user := fmt.Sprintf("Current description: %s\nUser feedback: %s", s.DescriptionOnly, userMessage)

	text, err := g.oracle.Complete(ctx, system, user, 200, 0.3)
	if err != nil {
		return s, fmt.Errorf("refine suggestion %s: %w", s.SuggestionID, err)
	}

	s.DescriptionOnly = text
	s.RefinementCount++
	s.UpdatedAt = g.clock()
	return s, nil
}

func sortPatternsNewestFirst(ps []patterns.Pattern) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].LastSeen.After(ps[j-1].LastSeen); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

func (g *Generator) generateOne(ctx context.Context, p patterns.Pattern) Suggestion {
	snapshot := g.capabilitySnapshot(p)

	description := g.describeViaOracle(ctx, p, snapshot)
	if description == "" {
		description = templateDescription(p)
	}

	now := g.clock()
	return Suggestion{
		SuggestionID:       fmt.Sprintf("sugg-%s", p.PatternID),
		PatternID:          p.PatternID,
		Status:             StatusDraft,
		DescriptionOnly:    description,
		DeviceCapabilities: snapshot,
		Category:           categorize(p, snapshot),
		Priority:           prioritize(p.Confidence),
		Confidence:         p.Confidence,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (g *Generator) capabilitySnapshot(p patterns.Pattern) []capability.ModelCapabilities {
	var ids []string
	switch {
	case p.DeviceID != "":
		ids = []string{p.DeviceID}
	case p.DevicePair != [2]string{}:
		ids = []string{p.DevicePair[0], p.DevicePair[1]}
	default:
		ids = p.Sequence
	}

	var out []capability.ModelCapabilities
	if g.caps == nil {
		return out
	}
	for _, id := range ids {
		if c, ok := g.caps.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (g *Generator) describeViaOracle(ctx context.Context, p patterns.Pattern, caps []capability.ModelCapabilities) string {
	if g.oracle == nil {
		return ""
	}
	system := "You write one concise sentence describing a home-automation opportunity for a homeowner. No YAML, no code."
	user := buildPromptDescription(p, caps)

	text, err := g.oracle.Complete(ctx, system, user, 200, 0.3)
	if err != nil {
		g.log.Warn("oracle description failed, using template fallback", zap.String("pattern_id", p.PatternID), zap.Error(err))
		return ""
	}
	return text
}

func buildPromptDescription(p patterns.Pattern, caps []capability.ModelCapabilities) string {
	s := fmt.Sprintf("Pattern type: %s\nConfidence: %.2f\nOccurrences: %d\n", p.PatternType, p.Confidence, p.Occurrences)
	if p.DeviceID != "" {
		s += fmt.Sprintf("Device: %s\n", p.DeviceID)
	}
	if p.DevicePair != [2]string{} {
		s += fmt.Sprintf("Devices: %s, %s\n", p.DevicePair[0], p.DevicePair[1])
	}
	for _, mc := range caps {
		names := make([]string, 0, len(mc.Capabilities))
		for name := range mc.Capabilities {
			names = append(names, name)
		}
		s += fmt.Sprintf("Model %s capabilities=%v\n", mc.Model, names)
	}
	return s
}

func templateDescription(p patterns.Pattern) string {
	switch p.PatternType {
	case patterns.TypeTimeOfDay:
		return fmt.Sprintf("%s is typically used around the same time each day (%d occurrences observed).", p.DeviceID, p.Occurrences)
	case patterns.TypeCoOccurrence:
		return fmt.Sprintf("%s and %s tend to activate together.", p.DevicePair[0], p.DevicePair[1])
	case patterns.TypeSequence:
		return fmt.Sprintf("A recurring sequence of %d devices was observed.", len(p.Sequence))
	case patterns.TypeDuration:
		return fmt.Sprintf("%s stays in a given state for a consistent duration.", p.DeviceID)
	case patterns.TypeContextual:
		return fmt.Sprintf("%s behaves consistently under similar conditions.", p.DeviceID)
	case patterns.TypeAnomaly:
		return fmt.Sprintf("%s showed unusual behavior compared to its usual baseline.", p.DeviceID)
	default:
		return "A recurring pattern was detected."
	}
}

// categorize buckets a pattern by the domain(s) of
// the pattern's device id(s) (entity_id prefix), not the capability
// snapshot: light/switch -> convenience, climate -> comfort,
// lock/door/alarm/motion/camera -> security, energy/power -> energy.
func categorize(p patterns.Pattern, caps []capability.ModelCapabilities) Category {
	ids := []string{p.DeviceID, p.DevicePair[0], p.DevicePair[1]}
	ids = append(ids, p.Sequence...)

	for _, id := range ids {
		switch entityDomain(id) {
		case "lock", "door", "alarm_control_panel", "binary_sensor", "camera":
			if entityDomain(id) != "binary_sensor" || strings.Contains(id, "motion") {
				return CategorySecurity
			}
		}
	}
	for _, id := range ids {
		if entityDomain(id) == "climate" {
			return CategoryComfort
		}
	}
	for _, id := range ids {
		switch entityDomain(id) {
		case "light", "switch":
			return CategoryConvenience
		}
	}
	for _, id := range ids {
		if strings.Contains(id, "energy") || strings.Contains(id, "power") {
			return CategoryEnergy
		}
	}
	return CategoryConvenience
}

func entityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

func prioritize(confidence float64) Priority {
	switch {
	case confidence >= 0.85:
		return PriorityHigh
	case confidence >= 0.65:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

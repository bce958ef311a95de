// Package safety validates automation YAML against a fixed rule set
// before it is ever created on the live hub. The bulk of the rules are
// structural checks over the parsed YAML tree; the "destructive system
// actions" rule is delegated to an embedded OPA policy evaluated with
// rego, the same rego.New/PrepareForEval/Eval shape the pack uses for
// authorization decisions (diwise-iot-device-mgmt's
// internal/pkg/presentation/api/auth/auth.go), repurposed here from
// request authorization to automation-service denylisting.
package safety

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"gopkg.in/yaml.v3"
)

// Level is the strictness the caller validates against.
type Level string

const (
	LevelStrict     Level = "strict"
	LevelModerate   Level = "moderate"
	LevelPermissive Level = "permissive"
)

var levelThresholds = map[Level]int{
	LevelStrict:     85,
	LevelModerate:   70,
	LevelPermissive: 50,
}

// Severity is the closed vocabulary for one issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one rule violation.
type Issue struct {
	Rule     string
	Severity Severity
	Message  string
}

// Result is the validation outcome.
type Result struct {
	Passed      bool
	SafetyScore int
	Issues      []Issue
	CanOverride bool
	Summary     string
}

const destructiveRego = `
package automation.safety

import rego.v1

destructive_services := {"homeassistant.restart", "homeassistant.stop", "recorder.purge"}

is_destructive(service) if {
	destructive_services[service]
}
`

// Validator evaluates YAML automations against the rule set.
type Validator struct {
	bulkWidth      int
	destructiveEval *rego.PreparedEvalQuery
}

// New prepares the validator, including the embedded OPA policy.
// bulkWidth defaults to 3 when 0.
func New(ctx context.Context, bulkWidth int) (*Validator, error) {
	if bulkWidth == 0 {
		bulkWidth = 3
	}
	query, err := rego.New(
		rego.Query("x = data.automation.safety.is_destructive(input.service)"),
		rego.Module("safety.rego", destructiveRego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare safety policy: %w", err)
	}
	return &Validator{bulkWidth: bulkWidth, destructiveEval: &query}, nil
}

// automation is the generic parsed shape of a Home-Assistant-style
// automation YAML document; fields are intentionally loose since user
// YAML varies widely in which keys are present.
type automation struct {
	Alias     string          `yaml:"alias"`
	Trigger   []map[string]any `yaml:"trigger"`
	Condition []map[string]any `yaml:"condition"`
	Action    []map[string]any `yaml:"action"`
}

// Validate runs the full rule set against yamlText at the given
// strictness level.
func (v *Validator) Validate(ctx context.Context, yamlText string, level Level) Result {
	var a automation
	if err := yaml.Unmarshal([]byte(yamlText), &a); err != nil {
		return Result{
			Passed:  false,
			Issues:  []Issue{{Rule: "parse", Severity: SeverityCritical, Message: "invalid YAML: " + err.Error()}},
			Summary: "automation YAML failed to parse",
		}
	}

	var issues []Issue
	issues = append(issues, v.checkClimateExtremes(a)...)
	issues = append(issues, v.checkBulkDeviceOff(a)...)
	issues = append(issues, v.checkSecurityDisable(a)...)
	issues = append(issues, v.checkTimeConstraints(a)...)
	issues = append(issues, v.checkExcessiveTriggers(a)...)
	issues = append(issues, v.checkDestructiveSystemActions(ctx, a)...)

	score := 100
	hasCritical := false
	destructiveCritical := false
	for _, iss := range issues {
		switch iss.Severity {
		case SeverityCritical:
			score -= 30
			hasCritical = true
			if iss.Rule == "destructive_system_actions" {
				destructiveCritical = true
			}
		case SeverityWarning:
			score -= 10
		case SeverityInfo:
			score -= 2
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	threshold := levelThresholds[level]
	if threshold == 0 {
		threshold = levelThresholds[LevelModerate]
	}
	passed := !hasCritical && score >= threshold

	return Result{
		Passed:      passed,
		SafetyScore: score,
		Issues:      issues,
		CanOverride: !destructiveCritical,
		Summary:     summarize(issues, passed),
	}
}

func summarize(issues []Issue, passed bool) string {
	if passed && len(issues) == 0 {
		return "no issues found"
	}
	critical, warning := 0, 0
	for _, i := range issues {
		switch i.Severity {
		case SeverityCritical:
			critical++
		case SeverityWarning:
			warning++
		}
	}
	return fmt.Sprintf("%d critical, %d warning issue(s)", critical, warning)
}

func actionService(action map[string]any) (string, bool) {
	if s, ok := action["service"].(string); ok {
		return s, true
	}
	if s, ok := action["action"].(string); ok {
		return s, true
	}
	return "", false
}

func targetWidth(action map[string]any) (int, bool) {
	target, ok := action["target"].(map[string]any)
	if !ok {
		if eid, ok := action["entity_id"]; ok {
			return widthOf(eid)
		}
		return 0, false
	}
	if areaID, ok := target["area_id"]; ok {
		if s, ok := areaID.(string); ok && s == "all" {
			return 1 << 30, true // "all" is always wider than any configured width
		}
	}
	if eid, ok := target["entity_id"]; ok {
		return widthOf(eid)
	}
	return 0, false
}

func widthOf(eid any) (int, bool) {
	switch v := eid.(type) {
	case string:
		return 1, true
	case []any:
		return len(v), true
	default:
		return 0, false
	}
}

func (v *Validator) checkClimateExtremes(a automation) []Issue {
	var out []Issue
	for _, act := range a.Action {
		svc, ok := actionService(act)
		if !ok || svc != "climate.set_temperature" {
			continue
		}
		data, _ := act["data"].(map[string]any)
		temp, ok := numericField(data, "temperature")
		if !ok {
			continue
		}
		if temp < 55 || temp > 85 {
			out = append(out, Issue{
				Rule: "climate_extremes", Severity: SeverityCritical,
				Message: fmt.Sprintf("climate.set_temperature target %.1f outside [55,85]", temp),
			})
		}
	}
	return out
}

func numericField(data map[string]any, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (v *Validator) checkBulkDeviceOff(a automation) []Issue {
	var out []Issue
	for _, act := range a.Action {
		svc, ok := actionService(act)
		if !ok || !strings.HasSuffix(svc, ".turn_off") {
			continue
		}
		width, ok := targetWidth(act)
		if !ok || width <= v.bulkWidth {
			continue
		}
		if !hasTimeConstraint(a) {
			out = append(out, Issue{
				Rule: "bulk_device_off", Severity: SeverityCritical,
				Message: fmt.Sprintf("%s targets %d entities with no time constraint", svc, width),
			})
		}
	}
	return out
}

func (v *Validator) checkSecurityDisable(a automation) []Issue {
	var out []Issue
	securityRe := []string{"alarm", "security", "lock", "camera"}
	for _, act := range a.Action {
		svc, ok := actionService(act)
		if !ok || !strings.HasSuffix(svc, ".turn_off") {
			continue
		}
		eid, _ := act["entity_id"].(string)
		if eid == "" {
			if target, ok := act["target"].(map[string]any); ok {
				eid, _ = target["entity_id"].(string)
			}
		}
		for _, kw := range securityRe {
			if strings.Contains(eid, kw) {
				out = append(out, Issue{
					Rule: "security_disable", Severity: SeverityCritical,
					Message: fmt.Sprintf("turns off security-related entity %s", eid),
				})
				break
			}
		}
	}
	return out
}

func (v *Validator) checkTimeConstraints(a automation) []Issue {
	var out []Issue
	for _, act := range a.Action {
		svc, ok := actionService(act)
		if !ok {
			continue
		}
		if svc != "" && !strings.HasSuffix(svc, ".turn_off") && svc != "cover.close_cover" {
			continue
		}
		width, ok := targetWidth(act)
		if !ok || width <= v.bulkWidth {
			continue
		}
		if !hasTimeConstraint(a) {
			out = append(out, Issue{
				Rule: "time_constraints", Severity: SeverityWarning,
				Message: fmt.Sprintf("%s on broad target lacks a time condition or sun trigger", svc),
			})
		}
	}
	return out
}

func hasTimeConstraint(a automation) bool {
	for _, c := range a.Condition {
		if c["condition"] == "time" || c["platform"] == "time" {
			return true
		}
	}
	for _, t := range a.Trigger {
		if t["platform"] == "sun" {
			return true
		}
	}
	return false
}

func (v *Validator) checkExcessiveTriggers(a automation) []Issue {
	var out []Issue
	for _, t := range a.Trigger {
		if t["platform"] != "time_pattern" {
			continue
		}
		minutes, _ := t["minutes"].(string)
		if minutes != "*" {
			continue
		}
		if _, ok := t["for"]; !ok {
			out = append(out, Issue{
				Rule: "excessive_triggers", Severity: SeverityWarning,
				Message: "time_pattern minutes:'*' without a for: debounce",
			})
		}
	}
	return out
}

func (v *Validator) checkDestructiveSystemActions(ctx context.Context, a automation) []Issue {
	var out []Issue
	for _, act := range a.Action {
		svc, ok := actionService(act)
		if !ok {
			continue
		}
		results, err := v.destructiveEval.Eval(ctx, rego.EvalInput(map[string]any{"service": svc}))
		if err != nil || len(results) == 0 {
			continue
		}
		if allowed, ok := results[0].Bindings["x"].(bool); ok && allowed {
			out = append(out, Issue{
				Rule: "destructive_system_actions", Severity: SeverityCritical,
				Message: fmt.Sprintf("%s is a destructive system action", svc),
			})
		}
	}
	return out
}

package safety

import (
	"regexp"
	"strings"
)

// serviceRenames maps manufacturer-specific domain services to their
// generic equivalents, e.g. a WLED-style light
// integration that should use the generic light service.
var serviceRenames = map[string]string{
	"wled.turn_on":  "light.turn_on",
	"wled.turn_off": "light.turn_off",
}

var pluralKeyRe = regexp.MustCompile(`(?m)^(\s*)triggers:`)
var pluralConditionsRe = regexp.MustCompile(`(?m)^(\s*)conditions:`)
var pluralActionsRe = regexp.MustCompile(`(?m)^(\s*)actions:`)
var triggerStateRe = regexp.MustCompile(`(?m)^(\s*(?:-\s+)?)trigger:\s*state\s*$`)
var actionServiceRe = regexp.MustCompile(`(?m)^(\s*(?:-\s+)?)action:\s*([a-z0-9_]+\.[a-z0-9_]+)\s*$`)

// AutoFix applies a limited structural fixer: plural key normalization,
// canonical field names, and manufacturer-specific service renames. It
// is line-oriented rather than AST-based — a small set of known fixes,
// not a full YAML-semantic rewrite.
func AutoFix(yamlText string) string {
	fixed := yamlText
	fixed = pluralKeyRe.ReplaceAllString(fixed, "${1}trigger:")
	fixed = pluralConditionsRe.ReplaceAllString(fixed, "${1}condition:")
	fixed = pluralActionsRe.ReplaceAllString(fixed, "${1}action:")
	fixed = triggerStateRe.ReplaceAllString(fixed, "${1}platform: state")
	fixed = actionServiceRe.ReplaceAllString(fixed, "${1}service: $2")

	for old, new := range serviceRenames {
		fixed = strings.ReplaceAll(fixed, old, new)
	}
	return fixed
}

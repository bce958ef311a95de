// Package harness executes a suggestion on the live hub with zero
// lingering side effects: detect stripped components, strip via
// the LLM oracle, validate, create, trigger, wait, delete, and restore on
// request.
package harness

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// ComponentType is the closed vocabulary of things a test run strips out
// of the original automation.
type ComponentType string

const (
	ComponentDelay         ComponentType = "delay"
	ComponentRepeat        ComponentType = "repeat"
	ComponentTimeCondition ComponentType = "time_condition"
)

// DetectedComponent is one stripped-out piece, recorded so Restore can
// put it back on restore.
type DetectedComponent struct {
	Type       ComponentType
	Value      string
	Nested     bool // true when another component of a containing type also matched
	Confidence float64
}

var delayPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(delay|wait|pause|sleep|hold)[:\s]+["']?(\d+(?:\.\d+)?)\s*(second|sec|secs|minute|min|mins|hour|hr|hrs)`),
	regexp.MustCompile(`(?i)\bfor[:\s]+["']?(\d+(?:\.\d+)?)\s*(second|sec|secs|minute|min|mins|hour|hr|hrs)`),
}

var repeatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(repeat|loop|cycle)[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)\b(\d+)\s*times\b`),
	regexp.MustCompile(`(?i)\bevery[:\s]+(\d+(?:\.\d+)?)\s*(second|sec|secs|minute|min|mins|hour|hr|hrs)`),
}

var timeConditionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bafter[:\s]+(\d{1,2}:?\d{0,2}\s*(?:am|pm)?)`),
	regexp.MustCompile(`(?i)\bbefore[:\s]+(\d{1,2}:?\d{0,2}\s*(?:am|pm)?)`),
	regexp.MustCompile(`(?i)\bat[:\s]+(\d{1,2}:?\d{0,2}\s*(?:am|pm))`),
	regexp.MustCompile(`(?i)\bbetween[:\s]+(\d{1,2}:?\d{0,2})\s+and\s+(\d{1,2}:?\d{0,2})`),
}

// fuzzyDelayPhrases/fuzzyRepeatPhrases/fuzzyTimePhrases are common
// phrasings a token-sort-ratio-style match tolerates typos/reorderings
// against, when the exact regexes above find nothing.
var fuzzyDelayPhrases = []string{"delay", "wait", "pause", "sleep", "hold on"}
var fuzzyRepeatPhrases = []string{"repeat", "loop", "cycle", "do it again"}
var fuzzyTimePhrases = []string{"after time", "before time", "between times", "at sunset", "at sunrise"}

const fuzzyThreshold = 0.6

// DetectComponents scans an automation description for delay/repeat/
// time-condition tokens, first by exact regex then — per component
// type that the regexes missed — by fuzzy token-sort-ratio match
// against common phrasings.
func DetectComponents(description string) []DetectedComponent {
	var out []DetectedComponent
	out = append(out, detectType(description, delayPatterns, fuzzyDelayPhrases, ComponentDelay)...)
	out = append(out, detectType(description, repeatPatterns, fuzzyRepeatPhrases, ComponentRepeat)...)
	out = append(out, detectType(description, timeConditionPatterns, fuzzyTimePhrases, ComponentTimeCondition)...)
	markNested(out)
	return out
}

func detectType(description string, patterns []*regexp.Regexp, phrases []string, ct ComponentType) []DetectedComponent {
	if exact := matchExact(description, patterns, ct); len(exact) > 0 {
		return exact
	}
	return matchFuzzy(description, phrases, ct)
}

func matchExact(description string, patterns []*regexp.Regexp, ct ComponentType) []DetectedComponent {
	var out []DetectedComponent
	for _, re := range patterns {
		if m := re.FindString(description); m != "" {
			out = append(out, DetectedComponent{Type: ct, Value: m, Confidence: 1.0})
		}
	}
	return out
}

// matchFuzzy runs a token-sort-ratio-style comparison between each word
// window of the description and each candidate phrase, accepting any
// match at or above fuzzyThreshold.
func matchFuzzy(description string, phrases []string, ct ComponentType) []DetectedComponent {
	words := strings.Fields(strings.ToLower(description))
	var out []DetectedComponent
	for _, phrase := range phrases {
		phraseWords := strings.Fields(phrase)
		windowSize := len(phraseWords)
		if windowSize == 0 || windowSize > len(words) {
			continue
		}
		for i := 0; i+windowSize <= len(words); i++ {
			window := strings.Join(words[i:i+windowSize], " ")
			score := tokenSortRatio(window, phrase)
			if score >= fuzzyThreshold {
				out = append(out, DetectedComponent{Type: ct, Value: window, Confidence: score})
				break
			}
		}
	}
	return out
}

// tokenSortRatio sorts the tokens of both strings alphabetically, then
// scores normalized Levenshtein similarity on the sorted forms, so word
// order never penalizes a match.
func tokenSortRatio(a, b string) float64 {
	sa := sortedTokens(a)
	sb := sortedTokens(b)
	if sa == "" && sb == "" {
		return 1
	}
	dist := levenshtein.ComputeDistance(sa, sb)
	maxLen := len(sa)
	if len(sb) > maxLen {
		maxLen = len(sb)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

func sortedTokens(s string) string {
	tokens := strings.Fields(strings.ToLower(s))
	for i := 1; i < len(tokens); i++ {
		for j := i; j > 0 && tokens[j] < tokens[j-1]; j-- {
			tokens[j], tokens[j-1] = tokens[j-1], tokens[j]
		}
	}
	return strings.Join(tokens, " ")
}

// markNested flags a component as nested when another component whose
// type "contains" it also matched (e.g. a repeat block containing a
// delay is nested inside the repeat).
func markNested(components []DetectedComponent) {
	hasRepeat := false
	for _, c := range components {
		if c.Type == ComponentRepeat {
			hasRepeat = true
			break
		}
	}
	if !hasRepeat {
		return
	}
	for i := range components {
		if components[i].Type == ComponentDelay {
			components[i].Nested = true
		}
	}
}

// Mode is the test-run shape.
type Mode string

const (
	ModeSimple   Mode = "simple"
	ModeSequence Mode = "sequence"
)

// ModeFor derives the test mode from detected components: any delay or
// repeat forces sequence mode, preserving sequence structure.
func ModeFor(components []DetectedComponent) Mode {
	for _, c := range components {
		if c.Type == ComponentDelay || c.Type == ComponentRepeat {
			return ModeSequence
		}
	}
	return ModeSimple
}

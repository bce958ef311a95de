package llmoracle

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSON finds the first balanced {...} or [...] span in free-form
// LLM text and parses it with gjson, tolerating prose before/after the
// JSON payload (e.g. "Here's the automation:\n```json\n{...}\n```").
func ExtractJSON(text string) (gjson.Result, error) {
	span, err := balancedSpan(text)
	if err != nil {
		return gjson.Result{}, err
	}
	result := gjson.Parse(span)
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("extract json: no valid json in response")
	}
	return result, nil
}

func balancedSpan(text string) (string, error) {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return "", fmt.Errorf("extract json: no opening brace or bracket found")
	}

	open := text[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("extract json: unbalanced braces")
}

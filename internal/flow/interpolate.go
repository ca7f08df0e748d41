// Package flow implements the conversation flow interpreter.
//
// It executes a declarative flow graph against one conversation's durable
// state, issuing outbound sends and suspending across waits.
package flow

import (
	"regexp"
	"strings"
)

// variablePattern matches {{var}} tokens, tolerating surrounding whitespace.
var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Interpolate replaces {{var}} tokens in the template with values from vars.
// Missing variables become the empty string.
func Interpolate(template string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(template, func(token string) string {
		name := variablePattern.FindStringSubmatch(token)[1]
		return vars[name]
	})
}

// ContainsKeyword reports whether any keyword is a case-insensitive
// substring of the text.
func ContainsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

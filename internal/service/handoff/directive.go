// Package handoff decides, once a turn's text is complete, whether the session moves
// to another persona.
package handoff

import (
	"regexp"
	"strings"
)

// Kind tags a Directive.
type Kind int

const (
	// KindNone means the text carries no switch directive.
	KindNone Kind = iota
	// KindSwitch means the text asks to hand over to PersonaID.
	KindSwitch
)

// Directive is the parsed switch signal of one assistant text.
type Directive struct {
	Kind      Kind
	PersonaID string
}

// None is the empty directive.
func None() Directive { return Directive{Kind: KindNone} }

// Switch requests a handoff to personaID.
func Switch(personaID string) Directive { return Directive{Kind: KindSwitch, PersonaID: personaID} }

// IsSwitch reports whether d requests a handoff.
func (d Directive) IsSwitch() bool { return d.Kind == KindSwitch }

// maxDirectiveLen bounds a directive, braces included. Longer matches are ordinary text
// for both Parse and Filter, so what is streamed and what is committed agree.
const maxDirectiveLen = 256

var directivePattern = regexp.MustCompile(`\{\s*"agent"\s*:\s*"([^"]+)"\s*\}`)

// findDirectives returns the submatch indexes of every directive within the length bound.
func findDirectives(text string) [][]int {
	var out [][]int
	for _, m := range directivePattern.FindAllStringSubmatchIndex(text, -1) {
		if m[1]-m[0] <= maxDirectiveLen {
			out = append(out, m)
		}
	}
	return out
}

// Parse scans the complete text once. The first directive wins; every directive
// occurrence is removed from the returned text. Only the blanks left on the seam of a
// removed directive are merged; the rest of the layout is kept.
func Parse(text string) (Directive, string) {
	matches := findDirectives(text)
	if len(matches) == 0 {
		return None(), text
	}

	first := strings.TrimSpace(text[matches[0][2]:matches[0][3]])

	var b strings.Builder
	last := 0
	for _, m := range matches {
		left := text[last:m[0]]
		right := text[m[1]:]
		// "a {..} b" 只保留一个空白
		if right == "" || right[0] == ' ' || right[0] == '\t' || right[0] == '\n' || right[0] == '\r' {
			left = strings.TrimRight(left, " \t")
		}
		b.WriteString(left)
		last = m[1]
	}
	b.WriteString(text[last:])
	cleaned := strings.TrimSpace(b.String())

	if first == "" {
		return None(), cleaned
	}
	return Switch(first), cleaned
}

// ContainsDirective reports whether any directive remains in text.
func ContainsDirective(text string) bool {
	return len(findDirectives(text)) > 0
}

package handoff

import "strings"

// maxHeld caps how much text may be withheld while a directive is still possible.
const maxHeld = maxDirectiveLen

// Filter removes directives from streamed fragments so the caller never sees them,
// even when a directive is split across fragments. Only text that may still turn into
// a directive is held back. Parse on the accumulated raw text remains the source of
// truth for the switch decision.
type Filter struct {
	held strings.Builder
}

// Push consumes the next fragment and returns the text that is safe to relay now.
func (f *Filter) Push(fragment string) string {
	f.held.WriteString(fragment)
	pending := f.held.String()
	f.held.Reset()

	var out strings.Builder
	for {
		idx := strings.IndexByte(pending, '{')
		if idx < 0 {
			out.WriteString(pending)
			return out.String()
		}
		out.WriteString(pending[:idx])
		pending = pending[idx:]

		n, more := matchDirective(pending)
		switch {
		case n > 0 && n <= maxDirectiveLen:
			pending = pending[n:]
		case more && len(pending) <= maxHeld:
			f.held.WriteString(pending)
			return out.String()
		default:
			out.WriteByte('{')
			pending = pending[1:]
		}
	}
}

// Flush releases whatever is still held once the stream has ended.
func (f *Filter) Flush() string {
	rest := f.held.String()
	f.held.Reset()
	return rest
}

// matchDirective inspects s, which starts with '{'. It returns n > 0 when s begins with
// a complete directive of n bytes, or more == true when s is a proper prefix of one.
func matchDirective(s string) (n int, more bool) {
	i := 1
	skip := func() {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
	}
	// 1 matched, 0 ran out of input, -1 mismatch
	lit := func(want string) int {
		for j := 0; j < len(want); j++ {
			if i >= len(s) {
				return 0
			}
			if s[i] != want[j] {
				return -1
			}
			i++
		}
		return 1
	}

	for _, token := range []string{`"agent"`, ":", `"`} {
		skip()
		switch lit(token) {
		case 0:
			return 0, true
		case -1:
			return 0, false
		}
	}

	start := i
	for i < len(s) && s[i] != '"' {
		i++
	}
	if i >= len(s) {
		return 0, true
	}
	if i == start {
		return 0, false
	}
	i++

	skip()
	switch lit("}") {
	case 0:
		return 0, true
	case -1:
		return 0, false
	}
	return i, false
}

// isSpace matches the \s class of the directive pattern.
func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

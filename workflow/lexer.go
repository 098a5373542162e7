package workflow

import (
	"bufio"
	"strings"
)

// rawLine is one physical line of a workflow file, tagged with its 1-based
// line number for diagnostics.
type rawLine struct {
	Number int
	Text   string
}

// logicalLine is a directive keyword plus its (possibly multi-line) value,
// with continuation lines already joined.
type logicalLine struct {
	Line    int // line of the directive keyword itself
	Keyword string
	Value   string
}

func readRawLines(content string) []rawLine {
	var lines []rawLine
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		lines = append(lines, rawLine{Number: n, Text: scanner.Text()})
	}
	return lines
}

// isIndented reports whether a raw line is a continuation of the previous
// directive's value: it starts with whitespace and is not blank.
func isIndented(text string) bool {
	if text == "" {
		return false
	}
	return text[0] == ' ' || text[0] == '\t'
}

func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "#")
}

// tokenize groups raw lines into logical directive lines: a non-blank,
// non-comment line at the current directive indentation starts a
// directive; subsequent more-indented lines extend its value, each trimmed
// of surrounding whitespace and joined by newline. The directive
// indentation is column 0, except inside an ON-FAILURE/ON-SUCCESS block,
// where the block's first line sets it until END.
func tokenize(lines []rawLine) []logicalLine {
	indent := func(s string) int { return len(s) - len(strings.TrimLeft(s, " \t")) }
	var out []logicalLine
	base, pendingBlock := 0, false
	for i := 0; i < len(lines); i++ {
		text := lines[i].Text
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || isComment(trimmed) {
			continue
		}
		if pendingBlock {
			base, pendingBlock = indent(text), false
		}
		if indent(text) > base {
			// Orphan continuation line with no directive to attach to; the
			// parser will flag this as a diagnostic. Emit as an empty
			// keyword logical line so the parser can report it precisely.
			out = append(out, logicalLine{Line: lines[i].Number, Keyword: "", Value: trimmed})
			continue
		}

		keyword, value := splitDirective(trimmed)
		ll := logicalLine{Line: lines[i].Number, Keyword: keyword, Value: value}
		switch keyword {
		case "ON-FAILURE", "ON-SUCCESS":
			pendingBlock = true
			out = append(out, ll)
			continue
		case "END":
			base = 0
		}

		// Absorb subsequent indented continuation lines into this
		// directive's value (used for multi-line PROMPT/RUN bodies).
		for i+1 < len(lines) {
			next := lines[i+1].Text
			nextTrimmed := strings.TrimSpace(next)
			if nextTrimmed == "" {
				// A blank line inside a continuation preserves paragraph
				// breaks in PROMPT bodies.
				if i+2 < len(lines) && indent(lines[i+2].Text) > base {
					ll.Value += "\n"
					i++
					continue
				}
				break
			}
			if indent(next) <= base {
				break
			}
			ll.Value += "\n" + nextTrimmed
			i++
		}

		out = append(out, ll)
	}
	return out
}

// splitDirective separates an uppercase, dash-separated keyword from the
// remainder of the line.
func splitDirective(line string) (keyword, value string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// isDirectiveKeyword reports whether a token looks like a directive keyword:
// uppercase letters, digits and dashes only.
func isDirectiveKeyword(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

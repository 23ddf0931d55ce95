package protocol

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// RepairResult is the outcome of a repair pass over malformed JSON.
type RepairResult struct {
	// Parsed is the decoded document, nil when every repair step failed.
	Parsed map[string]any
	// TransformationsApplied names each repair step that changed the text,
	// in the order they were applied.
	TransformationsApplied []string
	// WasModified is true when any step changed the input text.
	WasModified bool
	// Repaired holds the text after all applied transformations, kept even
	// when parsing still fails so callers can build correction prompts.
	Repaired string
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	lineCommentRe   = regexp.MustCompile(`(?m)^\s*//.*$|([,{\[\s])//[^\n"]*`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	pyTrueRe        = regexp.MustCompile(`\bTrue\b`)
	pyFalseRe       = regexp.MustCompile(`\bFalse\b`)
	pyNoneRe        = regexp.MustCompile(`\bNone\b`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_]\w*)(\s*:)`)
)

// repairStep applies one transformation. It returns the new text; when the
// text is unchanged the step is recorded as not applied.
type repairStep struct {
	name  string
	apply func(string) string
}

var repairSteps = []repairStep{
	{"stripped_code_fences", stripCodeFences},
	{"removed_comments", stripComments},
	{"removed_trailing_commas", func(s string) string {
		return trailingCommaRe.ReplaceAllString(s, "$1")
	}},
	{"converted_python_literals", func(s string) string {
		s = pyTrueRe.ReplaceAllString(s, "true")
		s = pyFalseRe.ReplaceAllString(s, "false")
		return pyNoneRe.ReplaceAllString(s, "null")
	}},
	{"quoted_bare_keys", func(s string) string {
		return bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	}},
	{"converted_single_quotes", singleToDoubleQuotes},
	{"closed_unbalanced_brackets", closeUnbalanced},
}

// Repairer fixes the JSON defects LLMs most commonly produce: markdown
// fences, comments, trailing commas, Python literals, bare keys, single
// quotes, and unterminated braces. Transformations are applied in a fixed
// order and parsing is retried after each one.
type Repairer struct{}

// NewRepairer returns a stateless Repairer.
func NewRepairer() *Repairer { return &Repairer{} }

// Repair attempts to turn raw into valid JSON. The returned result always
// reflects the transformations that changed the text, even when the final
// parse still fails (Parsed == nil in that case).
func (r *Repairer) Repair(raw string) RepairResult {
	result := RepairResult{Repaired: raw}

	if parsed := tryParse(raw); parsed != nil {
		result.Parsed = parsed
		return result
	}

	text := raw
	for _, step := range repairSteps {
		next := step.apply(text)
		if next == text {
			continue
		}
		text = next
		result.TransformationsApplied = append(result.TransformationsApplied, step.name)
		result.WasModified = true
		result.Repaired = text

		if parsed := tryParse(text); parsed != nil {
			result.Parsed = parsed
			slog.Debug("Repaired malformed plan JSON",
				"transformations", result.TransformationsApplied)
			return result
		}
	}
	return result
}

func tryParse(text string) map[string]any {
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil
	}
	return doc
}

func stripCodeFences(s string) string {
	m := fenceRe.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	return strings.TrimSpace(m[1])
}

func stripComments(s string) string {
	s = blockCommentRe.ReplaceAllString(s, "")
	// Line comments only outside string context: handled conservatively by
	// requiring the // to follow a structural character or start of line.
	return lineCommentRe.ReplaceAllString(s, "$1")
}

// singleToDoubleQuotes swaps quote style while leaving apostrophes inside
// double-quoted strings alone.
func singleToDoubleQuotes(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inDouble := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			if i == 0 || s[i-1] != '\\' {
				inDouble = !inDouble
			}
			b.WriteByte(c)
		case '\'':
			if inDouble {
				b.WriteByte(c)
			} else {
				b.WriteByte('"')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// closeUnbalanced appends the closing brackets needed to balance the
// document, respecting string context.
func closeUnbalanced(s string) string {
	var stack []byte
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s, " \t\n\r"))
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

package security

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	maxStringLength = 50000
	maxDepth        = 10
	maxListItems    = 1000

	redactedMarker = "[REDACTED:injection-pattern]"
	depthMarker    = "[TRUNCATED: max depth exceeded]"
)

// binaryParamKeys hold base64 image payloads that must pass through the
// sanitizer untouched. Scrubbing them would corrupt the data and the
// injection patterns cannot occur in base64 anyway.
var binaryParamKeys = map[string]bool{
	"screenshot_b64":      true,
	"labeled_image_b64":   true,
	"image_b64":           true,
	"annotated_image_b64": true,
	"image_base64":        true,
	"data_b64":            true,
}

// injectionPatterns are scrubbed from every string before a module
// result is stored or fed back into a template scope.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?prior\s+instructions`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are\s+now`),
	regexp.MustCompile(`(?i)<\s*/?\s*INST\s*>`),
	regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+(are|were)`),
	regexp.MustCompile(`(?i)disregard\s+your\s+previous\s+instructions`),
	regexp.MustCompile(`(?i)your\s+new\s+instructions\s+are`),
}

// Sanitizer scrubs module results before they reach plan state, the
// event bus, or the LLM. It normalises unicode, redacts prompt
// injection phrases, and bounds size and nesting.
type Sanitizer struct{}

// NewSanitizer returns a sanitizer with the default limits.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Sanitize returns a scrubbed deep copy of value. The input is never
// modified.
func (s *Sanitizer) Sanitize(value any) any {
	return s.walk(value, 0)
}

// SanitizeResult scrubs a module result map, leaving binary payload keys
// untouched.
func (s *Sanitizer) SanitizeResult(result map[string]any) map[string]any {
	if result == nil {
		return nil
	}
	out := make(map[string]any, len(result))
	for k, v := range result {
		if binaryParamKeys[k] {
			out[k] = v
			continue
		}
		out[k] = s.walk(v, 1)
	}
	return out
}

func (s *Sanitizer) walk(value any, depth int) any {
	if depth > maxDepth {
		return depthMarker
	}
	switch v := value.(type) {
	case string:
		return s.scrubString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if binaryParamKeys[k] {
				out[k] = item
				continue
			}
			out[k] = s.walk(item, depth+1)
		}
		return out
	case []any:
		n := len(v)
		if n > maxListItems {
			n = maxListItems
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = s.walk(v[i], depth+1)
		}
		return out
	default:
		return v
	}
}

func (s *Sanitizer) scrubString(text string) string {
	text = norm.NFKC.String(text)
	for _, pattern := range injectionPatterns {
		text = pattern.ReplaceAllString(text, redactedMarker)
	}
	if len(text) > maxStringLength {
		// The marker fits inside the limit so a second pass is a no-op,
		// and the cut backs up to a rune boundary to keep the string
		// valid UTF-8.
		marker := fmt.Sprintf("\n[TRUNCATED: %d chars omitted]", len(text)-maxStringLength)
		cut := maxStringLength - len(marker)
		if cut < 0 {
			cut = 0
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + marker
	}
	return text
}

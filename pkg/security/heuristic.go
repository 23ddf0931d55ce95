package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PatternRule is a single detection rule for the heuristic scanner.
type PatternRule struct {
	ID          string
	Category    string
	Pattern     *regexp.Regexp
	Severity    float64
	Description string
	Enabled     bool
}

func rule(id, category, expr string, severity float64, description string) PatternRule {
	return PatternRule{
		ID:          id,
		Category:    category,
		Pattern:     regexp.MustCompile(expr),
		Severity:    severity,
		Description: description,
		Enabled:     true,
	}
}

func defaultPatterns() []PatternRule {
	return []PatternRule{
		// Prompt injection keywords.
		rule("pi_ignore_instructions", "prompt_injection",
			`(?i)ignore\s+(?:all\s+)?(?:previous|prior|earlier|above)\s+instructions?`,
			0.9, "Classic 'ignore previous instructions' injection"),
		rule("pi_disregard", "prompt_injection",
			`(?i)disregard\s+(?:all\s+)?(?:your|previous|prior|earlier)\s+(?:instructions?|rules?|guidelines?)`,
			0.9, "Disregard instructions variant"),
		rule("pi_new_instructions", "prompt_injection",
			`(?i)(?:your|my)\s+new\s+(?:instructions?|task|objective|goal)\s+(?:is|are)`,
			0.85, "Overriding instructions with new ones"),
		rule("pi_forget_everything", "prompt_injection",
			`(?i)forget\s+(?:everything|all)\s+(?:you\s+)?(?:know|were\s+told|learned)`,
			0.9, "Forget everything variant"),
		rule("pi_do_not_follow", "prompt_injection",
			`(?i)do\s+not\s+follow\s+(?:any|your|the)\s+(?:previous|original|initial)`,
			0.85, "Do not follow previous instructions"),
		rule("pi_override_rules", "prompt_injection",
			`(?i)(?:override|bypass|skip|circumvent)\s+(?:all\s+)?(?:safety|security|content)\s+(?:rules?|filters?|checks?|guidelines?)`,
			0.95, "Explicit override of safety rules"),
		rule("pi_jailbreak_keywords", "prompt_injection",
			`(?i)\b(?:DAN|jailbreak|DUDE|AIM|STAN|DevMode)\b`,
			0.8, "Known jailbreak persona names"),
		rule("pi_pretend_no_restrictions", "prompt_injection",
			`(?i)(?:pretend|imagine|act\s+as\s+if)\s+(?:you\s+)?(?:have\s+no|don'?t\s+have\s+any|without\s+any)\s+(?:restrictions?|limitations?|rules?|filters?)`,
			0.85, "Pretend no restrictions"),

		// Role manipulation.
		rule("role_system_override", "role_manipulation",
			`(?i)system\s*:\s*you\s+are\s+now`,
			0.9, "System role override"),
		rule("role_act_as", "role_manipulation",
			`(?i)(?:act|behave|respond|function)\s+as\s+(?:if\s+you\s+(?:are|were)\s+)?(?:a|an|the)\s+(?:unrestricted|unfiltered|uncensored)`,
			0.85, "Act as unrestricted entity"),
		rule("role_you_are_now", "role_manipulation",
			`(?i)(?:from\s+now\s+on\s+)?you\s+are\s+(?:now\s+)?(?:a|an)\s+(?:different|new|unrestricted)`,
			0.85, "You are now a different entity"),
		rule("role_developer_mode", "role_manipulation",
			`(?i)(?:enable|activate|enter|switch\s+to)\s+(?:developer|dev|debug|admin|root|god)\s+mode`,
			0.9, "Developer/admin mode activation"),

		// Delimiter injection.
		rule("delim_inst_tag", "delimiter_injection",
			`(?i)<\s*/?(?:INST|s|system|human|assistant)\s*>`,
			0.85, "Chat template delimiter tags"),
		rule("delim_system_bracket", "delimiter_injection",
			`(?i)\[(?:SYSTEM|INST|/INST|SYS|/SYS)\]`,
			0.85, "System bracket delimiters"),
		rule("delim_markdown_system", "delimiter_injection",
			"(?i)```\\s*system\\s*\n",
			0.7, "Markdown code block with system label"),
		rule("delim_separator_injection", "delimiter_injection",
			`(?i)(?:---+|===+|####+)\s*(?:system|instructions?|new\s+task)`,
			0.7, "Separator-based instruction injection"),

		// Base64/encoding attacks.
		rule("enc_base64_long", "encoding_attack",
			`(?:[A-Za-z0-9+/]{40,}={0,2})`,
			0.4, "Suspiciously long base64 string in params"),
		rule("enc_hex_payload", "encoding_attack",
			`\\x[0-9a-fA-F]{2}(?:\\x[0-9a-fA-F]{2}){7,}`,
			0.6, "Hex-encoded payload (8+ bytes)"),
		rule("enc_url_encoded_injection", "encoding_attack",
			`(?i)%(?:69|49)(?:%67|%47)(?:%6e|%4e)(?:%6f|%4f)(?:%72|%52)(?:%65|%45)`,
			0.8, "URL-encoded 'ignore' keyword"),

		// Unicode tricks.
		rule("unicode_rtl_override", "unicode_attack",
			`[\x{200e}\x{200f}\x{202a}-\x{202e}\x{2066}-\x{2069}]`,
			0.7, "Unicode BiDi control characters (RTL override)"),
		rule("unicode_homoglyph", "unicode_attack",
			`[\x{0400}-\x{04ff}\x{ff00}-\x{ffef}]`,
			0.3, "Non-ASCII lookalike characters (potential homoglyph)"),

		// Path traversal.
		rule("path_traversal_dots", "path_traversal",
			`\.\.[/\\](?:\.\.[/\\])*`,
			0.7, "Directory traversal with ../"),
		rule("path_traversal_encoded", "path_traversal",
			`(?i)%2e%2e[%2f%5c]`,
			0.8, "URL-encoded directory traversal"),
		rule("path_sensitive_files", "path_traversal",
			`(?i)(?:/etc/(?:passwd|shadow|sudoers)|\.ssh/(?:id_rsa|authorized_keys|config)|\.(?:bashrc|profile|zshrc|env)|\.llmos/config\.yaml|\.aws/credentials|\.kube/config)`,
			0.85, "Access to known sensitive files"),

		// Shell injection indicators.
		rule("shell_pipe_chain", "shell_injection",
			`(?i)[|;`+"`"+`]\s*(?:curl|wget|nc|ncat|python|perl|ruby|php|bash|sh|zsh|powershell)\b`,
			0.8, "Pipe/chain to network or scripting tools"),
		rule("shell_subcommand", "shell_injection",
			`\$\(.*\)|`+"`[^`]+`",
			0.6, "Command substitution in params"),
		rule("shell_reverse_shell", "shell_injection",
			`(?i)(?:bash\s+-i\s+>&|/dev/tcp/|mkfifo|nc\s+-[el]|ncat\s+-[el])`,
			0.95, "Reverse shell pattern"),
		rule("shell_rm_rf", "shell_injection",
			`(?i)\brm\s+-[rR]?f\s+/`,
			0.95, "Destructive rm -rf / command"),

		// Data exfiltration indicators.
		rule("exfil_curl_post", "data_exfiltration",
			`(?i)curl\s+.*-(?:X\s+POST|d\s+@|-data)`,
			0.7, "curl POST with data (potential exfil)"),
		rule("exfil_dns_tunnel", "data_exfiltration",
			`(?i)(?:dig|nslookup|host)\s+.*\.\w{2,4}$`,
			0.6, "DNS lookup pattern (potential DNS tunnel)"),
		rule("exfil_webhook", "data_exfiltration",
			`(?i)https?://(?:webhook\.site|requestbin|hookbin|pipedream|ngrok|burp)`,
			0.85, "Known exfiltration webhook URLs"),

		// Privilege escalation file targets.
		rule("privesc_sudoers", "privilege_escalation",
			`(?i)(?:write_file|append|create).*(?:/etc/sudoers|/etc/passwd|/etc/shadow)`,
			0.95, "Write to privilege escalation targets"),
		rule("privesc_cron", "privilege_escalation",
			`(?i)(?:write_file|append|create).*(?:/etc/cron|/var/spool/cron|crontab)`,
			0.85, "Write to cron files"),
		rule("privesc_ssh_keys", "privilege_escalation",
			`(?i)(?:write_file|append|create).*(?:authorized_keys|\.ssh/)`,
			0.9, "Write to SSH authorized_keys"),
		rule("privesc_systemd", "privilege_escalation",
			`(?i)(?:write_file|create).*(?:/etc/systemd/|/lib/systemd/|\.service$)`,
			0.85, "Write to systemd service files"),
	}
}

var (
	base64CandidateRe = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

	suspiciousDecodedKeywords = []string{
		"ignore",
		"system:",
		"instructions",
		"/bin/",
		"curl",
		"wget",
		"/etc/passwd",
		"authorized_keys",
	}

	// ZWSP, ZWNJ, ZWJ, BOM, soft hyphen, word joiner.
	zeroWidthReplacer = strings.NewReplacer(
		"\u200b", "", "\u200c", "", "\u200d", "",
		"\ufeff", "", "\u00ad", "", "\u2060", "",
	)
)

// HeuristicScanner is the regex-based first pipeline layer. It carries
// the built-in rulebook plus any custom rules added at runtime.
type HeuristicScanner struct {
	patterns        []PatternRule
	rejectThreshold float64
	warnThreshold   float64
}

// NewHeuristicScanner builds a scanner with the default rulebook and
// thresholds (reject at 0.7, warn at 0.3).
func NewHeuristicScanner() *HeuristicScanner {
	return &HeuristicScanner{
		patterns:        defaultPatterns(),
		rejectThreshold: 0.7,
		warnThreshold:   0.3,
	}
}

func (s *HeuristicScanner) ID() string    { return "heuristic" }
func (s *HeuristicScanner) Priority() int { return 10 }

// AddPattern registers a custom rule at runtime.
func (s *HeuristicScanner) AddPattern(r PatternRule) {
	s.patterns = append(s.patterns, r)
}

// SetPatternEnabled toggles a rule by ID, returning false when unknown.
func (s *HeuristicScanner) SetPatternEnabled(id string, enabled bool) bool {
	for i := range s.patterns {
		if s.patterns[i].ID == id {
			s.patterns[i].Enabled = enabled
			return true
		}
	}
	return false
}

// normalizeText folds compatibility characters to their ASCII
// equivalents and strips zero-width characters so they cannot split
// keywords.
func normalizeText(text string) string {
	return zeroWidthReplacer.Replace(norm.NFKC.String(text))
}

// Scan matches the rulebook against the normalised text, probes base64
// payloads in the raw text, and returns the worst severity as the risk
// score.
func (s *HeuristicScanner) Scan(_ context.Context, text string, _ *ScanContext) (*ScanResult, error) {
	normalized := normalizeText(text)

	var matched []string
	threats := make(map[string]bool)
	maxSeverity := 0.0

	for i := range s.patterns {
		p := &s.patterns[i]
		if !p.Enabled {
			continue
		}
		if p.Pattern.MatchString(normalized) {
			matched = append(matched, p.ID)
			threats[p.Category] = true
			if p.Severity > maxSeverity {
				maxSeverity = p.Severity
			}
		}
	}

	// Base64 probing uses the raw text since normalisation can corrupt
	// the padding.
	if score := checkBase64Payloads(text); score > 0 {
		if score > maxSeverity {
			maxSeverity = score
		}
		threats["encoding_attack"] = true
		matched = append(matched, "base64_decoded_suspicious")
	}

	verdict := VerdictAllow
	switch {
	case maxSeverity >= s.rejectThreshold:
		verdict = VerdictReject
	case maxSeverity >= s.warnThreshold:
		verdict = VerdictWarn
	}

	details := ""
	if len(matched) > 0 {
		shown := matched
		if len(shown) > 5 {
			shown = shown[:5]
		}
		details = fmt.Sprintf("Matched %d pattern(s): %s", len(matched), strings.Join(shown, ", "))
		if len(matched) > 5 {
			details += fmt.Sprintf(" (+%d more)", len(matched)-5)
		}
	}

	threatTypes := make([]string, 0, len(threats))
	for t := range threats {
		threatTypes = append(threatTypes, t)
	}
	sort.Strings(threatTypes)

	return &ScanResult{
		ScannerID:       s.ID(),
		Verdict:         verdict,
		RiskScore:       maxSeverity,
		ThreatTypes:     threatTypes,
		Details:         details,
		MatchedPatterns: matched,
	}, nil
}

func checkBase64Payloads(text string) float64 {
	for _, candidate := range base64CandidateRe.FindAllString(text, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		lower := strings.ToLower(string(decoded))
		for _, kw := range suspiciousDecodedKeywords {
			if strings.Contains(lower, kw) {
				return 0.8
			}
		}
	}
	return 0.0
}

func (s *HeuristicScanner) Status() map[string]any {
	enabled := 0
	categories := make(map[string]bool)
	for i := range s.patterns {
		if s.patterns[i].Enabled {
			enabled++
			categories[s.patterns[i].Category] = true
		}
	}
	names := make([]string, 0, len(categories))
	for c := range categories {
		names = append(names, c)
	}
	sort.Strings(names)
	return map[string]any{
		"scanner_id":            s.ID(),
		"priority":              s.Priority(),
		"description":           "Regex/heuristic pattern scanner",
		"pattern_count":         len(s.patterns),
		"enabled_pattern_count": enabled,
		"categories":            names,
	}
}

// Package inputguard detects script and SQL injection indicators in
// untrusted text before it reaches a privileged write path.
package inputguard

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// ThreatType represents a family of malicious input
type ThreatType string

const (
	ThreatXSS          ThreatType = "xss"
	ThreatSQLInjection ThreatType = "sql_injection"
)

// Detection represents a matched indicator
type Detection struct {
	Type        ThreatType
	Pattern     string
	StartPos    int
	EndPos      int
	Description string
	// Decoded is set when the match was found only after HTML or URL decoding
	Decoded bool
}

type rule struct {
	pattern     *regexp.Regexp
	description string
}

var (
	// Cross-site scripting patterns
	xssRules = []rule{
		{regexp.MustCompile(`(?i)<\s*/?\s*script\b`), "script tag"},
		{regexp.MustCompile(`(?i)javascript\s*:`), "javascript: scheme"},
		{regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`), "inline event handler"},
		{regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit|change|input|key(down|up|press))\s*=`), "inline event handler"},
		{regexp.MustCompile(`(?i)<\s*/?\s*iframe\b`), "iframe tag"},
		{regexp.MustCompile(`(?i)\beval\s*\(`), "eval call"},
	}

	// SQL injection patterns
	sqlRules = []rule{
		{regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`), "UNION SELECT"},
		{regexp.MustCompile(`(?i)\bselect\b[^;]{0,200}?\bfrom\b`), "SELECT statement"},
		{regexp.MustCompile(`(?i)\binsert\s+into\b`), "INSERT statement"},
		{regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\b`), "UPDATE statement"},
		{regexp.MustCompile(`(?i)\bdelete\s+from\b`), "DELETE statement"},
		{regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+(table|database|schema)\b`), "DDL statement"},
		{regexp.MustCompile(`(?i)\b(exec|execute)\s*(\(|xp_|sp_)`), "procedure execution"},
		{regexp.MustCompile(`(--\s|--$|/\*|\*/)`), "comment token"},
		{regexp.MustCompile(`['"]\s*;`), "quote followed by semicolon"},
	}

	// Matched separately because RE2 has no backreferences; both operands
	// must be equal for the clause to be a tautology.
	tautology = regexp.MustCompile(`(?i)\bor\s+['"]?(\w+)['"]?\s*=\s*['"]?(\w+)['"]?`)
)

// Detect returns every indicator found in text or in its HTML/URL-decoded form.
// Positions refer to the form the match was found in.
func Detect(text string) []Detection {
	detections := scan(text, false)
	for _, candidate := range decodedForms(text) {
		detections = append(detections, scan(candidate, true)...)
	}
	return detections
}

// FirstThreat returns the most severe detection. SQL injection outranks XSS.
func FirstThreat(text string) (Detection, bool) {
	var (
		first Detection
		found bool
	)
	for _, d := range Detect(text) {
		if !found || (first.Type == ThreatXSS && d.Type == ThreatSQLInjection) {
			first = d
			found = true
		}
	}
	return first, found
}

// IsMalicious returns true if any indicator is present
func IsMalicious(text string) bool {
	_, found := FirstThreat(text)
	return found
}

func scan(text string, decoded bool) []Detection {
	var detections []Detection

	for _, r := range xssRules {
		for _, match := range r.pattern.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				Type:        ThreatXSS,
				Pattern:     r.pattern.String(),
				StartPos:    match[0],
				EndPos:      match[1],
				Description: r.description,
				Decoded:     decoded,
			})
		}
	}

	for _, r := range sqlRules {
		for _, match := range r.pattern.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				Type:        ThreatSQLInjection,
				Pattern:     r.pattern.String(),
				StartPos:    match[0],
				EndPos:      match[1],
				Description: r.description,
				Decoded:     decoded,
			})
		}
	}

	for _, match := range tautology.FindAllStringSubmatchIndex(text, -1) {
		left := text[match[2]:match[3]]
		right := text[match[4]:match[5]]
		if !strings.EqualFold(left, right) {
			continue
		}
		detections = append(detections, Detection{
			Type:        ThreatSQLInjection,
			Pattern:     tautology.String(),
			StartPos:    match[0],
			EndPos:      match[1],
			Description: "tautological OR clause",
			Decoded:     decoded,
		})
	}

	return detections
}

// decodedForms returns the distinct decoded variants of text
func decodedForms(text string) []string {
	var forms []string
	seen := map[string]bool{text: true}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			forms = append(forms, s)
		}
	}

	unescaped := html.UnescapeString(text)
	add(unescaped)
	if u, err := url.QueryUnescape(text); err == nil {
		add(u)
		add(html.UnescapeString(u))
	}
	return forms
}

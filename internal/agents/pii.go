package agents

import "regexp"

// PII categories, redacted in this order. Phones come in three shapes;
// all collapse under the one flag.
var piiPatterns = []struct {
	Flag string
	Re   *regexp.Regexp
	Repl string
}{
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{"phone", regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`), "[PHONE]"},
	{"phone", regexp.MustCompile(`\(\d{3}\)\s?\d{3}[-.]?\d{4}\b`), "[PHONE]"},
	{"phone", regexp.MustCompile(`\+\d{1,3}[-.\s]?\d{3,4}[-.\s]?\d{3,4}[-.\s]?\d{3,4}\b`), "[PHONE]"},
	{"url", regexp.MustCompile(`https?://[^\s<>"]+`), "[URL]"},
	{"card", regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "[CARD]"},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{"name", regexp.MustCompile(`\b(Mr|Mrs|Ms|Dr|Prof)\.?\s+[A-Z][a-z]+(\s+[A-Z][a-z]+)?\b`), "[NAME]"},
	{"address", regexp.MustCompile(`\b\d+\s+[A-Za-z\s]+(Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Drive|Dr|Lane|Ln)\b`), "[ADDRESS]"},
}

// Redact replaces personally identifiable information with placeholder
// tokens and reports which categories were found.
func Redact(text string) (string, []string) {
	if text == "" {
		return "", nil
	}
	var flags []string
	seen := map[string]bool{}
	for _, p := range piiPatterns {
		if !p.Re.MatchString(text) {
			continue
		}
		text = p.Re.ReplaceAllString(text, p.Repl)
		if !seen[p.Flag] {
			seen[p.Flag] = true
			flags = append(flags, p.Flag)
		}
	}
	return text, flags
}

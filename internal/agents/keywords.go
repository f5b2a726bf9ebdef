package agents

import (
	"regexp"
	"sort"
	"strings"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	timePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(today|tomorrow|yesterday)\b`),
		regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
		regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\b`),
		regexp.MustCompile(`\b\d{1,2}:\d{2}\s?(am|pm)?\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	}
)

var keywordCategories = map[string][]string{
	"urgency": {
		"urgent", "asap", "immediate", "emergency", "critical", "deadline",
		"rush", "priority", "time-sensitive", "expedite",
	},
	"financial": {
		"invoice", "payment", "bill", "receipt", "refund", "transaction",
		"purchase", "order", "subscription", "charge", "fee", "cost",
		"price", "amount", "total", "balance", "account",
	},
	"meeting": {
		"meeting", "call", "appointment", "schedule", "calendar",
		"conference", "zoom", "teams", "webinar", "discussion",
	},
	"work": {
		"project", "task", "deliverable", "milestone", "report",
		"presentation", "document", "proposal", "contract", "agreement",
	},
	"personal": {
		"family", "friend", "personal", "vacation", "holiday",
		"birthday", "anniversary", "celebration", "party",
	},
	"support": {
		"support", "help", "issue", "problem", "error", "bug",
		"ticket", "question", "inquiry", "assistance",
	},
}

var actionWords = []string{
	"review", "approve", "submit", "send", "update", "complete",
	"schedule", "confirm", "cancel", "reschedule", "follow-up",
	"discuss", "decide", "implement", "prepare", "deliver",
}

// extractKeywords tags content with category:keyword markers the local
// classifier and the priority scorer key off.
func extractKeywords(text string) []string {
	if text == "" {
		return nil
	}
	text = htmlTagRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	lower := strings.ToLower(text)

	found := map[string]bool{}
	for category, words := range keywordCategories {
		for _, w := range words {
			if strings.Contains(lower, w) {
				found[category+":"+w] = true
			}
		}
	}
	for _, a := range actionWords {
		if strings.Contains(lower, a) {
			found["action:"+a] = true
		}
	}
	if strings.Contains(text, "?") || containsAny(lower, []string{"what", "when", "where", "who", "why", "how"}) {
		found["type:question"] = true
	}
	for _, p := range timePatterns {
		if p.MatchString(lower) {
			found["has_time_reference"] = true
			break
		}
	}

	out := make([]string, 0, len(found))
	for k := range found {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// bareKeywords strips the category prefixes.
func bareKeywords(keywords []string) map[string]bool {
	out := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		if i := strings.LastIndex(kw, ":"); i >= 0 {
			out[kw[i+1:]] = true
		} else {
			out[kw] = true
		}
	}
	return out
}

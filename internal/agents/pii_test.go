package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactReplacesKnownPatterns(t *testing.T) {
	in := "Reach me at bob@example.com or 555-123-4567, card 4111 1111 1111 1111, see https://example.com/x"
	out, flags := Redact(in)

	assert.NotContains(t, out, "bob@example.com")
	assert.NotContains(t, out, "555-123-4567")
	assert.Contains(t, out, "[EMAIL]")
	assert.Contains(t, out, "[PHONE]")
	assert.Contains(t, out, "[CARD]")
	assert.Contains(t, out, "[URL]")
	assert.ElementsMatch(t, []string{"email", "phone", "url", "card"}, flags)
}

func TestRedactPhoneVariants(t *testing.T) {
	for _, in := range []string{
		"call 555-123-4567 now",
		"call (555) 123-4567 now",
		"call +1 555 123 4567 now",
	} {
		out, flags := Redact(in)
		assert.Contains(t, out, "[PHONE]", in)
		assert.Equal(t, []string{"phone"}, flags, in)
	}
}

func TestRedactCleanTextUntouched(t *testing.T) {
	in := "Lunch on Friday works for me."
	out, flags := Redact(in)
	assert.Equal(t, in, out)
	assert.Empty(t, flags)
}

func TestRedactSSNAndTitles(t *testing.T) {
	out, flags := Redact("Dr. Smith filed SSN 123-45-6789 yesterday")
	assert.Contains(t, out, "[SSN]")
	assert.Contains(t, out, "[NAME]")
	assert.ElementsMatch(t, []string{"ssn", "name"}, flags)
}

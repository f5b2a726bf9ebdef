package agents

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot/internal/config"
	"mailpilot/internal/domain"
)

func policyDecision(t *testing.T, a Policy, rec domain.EmailRecord, ing domain.Ingestion, draft domain.DraftReply) domain.PolicyDecision {
	t.Helper()
	upstream := map[string]domain.StageResult{
		domain.StageIngest: resultFor(t, domain.StageIngest, ing),
		domain.StageDraft:  resultFor(t, domain.StageDraft, draft),
	}
	out, err := a.Process(context.Background(), rec, upstream)
	require.NoError(t, err)
	var d domain.PolicyDecision
	require.NoError(t, json.Unmarshal([]byte(out.PayloadJSON), &d))
	return d
}

func TestPolicyRejectsDoNotReplySenders(t *testing.T) {
	a := Policy{Store: newTestStore(t), Config: config.Default()}
	d := policyDecision(t, a,
		domain.EmailRecord{SenderEmail: "noreply@bank.com"},
		domain.Ingestion{},
		domain.DraftReply{Body: "thanks", Template: "away"})
	assert.Equal(t, domain.PolicyRejected, d.Value)
}

func TestPolicyWaitsWhenAutoSendDisabled(t *testing.T) {
	// auto-send defaults off
	a := Policy{Store: newTestStore(t), Config: config.Default()}
	d := policyDecision(t, a,
		domain.EmailRecord{SenderEmail: "alice@example.com"},
		domain.Ingestion{},
		domain.DraftReply{Body: "thanks", Template: "away"})
	assert.Equal(t, domain.PolicyNeedsApproval, d.Value)
}

func TestPolicyPIIForcesReview(t *testing.T) {
	st := newTestStore(t)
	setSettings(t, st, domain.Settings{AutoSendEnabled: true, RedactionEnabled: true, Categories: []string{"other"}})
	a := Policy{Store: st, Config: config.Default()}
	d := policyDecision(t, a,
		domain.EmailRecord{SenderEmail: "alice@example.com"},
		domain.Ingestion{PIIFlags: []string{"email"}},
		domain.DraftReply{Body: "thanks", Template: "away"})
	assert.Equal(t, domain.PolicyNeedsApproval, d.Value)
	assert.Equal(t, []string{"email"}, d.PIIFlags)
}

func TestPolicyAutoApprovesAllowListedTemplate(t *testing.T) {
	st := newTestStore(t)
	setSettings(t, st, domain.Settings{AutoSendEnabled: true, RedactionEnabled: true, Categories: []string{"other"}})
	a := Policy{Store: st, Config: config.Default()}
	d := policyDecision(t, a,
		domain.EmailRecord{SenderEmail: "alice@example.com"},
		domain.Ingestion{Redacted: true},
		domain.DraftReply{Body: "I'm away.", Template: "away"})
	assert.Equal(t, domain.PolicyApproved, d.Value)
	assert.Equal(t, "away", d.Template)
}

func TestPolicyUnredactedRecordNeedsReview(t *testing.T) {
	st := newTestStore(t)
	setSettings(t, st, domain.Settings{AutoSendEnabled: true, Categories: []string{"other"}})
	a := Policy{Store: st, Config: config.Default()}
	// allow-listed template, but redaction was never confirmed on the record
	d := policyDecision(t, a,
		domain.EmailRecord{SenderEmail: "alice@example.com"},
		domain.Ingestion{Redacted: false},
		domain.DraftReply{Body: "I'm away.", Template: "away"})
	assert.Equal(t, domain.PolicyNeedsApproval, d.Value)
}

func TestPolicyNeverAutoSendsFreeformDrafts(t *testing.T) {
	st := newTestStore(t)
	setSettings(t, st, domain.Settings{AutoSendEnabled: true, RedactionEnabled: true, Categories: []string{"other"}})
	a := Policy{Store: st, Config: config.Default()}
	// cloud-generated drafts carry no template name
	d := policyDecision(t, a,
		domain.EmailRecord{SenderEmail: "alice@example.com"},
		domain.Ingestion{Redacted: true},
		domain.DraftReply{Body: "Sure, Tuesday works."})
	assert.Equal(t, domain.PolicyNeedsApproval, d.Value)
}

func TestIngestRedactsWhenEnabled(t *testing.T) {
	a := Ingest{Store: newTestStore(t)}
	rec := domain.EmailRecord{
		SenderEmail: "alice@example.com",
		Subject:     "contact",
		BodyPlain:   "my number is 555-123-4567",
	}
	out, err := a.Process(context.Background(), rec, nil)
	require.NoError(t, err)
	require.NotNil(t, out.RedactedBody)
	assert.Contains(t, *out.RedactedBody, "[PHONE]")

	var ing domain.Ingestion
	require.NoError(t, json.Unmarshal([]byte(out.PayloadJSON), &ing))
	assert.Equal(t, []string{"phone"}, ing.PIIFlags)
	assert.True(t, ing.Redacted)
}

func TestIngestFlagsPIIWithRedactionDisabled(t *testing.T) {
	st := newTestStore(t)
	setSettings(t, st, domain.Settings{AutoSendEnabled: true, RedactionEnabled: false, Categories: []string{"other"}})
	a := Ingest{Store: st}
	rec := domain.EmailRecord{
		SenderEmail: "alice@example.com",
		Subject:     "tax forms",
		BodyPlain:   "my ssn is 123-45-6789 and card 4111 1111 1111 1111",
	}
	out, err := a.Process(context.Background(), rec, nil)
	require.NoError(t, err)
	assert.Nil(t, out.RedactedBody)

	var ing domain.Ingestion
	require.NoError(t, json.Unmarshal([]byte(out.PayloadJSON), &ing))
	assert.ElementsMatch(t, []string{"ssn", "card"}, ing.PIIFlags)
	assert.False(t, ing.Redacted)

	// flagged but unredacted content must never auto-send
	p := Policy{Store: st, Config: config.Default()}
	d := policyDecision(t, p, rec, ing, domain.DraftReply{Body: "I'm away.", Template: "away"})
	assert.Equal(t, domain.PolicyNeedsApproval, d.Value)
}

func TestSnippetTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 200)
	s := snippet(domain.EmailRecord{}, body)
	assert.True(t, utf8.ValidString(s))
	assert.Equal(t, 140, utf8.RuneCountInString(s))
}

func TestIngestRejectsMissingSender(t *testing.T) {
	a := Ingest{Store: newTestStore(t)}
	_, err := a.Process(context.Background(), domain.EmailRecord{}, nil)
	require.Error(t, err)
}

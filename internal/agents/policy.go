package agents

import (
	"context"
	"strings"

	"mailpilot/internal/config"
	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

// Policy is the gate in front of send. Rules fire in order:
//
//  1. do-not-reply senders are rejected outright
//  2. auto-send disabled means every draft waits for a human
//  3. detected PII always forces human review
//  4. only an allow-listed template on a redacted record may skip review
//
// Anything else waits for approval. The default answer is always the
// safe one.
type Policy struct {
	Store  store.Store
	Config *config.Config
}

func (Policy) Stage() string { return domain.StagePolicy }

func (a Policy) Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (pipeline.Output, error) {
	var ing domain.Ingestion
	if err := upstreamPayload(upstream, domain.StageIngest, &ing); err != nil {
		return pipeline.Output{}, err
	}
	var draft domain.DraftReply
	if err := upstreamPayload(upstream, domain.StageDraft, &draft); err != nil {
		return pipeline.Output{}, err
	}
	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return pipeline.Output{}, err
	}

	decision := domain.PolicyDecision{
		PIIFlags: ing.PIIFlags,
		Template: draft.Template,
	}
	rationale := ""
	sender := strings.ToLower(rec.SenderEmail)
	switch {
	case containsAny(sender, a.Config.Reply.DoNotReply):
		decision.Value = domain.PolicyRejected
		rationale = "sender matches do-not-reply list"
	case !settings.AutoSendEnabled:
		decision.Value = domain.PolicyNeedsApproval
		rationale = "auto-send disabled"
	case len(ing.PIIFlags) > 0:
		decision.Value = domain.PolicyNeedsApproval
		rationale = "PII detected: " + strings.Join(ing.PIIFlags, ", ")
	case !ing.Redacted:
		decision.Value = domain.PolicyNeedsApproval
		rationale = "redaction not confirmed"
	case draft.Template != "" && a.Config.Reply.AllowedTemplates[draft.Template] != "":
		decision.Value = domain.PolicyApproved
		rationale = "allow-listed template " + draft.Template
	default:
		decision.Value = domain.PolicyNeedsApproval
		rationale = "draft is not an allow-listed template"
	}

	payloadJSON, err := marshalPayload(decision)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Kind:        domain.KindPolicyDecision,
		PayloadJSON: payloadJSON,
		Rationale:   rationale,
	}, nil
}

package agents

import (
	"context"
	"errors"

	"mailpilot/internal/domain"
	"mailpilot/internal/mailer"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

// Send delivers the reply. It runs only for records that passed the
// policy gate or a human approval; if a reviewer approved an edited
// draft, the approved text wins over the agent draft.
type Send struct {
	Store  store.Store
	Mailer mailer.Mailer
}

func (Send) Stage() string { return domain.StageSend }

func (a Send) Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (pipeline.Output, error) {
	var draft domain.DraftReply
	if err := upstreamPayload(upstream, domain.StageDraft, &draft); err != nil {
		return pipeline.Output{}, err
	}
	body := draft.Body
	approvals, err := a.Store.ListApprovalsByRecord(ctx, rec.ID)
	if err != nil {
		return pipeline.Output{}, err
	}
	for _, ap := range approvals {
		if ap.Decision == domain.DecisionApproved {
			body = ap.Draft
			break
		}
	}

	out := mailer.OutgoingReply{
		ThreadID:  rec.ThreadID,
		InReplyTo: rec.ProviderID,
		To:        rec.SenderEmail,
		Subject:   rec.Subject,
		Body:      body,
	}
	msgID, err := a.Mailer.SendReply(ctx, out)
	if err != nil {
		if errors.Is(err, mailer.ErrInvalidReply) {
			return pipeline.Output{}, pipeline.Permanent(err)
		}
		return pipeline.Output{}, pipeline.Transient(err)
	}
	// Best effort; a missed unread marker is not worth failing a
	// delivered send.
	_ = a.Mailer.MarkProcessed(ctx, rec.ProviderID)

	payloadJSON, err := marshalPayload(domain.SendReceipt{
		ProviderMessageID: msgID,
		To:                rec.SenderEmail,
	})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Kind:        domain.KindSendReceipt,
		PayloadJSON: payloadJSON,
	}, nil
}

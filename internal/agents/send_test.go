package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot/internal/domain"
	"mailpilot/internal/mailer"
	"mailpilot/internal/pipeline"
)

func TestSendUsesApprovedDraftOverAgentDraft(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := domain.EmailRecord{
		ID:          "r1",
		ThreadID:    "t1",
		ProviderID:  "p1",
		SenderEmail: "alice@example.com",
		Subject:     "hello",
		Status:      domain.PhaseApproved,
		ReceivedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	tx, err := st.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, st.InsertRecordTx(ctx, tx, rec))
	require.NoError(t, st.InsertApprovalRequestTx(ctx, tx, domain.ApprovalRequest{
		ID:        "a1",
		RecordID:  rec.ID,
		Draft:     "Edited by reviewer.",
		Decision:  domain.DecisionPending,
		CreatedAt: rec.ReceivedAt,
	}))
	require.NoError(t, st.DecideApprovalRequestTx(ctx, tx, "a1", domain.DecisionApproved, "reviewer", time.Now()))
	require.NoError(t, tx.Commit())

	fake := &mailer.Fake{}
	a := Send{Store: st, Mailer: fake}
	upstream := map[string]domain.StageResult{
		domain.StageDraft: resultFor(t, domain.StageDraft, domain.DraftReply{Body: "Original draft."}),
	}
	out, err := a.Process(ctx, rec, upstream)
	require.NoError(t, err)

	require.Len(t, fake.Sent, 1)
	assert.Equal(t, "Edited by reviewer.", fake.Sent[0].Body)
	assert.Equal(t, "alice@example.com", fake.Sent[0].To)
	assert.Equal(t, []string{"p1"}, fake.Processed)

	var receipt domain.SendReceipt
	require.NoError(t, json.Unmarshal([]byte(out.PayloadJSON), &receipt))
	assert.NotEmpty(t, receipt.ProviderMessageID)
}

func TestSendInvalidReplyIsPermanent(t *testing.T) {
	st := newTestStore(t)
	fake := &mailer.Fake{}
	a := Send{Store: st, Mailer: fake}
	rec := domain.EmailRecord{ID: "r1", SenderEmail: "alice@example.com"}
	upstream := map[string]domain.StageResult{
		domain.StageDraft: resultFor(t, domain.StageDraft, domain.DraftReply{Body: ""}),
	}

	_, err := a.Process(context.Background(), rec, upstream)
	require.Error(t, err)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.FailurePermanent, stageErr.Kind)
	assert.Empty(t, fake.Sent)
}

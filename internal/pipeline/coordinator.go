package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailpilot/internal/config"
	"mailpilot/internal/domain"
	"mailpilot/internal/events"
	"mailpilot/internal/store"
)

// Coordinator owns the pipeline state machine: it admits records,
// settles stage outcomes, advances the stage chain, and guards the
// approval gate in front of send. Every mutation is a single
// transaction with its audit event.
type Coordinator struct {
	DB     *sql.DB
	Store  store.Store
	Events events.Writer
	Config *config.Config
	Agents map[string]Agent
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, agents map[string]Agent) Coordinator {
	return Coordinator{
		DB:     db,
		Store:  store.Store{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Agents: agents,
		Now:    time.Now,
	}
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// phaseAfter maps a succeeded stage to the record phase it produces.
// Policy and send have their own settle paths.
var phaseAfter = map[string]string{
	domain.StageIngest:    domain.PhaseIngested,
	domain.StageClassify:  domain.PhaseClassified,
	domain.StagePriority:  domain.PhaseScored,
	domain.StageSummarize: domain.PhaseSummarized,
	domain.StageDraft:     domain.PhaseDrafted,
}

func downstreamStage(stage string) string {
	for i, name := range domain.StageOrder {
		if name == stage && i+1 < len(domain.StageOrder) {
			return domain.StageOrder[i+1]
		}
	}
	return ""
}

// IngestRecord admits an email into the pipeline: record row plus a
// pending ingest stage, atomically. Re-ingesting a known provider id is
// a no-op returning the existing record.
func (c Coordinator) IngestRecord(ctx context.Context, rec domain.EmailRecord, actorID string) (domain.EmailRecord, error) {
	if rec.ProviderID == "" {
		return rec, errors.New("provider_id is required")
	}
	if rec.SenderEmail == "" {
		return rec, errors.New("sender_email is required")
	}
	if existing, err := c.Store.GetRecordByProviderID(ctx, rec.ProviderID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}
	now := c.now()
	nowStr := now.UTC().Format(time.RFC3339)
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ThreadID == "" {
		rec.ThreadID = rec.ProviderID
	}
	if rec.ReceivedAt == "" {
		rec.ReceivedAt = nowStr
	}
	rec.Status = domain.PhaseIngested
	rec.CreatedAt = nowStr
	rec.UpdatedAt = nowStr

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	if err := c.Store.InsertRecordTx(ctx, tx, rec); err != nil {
		return rec, fmt.Errorf("insert record: %w", err)
	}
	if err := c.Store.InsertProcessingStateTx(ctx, tx, rec.ID, domain.StageIngest, now); err != nil {
		return rec, fmt.Errorf("seed ingest stage: %w", err)
	}
	if err := c.Events.Append(ctx, tx, "record.ingested", rec.ID, "record", rec.ID, actorID, events.EventPayload{
		"provider_id": rec.ProviderID,
		"sender":      rec.SenderEmail,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	recordsIngested.Inc()
	return rec, nil
}

// ExecuteStage runs one claimed stage to completion and settles the
// outcome. The caller must hold the claim (ClaimStage returned true).
func (c Coordinator) ExecuteStage(ctx context.Context, recordID, stage, actorID string) error {
	rec, err := c.Store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Cancelled {
		return c.releaseClaim(ctx, recordID, stage, actorID)
	}
	agent, ok := c.Agents[stage]
	if !ok {
		return c.settleFailure(ctx, rec, stage, Permanent(fmt.Errorf("no agent registered for stage %s", stage)), actorID)
	}
	results, err := c.Store.ListStageResults(ctx, recordID)
	if err != nil {
		return err
	}
	upstream := make(map[string]domain.StageResult, len(results))
	for _, r := range results {
		upstream[r.Stage] = r
	}
	out, err := c.runAgent(ctx, agent, rec, upstream)
	if err != nil {
		return c.settleFailure(ctx, rec, stage, err, actorID)
	}
	return c.settleSuccess(ctx, rec, stage, out, upstream, actorID)
}

func (c Coordinator) runAgent(ctx context.Context, agent Agent, rec domain.EmailRecord, upstream map[string]domain.StageResult) (out Output, err error) {
	timeout := c.Config.Pipeline.StageTimeout
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("agent panic: %v", r))
		}
	}()
	start := time.Now()
	out, err = agent.Process(cctx, rec, upstream)
	stageDuration.WithLabelValues(agent.Stage()).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = Transient(err)
	}
	return out, err
}

func (c Coordinator) releaseClaim(ctx context.Context, recordID, stage, actorID string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Store.ReleaseStageTx(ctx, tx, recordID, stage); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, "stage.released", recordID, "stage", stage, actorID, events.EventPayload{
		"reason": "cancelled",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c Coordinator) settleSuccess(ctx context.Context, rec domain.EmailRecord, stage string, out Output, upstream map[string]domain.StageResult, actorID string) error {
	now := c.now()
	res := domain.StageResult{
		ID:          uuid.New().String(),
		RecordID:    rec.ID,
		Stage:       stage,
		Kind:        out.Kind,
		PayloadJSON: out.PayloadJSON,
		Confidence:  out.Confidence,
		Rationale:   out.Rationale,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := c.Store.UpsertStageResultTx(ctx, tx, res); err != nil {
		return fmt.Errorf("persist %s result: %w", stage, err)
	}
	if err := c.Store.MarkStageSucceededTx(ctx, tx, rec.ID, stage, &res.ID); err != nil {
		return err
	}
	if out.RedactedBody != nil {
		if err := c.Store.SetRedactedBodyTx(ctx, tx, rec.ID, *out.RedactedBody, now); err != nil {
			return err
		}
	}
	if err := c.Events.Append(ctx, tx, "stage.succeeded", rec.ID, "stage", stage, actorID, events.EventPayload{
		"result_id": res.ID,
		"kind":      res.Kind,
	}); err != nil {
		return err
	}

	switch stage {
	case domain.StagePolicy:
		if err := c.settlePolicyTx(ctx, tx, rec, res, upstream, now, actorID); err != nil {
			return err
		}
	case domain.StageSend:
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseSent, now); err != nil {
			return err
		}
		if err := c.Events.Append(ctx, tx, "record.sent", rec.ID, "record", rec.ID, actorID, events.EventPayload{}); err != nil {
			return err
		}
	default:
		if next := downstreamStage(stage); next != "" {
			if err := c.Store.InsertProcessingStateTx(ctx, tx, rec.ID, next, now); err != nil {
				return fmt.Errorf("seed %s stage: %w", next, err)
			}
		}
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, phaseAfter[stage], now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	stageAttempts.WithLabelValues(stage, "succeeded").Inc()
	return nil
}

// settlePolicyTx applies a policy decision inside the settle
// transaction: auto-approve seeds the send stage, needs-approval opens
// an approval request, reject terminates the record.
func (c Coordinator) settlePolicyTx(ctx context.Context, tx *sql.Tx, rec domain.EmailRecord, res domain.StageResult, upstream map[string]domain.StageResult, now time.Time, actorID string) error {
	var decision domain.PolicyDecision
	if err := json.Unmarshal([]byte(res.PayloadJSON), &decision); err != nil {
		return fmt.Errorf("decode policy decision: %w", err)
	}
	switch decision.Value {
	case domain.PolicyRejected:
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseRejected, now); err != nil {
			return err
		}
		return c.Events.Append(ctx, tx, "policy.rejected", rec.ID, "record", rec.ID, actorID, events.EventPayload{
			"pii_flags": decision.PIIFlags,
		})
	case domain.PolicyNeedsApproval:
		draftRes, ok := upstream[domain.StageDraft]
		if !ok {
			return errors.New("policy decided without a draft result")
		}
		var draft domain.DraftReply
		if err := json.Unmarshal([]byte(draftRes.PayloadJSON), &draft); err != nil {
			return fmt.Errorf("decode draft reply: %w", err)
		}
		approval := domain.ApprovalRequest{
			ID:        uuid.New().String(),
			RecordID:  rec.ID,
			Draft:     draft.Body,
			Decision:  domain.DecisionPending,
			CreatedAt: now.UTC().Format(time.RFC3339),
		}
		if err := c.Store.InsertApprovalRequestTx(ctx, tx, approval); err != nil {
			return fmt.Errorf("open approval request: %w", err)
		}
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseAwaitingApproval, now); err != nil {
			return err
		}
		return c.Events.Append(ctx, tx, "approval.requested", rec.ID, "approval", approval.ID, actorID, events.EventPayload{
			"pii_flags": decision.PIIFlags,
		})
	case domain.PolicyApproved:
		if err := c.Store.InsertProcessingStateTx(ctx, tx, rec.ID, domain.StageSend, now); err != nil {
			return fmt.Errorf("seed send stage: %w", err)
		}
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseApproved, now); err != nil {
			return err
		}
		return c.Events.Append(ctx, tx, "policy.autoapproved", rec.ID, "record", rec.ID, actorID, events.EventPayload{
			"template": decision.Template,
		})
	default:
		return fmt.Errorf("unknown policy decision %q", decision.Value)
	}
}

func (c Coordinator) settleFailure(ctx context.Context, rec domain.EmailRecord, stage string, agentErr error, actorID string) error {
	state, err := c.Store.GetProcessingState(ctx, rec.ID, stage)
	if err != nil {
		return err
	}
	kind := failureKind(agentErr)
	now := c.now()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	outcome := ""
	switch {
	case kind == FailurePermanent:
		outcome = "failed"
		if err := c.Store.MarkStageFailedTx(ctx, tx, rec.ID, stage, agentErr.Error()); err != nil {
			return err
		}
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseBlocked, now); err != nil {
			return err
		}
		if err := c.Events.Append(ctx, tx, "stage.failed", rec.ID, "stage", stage, actorID, events.EventPayload{
			"attempt": state.AttemptCount,
			"error":   agentErr.Error(),
		}); err != nil {
			return err
		}
	case state.AttemptCount >= c.Config.Pipeline.MaxAttempts:
		outcome = "blocked"
		if err := c.Store.MarkStageBlockedTx(ctx, tx, rec.ID, stage, agentErr.Error()); err != nil {
			return err
		}
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseBlocked, now); err != nil {
			return err
		}
		if err := c.Events.Append(ctx, tx, "stage.blocked", rec.ID, "stage", stage, actorID, events.EventPayload{
			"attempts": state.AttemptCount,
			"error":    agentErr.Error(),
		}); err != nil {
			return err
		}
	default:
		outcome = "retrying"
		next := now.Add(backoffDelay(c.Config.Pipeline.BackoffBase, c.Config.Pipeline.BackoffCap, state.AttemptCount))
		if err := c.Store.MarkStageRetryingTx(ctx, tx, rec.ID, stage, next, agentErr.Error()); err != nil {
			return err
		}
		if err := c.Events.Append(ctx, tx, "stage.retrying", rec.ID, "stage", stage, actorID, events.EventPayload{
			"attempt":          state.AttemptCount,
			"next_eligible_at": next.UTC().Format(time.RFC3339),
			"error":            agentErr.Error(),
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	stageAttempts.WithLabelValues(stage, outcome).Inc()
	return nil
}

// ResolveApproval records a reviewer decision on an open approval
// request. Approving seeds the send stage; a cancelled record cannot be
// approved, cancellation always wins the race.
func (c Coordinator) ResolveApproval(ctx context.Context, approvalID, decision, decidedBy string) (domain.ApprovalRequest, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return domain.ApprovalRequest{}, fmt.Errorf("invalid decision %q", decision)
	}
	a, err := c.Store.GetApprovalRequest(ctx, approvalID)
	if err != nil {
		return a, err
	}
	rec, err := c.Store.GetRecord(ctx, a.RecordID)
	if err != nil {
		return a, err
	}
	now := c.now()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if decision == domain.DecisionApproved && rec.Cancelled {
		return a, errors.New("record is cancelled; approval refused")
	}
	if err := c.Store.DecideApprovalRequestTx(ctx, tx, a.ID, decision, decidedBy, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return a, fmt.Errorf("approval %s already decided", a.ID)
		}
		return a, err
	}
	if decision == domain.DecisionApproved {
		if err := c.Store.InsertProcessingStateTx(ctx, tx, rec.ID, domain.StageSend, now); err != nil {
			return a, fmt.Errorf("seed send stage: %w", err)
		}
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseApproved, now); err != nil {
			return a, err
		}
	} else {
		if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseRejected, now); err != nil {
			return a, err
		}
	}
	if err := c.Events.Append(ctx, tx, "approval."+decision, rec.ID, "approval", a.ID, decidedBy, events.EventPayload{}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return c.Store.GetApprovalRequest(ctx, approvalID)
}

// CancelRecord halts all further processing. A stage already running
// finishes and persists its result; the claim exclusion stops everything
// after it, and any open approval request is discarded.
func (c Coordinator) CancelRecord(ctx context.Context, recordID, actorID string) (domain.EmailRecord, error) {
	rec, err := c.Store.GetRecord(ctx, recordID)
	if err != nil {
		return rec, err
	}
	switch rec.Status {
	case domain.PhaseSent, domain.PhaseRejected, domain.PhaseArchived:
		return rec, fmt.Errorf("record %s is already %s", rec.ID, rec.Status)
	}
	now := c.now()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := c.Store.SetRecordCancelledTx(ctx, tx, rec.ID, now); err != nil {
		return rec, err
	}
	if err := c.Store.UpdateRecordStatusTx(ctx, tx, rec.ID, domain.PhaseArchived, now); err != nil {
		return rec, err
	}
	if err := c.Store.DiscardPendingApprovalsTx(ctx, tx, rec.ID, actorID, now); err != nil {
		return rec, err
	}
	if err := c.Events.Append(ctx, tx, "record.cancelled", rec.ID, "record", rec.ID, actorID, events.EventPayload{
		"from_status": rec.Status,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	rec.Cancelled = true
	rec.Status = domain.PhaseArchived
	return rec, nil
}

// RetryBlocked requeues a record parked in the review queue: the failed
// or blocked stage gets a fresh attempt budget and the record leaves the
// blocked phase.
func (c Coordinator) RetryBlocked(ctx context.Context, recordID, actorID string) error {
	rec, err := c.Store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Cancelled {
		return errors.New("record is cancelled")
	}
	states, err := c.Store.ListProcessingStates(ctx, recordID)
	if err != nil {
		return err
	}
	stage := ""
	for _, ps := range states {
		if ps.Status == domain.StatusFailed || ps.Status == domain.StatusBlocked {
			stage = ps.Stage
			break
		}
	}
	if stage == "" {
		return fmt.Errorf("record %s has no blocked stage", recordID)
	}
	now := c.now()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Store.ResetStageTx(ctx, tx, recordID, stage, now); err != nil {
		return err
	}
	phase := domain.PhaseIngested
	if up := domain.UpstreamStage(stage); up != "" {
		if up == domain.StagePolicy {
			phase = domain.PhaseApproved
		} else {
			phase = phaseAfter[up]
		}
	}
	if err := c.Store.UpdateRecordStatusTx(ctx, tx, recordID, phase, now); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, "record.requeued", recordID, "stage", stage, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

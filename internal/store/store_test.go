package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/migrate"
	"mailpilot/internal/store"
)

type testEnv struct {
	DB    *sql.DB
	Store store.Store
	Ctx   context.Context
	Now   time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{
		DB:    conn,
		Store: store.Store{DB: conn},
		Ctx:   context.Background(),
		Now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e testEnv) mustTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := e.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (e testEnv) seedRecord(t *testing.T, id string, receivedAt time.Time) domain.EmailRecord {
	t.Helper()
	rec := domain.EmailRecord{
		ID:          id,
		ThreadID:    "thread-" + id,
		ProviderID:  "provider-" + id,
		SenderEmail: "alice@example.com",
		Subject:     "hello",
		BodyPlain:   "body",
		Status:      domain.PhaseIngested,
		ReceivedAt:  receivedAt.UTC().Format(time.RFC3339),
		CreatedAt:   e.Now.Format(time.RFC3339),
		UpdatedAt:   e.Now.Format(time.RFC3339),
	}
	e.mustTx(t, func(tx *sql.Tx) error {
		if err := e.Store.InsertRecordTx(e.Ctx, tx, rec); err != nil {
			return err
		}
		return e.Store.InsertProcessingStateTx(e.Ctx, tx, rec.ID, domain.StageIngest, e.Now)
	})
	return rec
}

func (e testEnv) seedStage(t *testing.T, recordID, stage string) {
	t.Helper()
	e.mustTx(t, func(tx *sql.Tx) error {
		return e.Store.InsertProcessingStateTx(e.Ctx, tx, recordID, stage, e.Now)
	})
}

func TestClaimStageLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)

	ok, err := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	// a held claim cannot be claimed again
	ok, err = env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now)
	if err != nil || ok {
		t.Fatalf("second claim should fail: ok=%v err=%v", ok, err)
	}
	state, err := env.Store.GetProcessingState(env.Ctx, rec.ID, domain.StageIngest)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.StatusRunning || state.AttemptCount != 1 {
		t.Fatalf("unexpected state after claim: %+v", state)
	}

	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.MarkStageSucceededTx(env.Ctx, tx, rec.ID, domain.StageIngest, nil)
	})
	env.seedStage(t, rec.ID, domain.StageClassify)

	// downstream becomes claimable once upstream succeeded
	ok, err = env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageClassify, env.Now)
	if err != nil || !ok {
		t.Fatalf("claim classify: ok=%v err=%v", ok, err)
	}
}

func TestClaimRequiresUpstreamSuccess(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)
	env.seedStage(t, rec.ID, domain.StageClassify)

	ok, err := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageClassify, env.Now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("classify claimed while ingest has not succeeded")
	}
}

func TestClaimMutualExclusionPerRecord(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)

	ok, err := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now)
	if err != nil || !ok {
		t.Fatalf("claim ingest: ok=%v err=%v", ok, err)
	}
	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.MarkStageSucceededTx(env.Ctx, tx, rec.ID, domain.StageIngest, nil)
	})
	env.seedStage(t, rec.ID, domain.StageClassify)

	// put a second stage in running to simulate a concurrent claim
	ok, err = env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageClassify, env.Now)
	if err != nil || !ok {
		t.Fatalf("claim classify: ok=%v err=%v", ok, err)
	}
	env.seedStage(t, rec.ID, domain.StagePriority)
	ok, err = env.Store.ClaimStage(env.Ctx, rec.ID, domain.StagePriority, env.Now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("two stages of one record claimed at once")
	}
}

func TestClaimSkipsCancelledRecords(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)
	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.SetRecordCancelledTx(env.Ctx, tx, rec.ID, env.Now)
	})

	ok, err := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("claimed a stage of a cancelled record")
	}
}

func TestClaimHonoursBackoffEligibility(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)

	ok, _ := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now)
	if !ok {
		t.Fatal("initial claim failed")
	}
	next := env.Now.Add(30 * time.Second)
	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.MarkStageRetryingTx(env.Ctx, tx, rec.ID, domain.StageIngest, next, "boom")
	})

	ok, err := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now.Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("claimed before next_eligible_at")
	}
	ok, err = env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, next)
	if err != nil || !ok {
		t.Fatalf("claim at eligibility: ok=%v err=%v", ok, err)
	}
	state, _ := env.Store.GetProcessingState(env.Ctx, rec.ID, domain.StageIngest)
	if state.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", state.AttemptCount)
	}
}

func TestDueStagesOrderedByArrival(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, "r-late", env.Now.Add(time.Hour))
	env.seedRecord(t, "r-early", env.Now)

	due, err := env.Store.DueStages(env.Ctx, env.Now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	if due[0].RecordID != "r-early" || due[1].RecordID != "r-late" {
		t.Fatalf("wrong order: %+v", due)
	}
}

func TestRecoverStaleRunning(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)
	if ok, _ := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now); !ok {
		t.Fatal("claim failed")
	}

	n, err := env.Store.RecoverStaleRunning(env.Ctx, env.Now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	state, _ := env.Store.GetProcessingState(env.Ctx, rec.ID, domain.StageIngest)
	if state.Status != domain.StatusRetrying {
		t.Fatalf("status = %s, want retrying", state.Status)
	}
	if ok, _ := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now); !ok {
		t.Fatal("recovered stage not claimable")
	}
}

func TestResetStageClearsAttempts(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)
	if ok, _ := env.Store.ClaimStage(env.Ctx, rec.ID, domain.StageIngest, env.Now); !ok {
		t.Fatal("claim failed")
	}
	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.MarkStageBlockedTx(env.Ctx, tx, rec.ID, domain.StageIngest, "gave up")
	})

	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.ResetStageTx(env.Ctx, tx, rec.ID, domain.StageIngest, env.Now)
	})
	state, _ := env.Store.GetProcessingState(env.Ctx, rec.ID, domain.StageIngest)
	if state.Status != domain.StatusPending || state.AttemptCount != 0 {
		t.Fatalf("unexpected state after reset: %+v", state)
	}
}

func TestDecideApprovalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "r1", env.Now)
	approval := domain.ApprovalRequest{
		ID:        "a1",
		RecordID:  rec.ID,
		Draft:     "Thanks, will do.",
		Decision:  domain.DecisionPending,
		CreatedAt: env.Now.Format(time.RFC3339),
	}
	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.InsertApprovalRequestTx(env.Ctx, tx, approval)
	})
	env.mustTx(t, func(tx *sql.Tx) error {
		return env.Store.DecideApprovalRequestTx(env.Ctx, tx, "a1", domain.DecisionApproved, "reviewer", env.Now)
	})

	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Store.DecideApprovalRequestTx(env.Ctx, tx, "a1", domain.DecisionRejected, "reviewer", env.Now)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second decision: %v, want ErrNotFound", err)
	}
}

func TestSettingsDefaultWhenUnset(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Store.GetSettings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !s.RedactionEnabled {
		t.Fatal("redaction should default on")
	}
	if s.CloudLLM || s.AutoSendEnabled {
		t.Fatalf("cloud/auto-send should default off: %+v", s)
	}
}

func TestListRecordsCursorPagination(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, "r1", env.Now)
	env.seedRecord(t, "r2", env.Now.Add(time.Minute))
	env.seedRecord(t, "r3", env.Now.Add(2*time.Minute))

	first, err := env.Store.ListRecords(env.Ctx, "", 2, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ID != "r3" {
		t.Fatalf("first page: %+v", first)
	}
	last := first[len(first)-1]
	second, err := env.Store.ListRecords(env.Ctx, "", 2, last.ReceivedAt, last.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].ID != "r1" {
		t.Fatalf("second page: %+v", second)
	}
}

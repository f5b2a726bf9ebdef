package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailpilot/internal/domain"
)

// Store is the durable record store. All mutations are atomic at
// single-record granularity; ClaimStage is the one concurrency primitive
// the orchestration layer relies on.
type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// terminalPhases are record phases the dispatcher must never touch again.
var terminalPhases = []string{
	domain.PhaseSent,
	domain.PhaseRejected,
	domain.PhaseArchived,
	domain.PhaseBlocked,
}

func terminalPhaseList() string {
	quoted := make([]string, len(terminalPhases))
	for i, p := range terminalPhases {
		quoted[i] = "'" + p + "'"
	}
	return strings.Join(quoted, ",")
}

const recordColumns = `id,thread_id,provider_id,sender_email,COALESCE(sender_name,''),COALESCE(recipient_email,''),subject,COALESCE(body_plain,''),COALESCE(body_html,''),COALESCE(snippet,''),redacted_body,COALESCE(raw_json,''),status,cancelled,received_at,created_at,updated_at`

func scanRecord(row interface{ Scan(...any) error }) (domain.EmailRecord, error) {
	var r domain.EmailRecord
	var redacted sql.NullString
	var cancelled int
	err := row.Scan(&r.ID, &r.ThreadID, &r.ProviderID, &r.SenderEmail, &r.SenderName, &r.RecipientEmail,
		&r.Subject, &r.BodyPlain, &r.BodyHTML, &r.Snippet, &redacted, &r.RawJSON,
		&r.Status, &cancelled, &r.ReceivedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if redacted.Valid {
		r.RedactedBody = &redacted.String
	}
	r.Cancelled = cancelled != 0
	return r, nil
}

func (s Store) InsertRecordTx(ctx context.Context, tx *sql.Tx, r domain.EmailRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO records(id,thread_id,provider_id,sender_email,sender_name,recipient_email,subject,body_plain,body_html,snippet,raw_json,status,cancelled,received_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ThreadID, r.ProviderID, r.SenderEmail, nullable(r.SenderName), nullable(r.RecipientEmail),
		r.Subject, nullable(r.BodyPlain), nullable(r.BodyHTML), nullable(r.Snippet), nullable(r.RawJSON),
		r.Status, boolInt(r.Cancelled), r.ReceivedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s Store) GetRecord(ctx context.Context, id string) (domain.EmailRecord, error) {
	return scanRecord(s.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=?`, id))
}

func (s Store) GetRecordByProviderID(ctx context.Context, providerID string) (domain.EmailRecord, error) {
	return scanRecord(s.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE provider_id=?`, providerID))
}

// ListRecords returns records newest-first with cursor pagination.
func (s Store) ListRecords(ctx context.Context, status string, limit int, cursorReceivedAt, cursorID string) ([]domain.EmailRecord, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if cursorReceivedAt != "" && cursorID != "" {
		clauses = append(clauses, "(received_at < ? OR (received_at = ? AND id < ?))")
		args = append(args, cursorReceivedAt, cursorReceivedAt, cursorID)
	}
	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY received_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EmailRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s Store) UpdateRecordStatusTx(ctx context.Context, tx *sql.Tx, id, status string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE records SET status=?, updated_at=? WHERE id=?`,
		status, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) SetRecordCancelledTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE records SET cancelled=1, updated_at=? WHERE id=?`,
		now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) SetRedactedBodyTx(ctx context.Context, tx *sql.Tx, id, redacted string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE records SET redacted_body=?, updated_at=? WHERE id=?`,
		redacted, now.UTC().Format(time.RFC3339), id)
	return err
}

func (s Store) CountRecordsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- processing states ---

func scanProcessingState(row interface{ Scan(...any) error }) (domain.ProcessingState, error) {
	var ps domain.ProcessingState
	var lastAttempt, resultID, lastErr sql.NullString
	err := row.Scan(&ps.RecordID, &ps.Stage, &ps.Status, &ps.AttemptCount, &lastAttempt, &ps.NextEligibleAt, &resultID, &lastErr)
	if err == sql.ErrNoRows {
		return ps, ErrNotFound
	}
	if err != nil {
		return ps, err
	}
	if lastAttempt.Valid {
		ps.LastAttemptAt = &lastAttempt.String
	}
	if resultID.Valid {
		ps.ResultID = &resultID.String
	}
	if lastErr.Valid {
		ps.LastError = &lastErr.String
	}
	return ps, nil
}

const stateColumns = `record_id,stage,status,attempt_count,last_attempt_at,next_eligible_at,result_id,last_error`

func (s Store) InsertProcessingStateTx(ctx context.Context, tx *sql.Tx, recordID, stage string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO processing_states(record_id,stage,status,next_eligible_at) VALUES (?,?,?,?)`,
		recordID, stage, domain.StatusPending, now.UTC().Format(time.RFC3339))
	return err
}

func (s Store) GetProcessingState(ctx context.Context, recordID, stage string) (domain.ProcessingState, error) {
	return scanProcessingState(s.DB.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM processing_states WHERE record_id=? AND stage=?`, recordID, stage))
}

func (s Store) ListProcessingStates(ctx context.Context, recordID string) ([]domain.ProcessingState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM processing_states WHERE record_id=?`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessingState
	for rows.Next() {
		ps, err := scanProcessingState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ps)
	}
	return res, rows.Err()
}

// ClaimStage atomically moves a (record, stage) pair from Pending or
// Retrying to Running. The compare-and-set fails when another worker
// already owns any stage of the record, when the upstream stage has not
// succeeded, when the backoff window has not passed, or when the record
// is cancelled or terminal. Increments the attempt count on success.
func (s Store) ClaimStage(ctx context.Context, recordID, stage string, now time.Time) (bool, error) {
	if !domain.KnownStage(stage) {
		return false, fmt.Errorf("unknown stage %s", stage)
	}
	nowStr := now.UTC().Format(time.RFC3339)
	query := `UPDATE processing_states SET status=?, attempt_count=attempt_count+1, last_attempt_at=?
WHERE record_id=? AND stage=? AND status IN (?,?) AND next_eligible_at<=?
AND NOT EXISTS (SELECT 1 FROM processing_states x WHERE x.record_id=processing_states.record_id AND x.status=?)
AND NOT EXISTS (SELECT 1 FROM records r WHERE r.id=processing_states.record_id AND (r.cancelled=1 OR r.status IN (` + terminalPhaseList() + `)))`
	args := []any{domain.StatusRunning, nowStr, recordID, stage,
		domain.StatusPending, domain.StatusRetrying, nowStr, domain.StatusRunning}
	if upstream := domain.UpstreamStage(stage); upstream != "" {
		query += ` AND EXISTS (SELECT 1 FROM processing_states u WHERE u.record_id=processing_states.record_id AND u.stage=? AND u.status=?)`
		args = append(args, upstream, domain.StatusSucceeded)
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s Store) MarkStageSucceededTx(ctx context.Context, tx *sql.Tx, recordID, stage string, resultID *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processing_states SET status=?, result_id=?, last_error=NULL WHERE record_id=? AND stage=? AND status=?`,
		domain.StatusSucceeded, resultID, recordID, stage, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage %s/%s not running", recordID, stage)
	}
	return nil
}

func (s Store) MarkStageRetryingTx(ctx context.Context, tx *sql.Tx, recordID, stage string, nextEligibleAt time.Time, lastError string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processing_states SET status=?, next_eligible_at=?, last_error=? WHERE record_id=? AND stage=? AND status=?`,
		domain.StatusRetrying, nextEligibleAt.UTC().Format(time.RFC3339), lastError, recordID, stage, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage %s/%s not running", recordID, stage)
	}
	return nil
}

func (s Store) MarkStageFailedTx(ctx context.Context, tx *sql.Tx, recordID, stage string, lastError string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processing_states SET status=?, last_error=? WHERE record_id=? AND stage=? AND status=?`,
		domain.StatusFailed, lastError, recordID, stage, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage %s/%s not running", recordID, stage)
	}
	return nil
}

func (s Store) MarkStageBlockedTx(ctx context.Context, tx *sql.Tx, recordID, stage string, lastError string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processing_states SET status=?, last_error=? WHERE record_id=? AND stage=? AND status=?`,
		domain.StatusBlocked, lastError, recordID, stage, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage %s/%s not running", recordID, stage)
	}
	return nil
}

// RecoverStaleRunning requeues stages left running by a crashed
// process. The attempt was already counted on claim, so they come back
// as retrying, eligible immediately. Call once at startup before the
// dispatcher.
func (s Store) RecoverStaleRunning(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE processing_states SET status=?, next_eligible_at=?, last_error='recovered after restart' WHERE status=?`,
		domain.StatusRetrying, now.UTC().Format(time.RFC3339), domain.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetStageTx requeues a failed or blocked stage with a fresh attempt
// budget. Used by the review queue retry action.
func (s Store) ResetStageTx(ctx context.Context, tx *sql.Tx, recordID, stage string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE processing_states SET status=?, attempt_count=0, next_eligible_at=?, last_error=NULL WHERE record_id=? AND stage=? AND status IN (?,?)`,
		domain.StatusPending, now.UTC().Format(time.RFC3339), recordID, stage, domain.StatusFailed, domain.StatusBlocked)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseStageTx resets a running stage back to pending without counting
// the attempt. Used when a worker gives up a claim without executing
// (e.g. cancellation observed after the claim).
func (s Store) ReleaseStageTx(ctx context.Context, tx *sql.Tx, recordID, stage string) error {
	_, err := tx.ExecContext(ctx, `UPDATE processing_states SET status=?, attempt_count=attempt_count-1 WHERE record_id=? AND stage=? AND status=?`,
		domain.StatusPending, recordID, stage, domain.StatusRunning)
	return err
}

// DueStage identifies a claimable unit of work.
type DueStage struct {
	RecordID string
	Stage    string
}

// DueStages lists (record, stage) pairs eligible for claiming,
// oldest-received first. Pending states exist only once their upstream
// stage succeeded, so the eligibility filter here mirrors ClaimStage
// minus the upstream check.
func (s Store) DueStages(ctx context.Context, now time.Time, limit int) ([]DueStage, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	query := `SELECT ps.record_id, ps.stage FROM processing_states ps
JOIN records r ON r.id = ps.record_id
WHERE ps.status IN (?,?) AND ps.next_eligible_at<=?
AND r.cancelled=0 AND r.status NOT IN (` + terminalPhaseList() + `)
AND NOT EXISTS (SELECT 1 FROM processing_states x WHERE x.record_id=ps.record_id AND x.status=?)
ORDER BY r.received_at ASC, ps.record_id ASC
LIMIT ?`
	rows, err := s.DB.QueryContext(ctx, query, domain.StatusPending, domain.StatusRetrying, nowStr, domain.StatusRunning, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DueStage
	for rows.Next() {
		var d DueStage
		if err := rows.Scan(&d.RecordID, &d.Stage); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListBlocked returns records in the review queue with the rationale of
// the last failed attempt.
type BlockedRecord struct {
	Record    domain.EmailRecord
	Stage     string
	LastError string
	Attempts  int
}

func (s Store) ListBlocked(ctx context.Context, limit int) ([]BlockedRecord, error) {
	query := `SELECT ` + prefixColumns("r", recordColumns) + `, ps.stage, COALESCE(ps.last_error,''), ps.attempt_count
FROM records r JOIN processing_states ps ON ps.record_id = r.id
WHERE ps.status IN (?,?) ORDER BY r.received_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
	}
	args := []any{domain.StatusBlocked, domain.StatusFailed}
	if limit > 0 {
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []BlockedRecord
	for rows.Next() {
		var b BlockedRecord
		var redacted sql.NullString
		var cancelled int
		r := &b.Record
		err := rows.Scan(&r.ID, &r.ThreadID, &r.ProviderID, &r.SenderEmail, &r.SenderName, &r.RecipientEmail,
			&r.Subject, &r.BodyPlain, &r.BodyHTML, &r.Snippet, &redacted, &r.RawJSON,
			&r.Status, &cancelled, &r.ReceivedAt, &r.CreatedAt, &r.UpdatedAt,
			&b.Stage, &b.LastError, &b.Attempts)
		if err != nil {
			return nil, err
		}
		if redacted.Valid {
			r.RedactedBody = &redacted.String
		}
		r.Cancelled = cancelled != 0
		res = append(res, b)
	}
	return res, rows.Err()
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "COALESCE(") {
			inner := strings.TrimPrefix(p, "COALESCE(")
			parts[i] = "COALESCE(" + alias + "." + inner
		} else {
			parts[i] = alias + "." + p
		}
	}
	return strings.Join(parts, ",")
}

// --- stage results ---

func (s Store) UpsertStageResultTx(ctx context.Context, tx *sql.Tx, res domain.StageResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_results(id,record_id,stage,kind,payload_json,confidence,rationale,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(record_id,stage) DO UPDATE SET id=excluded.id, kind=excluded.kind, payload_json=excluded.payload_json, confidence=excluded.confidence, rationale=excluded.rationale, created_at=excluded.created_at`,
		res.ID, res.RecordID, res.Stage, res.Kind, res.PayloadJSON, res.Confidence, nullable(res.Rationale), res.CreatedAt)
	return err
}

func scanStageResult(row interface{ Scan(...any) error }) (domain.StageResult, error) {
	var r domain.StageResult
	var confidence sql.NullFloat64
	var rationale sql.NullString
	err := row.Scan(&r.ID, &r.RecordID, &r.Stage, &r.Kind, &r.PayloadJSON, &confidence, &rationale, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if confidence.Valid {
		r.Confidence = &confidence.Float64
	}
	if rationale.Valid {
		r.Rationale = rationale.String
	}
	return r, nil
}

const resultColumns = `id,record_id,stage,kind,payload_json,confidence,rationale,created_at`

func (s Store) GetStageResult(ctx context.Context, recordID, stage string) (domain.StageResult, error) {
	return scanStageResult(s.DB.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM stage_results WHERE record_id=? AND stage=?`, recordID, stage))
}

func (s Store) ListStageResults(ctx context.Context, recordID string) ([]domain.StageResult, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM stage_results WHERE record_id=?`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageResult
	for rows.Next() {
		r, err := scanStageResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// --- events ---

func (s Store) ListEvents(ctx context.Context, recordID string, limit int) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if recordID != "" {
		clauses = append(clauses, "record_id=?")
		args = append(args, recordID)
	}
	query := `SELECT id,ts,type,COALESCE(record_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RecordID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

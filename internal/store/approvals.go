package store

import (
	"context"
	"database/sql"
	"time"

	"mailpilot/internal/domain"
)

const approvalColumns = `id,record_id,draft,decision,decided_by,decided_at,created_at`

func scanApproval(row interface{ Scan(...any) error }) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var decidedBy, decidedAt sql.NullString
	err := row.Scan(&a.ID, &a.RecordID, &a.Draft, &a.Decision, &decidedBy, &decidedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

func (s Store) InsertApprovalRequestTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_requests(id,record_id,draft,decision,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.RecordID, a.Draft, a.Decision, a.CreatedAt)
	return err
}

func (s Store) GetApprovalRequest(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return scanApproval(s.DB.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
}

// GetPendingApprovalByRecord returns the open approval request for a
// record. At most one exists at a time.
func (s Store) GetPendingApprovalByRecord(ctx context.Context, recordID string) (domain.ApprovalRequest, error) {
	return scanApproval(s.DB.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE record_id=? AND decision=?`,
		recordID, domain.DecisionPending))
}

// ListApprovalsByRecord returns all approval requests for a record,
// newest first.
func (s Store) ListApprovalsByRecord(ctx context.Context, recordID string) ([]domain.ApprovalRequest, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE record_id=? ORDER BY created_at DESC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s Store) ListApprovalRequests(ctx context.Context, decision string, limit int) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	args := []any{}
	if decision != "" {
		query += ` WHERE decision=?`
		args = append(args, decision)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DiscardPendingApprovalsTx rejects every open approval request for a
// record. Used on cancellation so no stale pending row survives.
func (s Store) DiscardPendingApprovalsTx(ctx context.Context, tx *sql.Tx, recordID, decidedBy string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE approval_requests SET decision=?, decided_by=?, decided_at=? WHERE record_id=? AND decision=?`,
		domain.DecisionRejected, decidedBy, now.UTC().Format(time.RFC3339), recordID, domain.DecisionPending)
	return err
}

// DecideApprovalRequestTx records a reviewer decision. The guard on the
// current decision makes the operation idempotent-safe: a second decide
// on an already-decided request affects no rows and returns ErrNotFound.
func (s Store) DecideApprovalRequestTx(ctx context.Context, tx *sql.Tx, id, decision, decidedBy string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_requests SET decision=?, decided_by=?, decided_at=? WHERE id=? AND decision=?`,
		decision, decidedBy, now.UTC().Format(time.RFC3339), id, domain.DecisionPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"mailpilot/internal/domain"
)

// GetSettings reads the single settings row. Missing row yields the
// conservative defaults: local-only models, no auto-send, redaction on.
func (s Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	var out domain.Settings
	var cloudLLM, autoSend, redaction int
	var categoriesJSON string
	err := s.DB.QueryRowContext(ctx,
		`SELECT cloud_llm, auto_send_enabled, redaction_enabled, categories_json, updated_at FROM settings WHERE id=1`).
		Scan(&cloudLLM, &autoSend, &redaction, &categoriesJSON, &out.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Settings{RedactionEnabled: true}, nil
	}
	if err != nil {
		return out, err
	}
	out.CloudLLM = cloudLLM != 0
	out.AutoSendEnabled = autoSend != 0
	out.RedactionEnabled = redaction != 0
	if err := json.Unmarshal([]byte(categoriesJSON), &out.Categories); err != nil {
		return out, err
	}
	return out, nil
}

func (s Store) UpsertSettingsTx(ctx context.Context, tx *sql.Tx, in domain.Settings, now time.Time) error {
	categories, err := json.Marshal(in.Categories)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO settings(id, cloud_llm, auto_send_enabled, redaction_enabled, categories_json, updated_at)
VALUES (1,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET cloud_llm=excluded.cloud_llm, auto_send_enabled=excluded.auto_send_enabled, redaction_enabled=excluded.redaction_enabled, categories_json=excluded.categories_json, updated_at=excluded.updated_at`,
		boolInt(in.CloudLLM), boolInt(in.AutoSendEnabled), boolInt(in.RedactionEnabled), string(categories), now.UTC().Format(time.RFC3339))
	return err
}

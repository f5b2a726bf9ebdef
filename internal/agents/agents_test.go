package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/migrate"
	"mailpilot/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return store.Store{DB: conn}
}

func setSettings(t *testing.T, st store.Store, s domain.Settings) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, st.UpsertSettingsTx(ctx, tx, s, time.Now()))
	require.NoError(t, tx.Commit())
}

func resultFor(t *testing.T, stage string, v any) domain.StageResult {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return domain.StageResult{Stage: stage, PayloadJSON: string(data)}
}

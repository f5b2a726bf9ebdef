package pipeline

import (
	"context"
	"fmt"

	"mailpilot/internal/domain"
	"mailpilot/internal/events"
)

// SettingsPatch applies only the fields that are set.
type SettingsPatch struct {
	CloudLLM         *bool
	AutoSendEnabled  *bool
	RedactionEnabled *bool
	Categories       []string
}

// UpdateSettings patches the single settings row. Changes take effect
// on the next stage execution; stages already running finish under the
// settings they started with.
func (c Coordinator) UpdateSettings(ctx context.Context, patch SettingsPatch, actorID string) (domain.Settings, error) {
	s, err := c.Store.GetSettings(ctx)
	if err != nil {
		return s, err
	}
	changed := events.EventPayload{}
	if patch.CloudLLM != nil {
		s.CloudLLM = *patch.CloudLLM
		changed["cloud_llm"] = s.CloudLLM
	}
	if patch.AutoSendEnabled != nil {
		s.AutoSendEnabled = *patch.AutoSendEnabled
		changed["auto_send_enabled"] = s.AutoSendEnabled
	}
	if patch.RedactionEnabled != nil {
		s.RedactionEnabled = *patch.RedactionEnabled
		changed["redaction_enabled"] = s.RedactionEnabled
	}
	if patch.Categories != nil {
		for _, cat := range patch.Categories {
			if cat == "" {
				return s, fmt.Errorf("invalid empty category")
			}
		}
		s.Categories = patch.Categories
		changed["categories"] = s.Categories
	}
	now := c.now()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := c.Store.UpsertSettingsTx(ctx, tx, s, now); err != nil {
		return s, err
	}
	if err := c.Events.Append(ctx, tx, "settings.updated", "", "settings", "1", actorID, changed); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return c.Store.GetSettings(ctx)
}

package server

import (
	"encoding/json"

	"mailpilot/internal/domain"
	"mailpilot/internal/store"
)

type IngestRequest struct {
	ProviderID     string `json:"provider_id" minLength:"1"`
	ThreadID       string `json:"thread_id,omitempty"`
	SenderEmail    string `json:"sender_email" minLength:"3"`
	SenderName     string `json:"sender_name,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	Subject        string `json:"subject,omitempty"`
	BodyPlain      string `json:"body_plain,omitempty"`
	BodyHTML       string `json:"body_html,omitempty"`
	Snippet        string `json:"snippet,omitempty"`
	ReceivedAt     string `json:"received_at,omitempty" format:"date-time"`
}

func (r IngestRequest) toRecord() domain.EmailRecord {
	return domain.EmailRecord{
		ProviderID:     r.ProviderID,
		ThreadID:       r.ThreadID,
		SenderEmail:    r.SenderEmail,
		SenderName:     r.SenderName,
		RecipientEmail: r.RecipientEmail,
		Subject:        r.Subject,
		BodyPlain:      r.BodyPlain,
		BodyHTML:       r.BodyHTML,
		Snippet:        r.Snippet,
		ReceivedAt:     r.ReceivedAt,
	}
}

// RecordSummary is the list view: no body text.
type RecordSummary struct {
	ID          string `json:"id"`
	ProviderID  string `json:"provider_id"`
	SenderEmail string `json:"sender_email"`
	Subject     string `json:"subject"`
	Snippet     string `json:"snippet,omitempty"`
	Status      string `json:"status"`
	Cancelled   bool   `json:"cancelled"`
	ReceivedAt  string `json:"received_at" format:"date-time"`
}

func recordSummary(r domain.EmailRecord) RecordSummary {
	return RecordSummary{
		ID:          r.ID,
		ProviderID:  r.ProviderID,
		SenderEmail: r.SenderEmail,
		Subject:     r.Subject,
		Snippet:     r.Snippet,
		Status:      r.Status,
		Cancelled:   r.Cancelled,
		ReceivedAt:  r.ReceivedAt,
	}
}

func mapRecordSummaries(in []domain.EmailRecord) []RecordSummary {
	out := make([]RecordSummary, 0, len(in))
	for _, r := range in {
		out = append(out, recordSummary(r))
	}
	return out
}

type RecordListResponse struct {
	Items      []RecordSummary `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// RecordDetail is the full view with stage states and results.
type RecordDetail struct {
	Record  domain.EmailRecord       `json:"record"`
	Stages  []domain.ProcessingState `json:"stages"`
	Results []StageResultView        `json:"results"`
}

// StageResultView inlines the payload for readability.
type StageResultView struct {
	Stage      string          `json:"stage"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Confidence *float64        `json:"confidence,omitempty"`
	Rationale  string          `json:"rationale,omitempty"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
}

func stageResultView(r domain.StageResult) StageResultView {
	return StageResultView{
		Stage:      r.Stage,
		Kind:       r.Kind,
		Payload:    json.RawMessage(r.PayloadJSON),
		Confidence: r.Confidence,
		Rationale:  r.Rationale,
		CreatedAt:  r.CreatedAt,
	}
}

type ReviewItem struct {
	Record    RecordSummary `json:"record"`
	Stage     string        `json:"stage"`
	LastError string        `json:"last_error,omitempty"`
	Attempts  int           `json:"attempts"`
}

func reviewItem(b store.BlockedRecord) ReviewItem {
	return ReviewItem{
		Record:    recordSummary(b.Record),
		Stage:     b.Stage,
		LastError: b.LastError,
		Attempts:  b.Attempts,
	}
}

type UpdateSettingsRequest struct {
	CloudLLM         *bool    `json:"cloud_llm,omitempty"`
	AutoSendEnabled  *bool    `json:"auto_send_enabled,omitempty"`
	RedactionEnabled *bool    `json:"redaction_enabled,omitempty"`
	Categories       []string `json:"categories,omitempty"`
}

type StatusResponse struct {
	RecordCounts map[string]int  `json:"record_counts"`
	DueStages    int             `json:"due_stages"`
	Settings     domain.Settings `json:"settings"`
}

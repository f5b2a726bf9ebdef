package domain

// Stage identifiers, in pipeline order. StageSend is internal: its
// processing state is created by the coordinator only after an approved
// policy decision.
const (
	StageIngest    = "ingest"
	StageClassify  = "classify"
	StagePriority  = "priority"
	StageSummarize = "summarize"
	StageDraft     = "draft"
	StagePolicy    = "policy"
	StageSend      = "send"
)

// Per-stage statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"
	StatusBlocked   = "blocked"
)

// Record phases. Derived from stage states; terminal phases are
// materialized on the record row by the coordinator.
const (
	PhaseIngested         = "ingested"
	PhaseClassified       = "classified"
	PhaseScored           = "scored"
	PhaseSummarized       = "summarized"
	PhaseDrafted          = "drafted"
	PhaseAwaitingApproval = "awaiting_approval"
	PhaseApproved         = "approved"
	PhaseSent             = "sent"
	PhaseRejected         = "rejected"
	PhaseArchived         = "archived"
	PhaseBlocked          = "blocked"
)

// ApprovalRequest decision values.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type EmailRecord struct {
	ID             string  `json:"id"`
	ThreadID       string  `json:"thread_id"`
	ProviderID     string  `json:"provider_id"`
	SenderEmail    string  `json:"sender_email"`
	SenderName     string  `json:"sender_name,omitempty"`
	RecipientEmail string  `json:"recipient_email,omitempty"`
	Subject        string  `json:"subject"`
	BodyPlain      string  `json:"body_plain,omitempty"`
	BodyHTML       string  `json:"body_html,omitempty"`
	Snippet        string  `json:"snippet,omitempty"`
	RedactedBody   *string `json:"redacted_body,omitempty"`
	RawJSON        string  `json:"raw_json,omitempty"`
	Status         string  `json:"status" enum:"ingested,classified,scored,summarized,drafted,awaiting_approval,approved,sent,rejected,archived,blocked"`
	Cancelled      bool    `json:"cancelled"`
	ReceivedAt     string  `json:"received_at" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type ProcessingState struct {
	RecordID       string  `json:"record_id"`
	Stage          string  `json:"stage" enum:"ingest,classify,priority,summarize,draft,policy,send"`
	Status         string  `json:"status" enum:"pending,running,succeeded,failed,retrying,blocked"`
	AttemptCount   int     `json:"attempt_count"`
	LastAttemptAt  *string `json:"last_attempt_at,omitempty" format:"date-time"`
	NextEligibleAt string  `json:"next_eligible_at" format:"date-time"`
	ResultID       *string `json:"result_id,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
}

// StageResult payload kinds.
const (
	KindIngestion      = "ingestion"
	KindClassification = "classification"
	KindPriorityScore  = "priority_score"
	KindSummary        = "summary"
	KindDraftReply     = "draft_reply"
	KindPolicyDecision = "policy_decision"
	KindSendReceipt    = "send_receipt"
)

type StageResult struct {
	ID          string   `json:"id"`
	RecordID    string   `json:"record_id"`
	Stage       string   `json:"stage"`
	Kind        string   `json:"kind" enum:"ingestion,classification,priority_score,summary,draft_reply,policy_decision,send_receipt"`
	PayloadJSON string   `json:"payload_json"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type Ingestion struct {
	Snippet  string   `json:"snippet,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	PIIFlags []string `json:"pii_flags,omitempty"`
	Redacted bool     `json:"redacted"`
}

type SendReceipt struct {
	ProviderMessageID string `json:"provider_message_id"`
	To                string `json:"to"`
}

type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method" enum:"local_rules,backend"`
}

type PriorityScore struct {
	Score float64 `json:"score"`
	Level string  `json:"level" enum:"low,medium,high"`
}

type Summary struct {
	Bullets []string `json:"bullets"`
	TLDR    string   `json:"tldr"`
}

type DraftReply struct {
	Body     string `json:"body"`
	Template string `json:"template,omitempty"`
}

// PolicyDecision values.
const (
	PolicyApproved      = "approved"
	PolicyNeedsApproval = "needs_approval"
	PolicyRejected      = "rejected"
)

type PolicyDecision struct {
	Value    string   `json:"value" enum:"approved,needs_approval,rejected"`
	PIIFlags []string `json:"pii_flags,omitempty"`
	Template string   `json:"template,omitempty"`
}

type ApprovalRequest struct {
	ID        string  `json:"id"`
	RecordID  string  `json:"record_id"`
	Draft     string  `json:"draft"`
	Decision  string  `json:"decision" enum:"pending,approved,rejected"`
	DecidedBy *string `json:"decided_by,omitempty"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Settings struct {
	CloudLLM         bool     `json:"cloud_llm"`
	AutoSendEnabled  bool     `json:"auto_send_enabled"`
	RedactionEnabled bool     `json:"redaction_enabled"`
	Categories       []string `json:"categories"`
	UpdatedAt        string   `json:"updated_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RecordID   string `json:"record_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StageOrder is the fixed dependency chain every record walks. Send is
// excluded: it becomes eligible only through an approved policy decision.
var StageOrder = []string{
	StageIngest,
	StageClassify,
	StagePriority,
	StageSummarize,
	StageDraft,
	StagePolicy,
}

// UpstreamStage returns the stage that must succeed before s may run, or
// "" when s is first in the chain.
func UpstreamStage(s string) string {
	for i, name := range StageOrder {
		if name == s && i > 0 {
			return StageOrder[i-1]
		}
	}
	if s == StageSend {
		return StagePolicy
	}
	return ""
}

// KnownStage reports whether s names a pipeline stage, send included.
func KnownStage(s string) bool {
	if s == StageSend {
		return true
	}
	for _, name := range StageOrder {
		if name == s {
			return true
		}
	}
	return false
}

package model

import "time"

const SchemaVersionV1 = "v1"

const (
	EnvelopeTypeRunSnapshot        = "run_snapshot"
	EnvelopeTypeProjectedState     = "projected_state"
	EnvelopeTypeIntentConfirmation = "intent_confirmation"
	EnvelopeTypePacket             = "packet"
	EnvelopeTypeAlertResolution    = "alert_resolution"
	EnvelopeTypeFleetRegistry      = "fleet_registry"
	EnvelopeTypeFleetStatus        = "fleet_status"
)

type LoopStatus string

const (
	LoopStatusAwaitingApproval LoopStatus = "awaiting_approval"
	LoopStatusComplete         LoopStatus = "complete"
	LoopStatusRunning          LoopStatus = "running"
	LoopStatusStopped          LoopStatus = "stopped"
	LoopStatusFailed           LoopStatus = "failed"
	LoopStatusIdle             LoopStatus = "idle"
	LoopStatusUnknown          LoopStatus = "unknown"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

type IntentKind string

const (
	IntentCancel  IntentKind = "cancel"
	IntentApprove IntentKind = "approve"
	IntentReject  IntentKind = "reject"
)

// FileRef describes one evidence artifact at observation time so that
// staleness and truncation are auditable after the fact.
type FileRef struct {
	Path        string     `json:"path"`
	Exists      bool       `json:"exists"`
	SizeBytes   int64      `json:"size_bytes"`
	LineCount   int        `json:"line_count"`
	ContentHash string     `json:"content_hash,omitempty"`
	ModifiedAt  *time.Time `json:"modified_at,omitempty"`
}

type Cursor struct {
	EventLineOffset int `json:"event_line_offset"`
	EventLineCount  int `json:"event_line_count"`
}

type EvidenceFiles struct {
	State      FileRef `json:"state"`
	ActiveRun  FileRef `json:"active_run"`
	Approval   FileRef `json:"approval"`
	Events     FileRef `json:"events"`
	RunSummary FileRef `json:"run_summary"`
	Heartbeat  FileRef `json:"heartbeat"`
}

// RunSnapshot is a freshly computed, unpersisted observation of one loop.
// It is never mutated once built.
type RunSnapshot struct {
	SchemaVersion   string         `json:"schema_version"`
	EnvelopeType    string         `json:"envelope_type"`
	LoopID          string         `json:"loop_id"`
	RunID           string         `json:"run_id"`
	Iteration       int            `json:"iteration"`
	Status          LoopStatus     `json:"status"`
	LastEventAt     string         `json:"last_event_at,omitempty"`
	LastEventName   string         `json:"last_event_name,omitempty"`
	LastEventStatus string         `json:"last_event_status,omitempty"`
	PendingApproval bool           `json:"pending_approval"`
	ApprovalStatus  string         `json:"approval_status,omitempty"`
	CompletionOk    bool           `json:"completion_ok"`
	Active          bool           `json:"active"`
	Cursor          Cursor         `json:"cursor"`
	Gates           map[string]any `json:"gates,omitempty"`
	Stuck           bool           `json:"stuck"`
	CapturedAt      time.Time      `json:"captured_at"`
	Files           EvidenceFiles  `json:"files"`
}

type StateTransition struct {
	PreviousState    LoopStatus `json:"previous_state,omitempty"`
	TriggeringSignal string     `json:"triggering_signal"`
	CurrentState     LoopStatus `json:"current_state"`
	Confidence       Confidence `json:"confidence"`
}

type DivergenceFlags struct {
	ActiveMismatch             bool `json:"active_mismatch"`
	ApprovalCompletionConflict bool `json:"approval_completion_conflict"`
	CursorRegression           bool `json:"cursor_regression"`
}

type Divergence struct {
	Any   bool            `json:"any"`
	Flags DivergenceFlags `json:"flags"`
}

// Projection carries the denormalized snapshot fields an operator needs
// without re-reading the raw evidence.
type Projection struct {
	RunID           string     `json:"run_id"`
	Iteration       int        `json:"iteration"`
	Status          LoopStatus `json:"status"`
	LastEventName   string     `json:"last_event_name,omitempty"`
	LastEventAt     string     `json:"last_event_at,omitempty"`
	PendingApproval bool       `json:"pending_approval"`
	CompletionOk    bool       `json:"completion_ok"`
	Active          bool       `json:"active"`
}

type EvidencePointers struct {
	SnapshotCapturedAt   time.Time `json:"snapshot_captured_at"`
	EventsPath           string    `json:"events_path"`
	StatePath            string    `json:"state_path"`
	PreviousCursorOffset int       `json:"previous_cursor_offset"`
}

// ProjectedState is the durable, single-writer-overwritten materialized view
// per loop. The cursor offset must be monotonically non-decreasing across
// writes; a decrease is reported as divergence, not silently corrected.
type ProjectedState struct {
	SchemaVersion string           `json:"schema_version"`
	EnvelopeType  string           `json:"envelope_type"`
	LoopID        string           `json:"loop_id"`
	Transition    StateTransition  `json:"transition"`
	Divergence    Divergence       `json:"divergence"`
	Cursor        Cursor           `json:"cursor"`
	Projection    Projection       `json:"projection"`
	Evidence      EvidencePointers `json:"evidence"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type IntentConfirmation struct {
	SchemaVersion          string     `json:"schema_version"`
	EnvelopeType           string     `json:"envelope_type"`
	LoopID                 string     `json:"loop_id"`
	Intent                 IntentKind `json:"intent"`
	Confirmed              bool       `json:"confirmed"`
	Reason                 string     `json:"reason"`
	Attempts               int        `json:"attempts"`
	TimeoutSeconds         int        `json:"timeout_seconds"`
	ObservedStatus         LoopStatus `json:"observed_status,omitempty"`
	ObservedLastEvent      string     `json:"observed_last_event,omitempty"`
	ObservedApprovalStatus string     `json:"observed_approval_status,omitempty"`
	ObservedActive         bool       `json:"observed_active"`
	ObservedAt             time.Time  `json:"observed_at"`
}

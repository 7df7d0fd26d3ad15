package model

import "strings"

// Evidence input documents. These are written by the loops themselves, so
// every field is optional and loosely typed; consumers apply the documented
// defaults instead of failing on absent fields.

type StateDoc struct {
	SchemaVersion string `json:"schema_version,omitempty"`
	LoopID        string `json:"loop_id,omitempty"`
	Active        bool   `json:"active"`
	RunID         string `json:"run_id,omitempty"`
	Iteration     any    `json:"iteration,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type ActiveRunDoc struct {
	SchemaVersion string `json:"schema_version,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
}

type ApprovalDoc struct {
	SchemaVersion string `json:"schema_version,omitempty"`
	Status        string `json:"status,omitempty"`
	RequestedAt   string `json:"requested_at,omitempty"`
	DecidedAt     string `json:"decided_at,omitempty"`
	DecidedBy     string `json:"decided_by,omitempty"`
}

const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

type RunSummaryEntry struct {
	RunID        string         `json:"run_id,omitempty"`
	Iteration    any            `json:"iteration,omitempty"`
	CompletionOk bool           `json:"completion_ok"`
	EndedAt      string         `json:"ended_at,omitempty"`
	Gates        map[string]any `json:"gates,omitempty"`
	Stuck        bool           `json:"stuck"`
}

type RunSummaryDoc struct {
	SchemaVersion string            `json:"schema_version,omitempty"`
	Entries       []RunSummaryEntry `json:"entries,omitempty"`
	UpdatedAt     string            `json:"updated_at,omitempty"`
}

func (d RunSummaryDoc) Latest() *RunSummaryEntry {
	if len(d.Entries) == 0 {
		return nil
	}
	return &d.Entries[len(d.Entries)-1]
}

// EventRecord is one line of the append-only events log. Loops disagree on
// whether the event name lives under "event" or "type"; Name resolves that.
type EventRecord struct {
	Event     string `json:"event,omitempty"`
	Type      string `json:"type,omitempty"`
	Status    string `json:"status,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Iteration any    `json:"iteration,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (e EventRecord) Name() string {
	if name := strings.TrimSpace(e.Event); name != "" {
		return name
	}
	return strings.TrimSpace(e.Type)
}

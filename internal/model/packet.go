package model

import "time"

type PacketStatus string

const (
	PacketStatusQueued       PacketStatus = "queued"
	PacketStatusDispatched   PacketStatus = "dispatched"
	PacketStatusAcknowledged PacketStatus = "acknowledged"
	PacketStatusInProgress   PacketStatus = "in_progress"
	PacketStatusCompleted    PacketStatus = "completed"
	PacketStatusFailed       PacketStatus = "failed"
	PacketStatusEscalated    PacketStatus = "escalated"
	PacketStatusCancelled    PacketStatus = "cancelled"
)

func IsPacketStatus(s PacketStatus) bool {
	switch s {
	case PacketStatusQueued, PacketStatusDispatched, PacketStatusAcknowledged,
		PacketStatusInProgress, PacketStatusCompleted, PacketStatusFailed,
		PacketStatusEscalated, PacketStatusCancelled:
		return true
	}
	return false
}

type PacketRecipient struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type PacketTransition struct {
	At           time.Time    `json:"at"`
	FromStatus   PacketStatus `json:"from_status,omitempty"`
	ToStatus     PacketStatus `json:"to_status"`
	By           string       `json:"by,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Note         string       `json:"note,omitempty"`
	EvidenceRefs []string     `json:"evidence_refs,omitempty"`
}

// Packet is a durable, append-transitioned unit of cross-horizon
// communication. The transitions list is append-only; once the packet reaches
// completed or cancelled no further transitions are accepted.
type Packet struct {
	SchemaVersion string             `json:"schema_version"`
	EnvelopeType  string             `json:"envelope_type"`
	PacketID      string             `json:"packet_id"`
	HorizonRef    string             `json:"horizon_ref"`
	Sender        string             `json:"sender"`
	Recipient     PacketRecipient    `json:"recipient"`
	Intent        string             `json:"intent"`
	LoopID        string             `json:"loop_id,omitempty"`
	Authority     string             `json:"authority,omitempty"`
	TraceID       string             `json:"trace_id"`
	TTLSeconds    *int               `json:"ttl_seconds,omitempty"`
	Status        PacketStatus       `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	EvidenceRefs  []string           `json:"evidence_refs,omitempty"`
	Transitions   []PacketTransition `json:"transitions"`
}

// PacketTelemetryRecord is the flattened per-action record appended to the
// external telemetry log. One record per create/transition, never edited.
type PacketTelemetryRecord struct {
	RecordID     string       `json:"record_id"`
	At           time.Time    `json:"at"`
	Action       string       `json:"action"`
	PacketID     string       `json:"packet_id"`
	FromStatus   PacketStatus `json:"from_status,omitempty"`
	ToStatus     PacketStatus `json:"to_status"`
	By           string       `json:"by,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	TraceID      string       `json:"trace_id,omitempty"`
	EvidenceRefs []string     `json:"evidence_refs,omitempty"`
}

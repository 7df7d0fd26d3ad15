package model

import (
	"fmt"
	"strings"
)

// MissingEvidenceError marks a required artifact as absent. There is no
// fallback for these; the operation aborts.
type MissingEvidenceError struct {
	LoopID string
	Path   string
}

func (e *MissingEvidenceError) Error() string {
	base := fmt.Sprintf("required evidence missing: %s", strings.TrimSpace(e.Path))
	if strings.TrimSpace(e.LoopID) != "" {
		base += fmt.Sprintf(" (loop=%s)", strings.TrimSpace(e.LoopID))
	}
	return base
}

// InvalidDocumentError marks a document that exists but fails shape
// validation. Fatal for the document's consumer; never coerced to defaults.
type InvalidDocumentError struct {
	Path   string
	Field  string
	Reason string
}

func (e *InvalidDocumentError) Error() string {
	base := fmt.Sprintf("invalid document %s", strings.TrimSpace(e.Path))
	if strings.TrimSpace(e.Field) != "" {
		base += fmt.Sprintf(" field %s", strings.TrimSpace(e.Field))
	}
	if strings.TrimSpace(e.Reason) != "" {
		base += ": " + strings.TrimSpace(e.Reason)
	}
	return base
}

// InvalidTransitionError marks a packet or intent request that violates the
// state machine. Rejected before any mutation.
type InvalidTransitionError struct {
	PacketID string
	From     PacketStatus
	To       PacketStatus
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	base := fmt.Sprintf("packet %s cannot transition %s -> %s", strings.TrimSpace(e.PacketID), e.From, e.To)
	if strings.TrimSpace(e.Reason) != "" {
		base += ": " + strings.TrimSpace(e.Reason)
	}
	return base
}

// ConfigurationError marks an alert sink or registry document that violates a
// schema or secret-presence invariant. Fail-closed.
type ConfigurationError struct {
	Path   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	base := "configuration error"
	if strings.TrimSpace(e.Path) != "" {
		base += " in " + strings.TrimSpace(e.Path)
	}
	if strings.TrimSpace(e.Field) != "" {
		base += fmt.Sprintf(": %s", strings.TrimSpace(e.Field))
	}
	if strings.TrimSpace(e.Reason) != "" {
		base += ": " + strings.TrimSpace(e.Reason)
	}
	return base
}

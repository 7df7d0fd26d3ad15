package model

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities info < warning < critical. Unknown values
// rank below info so they never satisfy a dispatch threshold.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

type SinkType string

const (
	SinkTypeWebhook   SinkType = "webhook"
	SinkTypeSlack     SinkType = "slack"
	SinkTypePagerDuty SinkType = "pagerduty_events"
)

// SinkConfig names secret environment variables, never secret values.
type SinkConfig struct {
	Enabled        bool              `json:"enabled"`
	Type           SinkType          `json:"type"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	URLEnv         string            `json:"url_env,omitempty"`
	AuthTokenEnv   string            `json:"auth_token_env,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	WebhookURLEnv  string            `json:"webhook_url_env,omitempty"`
	RoutingKeyEnv  string            `json:"routing_key_env,omitempty"`
}

type RouteConfig struct {
	Category    string   `json:"category"`
	Enabled     bool     `json:"enabled"`
	MinSeverity Severity `json:"min_severity,omitempty"`
	Sinks       []string `json:"sinks,omitempty"`
}

type RoutingConfig struct {
	DefaultSinks     []string            `json:"default_sinks,omitempty"`
	CategorySeverity map[string]Severity `json:"category_severity,omitempty"`
	Routes           []RouteConfig       `json:"routes,omitempty"`
}

type AlertSinkConfig struct {
	SchemaVersion      string                `json:"schema_version"`
	Sinks              map[string]SinkConfig `json:"sinks"`
	Routing            RoutingConfig         `json:"routing"`
	DefaultMinSeverity Severity              `json:"default_min_severity,omitempty"`
}

type ResolvedSink struct {
	ID             string   `json:"id"`
	Type           SinkType `json:"type"`
	Enabled        bool     `json:"enabled"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	SecretEnvs     []string `json:"secret_envs,omitempty"`
}

type AlertResolution struct {
	SchemaVersion     string         `json:"schema_version"`
	EnvelopeType      string         `json:"envelope_type"`
	Category          string         `json:"category"`
	RouteCategory     string         `json:"route_category,omitempty"`
	EventSeverity     Severity       `json:"event_severity"`
	MinSeverity       Severity       `json:"min_severity"`
	ShouldDispatch    bool           `json:"should_dispatch"`
	SinkIDs           []string       `json:"sink_ids"`
	Sinks             []ResolvedSink `json:"sinks"`
	DispatchableSinks []string       `json:"dispatchable_sinks"`
	ResolvedAt        time.Time      `json:"resolved_at"`
}

type EscalationStatus string

const (
	EscalationStatusPending EscalationStatus = "pending"
	EscalationStatusSent    EscalationStatus = "sent"
	EscalationStatusFailed  EscalationStatus = "failed"
)

// EscalationRecord is one line of the append-only escalation outbox. Status
// changes are expressed as additional "mark" records rather than edits so the
// log stays append-only.
type EscalationRecord struct {
	Kind        string           `json:"kind"`
	MessageID   string           `json:"message_id"`
	Topic       string           `json:"topic,omitempty"`
	Category    string           `json:"category,omitempty"`
	PayloadJSON string           `json:"payload_json,omitempty"`
	Status      EscalationStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	At          time.Time        `json:"at"`
}

const (
	EscalationRecordKindEnqueue = "enqueue"
	EscalationRecordKindMark    = "mark"
)

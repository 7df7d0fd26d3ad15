package status

import (
	"context"
	"time"

	"opsman/internal/config"
	"opsman/internal/model"
	"opsman/internal/serviceapi"
	"opsman/internal/snapshot"
	"opsman/internal/store"
)

// LoopEntry is one loop's row in the fleet status document. Per-loop read
// failures degrade to unknown status with the error recorded instead of
// failing the whole aggregation.
type LoopEntry struct {
	LoopID               string           `json:"loop_id"`
	Transport            model.Transport  `json:"transport"`
	Enabled              bool             `json:"enabled"`
	Status               model.LoopStatus `json:"status"`
	RunID                string           `json:"run_id,omitempty"`
	Iteration            int              `json:"iteration"`
	Active               bool             `json:"active"`
	Confidence           model.Confidence `json:"confidence,omitempty"`
	Diverged             bool             `json:"diverged"`
	HeartbeatStale       bool             `json:"heartbeat_stale"`
	HeartbeatAgeSeconds  int              `json:"heartbeat_age_seconds,omitempty"`
	SuppressedCategories []string         `json:"suppressed_categories,omitempty"`
	Error                string           `json:"error,omitempty"`
}

type EscalationSummary struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

type FleetStatus struct {
	SchemaVersion string                     `json:"schema_version"`
	EnvelopeType  string                     `json:"envelope_type"`
	FleetID       string                     `json:"fleet_id,omitempty"`
	Loops         []LoopEntry                `json:"loops"`
	Packets       map[model.PacketStatus]int `json:"packets"`
	Escalations   EscalationSummary          `json:"escalations"`
	GeneratedAt   time.Time                  `json:"generated_at"`
}

// Aggregator assembles the fleet status view from local evidence, remote
// sprite services, packet files, and the escalation outbox.
type Aggregator struct {
	Store  *store.EvidenceStore
	Config config.Config
	Now    func() time.Time
	// NewClient builds the remote client for a sprite_service loop.
	// Injectable for tests.
	NewClient func(svc model.ServiceConfig) serviceapi.LoopStatusClient
}

func NewAggregator(st *store.EvidenceStore, cfg config.Config) *Aggregator {
	return &Aggregator{
		Store:  st,
		Config: cfg,
		Now:    time.Now,
		NewClient: func(svc model.ServiceConfig) serviceapi.LoopStatusClient {
			return serviceapi.NewRemoteLoop(svc, 15*time.Second)
		},
	}
}

func (a *Aggregator) Aggregate(ctx context.Context, registry model.FleetRegistry) (FleetStatus, error) {
	result := FleetStatus{
		SchemaVersion: model.SchemaVersionV1,
		EnvelopeType:  model.EnvelopeTypeFleetStatus,
		FleetID:       registry.FleetID,
		Loops:         make([]LoopEntry, 0, len(registry.Loops)),
		Packets:       map[model.PacketStatus]int{},
		GeneratedAt:   a.Now().UTC(),
	}

	for _, loop := range registry.Loops {
		entry := LoopEntry{
			LoopID:               loop.LoopID,
			Transport:            loop.Transport,
			Enabled:              loop.Enabled,
			Status:               model.LoopStatusUnknown,
			SuppressedCategories: registry.Policy.Suppressions[loop.LoopID],
		}
		switch loop.Transport {
		case model.TransportSpriteService:
			a.fillRemote(ctx, &entry, loop)
		default:
			a.fillLocal(&entry, loop.LoopID)
		}
		a.fillHeartbeat(&entry, loop.LoopID)
		result.Loops = append(result.Loops, entry)
	}

	packets, err := a.Store.ListPackets()
	if err != nil {
		return FleetStatus{}, err
	}
	for _, pkt := range packets {
		result.Packets[pkt.Status]++
	}

	escalations, err := a.Store.ReadEscalations()
	if err != nil {
		return FleetStatus{}, err
	}
	result.Escalations = summarizeEscalations(escalations)
	return result, nil
}

func (a *Aggregator) fillLocal(entry *LoopEntry, loopID string) {
	snap, err := snapshot.Build(a.Store, loopID, "")
	if err != nil {
		entry.Error = err.Error()
		return
	}
	entry.Status = snap.Status
	entry.RunID = snap.RunID
	entry.Iteration = snap.Iteration
	entry.Active = snap.Active

	projected, err := a.Store.ReadProjectedState(loopID)
	if err != nil {
		entry.Error = err.Error()
		return
	}
	if projected != nil {
		entry.Confidence = projected.Transition.Confidence
		entry.Diverged = projected.Divergence.Any
	}
}

func (a *Aggregator) fillRemote(ctx context.Context, entry *LoopEntry, loop model.Loop) {
	if loop.Service == nil {
		entry.Error = "sprite_service loop has no service config"
		return
	}
	client := a.NewClient(*loop.Service)
	remote, err := client.LoopStatus(ctx, loop.LoopID)
	if err != nil {
		entry.Error = err.Error()
		return
	}
	entry.Status = remote.Status
	entry.RunID = remote.RunID
	entry.Iteration = remote.Iteration
	entry.Active = remote.Status == model.LoopStatusRunning
}

func (a *Aggregator) fillHeartbeat(entry *LoopEntry, loopID string) {
	ref, err := a.Store.HeartbeatRef(loopID)
	if err != nil || !ref.Exists || ref.ModifiedAt == nil {
		return
	}
	age := int(a.Now().UTC().Sub(ref.ModifiedAt.UTC()) / time.Second)
	if age < 0 {
		age = 0
	}
	entry.HeartbeatAgeSeconds = age
	stale := a.Config.Health.HeartbeatStaleSeconds
	if stale <= 0 {
		stale = 900
	}
	entry.HeartbeatStale = age > stale
}

func summarizeEscalations(records []model.EscalationRecord) EscalationSummary {
	latest := map[string]model.EscalationStatus{}
	var order []string
	for _, rec := range records {
		switch rec.Kind {
		case model.EscalationRecordKindEnqueue:
			if _, seen := latest[rec.MessageID]; !seen {
				order = append(order, rec.MessageID)
			}
			latest[rec.MessageID] = rec.Status
		case model.EscalationRecordKindMark:
			if _, seen := latest[rec.MessageID]; seen {
				latest[rec.MessageID] = rec.Status
			}
		}
	}
	var summary EscalationSummary
	for _, id := range order {
		switch latest[id] {
		case model.EscalationStatusPending:
			summary.Pending++
		case model.EscalationStatusSent:
			summary.Sent++
		case model.EscalationStatusFailed:
			summary.Failed++
		}
	}
	return summary
}

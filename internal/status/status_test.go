package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"opsman/internal/config"
	"opsman/internal/model"
	"opsman/internal/serviceapi"
	"opsman/internal/store"
)

type fakeRemote struct {
	status model.RemoteLoopStatus
	err    error
}

func (f *fakeRemote) LoopStatus(ctx context.Context, loopID string) (model.RemoteLoopStatus, error) {
	if f.err != nil {
		return model.RemoteLoopStatus{}, f.err
	}
	return f.status, nil
}

func writeLoopEvidence(t *testing.T, st *store.EvidenceStore, loopID string, files map[string]string) {
	t.Helper()
	dir := st.LoopDir(loopID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg := NewAggregator(&store.EvidenceStore{Root: t.TempDir()}, config.Default())
	agg.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return agg
}

func registryOf(loops ...model.Loop) model.FleetRegistry {
	return model.FleetRegistry{
		SchemaVersion: model.SchemaVersionV1,
		FleetID:       "fleet-test",
		Loops:         loops,
		Policy:        model.FleetPolicy{Mode: model.FleetPolicyModeAdvisory},
	}
}

func TestAggregateLocalLoop(t *testing.T) {
	agg := newTestAggregator(t)
	writeLoopEvidence(t, agg.Store, "loop-a", map[string]string{
		"state.json":   `{"loop_id": "loop-a", "active": true, "run_id": "run-1", "iteration": 3}`,
		"events.jsonl": `{"event": "iteration_start", "status": "ok", "run_id": "run-1", "iteration": 3}` + "\n",
	})

	fleet, err := agg.Aggregate(context.Background(), registryOf(model.Loop{
		LoopID: "loop-a", Enabled: true, Transport: model.TransportLocal,
	}))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(fleet.Loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(fleet.Loops))
	}
	entry := fleet.Loops[0]
	if entry.Status != model.LoopStatusRunning {
		t.Fatalf("expected running, got %s", entry.Status)
	}
	if entry.RunID != "run-1" || entry.Iteration != 3 || !entry.Active {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Error != "" {
		t.Fatalf("unexpected error: %s", entry.Error)
	}
}

func TestAggregateCarriesProjectedConfidenceAndDivergence(t *testing.T) {
	agg := newTestAggregator(t)
	writeLoopEvidence(t, agg.Store, "loop-a", map[string]string{
		"state.json":   `{"loop_id": "loop-a", "active": true, "run_id": "run-1", "iteration": 3}`,
		"events.jsonl": `{"event": "iteration_start", "status": "ok", "run_id": "run-1", "iteration": 3}` + "\n",
	})
	if err := agg.Store.WriteProjectedState(model.ProjectedState{
		SchemaVersion: model.SchemaVersionV1,
		EnvelopeType:  model.EnvelopeTypeProjectedState,
		LoopID:        "loop-a",
		Transition: model.StateTransition{
			CurrentState: model.LoopStatusRunning,
			Confidence:   model.ConfidenceLow,
		},
		Divergence: model.Divergence{
			Any:   true,
			Flags: model.DivergenceFlags{ActiveMismatch: true},
		},
	}); err != nil {
		t.Fatalf("write projected state: %v", err)
	}

	fleet, err := agg.Aggregate(context.Background(), registryOf(model.Loop{
		LoopID: "loop-a", Enabled: true, Transport: model.TransportLocal,
	}))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	entry := fleet.Loops[0]
	if entry.Confidence != model.ConfidenceLow {
		t.Fatalf("expected low confidence, got %q", entry.Confidence)
	}
	if !entry.Diverged {
		t.Fatalf("expected diverged entry")
	}
}

func TestAggregateMissingEvidenceDegradesToUnknown(t *testing.T) {
	agg := newTestAggregator(t)

	fleet, err := agg.Aggregate(context.Background(), registryOf(model.Loop{
		LoopID: "loop-gone", Enabled: true, Transport: model.TransportLocal,
	}))
	if err != nil {
		t.Fatalf("aggregate must not fail on per-loop errors: %v", err)
	}
	entry := fleet.Loops[0]
	if entry.Status != model.LoopStatusUnknown {
		t.Fatalf("expected unknown, got %s", entry.Status)
	}
	if entry.Error == "" {
		t.Fatalf("expected error recorded")
	}
}

func TestAggregateRemoteLoop(t *testing.T) {
	agg := newTestAggregator(t)
	agg.NewClient = func(svc model.ServiceConfig) serviceapi.LoopStatusClient {
		if svc.BaseURL != "https://sprite.example.com" {
			t.Fatalf("unexpected base url %s", svc.BaseURL)
		}
		return &fakeRemote{status: model.RemoteLoopStatus{
			LoopID: "loop-r", Status: model.LoopStatusRunning, Iteration: 8, RunID: "run-r",
		}}
	}

	fleet, err := agg.Aggregate(context.Background(), registryOf(model.Loop{
		LoopID:    "loop-r",
		Enabled:   true,
		Transport: model.TransportSpriteService,
		Service:   &model.ServiceConfig{BaseURL: "https://sprite.example.com", RetryAttempts: 3, RetryBackoffSeconds: 1},
	}))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	entry := fleet.Loops[0]
	if entry.Status != model.LoopStatusRunning || entry.Iteration != 8 || entry.RunID != "run-r" {
		t.Fatalf("unexpected remote entry: %+v", entry)
	}
	if !entry.Active {
		t.Fatalf("running remote loop should be active")
	}
}

func TestAggregateRemoteFailureDegrades(t *testing.T) {
	agg := newTestAggregator(t)
	agg.NewClient = func(svc model.ServiceConfig) serviceapi.LoopStatusClient {
		return &fakeRemote{err: fmt.Errorf("connection refused")}
	}

	fleet, err := agg.Aggregate(context.Background(), registryOf(model.Loop{
		LoopID:    "loop-r",
		Enabled:   true,
		Transport: model.TransportSpriteService,
		Service:   &model.ServiceConfig{BaseURL: "https://sprite.example.com"},
	}))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	entry := fleet.Loops[0]
	if entry.Status != model.LoopStatusUnknown || entry.Error == "" {
		t.Fatalf("expected degraded remote entry, got %+v", entry)
	}
}

func TestAggregateHeartbeatStaleness(t *testing.T) {
	agg := newTestAggregator(t)
	writeLoopEvidence(t, agg.Store, "loop-a", map[string]string{
		"state.json":        `{"loop_id": "loop-a", "active": true}`,
		"events.jsonl":      `{"event": "iteration_start"}` + "\n",
		"heartbeat.v1.json": `{"at": "2026-03-01T10:00:00Z"}`,
	})
	stalePast := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hb := filepath.Join(agg.Store.LoopDir("loop-a"), "heartbeat.v1.json")
	if err := os.Chtimes(hb, stalePast, stalePast); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fleet, err := agg.Aggregate(context.Background(), registryOf(model.Loop{
		LoopID: "loop-a", Enabled: true, Transport: model.TransportLocal,
	}))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	entry := fleet.Loops[0]
	// Two hours old against a 900s threshold.
	if !entry.HeartbeatStale {
		t.Fatalf("expected stale heartbeat, age %d", entry.HeartbeatAgeSeconds)
	}
	if entry.HeartbeatAgeSeconds != 7200 {
		t.Fatalf("expected age 7200s, got %d", entry.HeartbeatAgeSeconds)
	}
}

func TestAggregateSuppressionsFromPolicy(t *testing.T) {
	agg := newTestAggregator(t)
	reg := registryOf(model.Loop{LoopID: "loop-a", Enabled: true, Transport: model.TransportLocal})
	reg.Policy.Suppressions = map[string][]string{"loop-a": {"loop_stuck"}}

	fleet, err := agg.Aggregate(context.Background(), reg)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	got := fleet.Loops[0].SuppressedCategories
	if len(got) != 1 || got[0] != "loop_stuck" {
		t.Fatalf("unexpected suppressions: %v", got)
	}
}

func TestAggregatePacketAndEscalationSummaries(t *testing.T) {
	agg := newTestAggregator(t)

	for i, status := range []model.PacketStatus{
		model.PacketStatusQueued, model.PacketStatusQueued, model.PacketStatusCompleted,
	} {
		pkt := model.Packet{
			SchemaVersion: model.SchemaVersionV1,
			EnvelopeType:  model.EnvelopeTypePacket,
			PacketID:      fmt.Sprintf("pkt-%d", i),
			Status:        status,
		}
		if err := agg.Store.WritePacket(pkt); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}

	now := time.Now().UTC()
	for _, rec := range []model.EscalationRecord{
		{Kind: model.EscalationRecordKindEnqueue, MessageID: "esc-1", Status: model.EscalationStatusPending, At: now},
		{Kind: model.EscalationRecordKindEnqueue, MessageID: "esc-2", Status: model.EscalationStatusPending, At: now},
		{Kind: model.EscalationRecordKindMark, MessageID: "esc-2", Status: model.EscalationStatusSent, At: now},
	} {
		if err := agg.Store.AppendEscalation(rec); err != nil {
			t.Fatalf("append escalation: %v", err)
		}
	}

	fleet, err := agg.Aggregate(context.Background(), registryOf())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if fleet.Packets[model.PacketStatusQueued] != 2 || fleet.Packets[model.PacketStatusCompleted] != 1 {
		t.Fatalf("unexpected packet summary: %v", fleet.Packets)
	}
	if fleet.Escalations.Pending != 1 || fleet.Escalations.Sent != 1 || fleet.Escalations.Failed != 0 {
		t.Fatalf("unexpected escalation summary: %+v", fleet.Escalations)
	}
}

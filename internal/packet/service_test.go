package packet

import (
	"errors"
	"strings"
	"testing"
	"time"

	"opsman/internal/model"
	"opsman/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(&store.EvidenceStore{Root: t.TempDir()})
	svc.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	svc.LookupEnv = func(string) (string, bool) { return "", false }
	return svc
}

func createOpts() CreateOptions {
	return CreateOptions{
		PacketID:      "pkt-test-1",
		HorizonRef:    "h2",
		Sender:        "ops-manager",
		RecipientType: "horizon",
		RecipientID:   "h3-lead",
		Intent:        "handoff",
		LoopID:        "loop-1",
		TraceID:       "trace-abc",
	}
}

func TestCreateWritesQueuedPacket(t *testing.T) {
	svc := newTestService(t)

	pkt, err := svc.Create(createOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pkt.Status != model.PacketStatusQueued {
		t.Fatalf("expected queued, got %s", pkt.Status)
	}
	if len(pkt.Transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(pkt.Transitions))
	}
	if pkt.Transitions[0].FromStatus != "" || pkt.Transitions[0].ToStatus != model.PacketStatusQueued {
		t.Fatalf("unexpected initial transition: %+v", pkt.Transitions[0])
	}
	if pkt.TraceID != "trace-abc" {
		t.Fatalf("expected explicit trace id, got %s", pkt.TraceID)
	}

	stored, err := svc.Get("pkt-test-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PacketID != "pkt-test-1" || stored.Status != model.PacketStatusQueued {
		t.Fatalf("unexpected stored packet: %+v", stored)
	}

	records, err := svc.Store.ReadPacketTelemetry()
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 telemetry record, got %d", len(records))
	}
	if records[0].Action != "create" || records[0].ToStatus != model.PacketStatusQueued {
		t.Fatalf("unexpected telemetry record: %+v", records[0])
	}
	if records[0].RecordID == "" {
		t.Fatalf("expected record id")
	}
}

func TestCreateGeneratesPacketID(t *testing.T) {
	svc := newTestService(t)
	opts := createOpts()
	opts.PacketID = ""

	pkt, err := svc.Create(opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(pkt.PacketID, "pkt-") {
		t.Fatalf("expected generated pkt- id, got %s", pkt.PacketID)
	}
}

func TestCreateAcceptsZeroTTL(t *testing.T) {
	svc := newTestService(t)
	opts := createOpts()
	ttl := 0
	opts.TTLSeconds = &ttl

	pkt, err := svc.Create(opts)
	if err != nil {
		t.Fatalf("create with ttl 0: %v", err)
	}
	if pkt.TTLSeconds == nil || *pkt.TTLSeconds != 0 {
		t.Fatalf("expected ttl 0 on packet, got %v", pkt.TTLSeconds)
	}
}

func TestCreateRejectsNegativeTTL(t *testing.T) {
	svc := newTestService(t)
	opts := createOpts()
	ttl := -5
	opts.TTLSeconds = &ttl

	if _, err := svc.Create(opts); err == nil {
		t.Fatalf("expected negative ttl to be rejected")
	}
}

func TestCreateDuplicateFailsAndLeavesOriginal(t *testing.T) {
	svc := newTestService(t)
	first, err := svc.Create(createOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	opts := createOpts()
	opts.Sender = "someone-else"
	if _, err := svc.Create(opts); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	stored, err := svc.Get(first.PacketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Sender != "ops-manager" {
		t.Fatalf("original packet was modified: %+v", stored)
	}
	records, err := svc.Store.ReadPacketTelemetry()
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("failed create must not log telemetry, got %d records", len(records))
	}
}

func TestCreateTraceIDFromEnv(t *testing.T) {
	svc := newTestService(t)
	svc.LookupEnv = func(key string) (string, bool) {
		if key == "OPSMAN_TRACE_ID" {
			return "trace-from-env", true
		}
		return "", false
	}
	opts := createOpts()
	opts.TraceID = ""

	pkt, err := svc.Create(opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pkt.TraceID != "trace-from-env" {
		t.Fatalf("expected env trace id, got %s", pkt.TraceID)
	}
}

func TestCreateTraceIDGenerated(t *testing.T) {
	svc := newTestService(t)
	opts := createOpts()
	opts.TraceID = ""

	pkt, err := svc.Create(opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if strings.TrimSpace(pkt.TraceID) == "" {
		t.Fatalf("expected generated trace id")
	}
}

func TestTransitionHappyPathLifecycle(t *testing.T) {
	svc := newTestService(t)
	pkt, err := svc.Create(createOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	steps := []model.PacketStatus{
		model.PacketStatusDispatched,
		model.PacketStatusAcknowledged,
		model.PacketStatusInProgress,
		model.PacketStatusCompleted,
	}
	for _, to := range steps {
		pkt, err = svc.Transition(TransitionOptions{
			PacketID: pkt.PacketID,
			ToStatus: to,
			By:       "h3-lead",
		})
		if err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if pkt.Status != model.PacketStatusCompleted {
		t.Fatalf("expected completed, got %s", pkt.Status)
	}
	if pkt.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if len(pkt.Transitions) != 5 {
		t.Fatalf("expected 5 transitions (create + 4), got %d", len(pkt.Transitions))
	}

	records, err := svc.Store.ReadPacketTelemetry()
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 telemetry records, got %d", len(records))
	}
}

func TestTransitionRejectedLeavesPacketUnchanged(t *testing.T) {
	svc := newTestService(t)
	pkt, err := svc.Create(createOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = svc.Transition(TransitionOptions{
		PacketID: pkt.PacketID,
		ToStatus: model.PacketStatusCompleted,
	})
	var invalid *model.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	stored, err := svc.Get(pkt.PacketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.PacketStatusQueued {
		t.Fatalf("status must be unchanged, got %s", stored.Status)
	}
	if len(stored.Transitions) != 1 {
		t.Fatalf("transition log must be unchanged, got %d entries", len(stored.Transitions))
	}
	records, err := svc.Store.ReadPacketTelemetry()
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("rejected transition must not log telemetry, got %d", len(records))
	}
}

func TestTransitionUnknownTargetStatus(t *testing.T) {
	svc := newTestService(t)
	pkt, err := svc.Create(createOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Transition(TransitionOptions{PacketID: pkt.PacketID, ToStatus: "archived"}); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestTransitionMissingPacket(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Transition(TransitionOptions{PacketID: "pkt-missing", ToStatus: model.PacketStatusDispatched}); err == nil {
		t.Fatalf("expected missing packet to fail")
	}
}

func TestTransitionTerminalStatusRejected(t *testing.T) {
	svc := newTestService(t)
	pkt, err := svc.Create(createOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Transition(TransitionOptions{PacketID: pkt.PacketID, ToStatus: model.PacketStatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = svc.Transition(TransitionOptions{PacketID: pkt.PacketID, ToStatus: model.PacketStatusEscalated})
	var invalid *model.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.Reason != "packet is in a terminal status" {
		t.Fatalf("unexpected reason: %s", invalid.Reason)
	}
}

func TestCompletedAtSetOnlyOnFirstCompletion(t *testing.T) {
	svc := newTestService(t)
	times := []time.Time{
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	tick := 0
	svc.Now = func() time.Time {
		tick++
		return times[0].Add(time.Duration(tick) * time.Minute)
	}

	pkt, err := svc.Create(createOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, to := range []model.PacketStatus{
		model.PacketStatusDispatched,
		model.PacketStatusAcknowledged,
		model.PacketStatusInProgress,
		model.PacketStatusCompleted,
	} {
		if pkt, err = svc.Transition(TransitionOptions{PacketID: pkt.PacketID, ToStatus: to}); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if pkt.CompletedAt == nil {
		t.Fatalf("expected completed_at")
	}
	if !pkt.CompletedAt.Equal(pkt.UpdatedAt) {
		t.Fatalf("completed_at should match the completing transition time")
	}
}

func TestEvidenceRefsUnionDeduplicated(t *testing.T) {
	svc := newTestService(t)
	opts := createOpts()
	opts.EvidenceRefs = []string{"loops/loop-1/events.jsonl", "loops/loop-1/state.json"}
	pkt, err := svc.Create(opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pkt, err = svc.Transition(TransitionOptions{
		PacketID:     pkt.PacketID,
		ToStatus:     model.PacketStatusDispatched,
		EvidenceRefs: []string{"loops/loop-1/state.json", "packets/notes.md"},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	want := []string{"loops/loop-1/events.jsonl", "loops/loop-1/state.json", "packets/notes.md"}
	if len(pkt.EvidenceRefs) != len(want) {
		t.Fatalf("expected %d refs, got %v", len(want), pkt.EvidenceRefs)
	}
	for i, ref := range want {
		if pkt.EvidenceRefs[i] != ref {
			t.Fatalf("expected ref %d to be %s, got %s", i, ref, pkt.EvidenceRefs[i])
		}
	}
}

func TestListReturnsSortedPackets(t *testing.T) {
	svc := newTestService(t)
	for _, id := range []string{"pkt-b", "pkt-a", "pkt-c"} {
		opts := createOpts()
		opts.PacketID = id
		if _, err := svc.Create(opts); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	packets, err := svc.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(packets))
	}
	for i, want := range []string{"pkt-a", "pkt-b", "pkt-c"} {
		if packets[i].PacketID != want {
			t.Fatalf("expected %s at %d, got %s", want, i, packets[i].PacketID)
		}
	}
}

package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opsman/internal/model"
	"opsman/internal/snapshot"
	"opsman/internal/store"
)

type SnapshotFunc func(loopID string) (model.RunSnapshot, error)

// Waiter polls the snapshot builder until an externally requested intent is
// observable in the evidence or the timeout elapses. Single-threaded; the
// only blocking operation in the system.
type Waiter struct {
	Snapshot SnapshotFunc
	Sleep    func(time.Duration)
	Now      func() time.Time
}

func NewWaiter(st *store.EvidenceStore) *Waiter {
	return &Waiter{
		Snapshot: func(loopID string) (model.RunSnapshot, error) {
			return snapshot.Build(st, loopID, "")
		},
		Sleep: time.Sleep,
		Now:   time.Now,
	}
}

type Options struct {
	LoopID          string
	Intent          model.IntentKind
	TimeoutSeconds  int
	IntervalSeconds int
}

var rejectionEventNames = map[string]bool{
	"approval_rejected": true,
	"approval_decision": true,
}

// Wait polls until the intent-specific predicate holds or the timeout
// elapses, measured wall-clock from loop start. Transient snapshot read
// failures are swallowed and retried on the next interval; they never abort
// the wait.
func (w *Waiter) Wait(ctx context.Context, opts Options) (model.IntentConfirmation, error) {
	loopID := strings.TrimSpace(opts.LoopID)
	if loopID == "" {
		return model.IntentConfirmation{}, fmt.Errorf("loop id is required")
	}
	switch opts.Intent {
	case model.IntentCancel, model.IntentApprove, model.IntentReject:
	default:
		return model.IntentConfirmation{}, fmt.Errorf("intent must be cancel|approve|reject, got %q", opts.Intent)
	}
	if opts.TimeoutSeconds <= 0 {
		return model.IntentConfirmation{}, fmt.Errorf("timeout seconds must be > 0")
	}
	if opts.IntervalSeconds < 1 {
		return model.IntentConfirmation{}, fmt.Errorf("interval seconds must be >= 1")
	}

	result := model.IntentConfirmation{
		SchemaVersion:  model.SchemaVersionV1,
		EnvelopeType:   model.EnvelopeTypeIntentConfirmation,
		LoopID:         loopID,
		Intent:         opts.Intent,
		TimeoutSeconds: opts.TimeoutSeconds,
	}

	start := w.Now()
	deadline := start.Add(time.Duration(opts.TimeoutSeconds) * time.Second)
	interval := time.Duration(opts.IntervalSeconds) * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("wait for %s on loop %s: %w", opts.Intent, loopID, err)
		}
		result.Attempts++

		snap, err := w.Snapshot(loopID)
		if err == nil {
			result.ObservedStatus = snap.Status
			result.ObservedLastEvent = snap.LastEventName
			result.ObservedApprovalStatus = snap.ApprovalStatus
			result.ObservedActive = snap.Active
			result.ObservedAt = w.Now().UTC()

			if confirmed, reason := evaluate(opts.Intent, snap); confirmed {
				result.Confirmed = true
				result.Reason = reason
				return result, nil
			}
		}

		if !w.Now().Before(deadline) {
			result.Reason = fmt.Sprintf("timeout after %ds waiting for %s", opts.TimeoutSeconds, opts.Intent)
			return result, nil
		}
		w.Sleep(interval)
	}
}

func evaluate(intent model.IntentKind, snap model.RunSnapshot) (bool, string) {
	switch intent {
	case model.IntentCancel:
		if !snap.Active && snap.Status != model.LoopStatusRunning {
			return true, "loop is inactive and not running"
		}
	case model.IntentApprove:
		if snap.CompletionOk {
			return true, "summary reports completion_ok"
		}
		if snap.Status == model.LoopStatusComplete {
			return true, "derived status is complete"
		}
		if snap.LastEventName == "loop_complete" {
			return true, "loop_complete event observed"
		}
	case model.IntentReject:
		if snap.ApprovalStatus == model.ApprovalStatusRejected {
			return true, "approval status is rejected"
		}
		if rejectionEventNames[snap.LastEventName] {
			return true, fmt.Sprintf("%s event observed", snap.LastEventName)
		}
	}
	return false, ""
}

package reconcile

import (
	"fmt"
	"time"

	"opsman/internal/model"
	"opsman/internal/snapshot"
	"opsman/internal/store"
)

// workInProgressEvents are event names that imply a loop is mid-flight. A
// state document claiming inactive while one of these is the latest observed
// event is contradictory evidence.
var workInProgressEvents = map[string]bool{
	"iteration_start":  true,
	"role_start":       true,
	"role_end":         true,
	"iteration_end":    true,
	"tests_start":      true,
	"tests_end":        true,
	"validation_start": true,
	"validation_end":   true,
}

type Input struct {
	Snapshot model.RunSnapshot
	Previous *model.ProjectedState
	NewEvent *model.EventRecord
}

// Reconcile compares a fresh snapshot (and optionally a just-observed event)
// against the previously persisted projected state. Only the previous
// current-state and cursor offset are consulted; everything else is
// recomputed from the snapshot. Divergence is a reported signal, never an
// aborting condition.
func Reconcile(in Input) model.ProjectedState {
	snap := in.Snapshot

	lastEventName := snap.LastEventName
	if in.NewEvent != nil {
		lastEventName = in.NewEvent.Name()
	}

	previousOffset := 0
	previousState := model.LoopStatus("")
	if in.Previous != nil {
		previousOffset = in.Previous.Cursor.EventLineOffset
		previousState = in.Previous.Transition.CurrentState
	}

	flags := model.DivergenceFlags{
		ActiveMismatch:             !snap.Active && workInProgressEvents[lastEventName],
		ApprovalCompletionConflict: snap.PendingApproval && snap.CompletionOk,
		CursorRegression:           in.Previous != nil && previousOffset > snap.Cursor.EventLineOffset,
	}
	divergence := model.Divergence{
		Any:   flags.ActiveMismatch || flags.ApprovalCompletionConflict || flags.CursorRegression,
		Flags: flags,
	}

	confidence := model.ConfidenceHigh
	switch {
	case divergence.Any:
		confidence = model.ConfidenceLow
	case lastEventName == "":
		confidence = model.ConfidenceMedium
	}

	triggeringSignal := fmt.Sprintf("snapshot_status:%s", snap.Status)
	if in.NewEvent != nil {
		triggeringSignal = fmt.Sprintf("event:%s", in.NewEvent.Name())
	}

	return model.ProjectedState{
		SchemaVersion: model.SchemaVersionV1,
		EnvelopeType:  model.EnvelopeTypeProjectedState,
		LoopID:        snap.LoopID,
		Transition: model.StateTransition{
			PreviousState:    previousState,
			TriggeringSignal: triggeringSignal,
			CurrentState:     snap.Status,
			Confidence:       confidence,
		},
		Divergence: divergence,
		Cursor:     snap.Cursor,
		Projection: model.Projection{
			RunID:           snap.RunID,
			Iteration:       snap.Iteration,
			Status:          snap.Status,
			LastEventName:   snap.LastEventName,
			LastEventAt:     snap.LastEventAt,
			PendingApproval: snap.PendingApproval,
			CompletionOk:    snap.CompletionOk,
			Active:          snap.Active,
		},
		Evidence: model.EvidencePointers{
			SnapshotCapturedAt:   snap.CapturedAt,
			EventsPath:           snap.Files.Events.Path,
			StatePath:            snap.Files.State.Path,
			PreviousCursorOffset: previousOffset,
		},
		UpdatedAt: time.Now().UTC(),
	}
}

// Apply builds a fresh snapshot, reconciles it against the persisted
// projected state and overwrites the per-loop state document. A detected
// cursor regression is persisted as-is: refusing the write would hide the
// later of two racing writers entirely, while persisting it keeps the anomaly
// auditable through the divergence flags and the recorded previous offset.
func Apply(st *store.EvidenceStore, loopID string, overrideRunID string, newEvent *model.EventRecord) (model.ProjectedState, error) {
	snap, err := snapshot.Build(st, loopID, overrideRunID)
	if err != nil {
		return model.ProjectedState{}, err
	}
	previous, err := st.ReadProjectedState(loopID)
	if err != nil {
		return model.ProjectedState{}, err
	}
	state := Reconcile(Input{Snapshot: snap, Previous: previous, NewEvent: newEvent})
	if err := st.WriteProjectedState(state); err != nil {
		return model.ProjectedState{}, err
	}
	return state, nil
}

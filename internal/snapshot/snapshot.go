package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"opsman/internal/model"
	"opsman/internal/store"
)

var stopEventNames = map[string]bool{
	"loop_stop":        true,
	"rate_limit_stop":  true,
	"no_progress_stop": true,
}

var failureEventStatuses = map[string]bool{
	"error":        true,
	"timeout":      true,
	"blocked":      true,
	"rate_limited": true,
}

type evidenceSet struct {
	loopID        string
	state         model.StateDoc
	stateExists   bool
	approval      model.ApprovalDoc
	summary       model.RunSummaryDoc
	summaryExists bool
	lastEvent     *model.EventRecord
}

// stateActive reports whether the state document claims this loop is the one
// actively running. The state document lives in the loop's own evidence dir,
// so an absent loop_id refers to the owning loop.
func (ev evidenceSet) stateActive() bool {
	if !ev.stateExists || !ev.state.Active {
		return false
	}
	stateLoop := strings.TrimSpace(ev.state.LoopID)
	return stateLoop == "" || stateLoop == ev.loopID
}

func (ev evidenceSet) lastEventName() string {
	if ev.lastEvent == nil {
		return ""
	}
	return ev.lastEvent.Name()
}

func (ev evidenceSet) lastEventStatus() string {
	if ev.lastEvent == nil {
		return ""
	}
	return strings.TrimSpace(ev.lastEvent.Status)
}

type statusRule struct {
	name    string
	applies func(ev evidenceSet) bool
	status  model.LoopStatus
}

// statusRules is the single source of truth for status derivation. Evaluated
// in order, first match wins.
var statusRules = []statusRule{
	{
		name: "approval_pending",
		applies: func(ev evidenceSet) bool {
			return strings.TrimSpace(ev.approval.Status) == model.ApprovalStatusPending
		},
		status: model.LoopStatusAwaitingApproval,
	},
	{
		name: "summary_completion_ok",
		applies: func(ev evidenceSet) bool {
			latest := ev.summary.Latest()
			return latest != nil && latest.CompletionOk
		},
		status: model.LoopStatusComplete,
	},
	{
		name: "state_active",
		applies: func(ev evidenceSet) bool {
			return ev.stateActive()
		},
		status: model.LoopStatusRunning,
	},
	{
		name: "stop_event",
		applies: func(ev evidenceSet) bool {
			return stopEventNames[ev.lastEventName()]
		},
		status: model.LoopStatusStopped,
	},
	{
		name: "failure_event_status",
		applies: func(ev evidenceSet) bool {
			return failureEventStatuses[ev.lastEventStatus()]
		},
		status: model.LoopStatusFailed,
	},
	{
		name: "inactive_with_summary",
		applies: func(ev evidenceSet) bool {
			return ev.stateExists && !ev.state.Active && ev.summaryExists
		},
		status: model.LoopStatusIdle,
	},
}

func deriveStatus(ev evidenceSet) model.LoopStatus {
	for _, rule := range statusRules {
		if rule.applies(ev) {
			return rule.status
		}
	}
	return model.LoopStatusUnknown
}

// Build derives a point-in-time status envelope for one loop. Pure read, no
// side effects. The loop's evidence dir and its events log are required
// prerequisites; everything else degrades gracefully.
func Build(st *store.EvidenceStore, loopID string, overrideRunID string) (model.RunSnapshot, error) {
	loopID = strings.TrimSpace(loopID)
	if loopID == "" {
		return model.RunSnapshot{}, fmt.Errorf("loop id is required")
	}
	if !st.LoopDirExists(loopID) {
		return model.RunSnapshot{}, &model.MissingEvidenceError{LoopID: loopID, Path: st.LoopDir(loopID)}
	}

	state, stateRef, err := st.ReadState(loopID)
	if err != nil {
		return model.RunSnapshot{}, err
	}
	_, activeRunRef, err := st.ReadActiveRun(loopID)
	if err != nil {
		return model.RunSnapshot{}, err
	}
	approval, approvalRef, err := st.ReadApproval(loopID)
	if err != nil {
		return model.RunSnapshot{}, err
	}
	summary, summaryRef, err := st.ReadRunSummary(loopID)
	if err != nil {
		return model.RunSnapshot{}, err
	}
	events, eventsRef, err := st.ReadEvents(loopID)
	if err != nil {
		return model.RunSnapshot{}, err
	}
	if !eventsRef.Exists {
		return model.RunSnapshot{}, &model.MissingEvidenceError{LoopID: loopID, Path: st.EventsPath(loopID)}
	}
	heartbeatRef, err := st.HeartbeatRef(loopID)
	if err != nil {
		return model.RunSnapshot{}, err
	}

	ev := evidenceSet{
		loopID:        loopID,
		state:         state,
		stateExists:   stateRef.Exists,
		approval:      approval,
		summary:       summary,
		summaryExists: summaryRef.Exists,
		lastEvent:     events.Last,
	}

	snap := model.RunSnapshot{
		SchemaVersion:   model.SchemaVersionV1,
		EnvelopeType:    model.EnvelopeTypeRunSnapshot,
		LoopID:          loopID,
		RunID:           resolveRunID(overrideRunID, ev),
		Iteration:       resolveIteration(ev),
		Status:          deriveStatus(ev),
		PendingApproval: strings.TrimSpace(approval.Status) == model.ApprovalStatusPending,
		ApprovalStatus:  strings.TrimSpace(approval.Status),
		Active:          ev.stateActive(),
		Cursor: model.Cursor{
			EventLineOffset: events.LineCount,
			EventLineCount:  events.LineCount,
		},
		CapturedAt: time.Now().UTC(),
		Files: model.EvidenceFiles{
			State:      stateRef,
			ActiveRun:  activeRunRef,
			Approval:   approvalRef,
			Events:     eventsRef,
			RunSummary: summaryRef,
			Heartbeat:  heartbeatRef,
		},
	}
	if events.Last != nil {
		snap.LastEventName = events.Last.Name()
		snap.LastEventStatus = strings.TrimSpace(events.Last.Status)
		snap.LastEventAt = strings.TrimSpace(events.Last.Timestamp)
	}
	if latest := summary.Latest(); latest != nil {
		snap.CompletionOk = latest.CompletionOk
		snap.Gates = latest.Gates
		snap.Stuck = latest.Stuck
	}
	return snap, nil
}

// runId precedence: explicit override > latest summary entry > last event >
// "unknown".
func resolveRunID(override string, ev evidenceSet) string {
	if runID := strings.TrimSpace(override); runID != "" {
		return runID
	}
	if latest := ev.summary.Latest(); latest != nil {
		if runID := strings.TrimSpace(latest.RunID); runID != "" {
			return runID
		}
	}
	if ev.lastEvent != nil {
		if runID := strings.TrimSpace(ev.lastEvent.RunID); runID != "" {
			return runID
		}
	}
	return "unknown"
}

// iteration precedence: latest summary entry > last event > state document >
// 0. A present but non-numeric value stops the chain and falls back to 0.
func resolveIteration(ev evidenceSet) int {
	if latest := ev.summary.Latest(); latest != nil && latest.Iteration != nil {
		return coerceInt(latest.Iteration)
	}
	if ev.lastEvent != nil && ev.lastEvent.Iteration != nil {
		return coerceInt(ev.lastEvent.Iteration)
	}
	if ev.stateExists && ev.state.Iteration != nil {
		return coerceInt(ev.state.Iteration)
	}
	return 0
}

func coerceInt(v any) int {
	switch typed := v.(type) {
	case float64:
		return int(typed)
	case int:
		return typed
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

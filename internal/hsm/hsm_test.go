package hsm

import (
	"testing"

	"opsman/internal/model"
)

func TestAllowedPacketTransitions(t *testing.T) {
	allowed := [][2]model.PacketStatus{
		{model.PacketStatusQueued, model.PacketStatusDispatched},
		{model.PacketStatusQueued, model.PacketStatusCancelled},
		{model.PacketStatusQueued, model.PacketStatusEscalated},
		{model.PacketStatusDispatched, model.PacketStatusAcknowledged},
		{model.PacketStatusDispatched, model.PacketStatusFailed},
		{model.PacketStatusAcknowledged, model.PacketStatusInProgress},
		{model.PacketStatusInProgress, model.PacketStatusCompleted},
		{model.PacketStatusFailed, model.PacketStatusEscalated},
		{model.PacketStatusEscalated, model.PacketStatusInProgress},
		{model.PacketStatusEscalated, model.PacketStatusCompleted},
	}
	for _, pair := range allowed {
		if !CanTransitionPacket(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []model.PacketStatus{
		model.PacketStatusQueued, model.PacketStatusDispatched,
		model.PacketStatusAcknowledged, model.PacketStatusInProgress,
		model.PacketStatusCompleted, model.PacketStatusFailed,
		model.PacketStatusEscalated, model.PacketStatusCancelled,
	}
	for _, terminal := range []model.PacketStatus{model.PacketStatusCompleted, model.PacketStatusCancelled} {
		if !IsTerminalPacketStatus(terminal) {
			t.Fatalf("expected %s to be terminal", terminal)
		}
		for _, to := range all {
			if CanTransitionPacket(terminal, to) {
				t.Fatalf("expected no edge %s -> %s", terminal, to)
			}
		}
	}
}

func TestSelfTransitionsAreRejected(t *testing.T) {
	all := []model.PacketStatus{
		model.PacketStatusQueued, model.PacketStatusDispatched,
		model.PacketStatusAcknowledged, model.PacketStatusInProgress,
		model.PacketStatusCompleted, model.PacketStatusFailed,
		model.PacketStatusEscalated, model.PacketStatusCancelled,
	}
	for _, status := range all {
		if CanTransitionPacket(status, status) {
			t.Fatalf("expected self transition %s -> %s to be rejected", status, status)
		}
	}
}

func TestUnknownEdgesAreRejected(t *testing.T) {
	denied := [][2]model.PacketStatus{
		{model.PacketStatusQueued, model.PacketStatusAcknowledged},
		{model.PacketStatusQueued, model.PacketStatusCompleted},
		{model.PacketStatusDispatched, model.PacketStatusInProgress},
		{model.PacketStatusFailed, model.PacketStatusInProgress},
		{model.PacketStatusFailed, model.PacketStatusCompleted},
		{model.PacketStatusEscalated, model.PacketStatusFailed},
		{model.PacketStatusEscalated, model.PacketStatusDispatched},
	}
	for _, pair := range denied {
		if CanTransitionPacket(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

package hsm

import "opsman/internal/model"

var packetTransitions = map[model.PacketStatus]map[model.PacketStatus]bool{
	model.PacketStatusQueued: {
		model.PacketStatusDispatched: true,
		model.PacketStatusCancelled:  true,
		model.PacketStatusEscalated:  true,
	},
	model.PacketStatusDispatched: {
		model.PacketStatusAcknowledged: true,
		model.PacketStatusFailed:       true,
		model.PacketStatusEscalated:    true,
		model.PacketStatusCancelled:    true,
	},
	model.PacketStatusAcknowledged: {
		model.PacketStatusInProgress: true,
		model.PacketStatusFailed:     true,
		model.PacketStatusEscalated:  true,
		model.PacketStatusCancelled:  true,
	},
	model.PacketStatusInProgress: {
		model.PacketStatusCompleted: true,
		model.PacketStatusFailed:    true,
		model.PacketStatusEscalated: true,
		model.PacketStatusCancelled: true,
	},
	model.PacketStatusFailed: {
		model.PacketStatusEscalated: true,
		model.PacketStatusCancelled: true,
	},
	model.PacketStatusEscalated: {
		model.PacketStatusInProgress: true,
		model.PacketStatusCompleted:  true,
		model.PacketStatusCancelled:  true,
	},
}

// CanTransitionPacket reports whether the edge is in the transition table.
// Self-transitions are not allowed; completed and cancelled have no outgoing
// edges.
func CanTransitionPacket(from model.PacketStatus, to model.PacketStatus) bool {
	return packetTransitions[from][to]
}

func IsTerminalPacketStatus(status model.PacketStatus) bool {
	return status == model.PacketStatusCompleted || status == model.PacketStatusCancelled
}

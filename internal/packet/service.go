package packet

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/oklog/ulid"

	"opsman/internal/hsm"
	"opsman/internal/model"
	"opsman/internal/store"
)

// Service owns packet lifecycle: creation, FSM transitions, and the
// append-only telemetry log. Packet files are single-writer-assumed per
// packet id.
type Service struct {
	Store     *store.EvidenceStore
	Now       func() time.Time
	LookupEnv func(string) (string, bool)
}

func NewService(st *store.EvidenceStore) *Service {
	return &Service{Store: st, Now: time.Now, LookupEnv: os.LookupEnv}
}

type CreateOptions struct {
	PacketID      string
	HorizonRef    string
	Sender        string
	RecipientType string
	RecipientID   string
	Intent        string
	LoopID        string
	Authority     string
	TraceID       string
	TTLSeconds    *int
	EvidenceRefs  []string
}

type TransitionOptions struct {
	PacketID     string
	ToStatus     model.PacketStatus
	By           string
	Reason       string
	Note         string
	EvidenceRefs []string
}

// Create writes a new packet in queued status. Creation is guarded by an
// existence check on the packet file, not a true atomic create.
func (s *Service) Create(opts CreateOptions) (model.Packet, error) {
	packetID := strings.TrimSpace(opts.PacketID)
	if packetID == "" {
		packetID = "pkt-" + shortuuid.New()
	}
	if strings.TrimSpace(opts.HorizonRef) == "" {
		return model.Packet{}, fmt.Errorf("horizon ref is required")
	}
	if strings.TrimSpace(opts.Sender) == "" {
		return model.Packet{}, fmt.Errorf("sender is required")
	}
	if strings.TrimSpace(opts.RecipientID) == "" {
		return model.Packet{}, fmt.Errorf("recipient id is required")
	}
	if strings.TrimSpace(opts.Intent) == "" {
		return model.Packet{}, fmt.Errorf("intent is required")
	}
	if opts.TTLSeconds != nil && *opts.TTLSeconds < 0 {
		return model.Packet{}, fmt.Errorf("ttl seconds must be >= 0")
	}
	if s.Store.PacketExists(packetID) {
		return model.Packet{}, fmt.Errorf("packet %s already exists", packetID)
	}

	recipientType := strings.TrimSpace(opts.RecipientType)
	if recipientType == "" {
		recipientType = "horizon"
	}

	now := s.Now().UTC()
	pkt := model.Packet{
		SchemaVersion: model.SchemaVersionV1,
		EnvelopeType:  model.EnvelopeTypePacket,
		PacketID:      packetID,
		HorizonRef:    strings.TrimSpace(opts.HorizonRef),
		Sender:        strings.TrimSpace(opts.Sender),
		Recipient: model.PacketRecipient{
			Type: recipientType,
			ID:   strings.TrimSpace(opts.RecipientID),
		},
		Intent:       strings.TrimSpace(opts.Intent),
		LoopID:       strings.TrimSpace(opts.LoopID),
		Authority:    strings.TrimSpace(opts.Authority),
		TraceID:      resolveTraceID(opts.TraceID, s.LookupEnv),
		TTLSeconds:   opts.TTLSeconds,
		Status:       model.PacketStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		EvidenceRefs: dedupRefs(nil, opts.EvidenceRefs),
		Transitions: []model.PacketTransition{
			{
				At:           now,
				ToStatus:     model.PacketStatusQueued,
				By:           strings.TrimSpace(opts.Sender),
				Reason:       "created",
				EvidenceRefs: dedupRefs(nil, opts.EvidenceRefs),
			},
		},
	}

	if err := s.Store.WritePacket(pkt); err != nil {
		return model.Packet{}, err
	}
	if err := s.appendTelemetry("create", pkt, "", model.PacketStatusQueued, pkt.Sender, "created", opts.EvidenceRefs); err != nil {
		return model.Packet{}, err
	}
	return pkt, nil
}

// Transition moves a packet along one edge of the workflow table. All
// validation happens before any mutation; a rejected transition leaves both
// the packet file and the telemetry log untouched.
func (s *Service) Transition(opts TransitionOptions) (model.Packet, error) {
	packetID := strings.TrimSpace(opts.PacketID)
	if packetID == "" {
		return model.Packet{}, fmt.Errorf("packet id is required")
	}
	if !model.IsPacketStatus(opts.ToStatus) {
		return model.Packet{}, &model.InvalidTransitionError{
			PacketID: packetID,
			To:       opts.ToStatus,
			Reason:   "unknown target status",
		}
	}

	pkt, err := s.Store.ReadPacket(packetID)
	if err != nil {
		return model.Packet{}, err
	}
	if !model.IsPacketStatus(pkt.Status) {
		return model.Packet{}, &model.InvalidTransitionError{
			PacketID: packetID,
			From:     pkt.Status,
			To:       opts.ToStatus,
			Reason:   "stored status is not a known packet status",
		}
	}
	if !hsm.CanTransitionPacket(pkt.Status, opts.ToStatus) {
		reason := "transition not allowed"
		if hsm.IsTerminalPacketStatus(pkt.Status) {
			reason = "packet is in a terminal status"
		}
		return model.Packet{}, &model.InvalidTransitionError{
			PacketID: packetID,
			From:     pkt.Status,
			To:       opts.ToStatus,
			Reason:   reason,
		}
	}

	now := s.Now().UTC()
	from := pkt.Status
	pkt.Status = opts.ToStatus
	pkt.UpdatedAt = now
	if opts.ToStatus == model.PacketStatusCompleted && pkt.CompletedAt == nil {
		completedAt := now
		pkt.CompletedAt = &completedAt
	}
	pkt.EvidenceRefs = dedupRefs(pkt.EvidenceRefs, opts.EvidenceRefs)
	pkt.Transitions = append(pkt.Transitions, model.PacketTransition{
		At:           now,
		FromStatus:   from,
		ToStatus:     opts.ToStatus,
		By:           strings.TrimSpace(opts.By),
		Reason:       strings.TrimSpace(opts.Reason),
		Note:         strings.TrimSpace(opts.Note),
		EvidenceRefs: dedupRefs(nil, opts.EvidenceRefs),
	})

	if err := s.Store.WritePacket(pkt); err != nil {
		return model.Packet{}, err
	}
	if err := s.appendTelemetry("transition", pkt, from, opts.ToStatus, opts.By, opts.Reason, opts.EvidenceRefs); err != nil {
		return model.Packet{}, err
	}
	return pkt, nil
}

func (s *Service) Get(packetID string) (model.Packet, error) {
	return s.Store.ReadPacket(strings.TrimSpace(packetID))
}

func (s *Service) List() ([]model.Packet, error) {
	return s.Store.ListPackets()
}

func (s *Service) appendTelemetry(action string, pkt model.Packet, from, to model.PacketStatus, by, reason string, refs []string) error {
	record := model.PacketTelemetryRecord{
		RecordID:     newRecordID(s.Now()),
		At:           s.Now().UTC(),
		Action:       action,
		PacketID:     pkt.PacketID,
		FromStatus:   from,
		ToStatus:     to,
		By:           strings.TrimSpace(by),
		Reason:       strings.TrimSpace(reason),
		TraceID:      pkt.TraceID,
		EvidenceRefs: dedupRefs(nil, refs),
	}
	return s.Store.AppendPacketTelemetry(record)
}

func newRecordID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return fmt.Sprintf("rec-%d", now.UnixNano())
	}
	return id.String()
}

// dedupRefs unions extra into base preserving first-seen order.
func dedupRefs(base, extra []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, ref := range append(append([]string{}, base...), extra...) {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

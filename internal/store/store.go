package store

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"opsman/internal/model"
)

// EvidenceStore reads and writes the fixed set of per-loop JSON/JSONL
// artifacts plus the packet, telemetry and escalation documents. It holds no
// derivation logic; missing optional documents are reported through FileRef,
// not errors. Writes are plain overwrites: the design is single-writer by
// convention and surfaces races downstream instead of locking here.
type EvidenceStore struct {
	Root string
}

func NewEvidenceStore(root string) *EvidenceStore {
	if strings.TrimSpace(root) == "" {
		root = ".opsman/evidence"
	}
	return &EvidenceStore{Root: root}
}

func (s *EvidenceStore) LoopDir(loopID string) string {
	return filepath.Join(s.Root, "loops", loopID)
}

func (s *EvidenceStore) StatePath(loopID string) string {
	return filepath.Join(s.LoopDir(loopID), "state.json")
}

func (s *EvidenceStore) ActiveRunPath(loopID string) string {
	return filepath.Join(s.LoopDir(loopID), "active-run.json")
}

func (s *EvidenceStore) ApprovalPath(loopID string) string {
	return filepath.Join(s.LoopDir(loopID), "approval.json")
}

func (s *EvidenceStore) EventsPath(loopID string) string {
	return filepath.Join(s.LoopDir(loopID), "events.jsonl")
}

func (s *EvidenceStore) RunSummaryPath(loopID string) string {
	return filepath.Join(s.LoopDir(loopID), "run-summary.json")
}

func (s *EvidenceStore) HeartbeatPath(loopID string) string {
	return filepath.Join(s.LoopDir(loopID), "heartbeat.v1.json")
}

func (s *EvidenceStore) ProjectedStatePath(loopID string) string {
	return filepath.Join(s.LoopDir(loopID), "projected-state.json")
}

func (s *EvidenceStore) PacketsDir() string {
	return filepath.Join(s.Root, "packets")
}

func (s *EvidenceStore) PacketPath(packetID string) string {
	return filepath.Join(s.PacketsDir(), packetID+".json")
}

func (s *EvidenceStore) TelemetryLogPath() string {
	return filepath.Join(s.PacketsDir(), "telemetry.jsonl")
}

func (s *EvidenceStore) EscalationOutboxPath() string {
	return filepath.Join(s.Root, "escalations", "outbox.jsonl")
}

func (s *EvidenceStore) LoopDirExists(loopID string) bool {
	info, err := os.Stat(s.LoopDir(loopID))
	return err == nil && info.IsDir()
}

// FileRef stats one artifact and, when it exists, records size, line count,
// content hash and mtime for staleness auditing.
func (s *EvidenceStore) FileRef(path string) (model.FileRef, error) {
	ref := model.FileRef{Path: path}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ref, nil
	}
	if err != nil {
		return ref, fmt.Errorf("stat %s: %w", path, err)
	}
	ref.Exists = true
	ref.SizeBytes = info.Size()
	modified := info.ModTime()
	ref.ModifiedAt = &modified

	b, err := os.ReadFile(path)
	if err != nil {
		return ref, fmt.Errorf("read %s: %w", path, err)
	}
	ref.LineCount = countLines(b)
	sum := sha256.Sum256(b)
	ref.ContentHash = hex.EncodeToString(sum[:])
	return ref, nil
}

func (s *EvidenceStore) ReadState(loopID string) (model.StateDoc, model.FileRef, error) {
	var doc model.StateDoc
	ref, err := s.readJSONDoc(s.StatePath(loopID), &doc)
	return doc, ref, err
}

func (s *EvidenceStore) ReadActiveRun(loopID string) (model.ActiveRunDoc, model.FileRef, error) {
	var doc model.ActiveRunDoc
	ref, err := s.readJSONDoc(s.ActiveRunPath(loopID), &doc)
	return doc, ref, err
}

func (s *EvidenceStore) ReadApproval(loopID string) (model.ApprovalDoc, model.FileRef, error) {
	var doc model.ApprovalDoc
	ref, err := s.readJSONDoc(s.ApprovalPath(loopID), &doc)
	return doc, ref, err
}

func (s *EvidenceStore) ReadRunSummary(loopID string) (model.RunSummaryDoc, model.FileRef, error) {
	var doc model.RunSummaryDoc
	ref, err := s.readJSONDoc(s.RunSummaryPath(loopID), &doc)
	return doc, ref, err
}

func (s *EvidenceStore) HeartbeatRef(loopID string) (model.FileRef, error) {
	return s.FileRef(s.HeartbeatPath(loopID))
}

// EventsInfo summarizes the append-only events log: total line count and the
// last parsable event record. Unparsable lines still count toward the cursor
// so truncation detection stays honest; they just carry no event.
type EventsInfo struct {
	LineCount int
	Last      *model.EventRecord
}

func (s *EvidenceStore) ReadEvents(loopID string) (EventsInfo, model.FileRef, error) {
	path := s.EventsPath(loopID)
	ref, err := s.FileRef(path)
	if err != nil {
		return EventsInfo{}, ref, err
	}
	if !ref.Exists {
		return EventsInfo{}, ref, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return EventsInfo{}, ref, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info := EventsInfo{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		info.LineCount++
		var record model.EventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		recordCopy := record
		info.Last = &recordCopy
	}
	if err := scanner.Err(); err != nil {
		return EventsInfo{}, ref, fmt.Errorf("scan %s: %w", path, err)
	}
	return info, ref, nil
}

func (s *EvidenceStore) ReadProjectedState(loopID string) (*model.ProjectedState, error) {
	path := s.ProjectedStatePath(loopID)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var state model.ProjectedState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, &model.InvalidDocumentError{Path: path, Reason: err.Error()}
	}
	return &state, nil
}

func (s *EvidenceStore) WriteProjectedState(state model.ProjectedState) error {
	return s.writeJSONDoc(s.ProjectedStatePath(state.LoopID), state)
}

func (s *EvidenceStore) PacketExists(packetID string) bool {
	_, err := os.Stat(s.PacketPath(packetID))
	return err == nil
}

func (s *EvidenceStore) ReadPacket(packetID string) (model.Packet, error) {
	path := s.PacketPath(packetID)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.Packet{}, fmt.Errorf("packet %s not found", packetID)
	}
	if err != nil {
		return model.Packet{}, fmt.Errorf("read %s: %w", path, err)
	}
	var packet model.Packet
	if err := json.Unmarshal(b, &packet); err != nil {
		return model.Packet{}, &model.InvalidDocumentError{Path: path, Reason: err.Error()}
	}
	return packet, nil
}

func (s *EvidenceStore) WritePacket(packet model.Packet) error {
	return s.writeJSONDoc(s.PacketPath(packet.PacketID), packet)
}

func (s *EvidenceStore) ListPackets() ([]model.Packet, error) {
	entries, err := os.ReadDir(s.PacketsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packets dir: %w", err)
	}
	out := []model.Packet{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		packet, err := s.ReadPacket(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, packet)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PacketID < out[j].PacketID })
	return out, nil
}

func (s *EvidenceStore) AppendPacketTelemetry(record model.PacketTelemetryRecord) error {
	return s.appendJSONL(s.TelemetryLogPath(), record)
}

func (s *EvidenceStore) ReadPacketTelemetry() ([]model.PacketTelemetryRecord, error) {
	out := []model.PacketTelemetryRecord{}
	err := readJSONLInto(s.TelemetryLogPath(), func(line []byte) error {
		var record model.PacketTelemetryRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return &model.InvalidDocumentError{Path: s.TelemetryLogPath(), Reason: err.Error()}
		}
		out = append(out, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *EvidenceStore) AppendEscalation(record model.EscalationRecord) error {
	return s.appendJSONL(s.EscalationOutboxPath(), record)
}

func (s *EvidenceStore) ReadEscalations() ([]model.EscalationRecord, error) {
	out := []model.EscalationRecord{}
	err := readJSONLInto(s.EscalationOutboxPath(), func(line []byte) error {
		var record model.EscalationRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return &model.InvalidDocumentError{Path: s.EscalationOutboxPath(), Reason: err.Error()}
		}
		out = append(out, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *EvidenceStore) readJSONDoc(path string, out any) (model.FileRef, error) {
	ref, err := s.FileRef(path)
	if err != nil {
		return ref, err
	}
	if !ref.Exists {
		return ref, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ref, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return ref, &model.InvalidDocumentError{Path: path, Reason: err.Error()}
	}
	return ref, nil
}

func (s *EvidenceStore) writeJSONDoc(path string, doc any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	return os.WriteFile(path, b, 0o644)
}

// appendJSONL writes the record as a single buffered append so concurrent
// appenders interleave whole records at worst on filesystems with atomic
// single-write appends.
func (s *EvidenceStore) appendJSONL(path string, record any) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

func readJSONLInto(path string, handle func(line []byte) error) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := handle(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

func countLines(b []byte) int {
	count := bytes.Count(b, []byte("\n"))
	if len(b) > 0 && b[len(b)-1] != '\n' {
		count++
	}
	return count
}

package alertbus

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid"
	"github.com/redis/go-redis/v9"

	"opsman/internal/config"
	"opsman/internal/model"
	"opsman/internal/store"
)

// Runtime bridges the append-only escalation outbox to a redis stream.
// Enqueue is cheap and never touches redis; ProcessOnce drains pending
// records through a watermill publisher. Outbox status changes are expressed
// as additional mark records so the log itself stays append-only.
type Runtime struct {
	store *store.EvidenceStore
	cfg   config.Config

	mu        sync.RWMutex
	running   bool
	client    *redis.Client
	publisher message.Publisher
}

func NewRuntime(evidenceStore *store.EvidenceStore, cfg config.Config) *Runtime {
	return &Runtime{store: evidenceStore, cfg: cfg}
}

func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	url := strings.TrimSpace(r.cfg.Bus.Redis.URL)
	if url == "" {
		return fmt.Errorf("escalation bus redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parse escalation bus redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping escalation bus redis: %w", err)
	}
	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{Client: client},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("create escalation bus publisher: %w", err)
	}
	r.client = client
	r.publisher = publisher
	r.running = true
	return nil
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
	r.publisher = nil
	r.client = nil
	r.running = false
}

func (r *Runtime) Healthy() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return fmt.Errorf("escalation bus runtime not started")
	}
	if strings.TrimSpace(r.cfg.Bus.Redis.URL) == "" {
		return fmt.Errorf("escalation bus redis url is empty")
	}
	return nil
}

// Enqueue appends a pending escalation to the outbox. It does not require a
// started runtime; delivery happens on a later ProcessOnce.
func (r *Runtime) Enqueue(category string, payload any) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "", fmt.Errorf("escalation category is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal escalation payload: %w", err)
	}
	now := time.Now().UTC()
	messageID := newMessageID(now)
	record := model.EscalationRecord{
		Kind:        model.EscalationRecordKindEnqueue,
		MessageID:   messageID,
		Topic:       r.Topic(category),
		Category:    category,
		PayloadJSON: string(encoded),
		Status:      model.EscalationStatusPending,
		At:          now,
	}
	if err := r.store.AppendEscalation(record); err != nil {
		return "", err
	}
	return messageID, nil
}

func (r *Runtime) Topic(category string) string {
	prefix := strings.TrimSpace(r.cfg.Bus.TopicPrefix)
	if prefix == "" {
		prefix = "opsman.escalations"
	}
	return prefix + "." + strings.TrimSpace(category)
}

// folded replays the outbox into one record per message id, latest status
// winning, in enqueue order.
func (r *Runtime) folded() ([]model.EscalationRecord, error) {
	records, err := r.store.ReadEscalations()
	if err != nil {
		return nil, err
	}
	byID := map[string]model.EscalationRecord{}
	var order []string
	for _, rec := range records {
		switch rec.Kind {
		case model.EscalationRecordKindEnqueue:
			if _, seen := byID[rec.MessageID]; !seen {
				order = append(order, rec.MessageID)
			}
			byID[rec.MessageID] = rec
		case model.EscalationRecordKindMark:
			base, seen := byID[rec.MessageID]
			if !seen {
				continue
			}
			base.Status = rec.Status
			base.Error = rec.Error
			byID[rec.MessageID] = base
		}
	}
	out := make([]model.EscalationRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// Pending returns records whose latest status is pending, in enqueue order.
func (r *Runtime) Pending() ([]model.EscalationRecord, error) {
	folded, err := r.folded()
	if err != nil {
		return nil, err
	}
	var pending []model.EscalationRecord
	for _, rec := range folded {
		if rec.Status == model.EscalationStatusPending {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// RetryFailed marks every failed escalation back to pending so the next
// ProcessOnce attempts it again. It returns the number requeued.
func (r *Runtime) RetryFailed() (int, error) {
	folded, err := r.folded()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, rec := range folded {
		if rec.Status != model.EscalationStatusFailed {
			continue
		}
		if err := r.mark(rec.MessageID, model.EscalationStatusPending, ""); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// ProcessOnce publishes up to limit pending escalations and marks each one
// sent or failed. It returns the number of records attempted.
func (r *Runtime) ProcessOnce(ctx context.Context, limit int) (int, error) {
	if err := r.Healthy(); err != nil {
		return 0, err
	}
	pending, err := r.Pending()
	if err != nil {
		return 0, err
	}
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	if len(pending) == 0 {
		return 0, nil
	}

	r.mu.RLock()
	publisher := r.publisher
	client := r.client
	r.mu.RUnlock()
	if publisher == nil {
		return 0, fmt.Errorf("escalation bus publisher not available")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("ping escalation bus redis: %w", err)
	}

	for _, rec := range pending {
		msg := message.NewMessage(rec.MessageID, []byte(rec.PayloadJSON))
		msg.Metadata.Set("category", rec.Category)
		if err := publisher.Publish(rec.Topic, msg); err != nil {
			if markErr := r.mark(rec.MessageID, model.EscalationStatusFailed, err.Error()); markErr != nil {
				return 0, markErr
			}
			continue
		}
		if err := r.mark(rec.MessageID, model.EscalationStatusSent, ""); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

func (r *Runtime) mark(messageID string, status model.EscalationStatus, errMsg string) error {
	return r.store.AppendEscalation(model.EscalationRecord{
		Kind:      model.EscalationRecordKindMark,
		MessageID: messageID,
		Status:    status,
		Error:     errMsg,
		At:        time.Now().UTC(),
	})
}

func newMessageID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return fmt.Sprintf("esc-%d", now.UnixNano())
	}
	return "esc-" + id.String()
}

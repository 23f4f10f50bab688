package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidDedupeKey = errors.New("invalid_dedupe_key")
)

type OutboxParams struct {
	fx.In

	GenID *snowflake.Node
	Clock clock.Clock
}

// Outbox stores domain events in the caller's transaction so they commit or
// roll back together with the ledger change that produced them.
type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{genID: p.GenID, clock: p.Clock}
}

// PublishTx enqueues evt. A second event with the same dedupe key is ignored.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if o == nil {
		return nil
	}
	if evt.TenantID == 0 {
		return ErrInvalidTenant
	}
	eventType := strings.TrimSpace(evt.Type)
	if eventType == "" {
		return ErrInvalidEventType
	}
	dedupeKey := strings.TrimSpace(evt.DedupeKey)
	if dedupeKey == "" {
		return ErrInvalidDedupeKey
	}

	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	now := o.clock.Now().UTC()
	eventID := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())

	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_events (
			id, event_id, tenant_id, event_type, payload, dedupe_key, published, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		eventID.String(),
		evt.TenantID,
		eventType,
		string(body),
		dedupeKey,
		false,
		now,
	).Error
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/config"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRelayBatchSize = 100
	relayLockTTL          = 30 * time.Second
)

type RelayParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Config  config.Config
	Redis   *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Relay moves committed outbox rows to the per-tenant Redis channels consumed
// by the inter-app event bus. Delivery is at-least-once: a crash between
// PUBLISH and commit re-sends the batch, and subscribers dedupe on event_id.
type Relay struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	client  *redis.Client
	locker  *Locker
	prefix  string
	metrics *obsmetrics.Metrics
}

func NewRelay(p RelayParams) *Relay {
	prefix := strings.TrimSpace(p.Config.Redis.ChannelPrefix)
	if prefix == "" {
		prefix = "bizsuite"
	}
	return &Relay{
		db:      p.DB,
		log:     p.Log.Named("events.relay"),
		clock:   p.Clock,
		client:  p.Redis,
		locker:  NewLocker(p.Redis),
		prefix:  prefix,
		metrics: p.Metrics,
	}
}

func (r *Relay) Enabled() bool {
	return r != nil && r.client != nil
}

// Channel returns the pub/sub channel for a tenant's credit events.
func (r *Relay) Channel(tenantID snowflake.ID) string {
	return fmt.Sprintf("%s:tenant:%s:credits", r.prefix, tenantID.String())
}

// Dispatch publishes up to batchSize pending events in creation order and
// returns how many were delivered. ErrLockHeld means another process is
// relaying right now.
func (r *Relay) Dispatch(ctx context.Context, batchSize int) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultRelayBatchSize
	}

	published := 0
	var publishErr error
	err := r.locker.WithLock(ctx, r.prefix+":locks:credit-relay", relayLockTTL, func(ctx context.Context) error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var pending []CreditEvent
			if err := tx.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("published = ?", false).
				Order("created_at ASC, id ASC").
				Limit(batchSize).
				Find(&pending).Error; err != nil {
				return err
			}
			if len(pending) == 0 {
				return nil
			}

			delivered := make([]snowflake.ID, 0, len(pending))
			counts := map[string]int{}
			for _, evt := range pending {
				body, err := json.Marshal(Envelope{
					EventID:    evt.EventID,
					Type:       evt.EventType,
					TenantID:   evt.TenantID.String(),
					OccurredAt: evt.CreatedAt.UTC(),
					Data:       evt.Payload,
				})
				if err != nil {
					return err
				}
				if err := r.client.Publish(ctx, r.Channel(evt.TenantID), body).Err(); err != nil {
					// keep ordering: stop at the first failure and retry it next tick
					publishErr = fmt.Errorf("%w: %v", obsmetrics.ErrEventBus, err)
					break
				}
				delivered = append(delivered, evt.ID)
				counts[evt.EventType]++
			}

			if len(delivered) > 0 {
				now := r.clock.Now().UTC()
				if err := tx.WithContext(ctx).Exec(
					`UPDATE credit_events SET published = ?, published_at = ? WHERE id IN ?`,
					true,
					now,
					delivered,
				).Error; err != nil {
					return err
				}
			}
			published = len(delivered)
			for eventType, count := range counts {
				r.metrics.RecordEventsRelayed(ctx, eventType, count)
			}
			if publishErr != nil {
				r.log.Warn("event relay interrupted",
					zap.Int("published", published),
					zap.Int("pending", len(pending)),
					zap.Error(publishErr),
				)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return published, publishErr
}

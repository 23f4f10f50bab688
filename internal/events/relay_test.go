package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type relayFixture struct {
	db     *gorm.DB
	mr     *miniredis.Miniredis
	client *redis.Client
	node   *snowflake.Node
	outbox *Outbox
	relay  *Relay
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&CreditEvent{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	return &relayFixture{
		db:     db,
		mr:     mr,
		client: client,
		node:   node,
		outbox: NewOutbox(OutboxParams{GenID: node, Clock: clk}),
		relay: NewRelay(RelayParams{
			DB:     db,
			Log:    zap.NewNop(),
			Clock:  clk,
			Config: config.Config{Redis: config.RedisConfig{ChannelPrefix: "test"}},
			Redis:  client,
		}),
	}
}

func (f *relayFixture) publish(t *testing.T, tenantID snowflake.ID, eventType, dedupeKey string) {
	t.Helper()
	require.NoError(t, f.outbox.PublishTx(context.Background(), f.db, Event{
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   map[string]any{"amount": 10},
		DedupeKey: dedupeKey,
	}))
}

func (f *relayFixture) pending(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&CreditEvent{}).Where("published = ?", false).Count(&count).Error)
	return count
}

func TestOutboxIgnoresDuplicateDedupeKeys(t *testing.T) {
	f := newRelayFixture(t)
	tenantID := f.node.Generate()

	f.publish(t, tenantID, EventCreditConsumed, "consume:op-1")
	f.publish(t, tenantID, EventCreditConsumed, "consume:op-1")
	assert.Equal(t, int64(1), f.pending(t))

	ctx := context.Background()
	assert.ErrorIs(t, f.outbox.PublishTx(ctx, f.db, Event{Type: EventCreditConsumed, DedupeKey: "k"}), ErrInvalidTenant)
	assert.ErrorIs(t, f.outbox.PublishTx(ctx, f.db, Event{TenantID: tenantID, DedupeKey: "k"}), ErrInvalidEventType)
	assert.ErrorIs(t, f.outbox.PublishTx(ctx, f.db, Event{TenantID: tenantID, Type: EventCreditConsumed}), ErrInvalidDedupeKey)
}

func TestRelayDispatchPublishesPerTenantInOrder(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	acme := f.node.Generate()
	globex := f.node.Generate()

	sub := f.client.Subscribe(ctx, f.relay.Channel(acme))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	messages := sub.Channel()

	f.publish(t, acme, EventCreditAllocated, "allocate:1")
	f.publish(t, globex, EventCreditAllocated, "allocate:2")
	f.publish(t, acme, EventCreditConsumed, "consume:op-1")

	published, err := f.relay.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, published)
	assert.Zero(t, f.pending(t))

	var received []Envelope
	for len(received) < 2 {
		select {
		case msg := <-messages:
			assert.Equal(t, "test:tenant:"+acme.String()+":credits", msg.Channel)
			var envelope Envelope
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))
			received = append(received, envelope)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 2 messages", len(received))
		}
	}
	assert.Equal(t, EventCreditAllocated, received[0].Type)
	assert.Equal(t, EventCreditConsumed, received[1].Type)
	assert.Equal(t, acme.String(), received[1].TenantID)
	assert.NotEmpty(t, received[1].EventID)
	assert.JSONEq(t, `{"amount":10}`, string(received[1].Data))

	again, err := f.relay.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestRelayDispatchHonorsBatchSize(t *testing.T) {
	f := newRelayFixture(t)
	tenantID := f.node.Generate()
	f.publish(t, tenantID, EventCreditExpired, "expire:1")
	f.publish(t, tenantID, EventCreditExpired, "expire:2")

	published, err := f.relay.Dispatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, int64(1), f.pending(t))

	var first CreditEvent
	require.NoError(t, f.db.Where("dedupe_key = ?", "expire:1").Take(&first).Error)
	assert.True(t, first.Published)
	assert.NotNil(t, first.PublishedAt)
}

func TestRelayDispatchSkipsWhileLockHeld(t *testing.T) {
	f := newRelayFixture(t)
	f.publish(t, f.node.Generate(), EventCreditAllocated, "allocate:1")
	require.NoError(t, f.mr.Set("test:locks:credit-relay", "other-replica"))

	_, err := f.relay.Dispatch(context.Background(), 0)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Equal(t, int64(1), f.pending(t))

	f.mr.Del("test:locks:credit-relay")
	published, err := f.relay.Dispatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.False(t, f.mr.Exists("test:locks:credit-relay"))
}

func TestRelayDisabledWithoutRedis(t *testing.T) {
	relay := NewRelay(RelayParams{Log: zap.NewNop()})
	assert.False(t, relay.Enabled())

	published, err := relay.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, published)
	assert.Equal(t, "bizsuite:tenant:7:credits", relay.Channel(7))
}

func TestLockerReleasesOnlyOwnToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "jobs:sweep", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "jobs:sweep", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	// a lease whose key was taken over after expiry must not free it
	mr.FastForward(2 * time.Minute)
	other, err := locker.Acquire(ctx, "jobs:sweep", time.Minute)
	require.NoError(t, err)
	released, err := lease.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("jobs:sweep"))

	released, err = other.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("jobs:sweep"))

	_, err = locker.Acquire(ctx, "jobs:sweep", 0)
	assert.Error(t, err)
	assert.Nil(t, NewLocker(nil))
}

package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventCreditAllocated = "credit.allocated"
	EventCreditConsumed  = "credit.consumed"
	EventCreditExpired   = "credit.expired"
)

// Event is what producers hand to the outbox. Payload values must be JSON
// encodable; permission or role documents travel as json.RawMessage untouched.
type Event struct {
	TenantID  snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// CreditEvent is one outbox row.
type CreditEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex:ux_credit_events_event_id"`
	TenantID    snowflake.ID   `gorm:"not null;index"`
	EventType   string         `gorm:"type:text;not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex:ux_credit_events_dedupe"`
	Published   bool           `gorm:"not null;default:false"`
	PublishedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditEvent) TableName() string { return "credit_events" }

// Envelope is the wire format published on the per-tenant channel.
type Envelope struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       datatypes.JSON `json:"data"`
}

package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Session event types
const (
	EventLogin            = "login"
	EventLogout           = "logout"
	EventSessionTerminate = "session_terminated"
)

// CredentialRecord is the persisted credential pair of one profile.
// Data holds the sealed pair, never the plain tokens.
type CredentialRecord struct {
	bun.BaseModel `bun:"table:credential_pairs,alias:cp"`

	Profile   string    `bun:"profile,pk" json:"profile"`
	Data      []byte    `bun:"data,type:bytea,notnull" json:"-"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// SessionEvent is one entry of the session history
type SessionEvent struct {
	bun.BaseModel `bun:"table:session_events,alias:se"`

	UID       uuid.UUID       `bun:"uid,pk,type:uuid" json:"uid"` // UUIDv7 set in Go
	Profile   string          `bun:"profile,notnull" json:"profile"`
	EventType string          `bun:"event_type,notnull" json:"event_type"`
	Details   json.RawMessage `bun:"details,type:jsonb" json:"details,omitempty"`
	CreatedAt time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// SessionEventFilter represents filters for listing session events
type SessionEventFilter struct {
	Profile   *string
	EventType *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

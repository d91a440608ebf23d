package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"expertdesk/internal/db"
	"expertdesk/internal/domain"
)

const (
	ConversationCreated   = "conversation.created"
	ConversationClaimed   = "conversation.claimed"
	ConversationUnclaimed = "conversation.unclaimed"
	ConversationResolved  = "conversation.resolved"
	MessageSent           = "message.sent"
	MessageRead           = "message.read"
	ExpertProfileUpdated  = "expert.profile.updated"
)

const (
	EntityConversation  = "conversation"
	EntityMessage       = "message"
	EntityExpertProfile = "expert_profile"
)

// eventLogLockKey names the Postgres advisory lock taken before every event
// insert. Identity values are handed out at insert time, so without it a
// later id could commit first and the relay cursor would pass the earlier one.
const eventLogLockKey int64 = 0x6564_6576 // "edev"

// Writer records events inside the caller's transaction so they commit with
// the change they describe.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(domain.TimeLayout)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if lock := w.lockQuery(); lock != "" {
		if _, err := tx.ExecContext(ctx, lock, eventLogLockKey); err != nil {
			return fmt.Errorf("lock event log: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// lockQuery serializes event writers until commit. SQLite needs none: its
// writers already hold the database lock for the whole transaction.
func (w Writer) lockQuery() string {
	if w.Dialect != db.Postgres {
		return ""
	}
	return w.Dialect.Rebind(`SELECT pg_advisory_xact_lock(?)`)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

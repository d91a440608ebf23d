package domain

// TimeLayout is a fixed-width UTC timestamp layout; stored values sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

type ConversationStatus string

const (
	StatusWaiting  ConversationStatus = "waiting"
	StatusActive   ConversationStatus = "active"
	StatusResolved ConversationStatus = "resolved"
)

type AssignmentStatus string

const (
	AssignmentActive     AssignmentStatus = "active"
	AssignmentUnassigned AssignmentStatus = "unassigned"
	AssignmentResolved   AssignmentStatus = "resolved"
)

type Role string

const (
	RoleQuestioner Role = "questioner"
	RoleExpert     Role = "expert"
)

// SenderRole is the message author role as seen by clients.
type SenderRole string

const (
	SenderInitiator SenderRole = "initiator"
	SenderExpert    SenderRole = "expert"
)

type Conversation struct {
	ID                     string             `json:"id"`
	Title                  string             `json:"title"`
	Status                 ConversationStatus `json:"status" enum:"waiting,active,resolved"`
	QuestionerID           string             `json:"questioner_id"`
	QuestionerUsername     string             `json:"questioner_username"`
	AssignedExpertID       *string            `json:"assigned_expert_id,omitempty"`
	AssignedExpertUsername *string            `json:"assigned_expert_username,omitempty"`
	CreatedAt              string             `json:"created_at" format:"date-time"`
	UpdatedAt              string             `json:"updated_at" format:"date-time"`
	LastMessageAt          *string            `json:"last_message_at,omitempty" format:"date-time"`
	UnreadCount            int                `json:"unread_count" minimum:"0"`
	// Version is the compare-and-set token; it changes on every lifecycle mutation.
	Version int64 `json:"version"`
}

// AssignedTo reports whether expertID currently holds the conversation.
func (c Conversation) AssignedTo(expertID string) bool {
	return c.AssignedExpertID != nil && *c.AssignedExpertID == expertID
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderRole     SenderRole `json:"sender_role" enum:"initiator,expert"`
	SenderUsername string     `json:"sender_username"`
	Content        string     `json:"content"`
	Timestamp      string     `json:"timestamp" format:"date-time"`
	IsRead         bool       `json:"is_read"`
}

// ExpertAssignment is one ledger row.
type ExpertAssignment struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	ExpertID       string           `json:"expert_id"`
	AssignedAt     string           `json:"assigned_at" format:"date-time"`
	UnassignedAt   *string          `json:"unassigned_at,omitempty" format:"date-time"`
	Status         AssignmentStatus `json:"status" enum:"active,unassigned,resolved"`
	Seq            int              `json:"seq"`
}

// ExpertQueue is derived from conversations and never stored.
type ExpertQueue struct {
	Waiting  []Conversation `json:"waiting_conversations"`
	Assigned []Conversation `json:"assigned_conversations"`
}

type ExpertProfile struct {
	ID                 string   `json:"id"`
	UserID             string   `json:"user_id"`
	Bio                string   `json:"bio"`
	KnowledgeBaseLinks []string `json:"knowledge_base_links"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         Role   `json:"role" enum:"questioner,expert"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	LastActiveAt string `json:"last_active_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

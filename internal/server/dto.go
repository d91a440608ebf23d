package server

import (
	"encoding/json"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine"
)

// Request payloads

type CreateConversationRequest struct {
	Title          string  `json:"title" minLength:"1" maxLength:"200"`
	InitialMessage *string `json:"initial_message,omitempty" maxLength:"4000"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content" minLength:"1" maxLength:"4000"`
}

type UpdateProfileRequest struct {
	Bio                *string   `json:"bio,omitempty" maxLength:"2000"`
	KnowledgeBaseLinks *[]string `json:"knowledge_base_links,omitempty"`
}

type conversationPath struct {
	ID string `path:"id"`
}

// Responses

type ConversationResponse = domain.Conversation

type MessageResponse = domain.Message

type ProfileResponse = domain.ExpertProfile

type QueueResponse = domain.ExpertQueue

type TransitionResponse = engine.TransitionResult

type UserResponse struct {
	domain.User
	AuthSource string `json:"auth_source"`
}

type paginatedConversations struct {
	Items      []domain.Conversation `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type MessageList struct {
	Items []domain.Message `json:"items"`
}

type AssignmentList struct {
	Items []domain.ExpertAssignment `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	var payload json.RawMessage
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

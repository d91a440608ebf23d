package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/events"
	"expertdesk/internal/repo"
)

func validateContent(content string) error {
	if content == "" {
		return invalidInput("content is required")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return invalidInput("content exceeds %d characters", MaxMessageLength)
	}
	return nil
}

// senderRole decides whether p may post to c right now. Resolved
// conversations are closed; waiting ones only take questioner messages.
func senderRole(c domain.Conversation, p auth.Principal) (domain.SenderRole, error) {
	if c.Status == domain.StatusResolved {
		return "", fmt.Errorf("%w: conversation %s is resolved", ErrConversationClosed, c.ID)
	}
	switch {
	case p.Role == domain.RoleQuestioner && c.QuestionerID == p.UserID:
		return domain.SenderInitiator, nil
	case p.Role == domain.RoleExpert && c.Status == domain.StatusActive && c.AssignedTo(p.UserID):
		return domain.SenderExpert, nil
	default:
		return "", fmt.Errorf("%w: %s cannot post to conversation %s", ErrNotParticipant, p.UserID, c.ID)
	}
}

func (e Engine) appendMessage(ctx context.Context, tx *sql.Tx, c domain.Conversation, p auth.Principal, role domain.SenderRole, content, now string) (domain.Message, error) {
	m := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		SenderID:       p.UserID,
		SenderRole:     role,
		SenderUsername: p.Username,
		Content:        content,
		Timestamp:      now,
	}
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, err
	}
	if err := e.Repo.RecordMessage(ctx, tx, c.ID, c.Version, now); err != nil {
		return domain.Message{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.MessageSent, events.EntityMessage, m.ID, p.UserID, events.EventPayload{
		"conversation_id": c.ID,
		"sender_role":     role,
	}); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// SendMessage appends a message after checking the conversation's status
// through the store. The write is tied to the version that was checked, so a
// concurrent resolve cannot let a message slip into a closed conversation.
func (e Engine) SendMessage(ctx context.Context, p auth.Principal, conversationID, content string) (domain.Message, error) {
	if err := p.Validate(); err != nil {
		return domain.Message{}, err
	}
	content = strings.TrimSpace(content)
	if err := validateContent(content); err != nil {
		return domain.Message{}, err
	}
	attempts := e.claimAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := e.Repo.GetConversation(ctx, conversationID)
		if err != nil {
			return domain.Message{}, wrapStore("send message", conversationID, err)
		}
		if !canView(c, p) {
			return domain.Message{}, notFound("send message", conversationID)
		}
		role, err := senderRole(c, p)
		if err != nil {
			return domain.Message{}, err
		}
		var m domain.Message
		err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			now := e.stamp()
			if err := e.touchUser(ctx, tx, p, now); err != nil {
				return err
			}
			var err error
			m, err = e.appendMessage(ctx, tx, c, p, role, content, now)
			return err
		})
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return domain.Message{}, storageFailure("send message", conversationID, err)
		}
		return m, nil
	}
	return domain.Message{}, &TransitionError{Kind: ErrContention, Op: "send message", ConversationID: conversationID, ExpertID: p.UserID, Attempts: attempts}
}

// ListMessages returns a visible conversation's messages oldest first.
func (e Engine) ListMessages(ctx context.Context, p auth.Principal, conversationID string) ([]domain.Message, error) {
	if _, err := e.GetConversation(ctx, p, conversationID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, storageFailure("list messages", conversationID, err)
	}
	return items, nil
}

// MarkMessageRead flags a message read for a participant who did not send
// it. Marking an already read message is a no-op.
func (e Engine) MarkMessageRead(ctx context.Context, p auth.Principal, messageID string) (domain.Message, error) {
	if err := p.Validate(); err != nil {
		return domain.Message{}, err
	}
	var out domain.Message
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		m, err := e.Repo.GetMessageTx(ctx, tx, messageID)
		if err != nil {
			return err
		}
		c, err := e.Repo.GetConversationTx(ctx, tx, m.ConversationID)
		if err != nil {
			return err
		}
		participant := c.QuestionerID == p.UserID || c.AssignedTo(p.UserID)
		if !participant {
			return fmt.Errorf("%w: %s is not part of conversation %s", ErrNotParticipant, p.UserID, c.ID)
		}
		if m.SenderID == p.UserID {
			return fmt.Errorf("%w: %s sent message %s", ErrNotParticipant, p.UserID, m.ID)
		}
		now := e.stamp()
		changed, err := e.Repo.MarkMessageRead(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		m.IsRead = true
		out = m
		if !changed {
			return nil
		}
		if err := e.Repo.DecrementUnread(ctx, tx, c.ID, now); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, events.MessageRead, events.EntityMessage, m.ID, p.UserID, events.EventPayload{"conversation_id": c.ID})
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, repo.ErrNotFound):
		return domain.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	case errors.Is(err, ErrNotParticipant):
		return domain.Message{}, err
	default:
		return domain.Message{}, storageFailure("mark read", "", err)
	}
}

package engine

import (
	"context"
	"database/sql"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/events"
	"expertdesk/internal/repo"
)

const (
	MaxTitleLength   = 200
	MaxMessageLength = 4000
)

type CreateConversationOptions struct {
	Title          string
	InitialMessage string
}

// CreateConversation opens a waiting conversation for a questioner, with its
// first message when one is given.
func (e Engine) CreateConversation(ctx context.Context, p auth.Principal, opts CreateConversationOptions) (domain.Conversation, error) {
	if err := auth.RequireRole(p, domain.RoleQuestioner); err != nil {
		return domain.Conversation{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Conversation{}, invalidInput("title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return domain.Conversation{}, invalidInput("title exceeds %d characters", MaxTitleLength)
	}
	first := strings.TrimSpace(opts.InitialMessage)
	if first != "" {
		if err := validateContent(first); err != nil {
			return domain.Conversation{}, err
		}
	}

	now := e.stamp()
	c := domain.Conversation{
		ID:                 uuid.NewString(),
		Title:              title,
		Status:             domain.StatusWaiting,
		QuestionerID:       p.UserID,
		QuestionerUsername: p.Username,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}
	var created domain.Conversation
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.touchUser(ctx, tx, p, now); err != nil {
			return err
		}
		if err := e.Repo.InsertConversation(ctx, tx, c); err != nil {
			return err
		}
		if err := e.eventWriter().Append(ctx, tx, events.ConversationCreated, events.EntityConversation, c.ID, p.UserID, events.EventPayload{"title": c.Title}); err != nil {
			return err
		}
		if first != "" {
			if _, err := e.appendMessage(ctx, tx, c, p, domain.SenderInitiator, first, now); err != nil {
				return err
			}
		}
		var err error
		created, err = e.Repo.GetConversationTx(ctx, tx, c.ID)
		return err
	})
	if err != nil {
		return domain.Conversation{}, storageFailure("create", c.ID, err)
	}
	return created, nil
}

// GetConversation returns a conversation to its questioner or to any expert.
// Other questioners get not found.
func (e Engine) GetConversation(ctx context.Context, p auth.Principal, id string) (domain.Conversation, error) {
	if err := p.Validate(); err != nil {
		return domain.Conversation{}, err
	}
	c, err := e.Repo.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, wrapStore("get", id, err)
	}
	if !canView(c, p) {
		return domain.Conversation{}, notFound("get", id)
	}
	return c, nil
}

func canView(c domain.Conversation, p auth.Principal) bool {
	return p.IsExpert() || c.QuestionerID == p.UserID
}

type ConversationQuery struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListConversations returns the questioner's own conversations, or for an
// expert the conversations assigned to them in any status. Newest first.
func (e Engine) ListConversations(ctx context.Context, p auth.Principal, q ConversationQuery) ([]domain.Conversation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch domain.ConversationStatus(q.Status) {
	case "", domain.StatusWaiting, domain.StatusActive, domain.StatusResolved:
	default:
		return nil, invalidInput("unknown status %q", q.Status)
	}
	f := repo.ConversationFilters{
		Status:          q.Status,
		Limit:           q.Limit,
		CursorCreatedAt: q.CursorCreatedAt,
		CursorID:        q.CursorID,
	}
	if p.IsExpert() {
		f.AssignedExpertID = p.UserID
	} else {
		f.QuestionerID = p.UserID
	}
	items, err := e.Repo.ListConversations(ctx, f)
	if err != nil {
		return nil, storageFailure("list", "", err)
	}
	return items, nil
}

package engine

import (
	"context"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/repo"
)

// ConversationHistory is the conversation's assignment ledger, oldest first.
func (e Engine) ConversationHistory(ctx context.Context, p auth.Principal, conversationID string) ([]domain.ExpertAssignment, error) {
	if _, err := e.GetConversation(ctx, p, conversationID); err != nil {
		return nil, err
	}
	items, err := e.Repo.AssignmentHistory(ctx, conversationID)
	if err != nil {
		return nil, storageFailure("history", conversationID, err)
	}
	return items, nil
}

// ExpertHistory lists every ledger entry of the calling expert, newest first.
func (e Engine) ExpertHistory(ctx context.Context, p auth.Principal, limit int) ([]domain.ExpertAssignment, error) {
	if err := auth.RequireRole(p, domain.RoleExpert); err != nil {
		return nil, err
	}
	items, err := e.Repo.ExpertAssignmentHistory(ctx, p.UserID, limit)
	if err != nil {
		return nil, storageFailure("expert history", "", err)
	}
	return items, nil
}

// ListEvents lists recent events for experts.
func (e Engine) ListEvents(ctx context.Context, p auth.Principal, f repo.EventFilters) ([]domain.Event, error) {
	if err := auth.RequireRole(p, domain.RoleExpert); err != nil {
		return nil, err
	}
	items, err := e.Repo.LatestEvents(ctx, f)
	if err != nil {
		return nil, storageFailure("events", "", err)
	}
	return items, nil
}

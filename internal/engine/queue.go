package engine

import (
	"context"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
)

// WaitingQueue lists every unclaimed conversation in the configured order.
func (e Engine) WaitingQueue(ctx context.Context) ([]domain.Conversation, error) {
	items, err := e.Repo.ListWaiting(ctx, e.Config != nil && e.Config.WaitingNewestFirst())
	if err != nil {
		return nil, storageFailure("waiting queue", "", err)
	}
	return items, nil
}

// AssignedQueue lists the active conversations held by expertID.
func (e Engine) AssignedQueue(ctx context.Context, expertID string) ([]domain.Conversation, error) {
	items, err := e.Repo.ListAssigned(ctx, expertID)
	if err != nil {
		return nil, storageFailure("assigned queue", "", err)
	}
	return items, nil
}

// ExpertQueue is both projections for the calling expert, read at call time.
func (e Engine) ExpertQueue(ctx context.Context, p auth.Principal) (domain.ExpertQueue, error) {
	if err := auth.RequireRole(p, domain.RoleExpert); err != nil {
		return domain.ExpertQueue{}, err
	}
	waiting, err := e.WaitingQueue(ctx)
	if err != nil {
		return domain.ExpertQueue{}, err
	}
	assigned, err := e.AssignedQueue(ctx, p.UserID)
	if err != nil {
		return domain.ExpertQueue{}, err
	}
	return domain.ExpertQueue{Waiting: waiting, Assigned: assigned}, nil
}

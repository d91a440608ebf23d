package engine

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/events"
	"expertdesk/internal/repo"
)

const (
	OpClaim   = "claim"
	OpUnclaim = "unclaim"
	OpResolve = "resolve"
)

// TransitionResult is the state after a successful lifecycle operation and
// the ledger entry it wrote or closed.
type TransitionResult struct {
	Conversation domain.Conversation     `json:"conversation"`
	Assignment   domain.ExpertAssignment `json:"assignment"`
}

// Claim moves a waiting conversation to active for the calling expert.
// The read-guard-write cycle is retried on version conflicts up to the
// configured attempt ceiling, after which the caller gets ErrContention.
func (e Engine) Claim(ctx context.Context, p auth.Principal, conversationID string) (TransitionResult, error) {
	if err := auth.RequireRole(p, domain.RoleExpert); err != nil {
		return TransitionResult{}, err
	}
	attempts := e.claimAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := e.Repo.GetConversation(ctx, conversationID)
		if err != nil {
			return TransitionResult{}, wrapStore(OpClaim, conversationID, err)
		}
		if err := claimGuard(c, p); err != nil {
			return TransitionResult{}, err
		}
		var res TransitionResult
		err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			now := e.stamp()
			if err := e.touchUser(ctx, tx, p, now); err != nil {
				return err
			}
			if err := e.Repo.EnsureExpertProfile(ctx, tx, p.UserID, now); err != nil {
				return err
			}
			if err := e.beforeSwap(ctx, tx, OpClaim, conversationID); err != nil {
				return err
			}
			expertID, username := p.UserID, p.Username
			updated, err := e.Repo.CompareAndSet(ctx, tx, conversationID, c.Version, repo.ConversationMutation{
				Status:                 domain.StatusActive,
				AssignedExpertID:       &expertID,
				AssignedExpertUsername: &username,
				UpdatedAt:              now,
			})
			if err != nil {
				return err
			}
			entry, err := e.Repo.AppendAssignment(ctx, tx, conversationID, p.UserID, domain.AssignmentActive, now)
			if err != nil {
				return err
			}
			res = TransitionResult{Conversation: updated, Assignment: entry}
			return e.eventWriter().Append(ctx, tx, events.ConversationClaimed, events.EntityConversation, conversationID, p.UserID, events.EventPayload{
				"expert_id":     p.UserID,
				"assignment_id": entry.ID,
				"version":       updated.Version,
			})
		})
		if errors.Is(err, repo.ErrVersionConflict) {
			e.log().Debug("claim lost version race", zap.String("conversation_id", conversationID), zap.String("expert_id", p.UserID), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			e.log().Error("claim failed", zap.String("conversation_id", conversationID), zap.Error(err))
			return TransitionResult{}, wrapStore(OpClaim, conversationID, err)
		}
		return res, nil
	}
	e.log().Warn("claim contention", zap.String("conversation_id", conversationID), zap.String("expert_id", p.UserID), zap.Int("attempts", attempts))
	return TransitionResult{}, &TransitionError{Kind: ErrContention, Op: OpClaim, ConversationID: conversationID, ExpertID: p.UserID, Attempts: attempts}
}

// claimGuard allows claims only from waiting. An active conversation is
// reported as already claimed even to its own expert.
func claimGuard(c domain.Conversation, p auth.Principal) error {
	switch c.Status {
	case domain.StatusWaiting:
		return nil
	case domain.StatusActive:
		return &TransitionError{Kind: ErrAlreadyClaimed, Op: OpClaim, ConversationID: c.ID, Status: c.Status, ExpertID: p.UserID, OwnerID: ownerOf(c)}
	default:
		return &TransitionError{Kind: ErrInvalidTransition, Op: OpClaim, ConversationID: c.ID, Status: c.Status, ExpertID: p.UserID, OwnerID: ownerOf(c)}
	}
}

// releaseGuard is shared by unclaim and resolve: the conversation must be
// active and held by the requester.
func releaseGuard(op string, c domain.Conversation, p auth.Principal) error {
	if c.Status != domain.StatusActive {
		return &TransitionError{Kind: ErrInvalidTransition, Op: op, ConversationID: c.ID, Status: c.Status, ExpertID: p.UserID, OwnerID: ownerOf(c)}
	}
	if !c.AssignedTo(p.UserID) {
		return &TransitionError{Kind: ErrNotOwner, Op: op, ConversationID: c.ID, Status: c.Status, ExpertID: p.UserID, OwnerID: ownerOf(c)}
	}
	return nil
}

func ownerOf(c domain.Conversation) string {
	if c.AssignedExpertID == nil {
		return ""
	}
	return *c.AssignedExpertID
}

// Unclaim returns an active conversation to the waiting queue.
func (e Engine) Unclaim(ctx context.Context, p auth.Principal, conversationID string) (TransitionResult, error) {
	return e.release(ctx, p, conversationID, OpUnclaim)
}

// Resolve closes an active conversation for good; the resolving expert
// stays recorded on it.
func (e Engine) Resolve(ctx context.Context, p auth.Principal, conversationID string) (TransitionResult, error) {
	return e.release(ctx, p, conversationID, OpResolve)
}

func (e Engine) release(ctx context.Context, p auth.Principal, conversationID, op string) (TransitionResult, error) {
	if err := auth.RequireRole(p, domain.RoleExpert); err != nil {
		return TransitionResult{}, err
	}
	c, err := e.Repo.GetConversation(ctx, conversationID)
	if err != nil {
		return TransitionResult{}, wrapStore(op, conversationID, err)
	}
	if err := releaseGuard(op, c, p); err != nil {
		return TransitionResult{}, err
	}

	mutation := repo.ConversationMutation{Status: domain.StatusWaiting}
	ledgerStatus := domain.AssignmentUnassigned
	evtType := events.ConversationUnclaimed
	if op == OpResolve {
		mutation = repo.ConversationMutation{
			Status:                 domain.StatusResolved,
			AssignedExpertID:       c.AssignedExpertID,
			AssignedExpertUsername: c.AssignedExpertUsername,
		}
		ledgerStatus = domain.AssignmentResolved
		evtType = events.ConversationResolved
	}

	var res TransitionResult
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		mutation.UpdatedAt = now
		if err := e.touchUser(ctx, tx, p, now); err != nil {
			return err
		}
		if err := e.beforeSwap(ctx, tx, op, conversationID); err != nil {
			return err
		}
		updated, err := e.Repo.CompareAndSet(ctx, tx, conversationID, c.Version, mutation)
		if err != nil {
			return err
		}
		entry, err := e.Repo.CloseActiveAssignment(ctx, tx, conversationID, ledgerStatus, now)
		if err != nil {
			return err
		}
		res = TransitionResult{Conversation: updated, Assignment: entry}
		return e.eventWriter().Append(ctx, tx, evtType, events.EntityConversation, conversationID, p.UserID, events.EventPayload{
			"expert_id":     p.UserID,
			"assignment_id": entry.ID,
			"version":       updated.Version,
		})
	})
	if errors.Is(err, repo.ErrVersionConflict) {
		// Someone else moved the conversation first; report what it is now.
		fresh, ferr := e.Repo.GetConversation(ctx, conversationID)
		if ferr != nil {
			return TransitionResult{}, wrapStore(op, conversationID, ferr)
		}
		if gerr := releaseGuard(op, fresh, p); gerr != nil {
			return TransitionResult{}, gerr
		}
		return TransitionResult{}, &TransitionError{Kind: ErrContention, Op: op, ConversationID: conversationID, ExpertID: p.UserID, Attempts: 1}
	}
	if err != nil {
		e.log().Error(op+" failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return TransitionResult{}, wrapStore(op, conversationID, err)
	}
	return res, nil
}

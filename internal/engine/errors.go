package engine

import (
	"errors"
	"fmt"

	"expertdesk/internal/domain"
	"expertdesk/internal/repo"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrNotOwner          = errors.New("not owner")
	ErrContention        = errors.New("contention")
	ErrStorageFailure    = errors.New("storage failure")

	ErrConversationClosed = errors.New("conversation closed")
	ErrNotParticipant     = errors.New("not a participant")
	ErrInvalidInput       = errors.New("invalid input")
)

// TransitionError is returned by every rejected or failed lifecycle
// operation. Kind is one of the sentinels above; errors.Is matches both Kind
// and the wrapped cause.
type TransitionError struct {
	Kind           error
	Op             string
	ConversationID string
	Status         domain.ConversationStatus
	ExpertID       string
	OwnerID        string
	Attempts       int
	Err            error
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case ErrNotFound:
		return fmt.Sprintf("conversation %s not found", e.ConversationID)
	case ErrAlreadyClaimed:
		return fmt.Sprintf("conversation %s already claimed by expert %s", e.ConversationID, e.OwnerID)
	case ErrNotOwner:
		return fmt.Sprintf("conversation %s is owned by expert %s, not %s", e.ConversationID, e.OwnerID, e.ExpertID)
	case ErrInvalidTransition:
		return fmt.Sprintf("cannot %s conversation %s in status %s", e.Op, e.ConversationID, e.Status)
	case ErrContention:
		return fmt.Sprintf("%s on conversation %s gave up after %d conflicting attempts", e.Op, e.ConversationID, e.Attempts)
	case ErrStorageFailure:
		if e.ConversationID == "" {
			return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("storage failure during %s of conversation %s: %v", e.Op, e.ConversationID, e.Err)
	default:
		return fmt.Sprintf("%s conversation %s: %v", e.Op, e.ConversationID, e.Kind)
	}
}

func (e *TransitionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func notFound(op, id string) error {
	return &TransitionError{Kind: ErrNotFound, Op: op, ConversationID: id}
}

func storageFailure(op, id string, err error) error {
	return &TransitionError{Kind: ErrStorageFailure, Op: op, ConversationID: id, Err: err}
}

// wrapStore classifies a repo error: not-found stays not-found, anything
// else is a storage failure.
func wrapStore(op, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(op, id)
	}
	return storageFailure(op, id, err)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"expertdesk/internal/domain"
)

const assignmentColumns = `id,conversation_id,expert_id,assigned_at,unassigned_at,status,seq`

func scanAssignment(s rowScanner) (domain.ExpertAssignment, error) {
	var a domain.ExpertAssignment
	var unassigned sql.NullString
	err := s.Scan(&a.ID, &a.ConversationID, &a.ExpertID, &a.AssignedAt, &unassigned, &a.Status, &a.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.UnassignedAt = stringPtr(unassigned)
	return a, nil
}

func collectAssignments(rows *sql.Rows) ([]domain.ExpertAssignment, error) {
	defer rows.Close()
	res := []domain.ExpertAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AppendAssignment adds a ledger entry after the conversation's last one.
// A second active entry for the same conversation is rejected by the
// expert_assignments_one_active index.
func (r Repo) AppendAssignment(ctx context.Context, tx *sql.Tx, conversationID, expertID string, status domain.AssignmentStatus, assignedAt string) (domain.ExpertAssignment, error) {
	c := r.on(tx)
	var seq int
	if err := c.row(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM expert_assignments WHERE conversation_id=?`, conversationID).Scan(&seq); err != nil {
		return domain.ExpertAssignment{}, err
	}
	a := domain.ExpertAssignment{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ExpertID:       expertID,
		AssignedAt:     assignedAt,
		Status:         status,
		Seq:            seq,
	}
	_, err := c.exec(ctx, `INSERT INTO expert_assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ConversationID, a.ExpertID, a.AssignedAt, nil, a.Status, a.Seq)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	return a, nil
}

// CloseActiveAssignment moves the sole active entry of a conversation to
// newStatus. It fails with ErrNoActiveAssignment when there is none.
func (r Repo) CloseActiveAssignment(ctx context.Context, tx *sql.Tx, conversationID string, newStatus domain.AssignmentStatus, at string) (domain.ExpertAssignment, error) {
	c := r.on(tx)
	active, err := scanAssignment(c.row(ctx, `SELECT `+assignmentColumns+` FROM expert_assignments WHERE conversation_id=? AND status=?`,
		conversationID, domain.AssignmentActive))
	if errors.Is(err, ErrNotFound) {
		return domain.ExpertAssignment{}, ErrNoActiveAssignment
	}
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	res, err := c.exec(ctx, `UPDATE expert_assignments SET status=?, unassigned_at=? WHERE id=? AND status=?`,
		newStatus, at, active.ID, domain.AssignmentActive)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ExpertAssignment{}, ErrNoActiveAssignment
	}
	active.Status = newStatus
	active.UnassignedAt = &at
	return active, nil
}

// AssignmentHistory returns a conversation's ledger in seq order, oldest first.
func (r Repo) AssignmentHistory(ctx context.Context, conversationID string) ([]domain.ExpertAssignment, error) {
	return r.AssignmentHistoryTx(ctx, nil, conversationID)
}

func (r Repo) AssignmentHistoryTx(ctx context.Context, tx *sql.Tx, conversationID string) ([]domain.ExpertAssignment, error) {
	rows, err := r.on(tx).query(ctx, `SELECT `+assignmentColumns+` FROM expert_assignments WHERE conversation_id=? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// ExpertAssignmentHistory returns every ledger entry for an expert, newest first.
func (r Repo) ExpertAssignmentHistory(ctx context.Context, expertID string, limit int) ([]domain.ExpertAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM expert_assignments WHERE expert_id=? ORDER BY assigned_at DESC, seq DESC`
	args := []any{expertID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// CountActiveAssignments reports how many active ledger entries a
// conversation has; the schema keeps it at most one.
func (r Repo) CountActiveAssignments(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := r.on(nil).row(ctx, `SELECT COUNT(*) FROM expert_assignments WHERE conversation_id=? AND status=?`, conversationID, domain.AssignmentActive).Scan(&n)
	return n, err
}

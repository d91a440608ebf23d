package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"expertdesk/internal/domain"
)

const conversationColumns = `id,title,status,questioner_id,questioner_username,assigned_expert_id,assigned_expert_username,created_at,updated_at,last_message_at,unread_count,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(s rowScanner) (domain.Conversation, error) {
	var c domain.Conversation
	var expertID, expertName, lastMessage sql.NullString
	err := s.Scan(&c.ID, &c.Title, &c.Status, &c.QuestionerID, &c.QuestionerUsername, &expertID, &expertName,
		&c.CreatedAt, &c.UpdatedAt, &lastMessage, &c.UnreadCount, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.AssignedExpertID = stringPtr(expertID)
	c.AssignedExpertUsername = stringPtr(expertName)
	c.LastMessageAt = stringPtr(lastMessage)
	return c, nil
}

func collectConversations(rows *sql.Rows) ([]domain.Conversation, error) {
	defer rows.Close()
	res := []domain.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertConversation stores a new conversation as given; callers set status
// waiting and version 1.
func (r Repo) InsertConversation(ctx context.Context, tx *sql.Tx, c domain.Conversation) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO conversations(`+conversationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, c.Status, c.QuestionerID, c.QuestionerUsername, nullableStringPtr(c.AssignedExpertID), nullableStringPtr(c.AssignedExpertUsername),
		c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.LastMessageAt), c.UnreadCount, c.Version)
	return err
}

func (r Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	return r.GetConversationTx(ctx, nil, id)
}

func (r Repo) GetConversationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Conversation, error) {
	return scanConversation(r.on(tx).row(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id))
}

// ConversationMutation is the lifecycle part of a conversation that
// CompareAndSet may change.
type ConversationMutation struct {
	Status                 domain.ConversationStatus
	AssignedExpertID       *string
	AssignedExpertUsername *string
	UpdatedAt              string
}

// CompareAndSet applies m only if the stored version still equals
// expectedVersion, bumping the version on success. It returns
// ErrVersionConflict when another writer got there first.
func (r Repo) CompareAndSet(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, m ConversationMutation) (domain.Conversation, error) {
	c := r.on(tx)
	res, err := c.exec(ctx, `UPDATE conversations SET status=?, assigned_expert_id=?, assigned_expert_username=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		m.Status, nullableStringPtr(m.AssignedExpertID), nullableStringPtr(m.AssignedExpertUsername), m.UpdatedAt, id, expectedVersion)
	if err != nil {
		return domain.Conversation{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Conversation{}, err
	}
	if affected == 0 {
		var exists int
		err := c.row(ctx, `SELECT 1 FROM conversations WHERE id=?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, ErrNotFound
		}
		if err != nil {
			return domain.Conversation{}, err
		}
		return domain.Conversation{}, ErrVersionConflict
	}
	return r.GetConversationTx(ctx, tx, id)
}

// RecordMessage updates the message metadata of a conversation without
// touching its lifecycle version. The write is guarded by expectedVersion so a
// lifecycle change between read and write is detected.
func (r Repo) RecordMessage(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, ts string) error {
	res, err := r.on(tx).exec(ctx, `UPDATE conversations SET last_message_at=?, updated_at=?, unread_count=unread_count+1 WHERE id=? AND version=?`,
		ts, ts, id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DecrementUnread lowers unread_count by one, never below zero.
func (r Repo) DecrementUnread(ctx context.Context, tx *sql.Tx, id, ts string) error {
	res, err := r.on(tx).exec(ctx, `UPDATE conversations SET unread_count=CASE WHEN unread_count > 0 THEN unread_count-1 ELSE 0 END, updated_at=? WHERE id=?`, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ConversationFilters struct {
	QuestionerID     string
	AssignedExpertID string
	Status           string
	Limit            int
	CursorCreatedAt  string
	CursorID         string
}

// ListConversations returns conversations newest first.
func (r Repo) ListConversations(ctx context.Context, f ConversationFilters) ([]domain.Conversation, error) {
	var clauses []string
	var args []any
	if f.QuestionerID != "" {
		clauses = append(clauses, "questioner_id=?")
		args = append(args, f.QuestionerID)
	}
	if f.AssignedExpertID != "" {
		clauses = append(clauses, "assigned_expert_id=?")
		args = append(args, f.AssignedExpertID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

// ListWaiting returns every waiting conversation ordered by created_at.
func (r Repo) ListWaiting(ctx context.Context, newestFirst bool) ([]domain.Conversation, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	rows, err := r.on(nil).query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE status=? ORDER BY created_at `+order+`, id `+order,
		domain.StatusWaiting)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

// ListAssigned returns the active conversations held by expertID, most
// recently updated first.
func (r Repo) ListAssigned(ctx context.Context, expertID string) ([]domain.Conversation, error) {
	rows, err := r.on(nil).query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE status=? AND assigned_expert_id=? ORDER BY updated_at DESC, id DESC`,
		domain.StatusActive, expertID)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (r Repo) CountConversationsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.on(nil).query(ctx, `SELECT status, COUNT(*) FROM conversations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

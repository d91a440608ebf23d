package repo

import (
	"context"
	"database/sql"
	"errors"

	"expertdesk/internal/domain"
)

const messageColumns = `id,conversation_id,sender_id,sender_role,sender_username,content,ts,is_read`

func scanMessage(s rowScanner) (domain.Message, error) {
	var m domain.Message
	var read int
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderRole, &m.SenderUsername, &m.Content, &m.Timestamp, &read)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	m.IsRead = read != 0
	return m, err
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO messages(`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderRole, m.SenderUsername, m.Content, m.Timestamp, boolInt(m.IsRead))
	return err
}

func (r Repo) GetMessageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Message, error) {
	return scanMessage(r.on(tx).row(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

// ListMessages returns a conversation's messages oldest first.
func (r Repo) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := r.on(nil).query(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=? ORDER BY ts ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkMessageRead sets the read flag and reports whether it was unset before.
func (r Repo) MarkMessageRead(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := r.on(tx).exec(ctx, `UPDATE messages SET is_read=1 WHERE id=? AND is_read=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

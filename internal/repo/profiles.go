package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"expertdesk/internal/domain"
)

func scanProfile(s rowScanner) (domain.ExpertProfile, error) {
	var p domain.ExpertProfile
	var links string
	err := s.Scan(&p.ID, &p.UserID, &p.Bio, &links, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.KnowledgeBaseLinks = []string{}
	if links != "" {
		if err := json.Unmarshal([]byte(links), &p.KnowledgeBaseLinks); err != nil {
			return p, fmt.Errorf("decode knowledge_base_links: %w", err)
		}
	}
	return p, nil
}

// EnsureExpertProfile creates an empty profile for userID unless one exists.
func (r Repo) EnsureExpertProfile(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO expert_profiles(id,user_id,bio,knowledge_base_links,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(user_id) DO NOTHING`, uuid.NewString(), userID, "", "[]", now)
	return err
}

func (r Repo) GetExpertProfile(ctx context.Context, tx *sql.Tx, userID string) (domain.ExpertProfile, error) {
	return scanProfile(r.on(tx).row(ctx, `SELECT id,user_id,bio,knowledge_base_links,updated_at FROM expert_profiles WHERE user_id=?`, userID))
}

func (r Repo) UpdateExpertProfile(ctx context.Context, tx *sql.Tx, p domain.ExpertProfile) error {
	links := p.KnowledgeBaseLinks
	if links == nil {
		links = []string{}
	}
	payload, err := json.Marshal(links)
	if err != nil {
		return err
	}
	res, err := r.on(tx).exec(ctx, `UPDATE expert_profiles SET bio=?, knowledge_base_links=?, updated_at=? WHERE user_id=?`,
		p.Bio, string(payload), p.UpdatedAt, p.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

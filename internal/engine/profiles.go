package engine

import (
	"context"
	"database/sql"
	"net/url"
	"strings"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/events"
)

const maxBioLength = 2000

// GetExpertProfile returns the caller's profile, creating an empty one on
// first access.
func (e Engine) GetExpertProfile(ctx context.Context, p auth.Principal) (domain.ExpertProfile, error) {
	if err := auth.RequireRole(p, domain.RoleExpert); err != nil {
		return domain.ExpertProfile{}, err
	}
	var prof domain.ExpertProfile
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		if err := e.touchUser(ctx, tx, p, now); err != nil {
			return err
		}
		if err := e.Repo.EnsureExpertProfile(ctx, tx, p.UserID, now); err != nil {
			return err
		}
		var err error
		prof, err = e.Repo.GetExpertProfile(ctx, tx, p.UserID)
		return err
	})
	if err != nil {
		return domain.ExpertProfile{}, storageFailure("get profile", "", err)
	}
	return prof, nil
}

// UpdateProfileOptions leaves a field untouched when it is nil.
type UpdateProfileOptions struct {
	Bio                *string
	KnowledgeBaseLinks *[]string
}

func (e Engine) UpdateExpertProfile(ctx context.Context, p auth.Principal, opts UpdateProfileOptions) (domain.ExpertProfile, error) {
	if err := auth.RequireRole(p, domain.RoleExpert); err != nil {
		return domain.ExpertProfile{}, err
	}
	if opts.Bio != nil && len([]rune(*opts.Bio)) > maxBioLength {
		return domain.ExpertProfile{}, invalidInput("bio exceeds %d characters", maxBioLength)
	}
	var links []string
	if opts.KnowledgeBaseLinks != nil {
		var err error
		links, err = normalizeLinks(*opts.KnowledgeBaseLinks)
		if err != nil {
			return domain.ExpertProfile{}, err
		}
	}
	var prof domain.ExpertProfile
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		if err := e.touchUser(ctx, tx, p, now); err != nil {
			return err
		}
		if err := e.Repo.EnsureExpertProfile(ctx, tx, p.UserID, now); err != nil {
			return err
		}
		current, err := e.Repo.GetExpertProfile(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		if opts.Bio != nil {
			current.Bio = *opts.Bio
		}
		if opts.KnowledgeBaseLinks != nil {
			current.KnowledgeBaseLinks = links
		}
		current.UpdatedAt = now
		if err := e.Repo.UpdateExpertProfile(ctx, tx, current); err != nil {
			return err
		}
		prof = current
		return e.eventWriter().Append(ctx, tx, events.ExpertProfileUpdated, events.EntityExpertProfile, current.ID, p.UserID, events.EventPayload{
			"links": len(current.KnowledgeBaseLinks),
		})
	})
	if err != nil {
		return domain.ExpertProfile{}, storageFailure("update profile", "", err)
	}
	return prof, nil
}

// normalizeLinks keeps order and requires absolute http(s) URLs.
func normalizeLinks(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		link := strings.TrimSpace(raw)
		u, err := url.Parse(link)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, invalidInput("knowledge base link %q must be an absolute http(s) URL", raw)
		}
		out = append(out, link)
	}
	return out, nil
}

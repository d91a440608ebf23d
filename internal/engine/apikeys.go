package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/repo"
)

const apiKeyPrefix = "edk_"

// CreateAPIKey issues a key for the given principal. The plaintext key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, p auth.Principal, name string) (string, domain.APIKey, error) {
	if err := p.Validate(); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Username:  p.Username,
		Role:      p.Role,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, storageFailure("create api key", "", err)
	}
	return plain, key, nil
}

// PrincipalForAPIKey resolves a plaintext key.
func (e Engine) PrincipalForAPIKey(ctx context.Context, plain string) (auth.Principal, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return auth.Principal{}, err
	}
	p := auth.Principal{UserID: key.UserID, Username: key.Username, Role: key.Role, Source: "api_key"}
	return p, p.Validate()
}

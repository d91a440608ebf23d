package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"expertdesk/internal/domain"
)

// Principal is an already-authenticated caller.
type Principal struct {
	UserID   string
	Username string
	Role     domain.Role
	Source   string
}

// ErrInvalidPrincipal is wrapped by every Validate failure.
var ErrInvalidPrincipal = errors.New("invalid principal")

func (p Principal) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidPrincipal)
	}
	if strings.TrimSpace(p.Username) == "" {
		return fmt.Errorf("%w: username required", ErrInvalidPrincipal)
	}
	switch p.Role {
	case domain.RoleQuestioner, domain.RoleExpert:
		return nil
	default:
		return fmt.Errorf("%w: role %q", ErrInvalidPrincipal, p.Role)
	}
}

func (p Principal) IsExpert() bool { return p.Role == domain.RoleExpert }

// ForbiddenError indicates the principal lacks the role an operation needs.
type ForbiddenError struct {
	Role domain.Role
	Have domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required, principal has role %s", e.Role, e.Have)
}

// RequireRole checks the principal is valid and carries role.
func RequireRole(p Principal, role domain.Role) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Role != role {
		return ForbiddenError{Role: role, Have: p.Role}
	}
	return nil
}

// Claims is the JWT payload: sub carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// SignToken issues an HS256 token for p valid for ttl.
func SignToken(secret string, p Principal, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: p.Username,
		Role:     string(p.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token and returns its principal.
func ParseToken(secret, token string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	p := Principal{
		UserID:   claims.Subject,
		Username: claims.Username,
		Role:     domain.Role(claims.Role),
		Source:   "jwt",
	}
	if err := p.Validate(); err != nil {
		return Principal{}, err
	}
	return p, nil
}

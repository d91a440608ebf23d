package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"expertdesk/internal/config"
	"expertdesk/internal/db"
	"expertdesk/internal/domain"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/events"
	"expertdesk/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time

	// BeforeSwap, when set, runs inside the lifecycle transaction right
	// before the version compare-and-set. An error aborts the attempt.
	BeforeSwap func(ctx context.Context, tx *sql.Tx, op, conversationID string) error
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{Dialect: dialect},
		Config: cfg,
		Log:    logger,
		Now:    time.Now,
	}
}

// eventWriter returns the writer stamped with the engine clock, so a clock set
// after New still reaches event timestamps.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) beforeSwap(ctx context.Context, tx *sql.Tx, op, conversationID string) error {
	if e.BeforeSwap == nil {
		return nil
	}
	return e.BeforeSwap(ctx, tx, op, conversationID)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.TimeLayout)
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) claimAttempts() int {
	if e.Config == nil || e.Config.Assignment.ClaimAttempts < config.MinClaimAttempts {
		return 5
	}
	return e.Config.Assignment.ClaimAttempts
}

// touchUser records the principal as a user inside tx.
func (e Engine) touchUser(ctx context.Context, tx *sql.Tx, p auth.Principal, now string) error {
	return e.Repo.TouchUser(ctx, tx, domain.User{
		ID:           p.UserID,
		Username:     p.Username,
		Role:         p.Role,
		CreatedAt:    now,
		LastActiveAt: now,
	})
}

// Me returns the stored user for p, falling back to the principal itself
// when it has never written anything.
func (e Engine) Me(ctx context.Context, p auth.Principal) (domain.User, error) {
	if err := p.Validate(); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, p.UserID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, storageFailure("me", "", err)
	}
	return domain.User{ID: p.UserID, Username: p.Username, Role: p.Role}, nil
}

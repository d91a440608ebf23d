package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"expertdesk/internal/config"
	"expertdesk/internal/domain"
	"expertdesk/internal/engine"
	"expertdesk/internal/engine/auth"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	rt, err := Open(t.TempDir())
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, 5, rt.Config.Assignment.ClaimAttempts)
	assert.EqualValues(t, "sqlite", rt.Dialect)

	p := auth.Principal{UserID: "q1", Username: "quinn", Role: domain.RoleQuestioner}
	c, err := rt.Engine.CreateConversation(context.Background(), p, engine.CreateConversationOptions{Title: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, c.Status)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "loud"
	_, err := NewLogger(cfg)
	assert.Error(t, err)

	cfg.Log.Level = "debug"
	cfg.Log.Format = "console"
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestStartRelayAdvancesCursorWithoutBroker(t *testing.T) {
	rt, err := Open(t.TempDir())
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	p := auth.Principal{UserID: "q1", Username: "quinn", Role: domain.RoleQuestioner}
	_, err = rt.Engine.CreateConversation(ctx, p, engine.CreateConversationOptions{Title: "hello"})
	require.NoError(t, err)
	latest, err := rt.Engine.Repo.LatestEventID(ctx)
	require.NoError(t, err)

	stop, err := rt.StartRelay(ctx)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool {
		cursor, err := rt.Engine.Repo.RelayCursor(ctx, "broker")
		return err == nil && cursor == latest
	}, 5*time.Second, 20*time.Millisecond)
}

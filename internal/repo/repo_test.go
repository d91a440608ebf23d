package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertdesk/internal/db"
	"expertdesk/internal/domain"
	"expertdesk/internal/migrate"
	"expertdesk/internal/repo"
)

const ts0 = "2024-01-01T00:00:00.000000Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.Repo{DB: conn, Dialect: db.SQLite}
}

func seedConversation(t *testing.T, r repo.Repo, id string) domain.Conversation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.TouchUser(ctx, nil, domain.User{ID: "q1", Username: "quinn", Role: domain.RoleQuestioner, CreatedAt: ts0, LastActiveAt: ts0}))
	c := domain.Conversation{
		ID:                 id,
		Title:              "t",
		Status:             domain.StatusWaiting,
		QuestionerID:       "q1",
		QuestionerUsername: "quinn",
		CreatedAt:          ts0,
		UpdatedAt:          ts0,
		Version:            1,
	}
	require.NoError(t, r.InsertConversation(ctx, nil, c))
	return c
}

func TestCompareAndSet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := seedConversation(t, r, "c1")
	expertID, name := "e1", "erin"

	updated, err := r.CompareAndSet(ctx, nil, c.ID, 1, repo.ConversationMutation{
		Status:                 domain.StatusActive,
		AssignedExpertID:       &expertID,
		AssignedExpertUsername: &name,
		UpdatedAt:              "2024-01-01T00:00:01.000000Z",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.Equal(t, "2024-01-01T00:00:01.000000Z", updated.UpdatedAt)

	_, err = r.CompareAndSet(ctx, nil, c.ID, 1, repo.ConversationMutation{Status: domain.StatusWaiting, UpdatedAt: ts0})
	require.ErrorIs(t, err, repo.ErrVersionConflict)

	_, err = r.CompareAndSet(ctx, nil, "nope", 1, repo.ConversationMutation{Status: domain.StatusWaiting, UpdatedAt: ts0})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCompareAndSetRejectsBrokenInvariant(t *testing.T) {
	r := newRepo(t)
	c := seedConversation(t, r, "c1")
	_, err := r.CompareAndSet(context.Background(), nil, c.ID, 1, repo.ConversationMutation{Status: domain.StatusActive, UpdatedAt: ts0})
	require.Error(t, err)
	require.NotErrorIs(t, err, repo.ErrVersionConflict)
}

func TestLedger(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := seedConversation(t, r, "c1")

	_, err := r.CloseActiveAssignment(ctx, nil, c.ID, domain.AssignmentUnassigned, ts0)
	require.ErrorIs(t, err, repo.ErrNoActiveAssignment)

	first, err := r.AppendAssignment(ctx, nil, c.ID, "e1", domain.AssignmentActive, "2024-01-01T00:00:01.000000Z")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Seq)

	_, err = r.AppendAssignment(ctx, nil, c.ID, "e2", domain.AssignmentActive, "2024-01-01T00:00:02.000000Z")
	require.Error(t, err, "second active entry must be rejected")

	closed, err := r.CloseActiveAssignment(ctx, nil, c.ID, domain.AssignmentUnassigned, "2024-01-01T00:00:03.000000Z")
	require.NoError(t, err)
	assert.Equal(t, first.ID, closed.ID)
	assert.Equal(t, domain.AssignmentUnassigned, closed.Status)
	require.NotNil(t, closed.UnassignedAt)

	second, err := r.AppendAssignment(ctx, nil, c.ID, "e2", domain.AssignmentActive, "2024-01-01T00:00:04.000000Z")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Seq)

	history, err := r.AssignmentHistory(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "e1", history[0].ExpertID)
	assert.Equal(t, "e2", history[1].ExpertID)
	assert.Nil(t, history[1].UnassignedAt)

	mine, err := r.ExpertAssignmentHistory(ctx, "e2", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestLedgerOrderFollowsSeqWhenClockStepsBack(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := seedConversation(t, r, "c1")

	_, err := r.AppendAssignment(ctx, nil, c.ID, "e1", domain.AssignmentActive, "2024-01-01T00:00:10.000000Z")
	require.NoError(t, err)
	_, err = r.CloseActiveAssignment(ctx, nil, c.ID, domain.AssignmentUnassigned, "2024-01-01T00:00:11.000000Z")
	require.NoError(t, err)
	// Written later by a host whose clock runs behind.
	_, err = r.AppendAssignment(ctx, nil, c.ID, "e2", domain.AssignmentActive, "2024-01-01T00:00:05.000000Z")
	require.NoError(t, err)

	history, err := r.AssignmentHistory(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Seq)
	assert.Equal(t, "e1", history[0].ExpertID)
	assert.Equal(t, 2, history[1].Seq)
	assert.Equal(t, "e2", history[1].ExpertID)
	assert.Equal(t, domain.AssignmentActive, history[1].Status)
}

func TestInTxRollsBack(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := seedConversation(t, r, "c1")
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.AppendAssignment(ctx, tx, c.ID, "e1", domain.AssignmentActive, ts0); err != nil {
			return err
		}
		return sql.ErrConnDone
	})
	require.ErrorIs(t, err, sql.ErrConnDone)
	history, err := r.AssignmentHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUnreadNeverNegative(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := seedConversation(t, r, "c1")
	require.NoError(t, r.DecrementUnread(ctx, nil, c.ID, ts0))
	got, err := r.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)

	require.NoError(t, r.RecordMessage(ctx, nil, c.ID, 1, ts0))
	require.ErrorIs(t, r.RecordMessage(ctx, nil, c.ID, 7, ts0), repo.ErrVersionConflict)
	got, err = r.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, int64(1), got.Version)
}

func TestRelayCursor(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	cur, err := r.RelayCursor(ctx, "broker")
	require.NoError(t, err)
	assert.Zero(t, cur)
	require.NoError(t, r.SaveRelayCursor(ctx, "broker", 42, ts0))
	require.NoError(t, r.SaveRelayCursor(ctx, "broker", 43, ts0))
	cur, err = r.RelayCursor(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, int64(43), cur)
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", UserID: "e1", Username: "erin", Role: domain.RoleExpert, KeyHash: repo.HashAPIKey("secret")}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.Equal(t, "e1", got.UserID)
	keys, err := r.ListAPIKeys(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	require.ErrorIs(t, err, repo.ErrNotFound)
}

package expertdesksdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"expertdesk/internal/config"
	"expertdesk/internal/db"
	"expertdesk/internal/domain"
	"expertdesk/internal/engine"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/migrate"
	"expertdesk/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	e := engine.New(conn, db.SQLite, config.Default(), zap.NewNop())
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(t *testing.T, baseURL, id string, role domain.Role) *Client {
	t.Helper()
	token, err := auth.SignToken(secret, auth.Principal{UserID: id, Username: id, Role: role}, time.Hour, time.Now())
	require.NoError(t, err)
	c := New(baseURL)
	c.BearerToken = token
	return c
}

func TestClientLifecycle(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	q := clientFor(t, srv.URL, "q1", domain.RoleQuestioner)
	e1 := clientFor(t, srv.URL, "e1", domain.RoleExpert)
	e2 := clientFor(t, srv.URL, "e2", domain.RoleExpert)

	require.NoError(t, New(srv.URL).Health(ctx))

	conv, err := q.CreateConversation(ctx, "VPN drops every hour", "Started Monday.")
	require.NoError(t, err)
	assert.Equal(t, "waiting", conv.Status)

	queue, err := e1.ExpertQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue.Waiting, 1)

	claimed, err := e1.Claim(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", claimed.Conversation.Status)
	assert.Equal(t, 1, claimed.Assignment.Seq)

	_, err = e2.Claim(ctx, conv.ID)
	require.Error(t, err)
	assert.True(t, IsCode(err, "already_claimed"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = e2.Resolve(ctx, conv.ID)
	assert.True(t, IsCode(err, "not_owner"))

	msg, err := e1.SendMessage(ctx, conv.ID, "Try the new profile.")
	require.NoError(t, err)
	_, err = q.MarkMessageRead(ctx, msg.ID)
	require.NoError(t, err)

	msgs, err := q.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = e1.Unclaim(ctx, conv.ID)
	require.NoError(t, err)
	_, err = e2.Claim(ctx, conv.ID)
	require.NoError(t, err)
	resolved, err := e2.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "resolved", resolved.Conversation.Status)
	require.NotNil(t, resolved.Conversation.AssignedExpertID)
	assert.Equal(t, "e2", *resolved.Conversation.AssignedExpertID)

	history, err := q.AssignmentHistory(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "e1", history[0].ExpertID)
	assert.Equal(t, "unassigned", history[0].Status)
	assert.Equal(t, "e2", history[1].ExpertID)
	assert.Equal(t, "resolved", history[1].Status)

	mine, err := e1.ExpertAssignmentHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	page, err := q.ListConversations(ctx, "resolved", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, conv.ID, page.Items[0].ID)

	events, err := e1.EventsPage(ctx, 100, "")
	require.NoError(t, err)
	assert.NotEmpty(t, events.Items)
}

func TestClientProfileAndMe(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	e1 := clientFor(t, srv.URL, "e1", domain.RoleExpert)

	me, err := e1.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", me.ID)
	assert.Equal(t, "expert", me.Role)

	bio := "Networks."
	links := []string{"https://kb.example.com/vpn"}
	prof, err := e1.UpdateExpertProfile(ctx, ProfileUpdate{Bio: &bio, KnowledgeBaseLinks: &links})
	require.NoError(t, err)
	assert.Equal(t, bio, prof.Bio)

	got, err := e1.ExpertProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, links, got.KnowledgeBaseLinks)
}

func TestClientDecodesNonEnvelopeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Me(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Empty(t, apiErr.Code)
}

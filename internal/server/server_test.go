package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
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
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	e := engine.New(conn, db.SQLite, config.Default(), zap.NewNop())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, APIKeyTTL: time.Minute},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, id string, role domain.Role) map[string]string {
	t.Helper()
	token, err := auth.SignToken(testSecret, auth.Principal{UserID: id, Username: id + "-name", Role: role}, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func createConversation(t *testing.T, srv *testServer, questioner map[string]string) domain.Conversation {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations", map[string]any{
		"title":           "Printer is on fire",
		"initial_message": "Is that normal?",
	}, questioner)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var c domain.Conversation
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	q := bearer(t, "q1", domain.RoleQuestioner)
	e1 := bearer(t, "e1", domain.RoleExpert)
	e2 := bearer(t, "e2", domain.RoleExpert)

	c := createConversation(t, srv, q)
	assert.Equal(t, domain.StatusWaiting, c.Status)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/expert/queue", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var queue domain.ExpertQueue
	require.NoError(t, json.Unmarshal(data, &queue))
	require.Len(t, queue.Waiting, 1)
	assert.Empty(t, queue.Assigned)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/claim", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var claimed engine.TransitionResult
	require.NoError(t, json.Unmarshal(data, &claimed))
	assert.Equal(t, domain.StatusActive, claimed.Conversation.Status)
	assert.Equal(t, domain.AssignmentActive, claimed.Assignment.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/claim", nil, e2)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "already_claimed", env.Error.Code)
	assert.Equal(t, "e1", env.Error.Details["owner_id"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/unclaim", nil, e2)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "not_owner", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/resolve", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/claim", nil, e2)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/conversations/"+c.ID+"/assignments", nil, q)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var history AssignmentList
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history.Items, 1)
	assert.Equal(t, domain.AssignmentResolved, history.Items[0].Status)
}

func TestUnknownConversationIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/expert/conversations/missing/claim", nil, bearer(t, "e1", domain.RoleExpert))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
}

func TestQuestionerCannotClaim(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	q := bearer(t, "q1", domain.RoleQuestioner)
	c := createConversation(t, srv, q)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/claim", nil, q)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Error.Code)
}

func TestMessagingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	q := bearer(t, "q1", domain.RoleQuestioner)
	e1 := bearer(t, "e1", domain.RoleExpert)
	c := createConversation(t, srv, q)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages", map[string]any{
		"conversation_id": c.ID,
		"content":         "hello?",
	}, e1)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/claim", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages", map[string]any{
		"conversation_id": c.ID,
		"content":         "Unplug it.",
	}, e1)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var sent domain.Message
	require.NoError(t, json.Unmarshal(data, &sent))
	assert.Equal(t, domain.SenderExpert, sent.SenderRole)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages/"+sent.ID+"/read", nil, q)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/conversations/"+c.ID+"/messages", nil, q)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list MessageList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 2)
	assert.Equal(t, domain.SenderInitiator, list.Items[0].SenderRole)
	assert.True(t, list.Items[1].IsRead)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/resolve", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages", map[string]any{
		"conversation_id": c.ID,
		"content":         "thanks",
	}, q)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "conversation_closed", decodeError(t, data).Error.Code)
}

func TestOtherQuestionerSeesNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createConversation(t, srv, bearer(t, "q1", domain.RoleQuestioner))

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/conversations/"+c.ID, nil, bearer(t, "q2", domain.RoleQuestioner))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListConversationsPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	q := bearer(t, "q1", domain.RoleQuestioner)
	for i := 0; i < 3; i++ {
		createConversation(t, srv, q)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/conversations?limit=2", nil, q)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedConversations
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/conversations?limit=2&cursor="+page.NextCursor, nil, q)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedConversations
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	for _, c := range page.Items {
		assert.NotEqual(t, c.ID, next.Items[0].ID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/conversations?cursor=broken", nil, q)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)
}

func TestExpertProfileOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	e1 := bearer(t, "e1", domain.RoleExpert)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/expert/profile", map[string]any{
		"bio":                  "Printers, mostly.",
		"knowledge_base_links": []string{"https://kb.example.com/printers"},
	}, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/expert/profile", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var prof domain.ExpertProfile
	require.NoError(t, json.Unmarshal(data, &prof))
	assert.Equal(t, "Printers, mostly.", prof.Bio)
	assert.Equal(t, []string{"https://kb.example.com/printers"}, prof.KnowledgeBaseLinks)

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/expert/profile", map[string]any{
		"knowledge_base_links": []string{"ftp://nope"},
	}, e1)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := auth.Principal{UserID: "e1", Username: "erin", Role: domain.RoleExpert}
	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), p, "cli")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": plain})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var me UserResponse
		require.NoError(t, json.Unmarshal(data, &me))
		assert.Equal(t, "e1", me.ID)
		assert.Equal(t, "api_key", me.AuthSource)
	}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "edk_wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestEventsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	q := bearer(t, "q1", domain.RoleQuestioner)
	e1 := bearer(t, "e1", domain.RoleExpert)
	c := createConversation(t, srv, q)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/expert/conversations/"+c.ID+"/claim", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events", nil, q)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?entity_kind=conversation&limit=1", nil, e1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "conversation.claimed", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)
}

func TestOpenAPIIsServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/expert/conversations/{id}/claim")
}

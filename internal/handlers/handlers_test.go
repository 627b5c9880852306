package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pliu/chatcore/internal/auth"
	"github.com/pliu/chatcore/internal/models"
	"github.com/pliu/chatcore/internal/store/sqlstore"
	"github.com/pliu/chatcore/internal/ws"
)

type testEnv struct {
	store    *sqlstore.SQLStore
	hub      *ws.Hub
	verifier *auth.Verifier
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	verifier := auth.NewVerifier("test-secret")
	hub := ws.NewHub(st, zap.NewNop().Sugar())
	go hub.Run()

	srv := httptest.NewServer(NewRouter(st, hub, verifier, zap.NewNop().Sugar()))
	t.Cleanup(srv.Close)

	return &testEnv{store: st, hub: hub, verifier: verifier, srv: srv}
}

func (e *testEnv) seedUser(t *testing.T, id int64, name string) {
	t.Helper()
	require.NoError(t, e.store.UpsertUser(context.Background(), &models.User{ID: id, Name: name}))
}

func (e *testEnv) token(t *testing.T, id int64, name string) string {
	t.Helper()
	token, err := e.verifier.Sign(auth.Identity{ID: id, Name: name}, time.Hour)
	require.NoError(t, err)
	return token
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// call performs an authenticated request and decodes the envelope.
func (e *testEnv) call(t *testing.T, token, method, path string, body any) (int, apiResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func chatPath(chatID int64, suffix string) string {
	p := "/chats/" + strconv.FormatInt(chatID, 10)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

package mixer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/mixerkit/mixer-go-sdk/chat"
	"github.com/mixerkit/mixer-go-sdk/credential"
)

type recordedRequest struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

type apiHarness struct {
	api    *API
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newAPIHarness(t *testing.T, handler http.HandlerFunc) *apiHarness {
	t.Helper()
	h := &apiHarness{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.requests = append(h.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			header: r.Header.Clone(),
			body:   body,
		})
		h.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(h.server.Close)

	api, err := NewAPI(APIConfig{BaseURL: h.server.URL + "/api", ClientID: "client-1"})
	require.NoError(t, err)
	h.api = api
	return h
}

func (h *apiHarness) last() recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[len(h.requests)-1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNewAPIRequiresClientID(t *testing.T) {
	_, err := NewAPI(APIConfig{})
	require.Error(t, err)

	api, err := NewAPI(APIConfig{ClientID: "x"})
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, api.BaseURL())
}

func TestRequestShortcode(t *testing.T) {
	h := newAPIHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"code": "ABC123", "handle": "h-1", "expires_in": 120})
	})

	sc, err := h.api.RequestShortcode(context.Background(), credential.ShortcodeRequest{
		ClientID: "client-1",
		Scope:    "chat:connect chat:chat",
	})
	require.NoError(t, err)
	require.Equal(t, "ABC123", sc.Code)
	require.Equal(t, "h-1", sc.Handle)
	require.Equal(t, 120, sc.ExpiresIn)

	req := h.last()
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/api/v1/oauth/shortcode", req.path)
	require.Equal(t, "client-1", req.header.Get("Client-ID"))
	require.Empty(t, req.header.Get("Authorization"))
	require.JSONEq(t, `{"client_id":"client-1","scope":"chat:connect chat:chat"}`, string(req.body))
}

func TestCheckShortcode(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	h := newAPIHarness(t, func(w http.ResponseWriter, r *http.Request) {
		switch s := int(status.Load()); s {
		case http.StatusNoContent:
			w.WriteHeader(s)
		case http.StatusOK:
			writeJSON(w, s, map[string]string{"code": "auth-code"})
		default:
			http.Error(w, "gone", s)
		}
	})
	ctx := context.Background()

	code, err := h.api.CheckShortcode(ctx, "h-1")
	require.NoError(t, err)
	require.Empty(t, code)
	require.Equal(t, "/api/v1/oauth/shortcode/check/h-1", h.last().path)

	status.Store(http.StatusOK)
	code, err = h.api.CheckShortcode(ctx, "h-1")
	require.NoError(t, err)
	require.Equal(t, "auth-code", code)

	status.Store(http.StatusNotFound)
	_, err = h.api.CheckShortcode(ctx, "h-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Contains(t, string(apiErr.Body), "gone")
}

func TestExchangeTokenSetsAuthorization(t *testing.T) {
	h := newAPIHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/oauth/token" {
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token":  "access-1",
				"token_type":    "Bearer",
				"refresh_token": "refresh-1",
				"expires_in":    3600,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 7, "username": "bot", "channel": map[string]any{"id": 70, "token": "botchan"}})
	})
	ctx := context.Background()

	tok, err := h.api.ExchangeToken(ctx, credential.TokenRequest{
		GrantType: credential.GrantAuthorizationCode,
		ClientID:  "client-1",
		Code:      "auth-code",
	})
	require.NoError(t, err)
	require.Equal(t, "refresh-1", tok.RefreshToken)
	require.Equal(t, 3600, tok.ExpiresIn)
	require.JSONEq(t, `{"grant_type":"authorization_code","client_id":"client-1","code":"auth-code"}`, string(h.last().body))

	h.api.SetToken(tok)
	user, err := h.api.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), user.ID)
	require.Equal(t, chat.Channel{ID: 70, Token: "botchan"}, user.Channel)
	require.Equal(t, "Bearer access-1", h.last().header.Get("Authorization"))

	h.api.SetToken(nil)
	id, err := h.api.CurrentUserID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), id)
	require.Empty(t, h.last().header.Get("Authorization"))
}

func TestGzipResponse(t *testing.T) {
	h := newAPIHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		zw := gzip.NewWriter(w)
		zw.Write([]byte(`{"authkey":"k","endpoints":["wss://chat1","wss://chat2"],"roles":["Owner"]}`))
		zw.Close()
	})

	info, err := h.api.ChatInfo(context.Background(), 1234)
	require.NoError(t, err)
	require.Equal(t, "k", info.AuthKey)
	require.Equal(t, []string{"wss://chat1", "wss://chat2"}, info.Endpoints)
	require.Equal(t, "/api/v1/chats/1234", h.last().path)
	require.Equal(t, "gzip", h.last().header.Get("Accept-Encoding"))
}

func TestChatChatters(t *testing.T) {
	h := newAPIHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"userId": 1, "userName": "alice", "userRoles": []string{"User"}},
			{"userId": 2, "userName": "bob", "userRoles": []string{"Mod", "User"}},
		})
	})

	chatters, err := h.api.ChatChatters(context.Background(), 55, url.Values{"limit": {"2"}})
	require.NoError(t, err)
	require.Len(t, chatters, 2)
	require.Equal(t, "bob", chatters[1].UserName)
	require.Equal(t, "/api/v2/chats/55/users", h.last().path)
	require.Equal(t, "2", h.last().query.Get("limit"))
}

func TestAPIErrorBody(t *testing.T) {
	h := newAPIHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "expired"})
	})

	_, err := h.api.ExchangeToken(context.Background(), credential.TokenRequest{GrantType: credential.GrantRefreshToken})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, apiErr.Decode(&body))
	require.Equal(t, "invalid_grant", body.Error)

	raw := &APIError{Status: 500, Body: []byte("upstream exploded")}
	require.Error(t, raw.Decode(&body))
	require.Contains(t, raw.Error(), "upstream exploded")
}

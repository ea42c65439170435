package mixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/mixerkit/mixer-go-sdk/chat"
	"github.com/mixerkit/mixer-go-sdk/credential"
)

// DefaultBaseURL is the production REST API root.
const DefaultBaseURL = "https://mixer.com/api/"

// APIConfig configures an API client.
type APIConfig struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// API is the subset of the REST API the chat engine needs: the OAuth
// shortcode flow, the current user and per-room chat metadata.
// It satisfies credential.Exchanger and chat.UserSource.
type API struct {
	baseURL  string
	clientID string
	http     *http.Client
	logger   *zap.Logger

	mu            sync.RWMutex
	authorization string
}

var (
	_ credential.Exchanger = (*API)(nil)
	_ chat.UserSource      = (*API)(nil)
)

// NewAPI creates a REST client.
func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id not configured")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &API{
		baseURL:  base,
		clientID: cfg.ClientID,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger.Named("api"),
	}, nil
}

// BaseURL returns the API root every path is resolved against.
func (a *API) BaseURL() string { return a.baseURL }

// SetAuthorization sets the Authorization header sent with every request.
// An empty accessToken clears it.
func (a *API) SetAuthorization(tokenType, accessToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if accessToken == "" {
		a.authorization = ""
		return
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}
	a.authorization = tokenType + " " + accessToken
}

// SetToken installs tok as the Authorization header. It has the shape of
// credential.Config.OnToken.
func (a *API) SetToken(tok *credential.Token) {
	if tok == nil {
		a.SetAuthorization("", "")
		return
	}
	a.SetAuthorization(tok.TokenType, tok.AccessToken)
}

// --------------------------------------------------------------------------
// OAuth
// --------------------------------------------------------------------------

// RequestShortcode starts a shortcode authorization.
func (a *API) RequestShortcode(ctx context.Context, req credential.ShortcodeRequest) (*credential.Shortcode, error) {
	var sc credential.Shortcode
	if err := a.doJSON(ctx, http.MethodPost, "v1/oauth/shortcode", req, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// CheckShortcode polls a shortcode handle. It returns the authorization code
// once the operator approved, or "" while the challenge is pending.
func (a *API) CheckShortcode(ctx context.Context, handle string) (string, error) {
	var resp shortcodeCheck
	status, err := a.do(ctx, http.MethodGet, "v1/oauth/shortcode/check/"+url.PathEscape(handle), nil, &resp)
	if err != nil {
		return "", err
	}
	if status == http.StatusNoContent {
		return "", nil
	}
	return resp.Code, nil
}

// ExchangeToken performs an authorization_code or refresh_token grant.
func (a *API) ExchangeToken(ctx context.Context, req credential.TokenRequest) (*credential.Token, error) {
	var tok credential.Token
	if err := a.doJSON(ctx, http.MethodPost, "v1/oauth/token", req, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

// CurrentUser fetches the user the access token belongs to.
func (a *API) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := a.doJSON(ctx, http.MethodGet, "v1/users/current", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CurrentUserID returns the id of the current user.
func (a *API) CurrentUserID(ctx context.Context) (uint64, error) {
	u, err := a.CurrentUser(ctx)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// --------------------------------------------------------------------------
// Chats
// --------------------------------------------------------------------------

// ChatInfo fetches the socket endpoints and auth key for a room. Without an
// Authorization header the server returns anonymous connection info.
func (a *API) ChatInfo(ctx context.Context, channelID uint64) (*chat.ConnectionInfo, error) {
	var info chat.ConnectionInfo
	if err := a.doJSON(ctx, http.MethodGet, "v1/chats/"+strconv.FormatUint(channelID, 10), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ChatChatters lists the users connected to a room. query carries optional
// paging parameters such as limit and continuationToken.
func (a *API) ChatChatters(ctx context.Context, channelID uint64, query url.Values) ([]Chatter, error) {
	path := "v2/chats/" + strconv.FormatUint(channelID, 10) + "/users"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp []Chatter
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

func (a *API) doJSON(ctx context.Context, method, path string, reqBody, dest any) error {
	_, err := a.do(ctx, method, path, reqBody, dest)
	return err
}

// do sends a request and decodes a 2xx body into dest. Empty bodies leave
// dest untouched. Non-2xx responses fail with *APIError.
func (a *API) do(ctx context.Context, method, path string, reqBody, dest any) (int, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Client-ID", a.clientID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	a.mu.RLock()
	if a.authorization != "" {
		req.Header.Set("Authorization", a.authorization)
	}
	a.mu.RUnlock()

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}
	a.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Method: method, Path: path, Body: raw}
	}
	if dest != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, dest); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// readBody reads the response, inflating it when the server gzipped it.
func readBody(resp *http.Response) ([]byte, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return io.ReadAll(resp.Body)
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

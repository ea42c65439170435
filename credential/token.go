package credential

import (
	"context"
	"strings"
)

// Grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Token is an access token returned by an authorization-code or
// refresh-token exchange. ExpiresIn is measured from the moment of issue.
type Token struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"-"`
}

// Authorization returns the value for an Authorization header.
func (t *Token) Authorization() string {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}

// Shortcode is a pending out-of-band authorization challenge. Code is shown
// to the operator; Handle is the opaque key used to poll for completion.
type Shortcode struct {
	Code      string `json:"code"`
	Handle    string `json:"handle"`
	ExpiresIn int    `json:"expires_in"`
}

// ShortcodeRequest asks the server for a new Shortcode.
type ShortcodeRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Scope        string `json:"scope"`
}

// TokenRequest is the body of a token exchange.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Exchanger is the REST collaborator a Session authenticates through.
type Exchanger interface {
	RequestShortcode(ctx context.Context, req ShortcodeRequest) (*Shortcode, error)
	// CheckShortcode returns the authorization code once the operator has
	// approved the challenge, or "" while it is still pending.
	CheckShortcode(ctx context.Context, handle string) (string, error)
	ExchangeToken(ctx context.Context, req TokenRequest) (*Token, error)
}

// staticToken builds a Token from a preconfigured value, accepting an
// optional "oauth:" prefix.
func staticToken(value string) *Token {
	return &Token{
		AccessToken: strings.TrimPrefix(strings.TrimSpace(value), "oauth:"),
		TokenType:   "Bearer",
	}
}

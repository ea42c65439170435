package mixer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mixerkit/mixer-go-sdk/chat"
	"github.com/mixerkit/mixer-go-sdk/credential"
)

// Config holds connection parameters for Connect.
type Config struct {
	ClientID     string
	ClientSecret string   // optional
	Scope        []string // e.g. chat:connect, chat:chat
	StaticToken  string   // bypasses the OAuth flow; "oauth:" prefix optional

	BaseURL     string // REST root, defaults to DefaultBaseURL
	TokenFile   string // refresh token record; defaults to credential.DefaultPath
	SkipPersist bool

	// Prompt receives shortcode progress. Defaults to log lines.
	Prompt func(credential.Prompt)

	HTTPClient *http.Client
	Dialer     chat.Dialer
	Logger     *zap.Logger
}

// Client owns an authenticated REST client and the chat rooms joined
// through it.
type Client struct {
	api     *API
	session *credential.Session
	chats   *chat.Manager
	logger  *zap.Logger
}

// Connect authenticates and returns a Client ready to join rooms.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	api, err := NewAPI(APIConfig{
		BaseURL:    cfg.BaseURL,
		ClientID:   cfg.ClientID,
		HTTPClient: cfg.HTTPClient,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	var store *credential.Store
	if cfg.StaticToken == "" {
		path := cfg.TokenFile
		if path == "" {
			if path, err = credential.DefaultPath(); err != nil {
				return nil, fmt.Errorf("token file: %w", err)
			}
		}
		store = credential.NewStore(path)
	}

	session, err := credential.NewSession(api, credential.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
		StaticToken:  cfg.StaticToken,
		Store:        store,
		SkipPersist:  cfg.SkipPersist,
		Prompt:       cfg.Prompt,
		OnToken:      api.SetToken,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if _, err := session.Authenticate(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	return &Client{
		api:     api,
		session: session,
		chats: chat.NewManager(chat.ManagerConfig{
			Dialer: cfg.Dialer,
			Users:  api,
			Logger: cfg.Logger,
		}),
		logger: cfg.Logger,
	}, nil
}

// API returns the REST client.
func (c *Client) API() *API { return c.api }

// Session returns the credential session.
func (c *Client) Session() *credential.Session { return c.session }

// Chats returns the room manager.
func (c *Client) Chats() *chat.Manager { return c.chats }

// JoinChannel fetches connection info for ch and joins it.
func (c *Client) JoinChannel(ctx context.Context, ch chat.Channel) (*chat.Transport, error) {
	info, err := c.api.ChatInfo(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("chat info for channel %d: %w", ch.ID, err)
	}
	return c.chats.Join(ctx, ch, *info)
}

// JoinCurrentChannel joins the channel owned by the authenticated user.
func (c *Client) JoinCurrentChannel(ctx context.Context) (*chat.Transport, *User, error) {
	user, err := c.api.CurrentUser(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("current user: %w", err)
	}
	tr, err := c.JoinChannel(ctx, user.Channel)
	if err != nil {
		return nil, user, err
	}
	return tr, user, nil
}

// Chatters lists the users in a joined or unjoined room.
func (c *Client) Chatters(ctx context.Context, channelID uint64, limit int) ([]Chatter, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {fmt.Sprint(limit)}}
	}
	return c.api.ChatChatters(ctx, channelID, q)
}

// Close leaves every room and stops token refresh.
func (c *Client) Close() error {
	return errors.Join(c.chats.Close(), c.session.Close())
}

// Package mixer is a client SDK for the Mixer chat service.
//
// API wraps the REST endpoints the chat engine depends on. Client ties it
// together with a credential.Session and a chat.Manager:
//
//	c, err := mixer.Connect(ctx, mixer.Config{
//	    ClientID: "...",
//	    Scope:    []string{"chat:connect", "chat:chat"},
//	})
//	if err != nil { ... }
//	defer c.Close()
//
//	tr, user, err := c.JoinCurrentChannel(ctx)
//	tr.Msg(ctx, "Hello World!")
package mixer

import (
	"encoding/json"
	"fmt"

	"github.com/mixerkit/mixer-go-sdk/chat"
)

// User is the account behind an access token.
type User struct {
	ID       uint64       `json:"id"`
	Username string       `json:"username"`
	Level    int          `json:"level,omitempty"`
	Verified bool         `json:"verified,omitempty"`
	Channel  chat.Channel `json:"channel"`
}

// Chatter is one user connected to a room.
type Chatter struct {
	UserID    uint64   `json:"userId"`
	UserName  string   `json:"userName"`
	UserRoles []string `json:"userRoles"`
}

type shortcodeCheck struct {
	Code string `json:"code"`
}

// APIError is a non-2xx REST response. Body is kept verbatim; it is usually
// JSON but may be plain text.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mixer: %s %s returned %d: %s", e.Method, e.Path, e.Status, string(e.Body))
}

// Decode unmarshals the error body into dest.
func (e *APIError) Decode(dest any) error {
	return json.Unmarshal(e.Body, dest)
}

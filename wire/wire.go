// Package wire defines the JSON packet types for the chat socket protocol.
// Every packet is a single JSON object; Type selects which fields apply.
package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Packet types.
const (
	TypeMethod = "method"
	TypeReply  = "reply"
	TypeEvent  = "event"
)

// Method is an outbound call (client -> server). The server answers with a
// reply carrying the same ID.
type Method struct {
	Type      string `json:"type"`
	Method    string `json:"method"`
	Arguments []any  `json:"arguments"`
	ID        uint64 `json:"id"`
}

// NewMethod builds a method packet. Arguments are never encoded as null.
func NewMethod(id uint64, method string, args ...any) Method {
	if args == nil {
		args = []any{}
	}
	return Method{Type: TypeMethod, Method: method, Arguments: args, ID: id}
}

// Envelope is an inbound packet (server -> client), either a reply or an
// event.
type Envelope struct {
	Type  string          `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// HasError reports whether a reply carries a non-null error payload. The
// server sends "error": null on success.
func (e *Envelope) HasError() bool {
	trimmed := bytes.TrimSpace(e.Error)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// AuthResult is the data of the reply to the "auth" method.
type AuthResult struct {
	Authenticated bool     `json:"authenticated"`
	Roles         []string `json:"roles"`
}

// MessageFragment is one piece of a chat message (text, emoticon, link, tag).
type MessageFragment struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Text string `json:"text"`
}

// MessageBody holds the fragments of a chat message plus free-form metadata.
type MessageBody struct {
	Message []MessageFragment `json:"message"`
	Meta    json.RawMessage   `json:"meta,omitempty"`
}

// ChatMessage is the data of a ChatMessage event.
type ChatMessage struct {
	Channel   uint64      `json:"channel"`
	ID        string      `json:"id"`
	UserName  string      `json:"user_name"`
	UserID    uint64      `json:"user_id"`
	UserRoles []string    `json:"user_roles"`
	UserLevel int         `json:"user_level"`
	Message   MessageBody `json:"message"`
	Target    string      `json:"target,omitempty"`
}

// Text joins the text of every fragment in order.
func (m *ChatMessage) Text() string {
	var b strings.Builder
	for _, f := range m.Message.Message {
		b.WriteString(f.Text)
	}
	return b.String()
}

// UserEvent is the data of UserJoin, UserLeave and UserUpdate events.
type UserEvent struct {
	OriginatingChannel uint64   `json:"originatingChannel"`
	Username           string   `json:"username"`
	Roles              []string `json:"roles"`
	ID                 uint64   `json:"id"`
}

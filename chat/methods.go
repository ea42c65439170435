package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mixerkit/mixer-go-sdk/wire"
)

// Methods understood by the chat server.
const (
	MethodAuth          = "auth"
	MethodMsg           = "msg"
	MethodWhisper       = "whisper"
	MethodVoteChoose    = "vote:choose"
	MethodVoteStart     = "vote:start"
	MethodTimeout       = "timeout"
	MethodPurge         = "purge"
	MethodDeleteMessage = "deleteMessage"
	MethodClearMessages = "clearMessages"
	MethodHistory       = "history"
	MethodGiveawayStart = "giveaway:start"
	MethodPing          = "ping"
	MethodAttachEmotes  = "attachEmotes"
	MethodCancelSkill   = "chat:cancel_skill"
	MethodOptOutEvents  = "optOutEvents"
)

// Events sent by the chat server.
const (
	EventWelcome                = "WelcomeEvent"
	EventChatMessage            = "ChatMessage"
	EventUserJoin               = "UserJoin"
	EventUserLeave              = "UserLeave"
	EventPollStart              = "PollStart"
	EventPollEnd                = "PollEnd"
	EventDeleteMessage          = "DeleteMessage"
	EventPurgeMessage           = "PurgeMessage"
	EventClearMessages          = "ClearMessage"
	EventUserUpdate             = "UserUpdate"
	EventUserTimeout            = "UserTimeout"
	EventSkillAttribution       = "SkillAttribution"
	EventDeleteSkillAttribution = "DeleteSkillAttribution"
)

// Msg sends a chat message and returns it as the server recorded it.
func (t *Transport) Msg(ctx context.Context, text string) (*wire.ChatMessage, error) {
	var msg wire.ChatMessage
	if err := t.callInto(ctx, &msg, MethodMsg, text); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Whisper sends a private message to one user.
func (t *Transport) Whisper(ctx context.Context, user, text string) (*wire.ChatMessage, error) {
	var msg wire.ChatMessage
	if err := t.callInto(ctx, &msg, MethodWhisper, user, text); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Timeout silences user for duration, e.g. "5m".
func (t *Transport) Timeout(ctx context.Context, user, duration string) error {
	return t.callInto(ctx, nil, MethodTimeout, user, duration)
}

// Purge removes every message sent by user.
func (t *Transport) Purge(ctx context.Context, user string) error {
	return t.callInto(ctx, nil, MethodPurge, user)
}

// DeleteMessage removes one message by id.
func (t *Transport) DeleteMessage(ctx context.Context, id string) error {
	return t.callInto(ctx, nil, MethodDeleteMessage, id)
}

// ClearMessages removes every message in the room.
func (t *Transport) ClearMessages(ctx context.Context) error {
	return t.callInto(ctx, nil, MethodClearMessages)
}

// History returns up to n recent messages.
func (t *Transport) History(ctx context.Context, n int) ([]wire.ChatMessage, error) {
	var msgs []wire.ChatMessage
	if err := t.callInto(ctx, &msgs, MethodHistory, n); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Ping checks the connection is alive.
func (t *Transport) Ping(ctx context.Context) error {
	return t.callInto(ctx, nil, MethodPing)
}

// VoteStart opens a poll lasting seconds.
func (t *Transport) VoteStart(ctx context.Context, question string, answers []string, seconds int) error {
	return t.callInto(ctx, nil, MethodVoteStart, question, answers, seconds)
}

// VoteChoose casts a vote for the option at index.
func (t *Transport) VoteChoose(ctx context.Context, index int) error {
	return t.callInto(ctx, nil, MethodVoteChoose, index)
}

// GiveawayStart starts a giveaway in the room.
func (t *Transport) GiveawayStart(ctx context.Context) error {
	return t.callInto(ctx, nil, MethodGiveawayStart)
}

// AttachEmotes asks the server to attach emote metadata to messages.
func (t *Transport) AttachEmotes(ctx context.Context) error {
	return t.callInto(ctx, nil, MethodAttachEmotes)
}

// CancelSkill cancels a pending skill by id.
func (t *Transport) CancelSkill(ctx context.Context, skillID string) error {
	return t.callInto(ctx, nil, MethodCancelSkill, skillID)
}

// OptOutEvents stops the server from sending the named events.
func (t *Transport) OptOutEvents(ctx context.Context, events ...string) error {
	args := make([]any, len(events))
	for i, e := range events {
		args[i] = e
	}
	return t.callInto(ctx, nil, MethodOptOutEvents, args...)
}

func (t *Transport) callInto(ctx context.Context, dest any, method string, args ...any) error {
	data, err := t.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if dest == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

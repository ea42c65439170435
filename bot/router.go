// Package bot routes chat traffic to command, message and event handlers.
//
// A Router holds handler tables and attaches them to every room it joins.
// Chat messages whose text starts with the prefix are split on whitespace
// and the first word, prefix stripped, selects a command handler. Message,
// event and catch-all handlers fire independently of command routing.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mixerkit/mixer-go-sdk/chat"
	"github.com/mixerkit/mixer-go-sdk/wire"
)

// DefaultPrefix marks a chat message as a command.
const DefaultPrefix = "!"

var (
	ErrNilHandler   = errors.New("bot: handler must not be nil")
	ErrEmptyCommand = errors.New("bot: command name must not be empty")
	ErrEmptyEvent   = errors.New("bot: event name must not be empty")
)

// CommandHandler handles one command. args excludes the command word.
type CommandHandler func(t *chat.Transport, data json.RawMessage, args []string)

// MessageHandler sees every chat message.
type MessageHandler func(t *chat.Transport, data json.RawMessage)

// EventHandler sees every event it was registered for.
type EventHandler func(t *chat.Transport, data json.RawMessage)

// AnyEventHandler sees every event.
type AnyEventHandler func(t *chat.Transport, event string, data json.RawMessage)

// Joiner opens an authenticated transport for a room. *chat.Manager
// implements it.
type Joiner interface {
	Join(ctx context.Context, ch chat.Channel, info chat.ConnectionInfo) (*chat.Transport, error)
}

// Config configures a Router.
type Config struct {
	Prefix string
	Logger *zap.Logger
}

// Router dispatches chat traffic for every room it is attached to.
// Handlers registered after a room was joined apply to it as well.
type Router struct {
	joiner Joiner
	logger *zap.Logger

	mu       sync.RWMutex
	prefix   string
	commands map[string]CommandHandler
	messages []MessageHandler
	events   map[string][]EventHandler
	anys     []AnyEventHandler
}

// NewRouter returns a Router that joins rooms through joiner.
func NewRouter(joiner Joiner, cfg Config) *Router {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{
		joiner:   joiner,
		logger:   cfg.Logger.Named("bot"),
		prefix:   cfg.Prefix,
		commands: make(map[string]CommandHandler),
		events:   make(map[string][]EventHandler),
	}
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix
}

// SetPrefix changes the command prefix. An empty prefix restores the default.
func (r *Router) SetPrefix(prefix string) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	r.mu.Lock()
	r.prefix = prefix
	r.mu.Unlock()
}

// AddCommandHandler binds h to name and every alias. Matching is exact and
// case-sensitive; a later binding for the same name replaces the earlier one.
func (r *Router) AddCommandHandler(name string, h CommandHandler, aliases ...string) error {
	if h == nil {
		return ErrNilHandler
	}
	names := append([]string{name}, aliases...)
	if slices.Contains(names, "") {
		return ErrEmptyCommand
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.commands[n] = h
	}
	return nil
}

// AddMessageHandler adds h for every chat message, command or not.
func (r *Router) AddMessageHandler(h MessageHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	r.messages = append(r.messages, h)
	r.mu.Unlock()
	return nil
}

// AddEventHandler adds h for event and every extra event name.
func (r *Router) AddEventHandler(event string, h EventHandler, more ...string) error {
	if h == nil {
		return ErrNilHandler
	}
	names := append([]string{event}, more...)
	if slices.Contains(names, "") {
		return ErrEmptyEvent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.events[n] = append(r.events[n], h)
	}
	return nil
}

// AddAnyEventHandler adds h for every event.
func (r *Router) AddAnyEventHandler(h AnyEventHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	r.anys = append(r.anys, h)
	r.mu.Unlock()
	return nil
}

// Join joins a room and attaches the router to it.
func (r *Router) Join(ctx context.Context, ch chat.Channel, info chat.ConnectionInfo) (*chat.Transport, error) {
	t, err := r.joiner.Join(ctx, ch, info)
	if err != nil {
		return nil, err
	}
	if _, err := r.Attach(t); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Attach subscribes the router to t and returns a function that removes the
// subscriptions again.
func (r *Router) Attach(t *chat.Transport) (detach func(), err error) {
	var subs []chat.Subscription
	detach = func() {
		for _, s := range subs {
			t.DeleteEventHandler(s)
		}
	}

	sub, err := t.AddAnyEventHandler(func(event string, data json.RawMessage) {
		r.dispatchAny(t, event, data)
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = t.AddAnyEventHandler(func(event string, data json.RawMessage) {
		r.dispatchEvent(t, event, data)
	})
	if err != nil {
		detach()
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = t.AddMessageHandler(func(data json.RawMessage) {
		r.dispatchMessage(t, data)
	})
	if err != nil {
		detach()
		return nil, err
	}
	subs = append(subs, sub)

	r.logger.Debug("router attached", zap.String("transport", t.ID().String()))
	return detach, nil
}

func (r *Router) dispatchAny(t *chat.Transport, event string, data json.RawMessage) {
	r.mu.RLock()
	anys := slices.Clone(r.anys)
	r.mu.RUnlock()
	for _, h := range anys {
		r.invoke(event, func() { h(t, event, data) })
	}
}

func (r *Router) dispatchEvent(t *chat.Transport, event string, data json.RawMessage) {
	r.mu.RLock()
	handlers := slices.Clone(r.events[event])
	r.mu.RUnlock()
	for _, h := range handlers {
		r.invoke(event, func() { h(t, data) })
	}
}

func (r *Router) dispatchMessage(t *chat.Transport, data json.RawMessage) {
	r.mu.RLock()
	prefix := r.prefix
	messages := slices.Clone(r.messages)
	r.mu.RUnlock()

	var msg wire.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debug("undecodable chat message", zap.Error(err))
	} else if name, args, ok := ParseCommand(prefix, msg.Text()); ok {
		r.mu.RLock()
		h := r.commands[name]
		r.mu.RUnlock()
		if h != nil {
			r.logger.Debug("command",
				zap.String("command", name),
				zap.String("user", msg.UserName),
				zap.Strings("args", args))
			r.invoke(chat.EventChatMessage, func() { h(t, data, args) })
		}
	}

	for _, h := range messages {
		r.invoke(chat.EventChatMessage, func() { h(t, data) })
	}
}

func (r *Router) invoke(event string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("bot handler panicked", zap.String("event", event), zap.Any("panic", v))
		}
	}()
	fn()
}

// ParseCommand splits text into a command name and arguments when it starts
// with prefix. "!roll 2 d6" with prefix "!" yields "roll", ["2", "d6"].
func ParseCommand(prefix, text string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.TrimPrefix(fields[0], prefix), fields[1:], true
}

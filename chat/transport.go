// Package chat implements the client side of the chat socket protocol.
//
// A Transport multiplexes one socket: outbound method calls are correlated
// with their replies by id, and unsolicited events fan out to subscribers.
// Handlers run on a single goroutine per transport, so they may issue calls
// on the same transport.
// A Manager opens and authenticates one Transport per room.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mixerkit/mixer-go-sdk/wire"
)

// NamespaceSeparator joins a namespace and a member into one method name.
const NamespaceSeparator = ":"

var (
	ErrClosed         = errors.New("chat: transport closed")
	ErrNilHandler     = errors.New("chat: handler must not be nil")
	ErrEmptyEvent     = errors.New("chat: event name must not be empty")
	ErrEmptyMethod    = errors.New("chat: method name must not be empty")
	ErrAuthInProgress = errors.New("chat: auth already issued on this connection")
)

// ReplyError is a reply that carried an error payload. Payload is the
// remote error verbatim.
type ReplyError struct {
	Method  string
	ID      uint64
	Payload json.RawMessage
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("chat: %s (id %d) failed: %s", e.Method, e.ID, string(e.Payload))
}

// EventHandler receives the data of one named event.
type EventHandler func(data json.RawMessage)

// AnyEventHandler receives every event with its name.
type AnyEventHandler func(event string, data json.RawMessage)

// Subscription identifies a registered handler. The zero value never
// identifies a handler.
type Subscription uint64

// Options configures a Transport.
type Options struct {
	Logger *zap.Logger
	// IDSource yields correlation ids. Ids must not repeat while a call is
	// outstanding. Defaults to a counter starting at zero.
	IDSource   func() uint64
	SendBuffer int
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingCall struct {
	method string
	ch     chan result
}

type namedHandler struct {
	sub Subscription
	fn  EventHandler
}

type anyHandler struct {
	sub Subscription
	fn  AnyEventHandler
}

// Transport is one socket connection to one chat endpoint.
type Transport struct {
	id       uuid.UUID
	endpoint string
	conn     Conn
	logger   *zap.Logger
	nextID   func() uint64

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	closed  bool
	pending map[uint64]*pendingCall
	named   map[string][]namedHandler
	any     []anyHandler
	nextSub Subscription

	evMu     sync.Mutex
	evQueue  []*wire.Envelope
	evSignal chan struct{}

	authIssued atomic.Bool
}

// Dial opens a socket to endpoint and starts a Transport on it.
func Dial(ctx context.Context, dialer Dialer, endpoint string, opts Options) (*Transport, error) {
	conn, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return NewTransport(endpoint, conn, opts), nil
}

// NewTransport starts the read and write loops on an open connection.
func NewTransport(endpoint string, conn Conn, opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IDSource == nil {
		var counter atomic.Uint64
		opts.IDSource = func() uint64 { return counter.Add(1) - 1 }
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	id := uuid.New()
	t := &Transport{
		id:       id,
		endpoint: endpoint,
		conn:     conn,
		logger:   opts.Logger.Named("chat").With(zap.String("transport", id.String())),
		nextID:   opts.IDSource,
		sendCh:   make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		pending:  make(map[uint64]*pendingCall),
		named:    make(map[string][]namedHandler),
		evSignal: make(chan struct{}, 1),
	}

	var g errgroup.Group
	g.Go(t.readLoop)
	g.Go(t.writeLoop)
	g.Go(t.eventLoop)
	go func() {
		if err := g.Wait(); err != nil {
			t.logger.Debug("transport loops exited", zap.Error(err))
		}
	}()

	t.logger.Info("connected to chat", zap.String("endpoint", endpoint))
	return t
}

// ID identifies the transport in logs.
func (t *Transport) ID() uuid.UUID { return t.id }

// Endpoint returns the socket URL the transport is connected to.
func (t *Transport) Endpoint() string { return t.endpoint }

// Done is closed once the transport has shut down.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns why the transport shut down, or nil while it is open.
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.closeErr
	default:
		return nil
	}
}

// Close shuts the connection down. Outstanding calls fail with ErrClosed.
func (t *Transport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}

// Call sends a method call and waits for the reply with the same id. A reply
// carrying an error fails with *ReplyError. The transport imposes no timeout;
// bound the wait with ctx.
func (t *Transport) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if method == "" {
		return nil, ErrEmptyMethod
	}

	id := t.nextID()
	call := &pendingCall{method: method, ch: make(chan result, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, t.closeErr
	}
	if _, dup := t.pending[id]; dup {
		t.mu.Unlock()
		return nil, fmt.Errorf("chat: correlation id %d already outstanding", id)
	}
	t.pending[id] = call
	t.mu.Unlock()

	data, err := json.Marshal(wire.NewMethod(id, method, args...))
	if err != nil {
		t.forget(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	select {
	case t.sendCh <- data:
	case <-t.done:
		t.forget(id)
		return nil, t.closeErr
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	}

	select {
	case r := <-call.ch:
		return r.data, r.err
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	}
}

// MethodFunc issues one fixed method.
type MethodFunc func(ctx context.Context, args ...any) (json.RawMessage, error)

// Method returns a function that calls name.
func (t *Transport) Method(name string) MethodFunc {
	return func(ctx context.Context, args ...any) (json.RawMessage, error) {
		return t.Call(ctx, name, args...)
	}
}

// Namespace groups methods sharing a prefix, e.g. "vote" for "vote:start".
type Namespace struct {
	t    *Transport
	name string
}

// Namespace returns the method group called name.
func (t *Transport) Namespace(name string) Namespace {
	return Namespace{t: t, name: name}
}

// Call invokes name:member.
func (n Namespace) Call(ctx context.Context, member string, args ...any) (json.RawMessage, error) {
	return n.t.Call(ctx, n.name+NamespaceSeparator+member, args...)
}

// Method returns a function that calls name:member.
func (n Namespace) Method(member string) MethodFunc {
	return n.t.Method(n.name + NamespaceSeparator + member)
}

// AddEventHandler subscribes fn to events called event. Handlers for one
// event run in registration order.
func (t *Transport) AddEventHandler(event string, fn EventHandler) (Subscription, error) {
	if event == "" {
		return 0, ErrEmptyEvent
	}
	if fn == nil {
		return 0, ErrNilHandler
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	t.named[event] = append(t.named[event], namedHandler{sub: t.nextSub, fn: fn})
	return t.nextSub, nil
}

// AddAnyEventHandler subscribes fn to every event. Catch-all handlers run
// before named handlers.
func (t *Transport) AddAnyEventHandler(fn AnyEventHandler) (Subscription, error) {
	if fn == nil {
		return 0, ErrNilHandler
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	t.any = append(t.any, anyHandler{sub: t.nextSub, fn: fn})
	return t.nextSub, nil
}

// DeleteEventHandler removes a subscription of either kind. Removing an
// unknown subscription is a no-op.
func (t *Transport) DeleteEventHandler(sub Subscription) {
	if sub == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.any = slices.DeleteFunc(t.any, func(h anyHandler) bool { return h.sub == sub })
	for event, handlers := range t.named {
		handlers = slices.DeleteFunc(handlers, func(h namedHandler) bool { return h.sub == sub })
		if len(handlers) == 0 {
			delete(t.named, event)
		} else {
			t.named[event] = handlers
		}
	}
}

// AddMessageHandler subscribes fn to chat messages.
func (t *Transport) AddMessageHandler(fn EventHandler) (Subscription, error) {
	return t.AddEventHandler(EventChatMessage, fn)
}

// DeleteMessageHandler removes a chat message subscription.
func (t *Transport) DeleteMessageHandler(sub Subscription) {
	t.DeleteEventHandler(sub)
}

// Auth authenticates the connection against a room. A zero userID joins
// anonymously. Auth may be issued once per connection.
func (t *Transport) Auth(ctx context.Context, channelID, userID uint64, authKey string) (*wire.AuthResult, error) {
	if !t.authIssued.CompareAndSwap(false, true) {
		return nil, ErrAuthInProgress
	}
	args := []any{channelID}
	if userID != 0 {
		args = append(args, userID)
		if authKey != "" {
			args = append(args, authKey)
		}
	}
	data, err := t.Call(ctx, MethodAuth, args...)
	if err != nil {
		return nil, err
	}
	var res wire.AuthResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode auth reply: %w", err)
	}
	if userID != 0 && authKey != "" && !res.Authenticated {
		return &res, errors.New("chat: auth rejected")
	}
	return &res, nil
}

// --- Internal ---

func (t *Transport) forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.closeErr = cause
		pending := t.pending
		t.pending = make(map[uint64]*pendingCall)
		t.mu.Unlock()

		close(t.done)
		for _, call := range pending {
			call.ch <- result{err: cause}
		}
		if err := t.conn.Close(); err != nil {
			t.logger.Debug("close socket", zap.Error(err))
		}
		t.logger.Info("chat transport closed", zap.Error(cause), zap.Int("failed_calls", len(pending)))
	})
}

func (t *Transport) readLoop() error {
	for {
		data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
			}
			t.logger.Warn("read error, disconnecting", zap.Error(err))
			t.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return err
		}
		t.dispatch(data)
	}
}

func (t *Transport) writeLoop() error {
	for {
		select {
		case data := <-t.sendCh:
			if err := t.conn.WriteMessage(data); err != nil {
				t.logger.Warn("write error", zap.Error(err))
				t.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return err
			}
		case <-t.done:
			return nil
		}
	}
}

func (t *Transport) dispatch(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Debug("dropping malformed packet", zap.Error(err))
		return
	}
	switch env.Type {
	case wire.TypeReply:
		t.handleReply(&env)
	case wire.TypeEvent:
		t.enqueueEvent(&env)
	default:
		t.logger.Debug("ignoring packet", zap.String("type", env.Type))
	}
}

func (t *Transport) handleReply(env *wire.Envelope) {
	t.mu.Lock()
	call, ok := t.pending[env.ID]
	if ok {
		delete(t.pending, env.ID)
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("reply for unknown call", zap.Uint64("id", env.ID))
		return
	}
	if env.HasError() {
		call.ch <- result{err: &ReplyError{Method: call.method, ID: env.ID, Payload: env.Error}}
		return
	}
	call.ch <- result{data: env.Data}
}

// enqueueEvent hands an event to eventLoop. The queue is unbounded so the
// read loop never blocks behind a handler that is waiting on a reply.
func (t *Transport) enqueueEvent(env *wire.Envelope) {
	t.evMu.Lock()
	t.evQueue = append(t.evQueue, env)
	t.evMu.Unlock()
	select {
	case t.evSignal <- struct{}{}:
	default:
	}
}

// eventLoop runs handlers one event at a time, in arrival order.
func (t *Transport) eventLoop() error {
	for {
		select {
		case <-t.evSignal:
		case <-t.done:
			return nil
		}
		for {
			t.evMu.Lock()
			if len(t.evQueue) == 0 {
				t.evMu.Unlock()
				break
			}
			env := t.evQueue[0]
			t.evQueue[0] = nil
			t.evQueue = t.evQueue[1:]
			t.evMu.Unlock()
			t.handleEvent(env)
		}
	}
}

func (t *Transport) handleEvent(env *wire.Envelope) {
	t.mu.Lock()
	anys := slices.Clone(t.any)
	named := slices.Clone(t.named[env.Event])
	t.mu.Unlock()

	for _, h := range anys {
		t.invoke(env.Event, func() { h.fn(env.Event, env.Data) })
	}
	for _, h := range named {
		t.invoke(env.Event, func() { h.fn(env.Data) })
	}
}

func (t *Transport) invoke(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

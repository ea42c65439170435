package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Channel identifies a room by internal id and public token (display name).
type Channel struct {
	ID    uint64 `json:"id"`
	Token string `json:"token"`
}

// ConnectionInfo is the per-room connection metadata returned by the REST
// API. AuthKey is empty for anonymous joins.
type ConnectionInfo struct {
	AuthKey     string   `json:"authkey"`
	Endpoints   []string `json:"endpoints"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	IsLoadShed  bool     `json:"isLoadShed,omitempty"`
}

// Room pairs a Channel with its ConnectionInfo.
type Room struct {
	Channel Channel
	Info    ConnectionInfo
}

// UserSource resolves the user a Manager authenticates as.
type UserSource interface {
	CurrentUserID(ctx context.Context) (uint64, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Dialer defaults to WSDialer.
	Dialer Dialer
	// Users resolves the joining user. Nil joins anonymously.
	Users     UserSource
	Logger    *zap.Logger
	Transport Options
}

// Manager opens one authenticated Transport per room and indexes it by both
// the room id and the room token.
type Manager struct {
	dialer Dialer
	users  UserSource
	logger *zap.Logger
	opts   Options

	mu    sync.RWMutex
	rooms map[string]*Transport

	// byTransport maps each registered transport id to the room keys it
	// serves.
	byTransport map[uuid.UUID]*roomKeys
}

type roomKeys struct {
	t    *Transport
	keys []string
}

// NewManager returns an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = cfg.Logger
	}
	return &Manager{
		dialer:      cfg.Dialer,
		users:       cfg.Users,
		logger:      cfg.Logger.Named("chat-manager"),
		opts:        cfg.Transport,
		rooms:       make(map[string]*Transport),
		byTransport: make(map[uuid.UUID]*roomKeys),
	}
}

// Join connects to the room's first reachable endpoint, authenticates, and
// registers the transport under the room id and token.
func (m *Manager) Join(ctx context.Context, ch Channel, info ConnectionInfo) (*Transport, error) {
	if len(info.Endpoints) == 0 {
		return nil, fmt.Errorf("chat: no endpoints for channel %d", ch.ID)
	}

	var userID uint64
	if m.users != nil {
		id, err := m.users.CurrentUserID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve current user: %w", err)
		}
		userID = id
	}

	t, err := m.open(ctx, info.Endpoints)
	if err != nil {
		return nil, err
	}

	res, err := t.Auth(ctx, ch.ID, userID, info.AuthKey)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("auth channel %d: %w", ch.ID, err)
	}

	m.register(ch, t)
	m.logger.Info("joined channel",
		zap.Uint64("channel_id", ch.ID),
		zap.String("channel", ch.Token),
		zap.Bool("authenticated", res.Authenticated),
		zap.Strings("roles", res.Roles))
	return t, nil
}

// JoinAll joins every room concurrently. Transports are returned in room
// order; on any failure the rooms joined so far stay open.
func (m *Manager) JoinAll(ctx context.Context, rooms []Room) ([]*Transport, error) {
	out := make([]*Transport, len(rooms))
	g, gctx := errgroup.WithContext(ctx)
	for i, room := range rooms {
		g.Go(func() error {
			t, err := m.Join(gctx, room.Channel, room.Info)
			if err != nil {
				return err
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Get returns the transport for a room id (decimal) or token.
func (m *Manager) Get(key string) (*Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.rooms[key]
	return t, ok
}

// GetByID returns the transport for a room id.
func (m *Manager) GetByID(id uint64) (*Transport, bool) {
	return m.Get(strconv.FormatUint(id, 10))
}

// Leave closes and forgets the transport for key.
func (m *Manager) Leave(key string) error {
	m.mu.Lock()
	t, ok := m.rooms[key]
	if ok {
		m.unregisterLocked(t)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Close()
}

// Close closes every transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	registered := m.byTransport
	m.rooms = make(map[string]*Transport)
	m.byTransport = make(map[uuid.UUID]*roomKeys)
	m.mu.Unlock()

	var errs []error
	for _, j := range registered {
		if err := j.t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) open(ctx context.Context, endpoints []string) (*Transport, error) {
	var errs []error
	for _, endpoint := range endpoints {
		t, err := Dial(ctx, m.dialer, endpoint, m.opts)
		if err == nil {
			return t, nil
		}
		m.logger.Warn("endpoint unreachable", zap.String("endpoint", endpoint), zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("chat: no endpoint reachable: %w", errors.Join(errs...))
}

func (m *Manager) register(ch Channel, t *Transport) {
	keys := []string{strconv.FormatUint(ch.ID, 10)}
	if ch.Token != "" {
		keys = append(keys, ch.Token)
	}

	m.mu.Lock()
	var replaced []*Transport
	for _, key := range keys {
		if old, ok := m.rooms[key]; ok && old != t {
			replaced = append(replaced, old)
			m.unregisterLocked(old)
		}
	}
	for _, key := range keys {
		m.rooms[key] = t
	}
	m.byTransport[t.ID()] = &roomKeys{t: t, keys: keys}
	m.mu.Unlock()

	for _, old := range replaced {
		old.Close()
	}

	go func() {
		<-t.Done()
		m.mu.Lock()
		m.unregisterLocked(t)
		m.mu.Unlock()
	}()
}

func (m *Manager) unregisterLocked(t *Transport) {
	j, ok := m.byTransport[t.ID()]
	if !ok {
		return
	}
	delete(m.byTransport, t.ID())
	for _, key := range j.keys {
		if m.rooms[key] == t {
			delete(m.rooms, key)
		}
	}
}

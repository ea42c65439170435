package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRefreshMargin   = 300 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultVerificationURL = "https://mixer.com/go"
)

var (
	ErrShortcodeExpired = errors.New("credential: shortcode expired before it was authorized")
	ErrNoRefreshToken   = errors.New("credential: no refresh token")
	ErrSessionClosed    = errors.New("credential: session closed")
)

// Config holds Session parameters.
type Config struct {
	ClientID     string
	ClientSecret string   // optional
	Scope        []string // requested scope set

	// StaticToken, when set, is used as the access token as-is and no
	// authentication or refresh is performed. An "oauth:" prefix is stripped.
	StaticToken string

	// Store persists the refresh token between runs. Nil disables both reuse
	// and persistence.
	Store *Store
	// SkipPersist keeps reading Store but never writes it.
	SkipPersist bool
	MaxAge      time.Duration

	RefreshMargin   time.Duration
	PollInterval    time.Duration
	VerificationURL string

	// Prompt receives operator-facing progress of the shortcode flow.
	// Defaults to Info log lines.
	Prompt func(Prompt)
	// OnToken is called after every successful exchange, e.g. to update the
	// Authorization header of a REST client.
	OnToken func(*Token)

	Logger *zap.Logger
	Clock  Clock
}

// Session owns an access token and its refresh schedule.
type Session struct {
	cfg       Config
	exchanger Exchanger
	logger    *zap.Logger
	clock     Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	token  *Token
	timer  Timer
	closed bool
}

// NewSession validates cfg and returns an unauthenticated Session.
func NewSession(exchanger Exchanger, cfg Config) (*Session, error) {
	if cfg.StaticToken == "" {
		if exchanger == nil {
			return nil, errors.New("credential: exchanger is required")
		}
		if cfg.ClientID == "" {
			return nil, errors.New("credential: client id is required")
		}
		if len(cfg.Scope) == 0 {
			return nil, errors.New("credential: scope is required")
		}
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.VerificationURL == "" {
		cfg.VerificationURL = DefaultVerificationURL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		exchanger: exchanger,
		logger:    cfg.Logger.Named("credential"),
		clock:     cfg.Clock,
		ctx:       ctx,
		cancel:    cancel,
	}
	if s.cfg.Prompt == nil {
		s.cfg.Prompt = s.logPrompt
	}
	return s, nil
}

// Token returns the current token, or nil before Authenticate succeeds.
func (s *Session) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Authenticate obtains a token. It tries a silent refresh from the persisted
// record first and falls back to the shortcode flow.
func (s *Session) Authenticate(ctx context.Context) (*Token, error) {
	if s.cfg.StaticToken != "" {
		tok := staticToken(s.cfg.StaticToken)
		s.install(tok, false)
		return tok, nil
	}

	if rec := s.usableRecord(); rec != nil {
		tok, err := s.exchangeRefresh(ctx, rec.RefreshToken)
		if err == nil {
			s.install(tok, true)
			s.schedule(tok)
			return tok, nil
		}
		s.logger.Warn("silent refresh failed, falling back to shortcode", zap.Error(err))
	}

	tok, err := s.shortcodeFlow(ctx)
	if err != nil {
		return nil, err
	}
	s.install(tok, true)
	s.schedule(tok)
	return tok, nil
}

// Refresh exchanges the current refresh token for a new token. On failure
// the previous token stays in place and the error is returned.
func (s *Session) Refresh(ctx context.Context) (*Token, error) {
	current := s.Token()
	if current == nil || current.RefreshToken == "" {
		s.logger.Warn("refresh skipped", zap.Error(ErrNoRefreshToken))
		return current, ErrNoRefreshToken
	}
	tok, err := s.exchangeRefresh(ctx, current.RefreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed", zap.Error(err))
		return current, err
	}
	s.install(tok, true)
	s.schedule(tok)
	return tok, nil
}

// Close cancels the refresh schedule and any shortcode poll in progress.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	return nil
}

// RefreshDelay returns how long after issue a token with the given lifetime
// should be refreshed. Tokens shorter than the margin refresh at half-life.
func RefreshDelay(expiresIn int, margin time.Duration) time.Duration {
	lifetime := time.Duration(expiresIn) * time.Second
	if delay := lifetime - margin; delay > 0 {
		return delay
	}
	return lifetime / 2
}

func (s *Session) usableRecord() *Record {
	if s.cfg.Store == nil {
		return nil
	}
	rec, err := s.cfg.Store.Load()
	if err != nil {
		s.logger.Debug("no persisted token", zap.String("path", s.cfg.Store.Path()), zap.Error(err))
		return nil
	}
	if !rec.Usable(s.cfg.Scope, s.clock.Now(), s.cfg.MaxAge) {
		s.logger.Info("persisted token not reusable",
			zap.Strings("stored_scope", rec.Scope),
			zap.Strings("requested_scope", s.cfg.Scope),
			zap.Time("issued_at", rec.IssuedAt()))
		return nil
	}
	return rec
}

func (s *Session) exchangeRefresh(ctx context.Context, refreshToken string) (*Token, error) {
	tok, err := s.exchanger.ExchangeToken(ctx, TokenRequest{
		GrantType:    GrantRefreshToken,
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (s *Session) install(tok *Token, persist bool) {
	if tok.Scope == nil {
		tok.Scope = s.cfg.Scope
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	if persist && s.cfg.Store != nil && !s.cfg.SkipPersist && tok.RefreshToken != "" {
		err := s.cfg.Store.Save(Record{
			RefreshToken: tok.RefreshToken,
			Timestamp:    s.clock.Now().UnixMilli(),
			Scope:        s.cfg.Scope,
		})
		if err != nil {
			s.logger.Warn("persist token failed", zap.String("path", s.cfg.Store.Path()), zap.Error(err))
		}
	}
	if s.cfg.OnToken != nil {
		s.cfg.OnToken(tok)
	}
}

func (s *Session) schedule(tok *Token) {
	if tok.ExpiresIn <= 0 {
		return
	}
	s.scheduleAfter(RefreshDelay(tok.ExpiresIn, s.cfg.RefreshMargin))
}

func (s *Session) scheduleAfter(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(delay, func() { s.scheduledRefresh(delay) })
	s.logger.Debug("refresh scheduled", zap.Duration("in", delay))
}

// scheduledRefresh runs from the refresh timer. Failures are logged by
// Refresh and retried on the same interval.
func (s *Session) scheduledRefresh(delay time.Duration) {
	if _, err := s.Refresh(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.scheduleAfter(delay)
	}
}

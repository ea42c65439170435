package credential

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Stage is a step of the shortcode flow reported to the operator.
type Stage int

const (
	StageRequested Stage = iota
	StageWaiting
	StageAuthorized
	StageExpired
)

func (s Stage) String() string {
	switch s {
	case StageRequested:
		return "requested"
	case StageWaiting:
		return "waiting"
	case StageAuthorized:
		return "authorized"
	case StageExpired:
		return "expired"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Prompt is operator-facing progress of the shortcode flow.
type Prompt struct {
	Stage     Stage
	Code      string
	URL       string
	Remaining time.Duration
}

func (s *Session) shortcodeFlow(ctx context.Context) (*Token, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	sc, err := s.exchanger.RequestShortcode(ctx, ShortcodeRequest{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Scope:        strings.Join(s.cfg.Scope, " "),
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("request shortcode: %w", err)
	}

	link := s.verificationURL(sc.Code)
	s.cfg.Prompt(Prompt{
		Stage:     StageRequested,
		Code:      sc.Code,
		URL:       link,
		Remaining: time.Duration(sc.ExpiresIn) * time.Second,
	})

	code, err := s.pollShortcode(ctx, sc, link)
	if err != nil {
		return nil, err
	}

	tok, err := s.exchanger.ExchangeToken(ctx, TokenRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Code:         code,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}
	return tok, nil
}

// pollShortcode checks the challenge every poll interval. Any failed check,
// whether a pending answer or a transport error, costs one interval of the
// challenge lifetime; the challenge expires once that reaches zero.
func (s *Session) pollShortcode(ctx context.Context, sc *Shortcode, link string) (string, error) {
	remaining := time.Duration(sc.ExpiresIn) * time.Second
	interval := s.cfg.PollInterval

	for {
		code, err := s.exchanger.CheckShortcode(ctx, sc.Handle)
		if err == nil && code != "" {
			s.cfg.Prompt(Prompt{Stage: StageAuthorized, Code: sc.Code, URL: link, Remaining: remaining})
			return code, nil
		}
		if err != nil {
			s.logger.Debug("shortcode check failed", zap.Error(err))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", s.interrupted(ctxErr)
		}

		remaining -= interval
		if remaining <= 0 {
			s.cfg.Prompt(Prompt{Stage: StageExpired, Code: sc.Code, URL: link})
			return "", ErrShortcodeExpired
		}
		s.cfg.Prompt(Prompt{Stage: StageWaiting, Code: sc.Code, URL: link, Remaining: remaining})

		select {
		case <-ctx.Done():
			return "", s.interrupted(ctx.Err())
		case <-s.clock.After(interval):
		}
	}
}

// interrupted maps a cancelled flow context to ErrSessionClosed when the
// cancellation came from Close.
func (s *Session) interrupted(err error) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return err
}

func (s *Session) verificationURL(code string) string {
	u, err := url.Parse(s.cfg.VerificationURL)
	if err != nil {
		return s.cfg.VerificationURL + "?code=" + url.QueryEscape(code)
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) logPrompt(p Prompt) {
	switch p.Stage {
	case StageRequested:
		s.logger.Info("authorization required, visit the link to continue",
			zap.String("url", p.URL), zap.String("code", p.Code))
	case StageWaiting:
		s.logger.Info("still waiting for authorization",
			zap.Int("seconds_left", int(p.Remaining.Seconds())))
	case StageAuthorized:
		s.logger.Info("shortcode authorized")
	case StageExpired:
		s.logger.Error("shortcode authorization failed", zap.Error(ErrShortcodeExpired))
	}
}

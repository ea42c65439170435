// Command mixerbot joins the authenticated user's chat, greets it, and
// answers !ping.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	mixer "github.com/mixerkit/mixer-go-sdk"
	"github.com/mixerkit/mixer-go-sdk/bot"
	"github.com/mixerkit/mixer-go-sdk/chat"
	"github.com/mixerkit/mixer-go-sdk/credential"
	"github.com/mixerkit/mixer-go-sdk/internal/config"
	"github.com/mixerkit/mixer-go-sdk/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("mixerbot", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.OAuth, "oauth", cfg.OAuth, "static access token (oauth:... ), skips the shortcode flow")
	flagSet.StringSliceVar(&cfg.Scope, "scope", cfg.Scope, "OAuth scopes to request")
	flagSet.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "refresh token record path")
	flagSet.BoolVar(&cfg.SkipPersist, "no-persist", cfg.SkipPersist, "never write the refresh token record")
	flagSet.StringVar(&cfg.BotPrefix, "prefix", cfg.BotPrefix, "command prefix")
	flagSet.StringVar(&cfg.Greeting, "greeting", cfg.Greeting, "message sent after joining")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mixer.Connect(ctx, mixer.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
		StaticToken:  cfg.OAuth,
		BaseURL:      cfg.APIURL,
		TokenFile:    cfg.TokenFile,
		SkipPersist:  cfg.SkipPersist,
		Prompt:       printPrompt,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	router := bot.NewRouter(client.Chats(), bot.Config{Prefix: cfg.BotPrefix, Logger: logger})
	if err := register(router, logger); err != nil {
		return err
	}

	joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()

	user, err := client.API().CurrentUser(joinCtx)
	if err != nil {
		return fmt.Errorf("current user: %w", err)
	}
	info, err := client.API().ChatInfo(joinCtx, user.Channel.ID)
	if err != nil {
		return fmt.Errorf("chat info: %w", err)
	}
	tr, err := router.Join(joinCtx, user.Channel, *info)
	if err != nil {
		return err
	}
	logger.Info("connected", zap.String("channel", user.Channel.Token))

	if cfg.Greeting != "" {
		if _, err := tr.Msg(joinCtx, cfg.Greeting); err != nil {
			logger.Warn("greeting failed", zap.Error(err))
		}
	}
	chatters, err := client.Chatters(joinCtx, user.Channel.ID, 0)
	if err != nil {
		logger.Warn("list chatters", zap.Error(err))
	} else {
		names := make([]string, len(chatters))
		for i, c := range chatters {
			names[i] = c.UserName
		}
		logger.Info("chatters", zap.Strings("users", names))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-tr.Done():
		return tr.Err()
	}
	return nil
}

func register(router *bot.Router, logger *zap.Logger) error {
	if err := router.AddMessageHandler(func(_ *chat.Transport, data json.RawMessage) {
		var msg wire.ChatMessage
		if json.Unmarshal(data, &msg) == nil {
			logger.Info("chat", zap.String("user", msg.UserName), zap.String("text", msg.Text()))
		}
	}); err != nil {
		return err
	}
	if err := router.AddEventHandler(chat.EventUserJoin, func(_ *chat.Transport, data json.RawMessage) {
		var ev wire.UserEvent
		if json.Unmarshal(data, &ev) == nil {
			logger.Info("user joined", zap.String("user", ev.Username))
		}
	}); err != nil {
		return err
	}
	if err := router.AddAnyEventHandler(func(_ *chat.Transport, event string, data json.RawMessage) {
		logger.Debug("event", zap.String("event", event), zap.ByteString("data", data))
	}); err != nil {
		return err
	}
	return router.AddCommandHandler("ping", func(tr *chat.Transport, _ json.RawMessage, _ []string) {
		if _, err := tr.Msg(context.Background(), "pong"); err != nil {
			logger.Warn("ping reply failed", zap.Error(err))
		}
	})
}

func printPrompt(p credential.Prompt) {
	switch p.Stage {
	case credential.StageRequested:
		fmt.Printf("Authorize this bot at %s (code %s)\n", p.URL, p.Code)
	case credential.StageWaiting:
		fmt.Printf("Still waiting for authorization, %d seconds left...\n", int(p.Remaining.Seconds()))
	case credential.StageAuthorized:
		fmt.Println("Shortcode authorization successful!")
	case credential.StageExpired:
		fmt.Println("Shortcode authorization failed!")
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

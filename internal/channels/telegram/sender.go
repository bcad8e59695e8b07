package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

// Sender delivers agent replies through the Bot API sendMessage call.
type Sender struct {
	bot *telego.Bot
}

// NewSender builds a Sender. An empty token yields a Sender that reports
// outbound.ErrNotConfigured.
func NewSender(cfg config.TelegramConfig) (*Sender, error) {
	if cfg.Token == "" {
		return &Sender{}, nil
	}

	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(cfg.APIServer, "/")))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Sender{bot: bot}, nil
}

func (s *Sender) Name() string { return "telegram" }

func (s *Sender) Send(ctx context.Context, t outbound.Target, text string) error {
	if s.bot == nil {
		return outbound.ErrNotConfigured
	}
	if t.ExternalID == "" {
		return fmt.Errorf("telegram: empty chat id")
	}

	var chat telego.ChatID
	if id, err := strconv.ParseInt(t.ExternalID, 10, 64); err == nil {
		chat = tu.ID(id)
	} else {
		chat = tu.Username(t.ExternalID)
	}
	if _, err := s.bot.SendMessage(ctx, tu.Message(chat, text)); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

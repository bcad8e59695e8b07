package cmd

import (
	"io"
	"log/slog"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/notify"
)

// buildNotifier collects the configured sinks. A sink that fails to start is
// logged and skipped. The returned func closes broker connections.
func buildNotifier(cfg config.NotifyConfig, mailer notify.Mailer) (*notify.Notifier, func()) {
	f := notify.Format{BaseURL: cfg.BaseURL, PreviewChars: cfg.PreviewChars}

	var (
		sinks   []notify.Sink
		closers []io.Closer
	)
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, &notify.Slack{URL: cfg.SlackWebhookURL, Format: f})
	}
	if cfg.DiscordWebhookURL != "" {
		d, err := notify.NewDiscord(cfg.DiscordWebhookURL, f)
		if err != nil {
			slog.Warn("notify.discord_disabled", "error", err)
		} else {
			sinks = append(sinks, d)
		}
	}
	if cfg.EmailTo != "" && mailer.Configured() {
		sinks = append(sinks, &notify.Email{To: cfg.EmailTo, Mailer: mailer, Format: f})
	}
	if cfg.AMQP.URL != "" {
		a, err := notify.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey)
		if err != nil {
			slog.Warn("notify.amqp_disabled", "error", err)
		} else {
			sinks = append(sinks, a)
			closers = append(closers, a)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			slog.Warn("notify.kafka_disabled", "error", err)
		} else {
			sinks = append(sinks, k)
			closers = append(closers, k)
		}
	}

	return notify.New(0, sinks...), func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Debug("notify.close", "error", err)
			}
		}
	}
}

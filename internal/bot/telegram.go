package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"pricelens/internal/domain"

	tele "gopkg.in/telebot.v3"
)

type DriftReader interface {
	LatestDrift(ctx context.Context) (*domain.DriftReport, error)
}

type ModelLister interface {
	Models(ctx context.Context) ([]domain.ModelVersion, error)
}

// StartTelegramBot wires the chat commands and returns the dispatcher used
// by the monitor stage. Returns nil when no token is configured.
func StartTelegramBot(drift DriftReader, models ModelLister) *AlertDispatcher {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Println("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Fatalf("failed to create Telegram bot: %v", err)
	}
	alerts := NewAlertDispatcher(b)

	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	b.Handle("/drift", func(c tele.Context) error {
		report, err := drift.LatestDrift(context.Background())
		if err != nil {
			return c.Send(fmt.Sprintf("No drift report available: %v", err))
		}
		drifted := 0
		for _, f := range report.Features {
			if f.Drifted {
				drifted++
			}
		}
		return c.Send(fmt.Sprintf(
			"Latest drift report (%s)\nFeatures drifted: %d/%d\nRMSE: %.2f -> %.2f (%.1f%%)\nAlerts: %d",
			report.GeneratedAt.Format(time.RFC3339), drifted, len(report.Features),
			report.Predictions.BaselineRMSE, report.Predictions.CurrentRMSE,
			report.Predictions.DegradationPct, len(report.Alerts),
		))
	})

	b.Handle("/models", func(c tele.Context) error {
		if models == nil {
			return c.Send("Model registry not configured")
		}
		versions, err := models.Models(context.Background())
		if err != nil {
			return c.Send(fmt.Sprintf("Error listing models: %v", err))
		}
		if len(versions) == 0 {
			return c.Send("No models registered yet")
		}
		lines := make([]string, 0, len(versions)+1)
		lines = append(lines, "Registered models:")
		for _, m := range versions {
			active := ""
			if m.IsActive {
				active = " (active)"
			}
			lines = append(lines, fmt.Sprintf("%s v%d %s%s", m.ModelKey, m.Version, m.TargetName, active))
		}
		return c.Send(strings.Join(lines, "\n"))
	})

	b.Handle("/alerts", func(c tele.Context) error {
		args := c.Args()
		chatID := c.Chat().ID
		mode := "status"
		if len(args) > 0 {
			mode = strings.ToLower(strings.TrimSpace(args[0]))
		}
		switch mode {
		case "on":
			if alerts.Subscribe(chatID) {
				return c.Send("Drift alerts enabled for this chat")
			}
			return c.Send("Drift alerts already enabled")
		case "off":
			if alerts.Unsubscribe(chatID) {
				return c.Send("Drift alerts disabled for this chat")
			}
			return c.Send("Drift alerts were not enabled")
		case "status":
			if alerts.IsSubscribed(chatID) {
				return c.Send("Drift alerts: on")
			}
			return c.Send("Drift alerts: off")
		default:
			return c.Send("Usage: /alerts on|off|status")
		}
	})

	go b.Start()
	log.Println("Telegram bot started")
	return alerts
}

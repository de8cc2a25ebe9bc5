// Package telegram is the optional operator notifier: run events worth a
// human's attention are pushed to a single chat.
package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/internal/server"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

const notifierBuffer = 32

// Notifier relays selected run events from the hub to a telegram chat:
// agent messages, executed transactions, autopauses and disables.
type Notifier struct {
	api    *tgbotapi.BotAPI
	hub    *server.Hub
	chatID int64
	wg     sync.WaitGroup
}

// NewNotifier builds the bot client and verifies the token.
func NewNotifier(cfg *config.TelegramConfig, hub *server.Hub) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
		zap.Int64("chat_id", cfg.ChatID),
	)

	return &Notifier{api: bot, hub: hub, chatID: cfg.ChatID}, nil
}

// Start subscribes to the run feed and relays events until ctx is done.
func (n *Notifier) Start(ctx context.Context) {
	id, events := n.hub.Subscribe(notifierBuffer)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.hub.Unsubscribe(id)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if text := formatRun(ev.Run); text != "" {
					n.send(text)
				}
			}
		}
	}()
}

// Stop waits for the relay goroutine after its context is cancelled.
func (n *Notifier) Stop() {
	n.wg.Wait()
}

// formatRun decides whether a run deserves a push and renders it. Routine
// blocked and error rows return "".
func formatRun(run *models.RunRecord) string {
	if run == nil {
		return ""
	}

	switch {
	case run.ErrorCode != nil && *run.ErrorCode == models.ErrCodeAutopauseThreshold:
		return fmt.Sprintf("⚠️ *Token %d auto-paused*\n%s", run.TokenID, deref(run.Error))
	case run.ErrorCode != nil && *run.ErrorCode == models.ErrCodeInvalidToken:
		return fmt.Sprintf("🛑 *Token %d disabled*\n%s", run.TokenID, deref(run.Error))
	case run.TxHash != nil:
		action := deref(run.IntentType)
		if action == "" {
			action = run.ActionType
		}
		return fmt.Sprintf("📤 *Token %d executed %s*\n`%s`", run.TokenID, action, *run.TxHash)
	case run.DecisionMessage != nil && *run.DecisionMessage != "":
		return fmt.Sprintf("🧠 *Token %d*\n%s", run.TokenID, *run.DecisionMessage)
	}

	return ""
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"

	if _, err := n.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", n.chatID),
			zap.Error(err),
		)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

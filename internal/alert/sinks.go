// ABOUTME: Standing alert subscribers: the daemon log and the operator DM.
// ABOUTME: Each runs until its context ends; neither can block publishers.

package alert

import (
	"context"
	"log/slog"
)

// SendFunc delivers a direct message to a chat account.
type SendFunc func(account, text string) error

// StartLogSink mirrors every alert into the daemon log until ctx ends.
func StartLogSink(ctx context.Context, b *Broadcaster, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, _ := b.Subscribe(ctx)
	go func() {
		for a := range ch {
			logger.Warn("town alert", "town", a.TownID, "kind", a.Kind, "text", a.Text)
		}
	}()
}

// StartChatSink direct-messages every alert to the operator account until
// ctx ends. Send failures are logged and the alert is lost; the log sink
// still has it.
func StartChatSink(ctx context.Context, b *Broadcaster, operator string, send SendFunc, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, _ := b.Subscribe(ctx)
	go func() {
		for a := range ch {
			if err := send(operator, "["+a.TownID+"] "+a.Text); err != nil {
				logger.Warn("alert DM failed", "operator", operator, "error", err)
			}
		}
	}()
}

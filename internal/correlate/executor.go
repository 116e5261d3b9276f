// ABOUTME: Side-effect surfaces a correlator drives, one interface per concern
// ABOUTME: Actions execute serially on the consumer goroutine, never concurrently

package correlate

import (
	"context"
	"errors"

	"github.com/2389/town-warden/internal/supervise"
	"github.com/2389/town-warden/internal/town"
)

// ChatSender posts a message to the town's chat channel.
type ChatSender interface {
	SendChat(townID, text string) error
}

// Restarter is the supervisor surface the correlator needs: requesting a
// restart and reporting that the town came back healthy.
type Restarter interface {
	Request(ctx context.Context, cfg town.Config, reason town.RestartReason) error
	RecordHealthy(townID string)
}

// Pauser suspends a town's monitoring, typically after restart exhaustion.
type Pauser interface {
	Pause(townID, reason string)
}

// Forwarder sends text as a named secondary account through the
// multi-account service.
type Forwarder interface {
	SendAs(account, text string) error
}

// Fulfiller completes a channel-point redemption upstream.
type Fulfiller interface {
	Fulfill(ctx context.Context, redeemID string) error
}

// AccountDirectory answers questions about multi-account state without
// routing events: per-account sync freshness and the service-wide
// multiplier.
type AccountDirectory interface {
	Synced(account string) (synced, fresh bool)
	GlobalMultiplier() (value float64, fresh bool)
}

// Executors bundles the concrete side-effect implementations for one
// correlator. All fields are required.
type Executors struct {
	Chat      ChatSender
	Restarter Restarter
	Pauser    Pauser
	Forwarder Forwarder
	Fulfiller Fulfiller
}

// execute applies actions in order on the consumer goroutine. Executor
// errors are logged and do not stop the remaining actions; a failed chat
// send must not block a restart decision made in the same event.
func (c *Correlator) execute(ctx context.Context, actions []town.Action) {
	for _, a := range actions {
		switch a := a.(type) {
		case town.SendChatMessage:
			if err := c.exec.Chat.SendChat(c.cfg.ID, a.Text); err != nil {
				c.logger.Error("chat send failed", "error", err)
			}
		case town.RestartProcess:
			err := c.exec.Restarter.Request(ctx, c.cfg, a.Reason)
			switch {
			case errors.Is(err, supervise.ErrRestartInFlight):
				c.logger.Debug("restart already in flight, request ignored", "reason", a.Reason)
			case err != nil:
				c.logger.Error("restart request failed", "reason", a.Reason, "error", err)
			}
		case town.SuspendMonitoring:
			c.exec.Pauser.Pause(c.cfg.ID, a.Reason)
		case town.ForwardToMultiAccount:
			if err := c.exec.Forwarder.SendAs(a.Account, a.Text); err != nil {
				c.logger.Error("multi-account send failed", "account", a.Account, "error", err)
			}
		case town.FulfillRedeem:
			if err := c.exec.Fulfiller.Fulfill(ctx, a.ID); err != nil {
				c.logger.Error("redeem fulfillment failed", "id", a.ID, "error", err)
			}
		default:
			c.logger.Error("unhandled action type", "action", a)
		}
	}
}

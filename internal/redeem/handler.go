// ABOUTME: Per-town redeem decision logic: dedupe, flag gate, kind mapping.
// ABOUTME: Every outcome is written to the audit table, which backstops dedupe.

package redeem

import (
	"context"
	"log/slog"

	"github.com/2389/town-warden/internal/dedupe"
	"github.com/2389/town-warden/internal/store"
	"github.com/2389/town-warden/internal/town"
)

// Handler decides one town's redeems. It is owned by that town's
// correlator goroutine and must not be shared.
type Handler struct {
	cfg    town.Config
	seen   *dedupe.Cache
	audit  store.Store
	logger *slog.Logger
}

// NewHandler builds the handler around the town's recently-seen-id set.
func NewHandler(cfg town.Config, seen *dedupe.Cache, audit store.Store, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		seen:   seen,
		audit:  audit,
		logger: logger.With("component", "redeem", "town", cfg.ID),
	}
}

// Handle processes one redemption and returns the actions it produces.
// Repeats and gated redeems return nil; that is normal operation.
func (h *Handler) Handle(ctx context.Context, ev *town.RedeemEvent) []town.Action {
	if h.seen.CheckAndMark(ev.ID) {
		h.logger.Debug("duplicate redeem dropped", "id", ev.ID, "chatter", ev.Chatter)
		h.record(ctx, ev, "", store.RedeemDuplicate)
		return nil
	}

	if !h.cfg.ChannelPointRedeems {
		h.logger.Debug("redeems disabled, dropping", "id", ev.ID, "kind", ev.Kind)
		h.record(ctx, ev, "", store.RedeemDisabled)
		return nil
	}

	tpl, ok := h.cfg.RedeemActions[ev.Kind]
	if !ok {
		h.logger.Warn("no action mapped for redeem kind", "id", ev.ID, "kind", ev.Kind)
		h.record(ctx, ev, "", store.RedeemUnmapped)
		return nil
	}

	command := town.FillTemplate(tpl, ev.Chatter, h.cfg.Name)

	// The audit insert doubles as the durable at-most-once gate: if the
	// id was fulfilled in an earlier warden run, the row already exists
	// and this replay must not fire again.
	if inserted := h.record(ctx, ev, command, store.RedeemFulfilled); !inserted {
		h.logger.Info("redeem already fulfilled in an earlier run", "id", ev.ID)
		return nil
	}

	h.logger.Info("redeem fulfilled", "id", ev.ID, "chatter", ev.Chatter, "kind", ev.Kind)
	return []town.Action{
		town.FulfillRedeem{ID: ev.ID},
		town.SendChatMessage{Text: command},
	}
}

// record writes the audit row. Storage trouble is logged, not fatal: the
// in-memory set still guards the common case and redeems keep working.
func (h *Handler) record(ctx context.Context, ev *town.RedeemEvent, action, status string) bool {
	inserted, err := h.audit.RecordRedeem(ctx, &store.Redeem{
		ID:      ev.ID,
		TownID:  h.cfg.ID,
		Chatter: ev.Chatter,
		Kind:    ev.Kind,
		Action:  action,
		Status:  status,
	})
	if err != nil {
		h.logger.Error("recording redeem failed", "id", ev.ID, "error", err)
		return true
	}
	return inserted
}

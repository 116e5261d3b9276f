// ABOUTME: Redeem handler tests: fulfillment, dedupe gates, flag, mapping.
// ABOUTME: Includes the cross-restart backstop via the shared audit table.

package redeem

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/town-warden/internal/dedupe"
	"github.com/2389/town-warden/internal/store"
	"github.com/2389/town-warden/internal/town"
)

func riverConfig() town.Config {
	return town.Config{
		ID:                  "river",
		Name:                "River Town",
		ChannelPointRedeems: true,
		RedeemActions: map[string]string{
			"confetti":   "?confetti {userName}",
			"coin-grant": "?coins add {userName} 5000",
		},
	}
}

func newTestHandler(t *testing.T, cfg town.Config) (*Handler, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "warden.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewHandler(cfg, dedupe.New(10*time.Minute, 128), st, slog.Default()), st
}

func TestHandler_Handle_FulfillsMappedRedeem(t *testing.T) {
	h, st := newTestHandler(t, riverConfig())

	actions := h.Handle(context.Background(), &town.RedeemEvent{
		ID: "r-1", Chatter: "ada", Kind: "coin-grant",
	})
	require.Len(t, actions, 2)
	assert.Equal(t, town.FulfillRedeem{ID: "r-1"}, actions[0])
	assert.Equal(t, town.SendChatMessage{Text: "?coins add ada 5000"}, actions[1])

	rec, err := st.GetRedeem(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, store.RedeemFulfilled, rec.Status)
	assert.Equal(t, "?coins add ada 5000", rec.Action)
}

func TestHandler_Handle_RepeatIDYieldsNothing(t *testing.T) {
	h, _ := newTestHandler(t, riverConfig())
	ctx := context.Background()

	first := h.Handle(ctx, &town.RedeemEvent{ID: "r-2", Chatter: "ada", Kind: "confetti"})
	require.Len(t, first, 2)

	for i := 0; i < 3; i++ {
		repeat := h.Handle(ctx, &town.RedeemEvent{ID: "r-2", Chatter: "ada", Kind: "confetti"})
		assert.Nil(t, repeat, "repeated id must be dropped silently")
	}
}

func TestHandler_Handle_DisabledTownAuditsButActsNot(t *testing.T) {
	cfg := riverConfig()
	cfg.ChannelPointRedeems = false
	h, st := newTestHandler(t, cfg)

	actions := h.Handle(context.Background(), &town.RedeemEvent{ID: "r-3", Chatter: "finn", Kind: "confetti"})
	assert.Nil(t, actions)

	rec, err := st.GetRedeem(context.Background(), "r-3")
	require.NoError(t, err)
	assert.Equal(t, store.RedeemDisabled, rec.Status)
}

func TestHandler_Handle_UnmappedKindAudited(t *testing.T) {
	h, st := newTestHandler(t, riverConfig())

	actions := h.Handle(context.Background(), &town.RedeemEvent{ID: "r-4", Chatter: "finn", Kind: "mystery"})
	assert.Nil(t, actions)

	rec, err := st.GetRedeem(context.Background(), "r-4")
	require.NoError(t, err)
	assert.Equal(t, store.RedeemUnmapped, rec.Status)
	assert.Empty(t, rec.Action)
}

func TestHandler_Handle_AuditTableBackstopsAcrossRestarts(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "warden.db"), nil)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	h1 := NewHandler(riverConfig(), dedupe.New(time.Minute, 16), st, slog.Default())
	require.Len(t, h1.Handle(ctx, &town.RedeemEvent{ID: "r-5", Chatter: "ada", Kind: "confetti"}), 2)

	// Fresh handler and fresh seen-set, same database: a replayed id
	// must still be refused.
	h2 := NewHandler(riverConfig(), dedupe.New(time.Minute, 16), st, slog.Default())
	assert.Nil(t, h2.Handle(ctx, &town.RedeemEvent{ID: "r-5", Chatter: "ada", Kind: "confetti"}))
}

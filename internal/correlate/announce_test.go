// ABOUTME: Exact-text tests for chat announcements and placeholder rendering

package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/town-warden/internal/town"
)

func TestAnnounceDungeon_GroupsFigures(t *testing.T) {
	got := announceDungeon(town.Dungeon{
		IsActive:    true,
		BossHealth:  175662,
		EnemyCount:  49,
		PlayerCount: 13,
	})
	assert.Equal(t, "DUNGEON – Boss HP: 175,662 – Enemies: 49 – Players: 13", got)
}

func TestAnnounceRaid(t *testing.T) {
	got := announceRaid(town.Raid{IsActive: true, BossHealth: 2400000, PlayerCount: 8})
	assert.Equal(t, "RAID – Boss HP: 2,400,000 – Players: 8", got)
}

func TestFormatCountdown(t *testing.T) {
	assert.Equal(t, "2 minutes", formatCountdown(2*time.Minute))
	assert.Equal(t, "1 minute", formatCountdown(time.Minute))
	assert.Equal(t, "30 seconds", formatCountdown(30*time.Second))
	assert.Equal(t, "90 seconds", formatCountdown(90*time.Second))
	assert.Equal(t, "5 minutes", formatCountdown(5*time.Minute))
}

func TestRenderBridgeMessage(t *testing.T) {
	assert.Equal(t, "Finn found a sword!", renderBridgeMessage(&town.BridgeMessage{
		Format: "{0} found {1}!",
		Args:   []string{"Finn", "a sword"},
	}))
	assert.Equal(t, "@maya You leveled up!", renderBridgeMessage(&town.BridgeMessage{
		Format:    "You leveled up!",
		Recipient: "maya",
	}))
	// Placeholders without a matching argument pass through untouched.
	assert.Equal(t, "Finn found {1}!", renderBridgeMessage(&town.BridgeMessage{
		Format: "{0} found {1}!",
		Args:   []string{"Finn"},
	}))
}

// ABOUTME: Chat text builders: activity announcements, countdown warnings,
// ABOUTME: and bridge-message placeholder substitution

package correlate

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/2389/town-warden/internal/town"
)

// numPrinter groups large figures the way the game's own announcements do
// (175662 renders as 175,662).
var numPrinter = message.NewPrinter(language.English)

func announceDungeon(d town.Dungeon) string {
	return numPrinter.Sprintf("DUNGEON – Boss HP: %d – Enemies: %d – Players: %d",
		d.BossHealth, d.EnemyCount, d.PlayerCount)
}

func announceRaid(r town.Raid) string {
	return numPrinter.Sprintf("RAID – Boss HP: %d – Players: %d",
		r.BossHealth, r.PlayerCount)
}

// formatCountdown renders a warning horizon in chat-friendly units.
func formatCountdown(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return fmt.Sprintf("%d seconds", int(d/time.Second))
}

// renderBridgeMessage substitutes {0}, {1}, ... placeholders with the
// message arguments. A recipient, when present, is surfaced as a mention.
func renderBridgeMessage(m *town.BridgeMessage) string {
	text := m.Format
	for i, arg := range m.Args {
		text = strings.ReplaceAll(text, fmt.Sprintf("{%d}", i), arg)
	}
	if m.Recipient != "" {
		return "@" + m.Recipient + " " + text
	}
	return text
}

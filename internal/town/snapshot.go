// ABOUTME: Game-state snapshot parsed from one query-server response
// ABOUTME: Snapshots are transient: diffed against the previous one, then dropped

package town

import "time"

// Snapshot is one poll's view of a town's game state. Field names follow
// the query server's JSON document; only the fields the engine needs are
// declared, extra fields are ignored.
type Snapshot struct {
	Session    Session    `json:"session"`
	Dungeon    Dungeon    `json:"dungeon"`
	Raid       Raid       `json:"raid"`
	Multiplier Multiplier `json:"multiplier"`
	Village    Village    `json:"village"`
	Players    []Player   `json:"players"`
}

// Session reports the game client's login state and uptime.
type Session struct {
	Authenticated     bool    `json:"authenticated"`
	SecondsSinceStart float64 `json:"secondssincestart"`
}

// Dungeon is the active-dungeon block; IsActive false zeroes the rest.
type Dungeon struct {
	IsActive    bool  `json:"isactive"`
	BossHealth  int64 `json:"bosshealth"`
	EnemyCount  int   `json:"enemycount"`
	PlayerCount int   `json:"playercount"`
}

// Raid is the active-raid block; IsActive false zeroes the rest.
type Raid struct {
	IsActive    bool  `json:"isactive"`
	BossHealth  int64 `json:"bosshealth"`
	PlayerCount int   `json:"playercount"`
}

// Multiplier is the town's current exp multiplier.
type Multiplier struct {
	Active bool    `json:"active"`
	Value  float64 `json:"value"`
}

// Village carries the boost text used in status output. The server sends
// it as a display string such as "Exp 25%".
type Village struct {
	Boost string `json:"boost"`
}

// Player is one roster entry with the per-player flags the engine reads.
type Player struct {
	Name     string `json:"name"`
	IsSynced bool   `json:"issynced"`
	AutoRaid bool   `json:"autoraid"`
}

// Uptime converts the session's age into a duration.
func (s Snapshot) Uptime() time.Duration {
	return time.Duration(s.Session.SecondsSinceStart * float64(time.Second))
}

// ActivityBusy reports whether a dungeon or raid is in progress. Scheduled
// restart countdowns hold while this is true.
func (s Snapshot) ActivityBusy() bool {
	return s.Dungeon.IsActive || s.Raid.IsActive
}

// Diff captures what changed between two consecutive snapshots.
type Diff struct {
	DungeonStarted bool
	RaidStarted    bool
	ActivityEnded  bool

	// Joined and Left are roster changes by player name.
	Joined []string
	Left   []string

	// AutoRaidEnabled / AutoRaidDisabled list players whose auto-raid
	// flag flipped since the previous snapshot.
	AutoRaidEnabled  []string
	AutoRaidDisabled []string
}

// ComputeDiff compares prev against cur. A nil prev means cur is the first
// snapshot after a (re)start: activity already in progress is not treated
// as newly started, and the roster is not treated as joins.
func ComputeDiff(prev *Snapshot, cur Snapshot) Diff {
	var d Diff
	if prev == nil {
		return d
	}

	d.DungeonStarted = cur.Dungeon.IsActive && !prev.Dungeon.IsActive
	d.RaidStarted = cur.Raid.IsActive && !prev.Raid.IsActive
	d.ActivityEnded = !cur.ActivityBusy() && prev.ActivityBusy()

	prevPlayers := make(map[string]Player, len(prev.Players))
	for _, p := range prev.Players {
		prevPlayers[p.Name] = p
	}
	curPlayers := make(map[string]Player, len(cur.Players))
	for _, p := range cur.Players {
		curPlayers[p.Name] = p
	}

	for name, p := range curPlayers {
		old, ok := prevPlayers[name]
		if !ok {
			d.Joined = append(d.Joined, name)
			if p.AutoRaid {
				d.AutoRaidEnabled = append(d.AutoRaidEnabled, name)
			}
			continue
		}
		if p.AutoRaid && !old.AutoRaid {
			d.AutoRaidEnabled = append(d.AutoRaidEnabled, name)
		}
		if !p.AutoRaid && old.AutoRaid {
			d.AutoRaidDisabled = append(d.AutoRaidDisabled, name)
		}
	}
	for name := range prevPlayers {
		if _, ok := curPlayers[name]; !ok {
			d.Left = append(d.Left, name)
		}
	}

	return d
}

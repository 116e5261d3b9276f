// ABOUTME: Fleet loading from a JSONC document into town.Config records
// ABOUTME: Per-entry validation with field-identifying errors; fails startup

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/2389/town-warden/internal/town"
)

// townEntry is the JSONC shape of one fleet entry. Operators keep these
// files commented, which is why the format is JSONC rather than plain JSON.
type townEntry struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	QueryURL            string            `json:"query_url"`
	BridgeKey           string            `json:"bridge_key"`
	StartScript         string            `json:"start_script"`
	StopScript          string            `json:"stop_script"`
	SandboxID           string            `json:"sandbox_id"`
	AutoRestart         bool              `json:"auto_restart"`
	EventNotifications  bool              `json:"event_notifications"`
	AutoRestoreRaids    bool              `json:"auto_restore_raids"`
	ChannelPointRedeems bool              `json:"channel_points_redeems"`
	PauseMonitoring     bool              `json:"pause_monitoring"`
	RestartPeriod       string            `json:"restart_period"`
	WelcomeMessage      string            `json:"welcome_message"`
	Note                string            `json:"note"`
	RedeemActions       map[string]string `json:"redeem_actions"`
}

// LoadTowns reads the fleet document at path and returns validated town
// configurations in file order. Duplicate detection is the registry's job;
// this only checks each entry in isolation.
func LoadTowns(path string) ([]town.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading towns file: %w", err)
	}

	var entries []townEntry
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, fmt.Errorf("parsing towns file %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("towns file %s declares no towns", path)
	}

	towns := make([]town.Config, 0, len(entries))
	for i, e := range entries {
		cfg, err := e.toConfig()
		if err != nil {
			return nil, fmt.Errorf("towns[%d] (%s): %w", i, e.ID, err)
		}
		towns = append(towns, cfg)
	}
	return towns, nil
}

func (e townEntry) toConfig() (town.Config, error) {
	if e.ID == "" {
		return town.Config{}, fmt.Errorf("id is required")
	}
	if e.QueryURL == "" {
		return town.Config{}, fmt.Errorf("query_url is required")
	}
	if _, err := url.Parse(e.QueryURL); err != nil {
		return town.Config{}, fmt.Errorf("query_url %q: %w", e.QueryURL, err)
	}
	if e.BridgeKey != "" {
		if err := validateBridgeKey(e.BridgeKey); err != nil {
			return town.Config{}, fmt.Errorf("bridge_key %q: %w", e.BridgeKey, err)
		}
	}
	if e.AutoRestart && e.StartScript == "" {
		return town.Config{}, fmt.Errorf("start_script is required when auto_restart is set")
	}

	var period time.Duration
	if e.RestartPeriod != "" {
		var err error
		period, err = time.ParseDuration(e.RestartPeriod)
		if err != nil {
			return town.Config{}, fmt.Errorf("restart_period %q: %w", e.RestartPeriod, err)
		}
		if period != 0 && period < MinRestartPeriod {
			return town.Config{}, fmt.Errorf("restart_period %s is below the %s minimum", period, MinRestartPeriod)
		}
	}

	name := e.Name
	if name == "" {
		name = e.ID
	}

	return town.Config{
		ID:                  e.ID,
		Name:                name,
		QueryURL:            strings.TrimRight(e.QueryURL, "/"),
		BridgeKey:           e.BridgeKey,
		StartScript:         e.StartScript,
		StopScript:          e.StopScript,
		SandboxID:           e.SandboxID,
		AutoRestart:         e.AutoRestart,
		EventNotifications:  e.EventNotifications,
		AutoRestoreRaids:    e.AutoRestoreRaids,
		ChannelPointRedeems: e.ChannelPointRedeems,
		PauseMonitoring:     e.PauseMonitoring,
		RestartPeriod:       period,
		WelcomeMessage:      e.WelcomeMessage,
		Note:                e.Note,
		RedeemActions:       e.RedeemActions,
	}, nil
}

// validateBridgeKey checks the <client-address>_<client-port>_<server-port>
// shape without resolving anything.
func validateBridgeKey(key string) error {
	parts := strings.Split(key, "_")
	if len(parts) != 3 {
		return fmt.Errorf("want <client-address>_<client-port>_<server-port>")
	}
	if parts[0] == "" {
		return fmt.Errorf("client address is empty")
	}
	for _, p := range parts[1:] {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("port %q is not a valid port number", p)
		}
	}
	return nil
}

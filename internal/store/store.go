// ABOUTME: Store interface and record types for warden persistence.
// ABOUTME: Defines auto-raid, redeem audit, and restart history operations.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Redeem statuses recorded in the audit log.
const (
	RedeemFulfilled = "fulfilled" // mapped action dispatched
	RedeemDuplicate = "duplicate" // id seen before, dropped
	RedeemDisabled  = "disabled"  // town has redeems switched off
	RedeemUnmapped  = "unmapped"  // no action configured for the kind
)

// Restart outcomes recorded in history.
const (
	RestartOK        = "ok"        // process relaunched
	RestartFailed    = "failed"    // attempt failed, may retry
	RestartExhausted = "exhausted" // retry budget spent, town suspended
)

// AutoRaid is one account's auto-raid enrollment within a town.
type AutoRaid struct {
	TownID    string
	Account   string
	Enabled   bool
	UpdatedAt time.Time
}

// Redeem is one audit row for a channel-point redeem.
type Redeem struct {
	ID        string
	TownID    string
	Chatter   string
	Kind      string
	Action    string
	Status    string
	CreatedAt time.Time
}

// Restart is one restart-history row.
type Restart struct {
	ID      int64
	TownID  string
	Reason  string
	Outcome string
	Detail  string
	At      time.Time
}

// Store persists warden state across process restarts.
type Store interface {
	// SetAutoRaid records whether an account participates in auto-raid
	// for a town. Upserts on (town, account).
	SetAutoRaid(ctx context.Context, townID, account string, enabled bool) error

	// AutoRaidAccounts returns the accounts currently enrolled in
	// auto-raid for a town, sorted by account name.
	AutoRaidAccounts(ctx context.Context, townID string) ([]string, error)

	// RecordRedeem inserts an audit row keyed by the redeem id. The id
	// is the primary key, so a redeem that was already recorded is left
	// untouched; inserted reports whether this call wrote the row.
	RecordRedeem(ctx context.Context, r *Redeem) (inserted bool, err error)

	// GetRedeem fetches one audit row by redeem id.
	GetRedeem(ctx context.Context, id string) (*Redeem, error)

	// RecordRestart appends a restart-history row and fills in r.ID.
	RecordRestart(ctx context.Context, r *Restart) error

	// RestartHistory returns the most recent restarts for a town,
	// newest first, at most limit rows.
	RestartHistory(ctx context.Context, townID string, limit int) ([]*Restart, error)

	// Close releases the underlying database handle.
	Close() error
}

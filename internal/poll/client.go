// ABOUTME: HTTP client for the town query server's select-style endpoint.
// ABOUTME: One composite GET per cycle; a response missing session is a failure.

package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/town-warden/internal/town"
)

// snapshotQuery asks the server for every section the engine reads. The
// server exposes a select-style path; spaces and pipes are percent-encoded
// on the wire.
const snapshotQuery = "select * from session|dungeon|raid|multiplier|village|players"

// ErrNoSession marks a response that parsed as JSON but carried no
// session block. Treated as a poll failure, not a zero-value snapshot.
var ErrNoSession = errors.New("poll: response missing session block")

// Client fetches snapshots from town query servers. Safe for use by
// multiple pollers; each Fetch is bounded by the configured timeout.
type Client struct {
	http *http.Client
}

// NewClient returns a Client whose fetches time out after timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// queryResponse mirrors town.Snapshot with a pointer session so a missing
// block is distinguishable from an all-false one.
type queryResponse struct {
	Session    *town.Session   `json:"session"`
	Dungeon    town.Dungeon    `json:"dungeon"`
	Raid       town.Raid       `json:"raid"`
	Multiplier town.Multiplier `json:"multiplier"`
	Village    town.Village    `json:"village"`
	Players    []town.Player   `json:"players"`
}

// Fetch issues one snapshot query against queryURL.
func (c *Client) Fetch(ctx context.Context, queryURL string) (*town.Snapshot, error) {
	u := queryURL + "/" + url.PathEscape(snapshotQuery)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating query request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying town: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("querying town: status %d", resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if qr.Session == nil {
		return nil, ErrNoSession
	}

	return &town.Snapshot{
		Session:    *qr.Session,
		Dungeon:    qr.Dungeon,
		Raid:       qr.Raid,
		Multiplier: qr.Multiplier,
		Village:    qr.Village,
		Players:    qr.Players,
	}, nil
}

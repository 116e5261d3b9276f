// ABOUTME: One accepted bridge connection: serialized writes, pending commands.
// ABOUTME: Responses are routed back to waiters by correlation id.

package bridge

import (
	"log/slog"
	"net"
	"sync"

	"github.com/2389/town-warden/internal/wire"
)

// Conn is one live bridge connection bound to a town.
type Conn struct {
	TownID string
	Key    string

	nc      net.Conn
	writeMu sync.Mutex
	logger  *slog.Logger

	mu      sync.RWMutex
	pending map[string]chan string
}

func newConn(townID, key string, nc net.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		TownID:  townID,
		Key:     key,
		nc:      nc,
		logger:  logger,
		pending: make(map[string]chan string),
	}
}

// send writes one frame. Frame writes are serialized per connection.
func (c *Conn) send(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.nc, env)
}

// close tears down the socket; the serve loop exits on the read error.
func (c *Conn) close() {
	c.nc.Close()
}

// createRequest registers a pending command and returns its response
// channel. The caller must eventually call closeRequest.
func (c *Conn) createRequest(correlationID string) <-chan string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan string, 1)
	c.pending[correlationID] = ch
	return ch
}

// closeRequest forgets a pending command. The channel is left open: a
// response racing the removal lands in its buffer instead of panicking,
// and later ones hit the unknown-id path.
func (c *Conn) closeRequest(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

// handleResponse routes a cmd_response to its waiter. Responses nobody is
// waiting for are logged and dropped.
func (c *Conn) handleResponse(correlationID, text string) {
	c.mu.RLock()
	ch, ok := c.pending[correlationID]
	c.mu.RUnlock()

	if !ok {
		c.logger.Warn("response for unknown command",
			"town", c.TownID,
			"correlation_id", correlationID,
		)
		return
	}

	select {
	case ch <- text:
	default:
		c.logger.Warn("response channel full, dropping",
			"town", c.TownID,
			"correlation_id", correlationID,
		)
	}
}

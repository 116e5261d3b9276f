// ABOUTME: Multi-account service client: JWT hello, backoff reconnect, cache.
// ABOUTME: Account updates land in town queues; SendAs writes down the link.

package multiaccount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/town-warden/internal/auth"
	"github.com/2389/town-warden/internal/town"
	"github.com/2389/town-warden/internal/wire"
)

// ErrNotConnected is returned by SendAs while the link is down.
var ErrNotConnected = errors.New("multiaccount: not connected")

const (
	dialTimeout  = 10 * time.Second
	helloTimeout = 5 * time.Second
	pingEvery    = 30 * time.Second
	tokenTTL     = 5 * time.Minute
)

// Sink receives account events for a town's queue.
type Sink func(town.Event)

// Resolver maps a service account name to the town that owns it, if any.
// Accounts without a town are still cached for send-as use.
type Resolver func(account string) (townID string, ok bool)

type accountState struct {
	online     bool
	synced     bool
	receivedAt time.Time
}

// Client is the warden's one connection to the multi-account service.
type Client struct {
	addr      string
	name      string
	tokens    *auth.Tokens
	resolve   Resolver
	sink      Sink
	staleness time.Duration
	logger    *slog.Logger

	mu          sync.RWMutex
	conn        net.Conn
	accounts    map[string]accountState
	resources   map[string]float64
	resourcesAt time.Time

	// writeMu serializes frame writes: SendAs, keepalive pings, and pong
	// replies share one socket.
	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is swapped in tests to age the cache; retryInterval shrinks
	// reconnect backoff there.
	now           func() time.Time
	retryInterval time.Duration
}

// NewClient builds the client. staleness bounds how old a cache entry may
// be and still count as fresh.
func NewClient(addr, name string, tokens *auth.Tokens, resolve Resolver, sink Sink, staleness time.Duration, logger *slog.Logger) *Client {
	return &Client{
		addr:          addr,
		name:          name,
		tokens:        tokens,
		resolve:       resolve,
		sink:          sink,
		staleness:     staleness,
		logger:        logger.With("component", "multiaccount"),
		accounts:      make(map[string]accountState),
		now:           time.Now,
		retryInterval: time.Second,
	}
}

// Start begins the connect/reconnect loop. Call Stop to shut down.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop tears down the link and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Connected reports whether the link is currently authenticated and up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Synced reports an account's sync flag and whether the answer is fresh
// enough to act on.
func (c *Client) Synced(account string) (synced, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.accounts[account]
	if !ok {
		return false, false
	}
	return st.synced, c.now().Sub(st.receivedAt) <= c.staleness
}

// GlobalMultiplier returns the service-wide exp multiplier and whether it
// is fresh. Zero with fresh=false means no update has arrived yet.
func (c *Client) GlobalMultiplier() (value float64, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.resources[wire.GlobalMultiplierKey]
	if !ok {
		return 0, false
	}
	return v, c.now().Sub(c.resourcesAt) <= c.staleness
}

// SendAs asks the service to deliver text as the named account. Fire and
// forget: delivery is not confirmed.
func (c *Client) SendAs(account, text string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := wire.NewEnvelope(wire.KindSendAs, "", wire.SendAs{Account: account, Text: text})
	if err != nil {
		return err
	}
	if err := c.writeFrame(conn, env); err != nil {
		return fmt.Errorf("sending as %s: %w", account, err)
	}
	return nil
}

func (c *Client) writeFrame(nc net.Conn, env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(nc, env)
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		authed, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if authed {
			bo.Reset()
		}
		c.logger.Warn("multi-account session ended", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// session runs one connection from dial to read failure. authed reports
// whether the handshake completed, which resets the reconnect backoff.
func (c *Client) session(ctx context.Context) (authed bool, err error) {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return false, fmt.Errorf("dialing service: %w", err)
	}

	if err := c.handshake(nc); err != nil {
		nc.Close()
		return false, err
	}

	c.mu.Lock()
	c.conn = nc
	c.mu.Unlock()
	c.logger.Info("multi-account link up", "addr", c.addr)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		nc.Close()
		c.logger.Info("multi-account link down")
	}()

	pingCtx, stopPings := context.WithCancel(ctx)
	defer stopPings()
	go c.keepalive(pingCtx, nc)

	for {
		env, err := wire.ReadFrame(nc)
		if err != nil {
			return true, err
		}
		c.handle(env)
	}
}

// handshake authenticates with a freshly minted token and waits for
// hello_ok within the hello timeout.
func (c *Client) handshake(nc net.Conn) error {
	tok, err := c.tokens.Mint(c.name, tokenTTL)
	if err != nil {
		return fmt.Errorf("minting link token: %w", err)
	}

	hello, err := wire.NewEnvelope(wire.KindHello, "", wire.Hello{Name: c.name, Token: tok})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(nc, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	nc.SetReadDeadline(time.Now().Add(helloTimeout))
	defer nc.SetReadDeadline(time.Time{})

	env, err := wire.ReadFrame(nc)
	if err != nil {
		return fmt.Errorf("waiting for hello_ok: %w", err)
	}
	switch env.Kind {
	case wire.KindHelloOK:
		return nil
	case wire.KindError:
		var body wire.ErrorBody
		if env.Decode(&body) == nil {
			return fmt.Errorf("service rejected hello: %s", body.Message)
		}
		return errors.New("service rejected hello")
	default:
		return fmt.Errorf("expected hello_ok, got %s", env.Kind)
	}
}

func (c *Client) keepalive(ctx context.Context, nc net.Conn) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := wire.NewEnvelope(wire.KindPing, "", nil)
			if err != nil {
				return
			}
			if err := c.writeFrame(nc, env); err != nil {
				return // read loop will notice too
			}
		}
	}
}

func (c *Client) handle(env wire.Envelope) {
	switch env.Kind {
	case wire.KindAccount:
		var up wire.AccountUpdate
		if err := env.Decode(&up); err != nil {
			c.logger.Warn("bad account_update frame", "error", err)
			return
		}
		c.apply(up)

	case wire.KindPing:
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}
		pong, err := wire.NewEnvelope(wire.KindPong, env.CorrelationID, nil)
		if err == nil {
			c.writeFrame(conn, pong)
		}

	case wire.KindPong:
		// Keepalive answer; nothing to do.

	default:
		c.logger.Debug("skipping unknown frame kind", "kind", env.Kind)
	}
}

// apply caches the update and forwards it to the owning town, if any.
func (c *Client) apply(up wire.AccountUpdate) {
	now := c.now()

	c.mu.Lock()
	c.accounts[up.Account] = accountState{online: up.Online, synced: up.Synced, receivedAt: now}
	if len(up.Resources) > 0 {
		c.resources = up.Resources
		c.resourcesAt = now
	}
	c.mu.Unlock()

	townID, ok := c.resolve(up.Account)
	if !ok {
		return
	}
	c.sink(town.NewEvent(townID, &town.AccountUpdate{
		Account:   up.Account,
		Online:    up.Online,
		Synced:    up.Synced,
		Resources: up.Resources,
	}))
}

// ABOUTME: Shared bridge listener: tuple keying, frame dispatch, takeover.
// ABOUTME: Routes inbound frames to town queues and runs command round trips.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/town-warden/internal/registry"
	"github.com/2389/town-warden/internal/town"
	"github.com/2389/town-warden/internal/wire"
)

// ErrNotConnected is returned when a town has no live bridge connection.
var ErrNotConnected = errors.New("bridge: town not connected")

// Sink receives bridge events for routing to a town's queue.
type Sink func(town.Event)

// Processor owns the shared listener and all live bridge connections.
type Processor struct {
	addr   string
	reg    *registry.Registry
	sink   Sink
	logger *slog.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*Conn // by town id
}

// NewProcessor creates the bridge ingress for the whole fleet.
func NewProcessor(addr string, reg *registry.Registry, sink Sink, logger *slog.Logger) *Processor {
	return &Processor{
		addr:   addr,
		reg:    reg,
		sink:   sink,
		logger: logger.With("component", "bridge"),
		conns:  make(map[string]*Conn),
	}
}

// Start binds the listener and begins accepting connections.
func (p *Processor) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("binding bridge listener: %w", err)
	}
	p.ln = ln
	p.logger.Info("bridge listening", "addr", ln.Addr())

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every live connection, then waits for all
// serve loops to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.ln != nil {
		p.ln.Close()
	}

	p.mu.Lock()
	for _, c := range p.conns {
		c.close()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Addr reports the bound listener address.
func (p *Processor) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Connected reports whether the town has a live bridge connection.
func (p *Processor) Connected(townID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[townID] != nil
}

// Command sends a command frame down the town's bridge and waits for the
// correlated cmd_response. The context bounds the wait.
func (p *Processor) Command(ctx context.Context, townID, text string) (string, error) {
	p.mu.RLock()
	c := p.conns[townID]
	p.mu.RUnlock()
	if c == nil {
		return "", ErrNotConnected
	}

	correlationID := uuid.New().String()
	ch := c.createRequest(correlationID)
	defer c.closeRequest(correlationID)

	env, err := wire.NewEnvelope(wire.KindCommand, correlationID, wire.Command{Text: text})
	if err != nil {
		return "", err
	}
	if err := c.send(env); err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for command response: %w", ctx.Err())
	}
}

func (p *Processor) acceptLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		nc, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("accept failed", "error", err)
			continue
		}

		p.wg.Add(1)
		go p.serve(ctx, nc)
	}
}

func (p *Processor) serve(ctx context.Context, nc net.Conn) {
	defer p.wg.Done()

	key := tupleKey(nc)
	cfg, err := p.reg.ByBridgeKey(key)
	if err != nil {
		p.logger.Warn("rejecting unknown bridge connection",
			"key", key,
			"remote", nc.RemoteAddr(),
		)
		nc.Close()
		return
	}

	c := newConn(cfg.ID, key, nc, p.logger)
	if old := p.register(c); old != nil {
		// Same tuple means the same game agent reconnected; the stale
		// socket just hasn't died yet.
		p.logger.Info("bridge connection replaced", "town", c.TownID)
		old.close()
	}

	p.logger.Info("bridge connected", "town", c.TownID, "key", key)
	p.sink(town.NewEvent(c.TownID, &town.BridgeLink{Up: true}))

	for {
		env, err := wire.ReadFrame(nc)
		if err != nil {
			if ctx.Err() == nil {
				if errors.Is(err, io.EOF) {
					p.logger.Info("bridge disconnected", "town", c.TownID)
				} else {
					p.logger.Warn("bridge read failed", "town", c.TownID, "error", err)
				}
			}
			break
		}
		p.dispatch(c, env)
	}

	nc.Close()
	if p.unregisterIfCurrent(c) && ctx.Err() == nil {
		p.sink(town.NewEvent(c.TownID, &town.BridgeLink{Up: false}))
	}
}

func (p *Processor) dispatch(c *Conn, env wire.Envelope) {
	switch env.Kind {
	case wire.KindHello:
		var hello wire.Hello
		if err := env.Decode(&hello); err != nil {
			p.logger.Warn("bad hello frame", "town", c.TownID, "error", err)
			return
		}
		p.logger.Info("bridge hello", "town", c.TownID, "name", hello.Name)

	case wire.KindPing:
		pong, err := wire.NewEnvelope(wire.KindPong, env.CorrelationID, nil)
		if err == nil {
			if err := c.send(pong); err != nil {
				p.logger.Warn("pong failed", "town", c.TownID, "error", err)
			}
		}

	case wire.KindMessage:
		var msg wire.Message
		if err := env.Decode(&msg); err != nil {
			p.logger.Warn("bad message frame", "town", c.TownID, "error", err)
			return
		}
		p.sink(town.NewEvent(c.TownID, &town.BridgeMessage{
			Kind:          env.Kind,
			CorrelationID: env.CorrelationID,
			Format:        msg.Format,
			Args:          msg.Args,
			Recipient:     msg.Recipient,
		}))

	case wire.KindCmdResponse:
		var resp wire.CmdResponse
		if err := env.Decode(&resp); err != nil {
			p.logger.Warn("bad cmd_response frame", "town", c.TownID, "error", err)
			return
		}
		c.handleResponse(env.CorrelationID, resp.Text)

	default:
		// Forward compatibility: skip kinds this build doesn't know.
		p.logger.Debug("skipping unknown frame kind", "town", c.TownID, "kind", env.Kind)
	}
}

// register installs c as the town's connection, returning any connection
// it replaced.
func (p *Processor) register(c *Conn) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.conns[c.TownID]
	p.conns[c.TownID] = c
	return old
}

// unregisterIfCurrent removes c only if it is still the town's registered
// connection, so a replaced socket's exit doesn't clobber its successor.
func (p *Processor) unregisterIfCurrent(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[c.TownID] != c {
		return false
	}
	delete(p.conns, c.TownID)
	return true
}

// tupleKey formats the connection's TCP tuple the way town configs do:
// <remote-ip>_<remote-port>_<local-port>.
func tupleKey(nc net.Conn) string {
	rhost, rport, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return ""
	}
	_, lport, err := net.SplitHostPort(nc.LocalAddr().String())
	if err != nil {
		return ""
	}
	return rhost + "_" + rport + "_" + lport
}

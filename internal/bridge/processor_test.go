// ABOUTME: Bridge processor tests: tuple routing, rejection, commands, takeover.
// ABOUTME: Real TCP clients dial from pinned local ports to control the key.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/town-warden/internal/registry"
	"github.com/2389/town-warden/internal/town"
	"github.com/2389/town-warden/internal/wire"
)

// freePort reserves an ephemeral port and releases it for reuse.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type bridgeFixture struct {
	proc       *Processor
	events     chan town.Event
	serverPort int
	clientPort int
	key        string
}

// newFixture wires a processor whose registry knows exactly one town whose
// bridge key matches a client dialing from clientPort.
func newFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	serverPort := freePort(t)
	clientPort := freePort(t)
	key := fmt.Sprintf("127.0.0.1_%d_%d", clientPort, serverPort)

	reg, err := registry.New([]town.Config{{
		ID:        "river",
		Name:      "River Town",
		QueryURL:  "http://127.0.0.1:9999",
		BridgeKey: key,
	}})
	require.NoError(t, err)

	events := make(chan town.Event, 64)
	sink := func(ev town.Event) { events <- ev }

	proc := NewProcessor(fmt.Sprintf("127.0.0.1:%d", serverPort), reg, sink, slog.Default())
	require.NoError(t, proc.Start(context.Background()))
	t.Cleanup(proc.Stop)

	return &bridgeFixture{proc: proc, events: events, serverPort: serverPort, clientPort: clientPort, key: key}
}

// dial connects from the fixture's pinned client port.
func (f *bridgeFixture) dial(t *testing.T) net.Conn {
	t.Helper()
	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: f.clientPort}}
	nc, err := d.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", f.serverPort))
	require.NoError(t, err)
	return nc
}

func writeEnvelope(t *testing.T, nc net.Conn, kind, correlationID string, body any) {
	t.Helper()
	env, err := wire.NewEnvelope(kind, correlationID, body)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(nc, env))
}

func nextEvent(t *testing.T, ch chan town.Event) town.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridge event")
		return town.Event{}
	}
}

func TestProcessor_RoutesMessagesByTupleKey(t *testing.T) {
	f := newFixture(t)
	nc := f.dial(t)
	defer nc.Close()

	writeEnvelope(t, nc, wire.KindHello, "", wire.Hello{Name: "river-agent"})
	writeEnvelope(t, nc, wire.KindMessage, "", wire.Message{
		Format: "{0} found {1}!",
		Args:   []string{"ada", "a rune sword"},
	})

	up := nextEvent(t, f.events)
	assert.Equal(t, "river", up.TownID)
	link, ok := up.Payload.(*town.BridgeLink)
	require.True(t, ok)
	assert.True(t, link.Up)

	ev := nextEvent(t, f.events)
	assert.Equal(t, "river", ev.TownID)
	msg, ok := ev.Payload.(*town.BridgeMessage)
	require.True(t, ok)
	assert.Equal(t, "{0} found {1}!", msg.Format)
	assert.Equal(t, []string{"ada", "a rune sword"}, msg.Args)
}

func TestProcessor_RejectsUnknownTuple(t *testing.T) {
	f := newFixture(t)

	// Plain dial gets an arbitrary ephemeral port, so the tuple matches
	// no town and the server must hang up.
	nc, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", f.serverPort))
	require.NoError(t, err)
	defer nc.Close()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = nc.Read(buf)
	assert.Error(t, err, "unknown connections must be closed")
	assert.Empty(t, f.events, "unknown connections must produce no events")
}

func TestProcessor_PingPong(t *testing.T) {
	f := newFixture(t)
	nc := f.dial(t)
	defer nc.Close()

	writeEnvelope(t, nc, wire.KindPing, "ping-7", nil)

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := wire.ReadFrame(nc)
	require.NoError(t, err)
	assert.Equal(t, wire.KindPong, env.Kind)
	assert.Equal(t, "ping-7", env.CorrelationID)
}

func TestProcessor_Command_RoundTrip(t *testing.T) {
	f := newFixture(t)
	nc := f.dial(t)
	defer nc.Close()

	nextEvent(t, f.events) // link up

	// Game side: answer the first command that arrives.
	go func() {
		env, err := wire.ReadFrame(nc)
		if err != nil {
			return
		}
		var cmd wire.Command
		if env.Decode(&cmd) != nil || cmd.Text != "?uptime" {
			return
		}
		reply, err := wire.NewEnvelope(wire.KindCmdResponse, env.CorrelationID, wire.CmdResponse{Text: "up 42m"})
		if err == nil {
			wire.WriteFrame(nc, reply)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := f.proc.Command(ctx, "river", "?uptime")
	require.NoError(t, err)
	assert.Equal(t, "up 42m", resp)
}

func TestProcessor_Command_TimesOut(t *testing.T) {
	f := newFixture(t)
	nc := f.dial(t)
	defer nc.Close()

	nextEvent(t, f.events) // link up

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.proc.Command(ctx, "river", "?uptime")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessor_Command_NotConnected(t *testing.T) {
	f := newFixture(t)

	_, err := f.proc.Command(context.Background(), "river", "?uptime")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestProcessor_DisconnectFlipsLinkDown(t *testing.T) {
	f := newFixture(t)
	nc := f.dial(t)

	up := nextEvent(t, f.events)
	require.IsType(t, &town.BridgeLink{}, up.Payload)
	assert.True(t, f.proc.Connected("river"))

	nc.Close()

	down := nextEvent(t, f.events)
	link, ok := down.Payload.(*town.BridgeLink)
	require.True(t, ok)
	assert.False(t, link.Up)
	require.Eventually(t, func() bool { return !f.proc.Connected("river") }, time.Second, 5*time.Millisecond)
}

func TestProcessor_WrongVersionDisconnects(t *testing.T) {
	f := newFixture(t)
	nc := f.dial(t)
	defer nc.Close()

	nextEvent(t, f.events) // link up

	require.NoError(t, wire.WriteFrame(nc, wire.Envelope{V: 99, Kind: wire.KindMessage}))

	down := nextEvent(t, f.events)
	link, ok := down.Payload.(*town.BridgeLink)
	require.True(t, ok)
	assert.False(t, link.Up)
}

func TestProcessor_RegisterTakeover(t *testing.T) {
	p := NewProcessor("", nil, func(town.Event) {}, slog.Default())

	a1, b1 := net.Pipe()
	defer a1.Close()
	defer b1.Close()
	a2, b2 := net.Pipe()
	defer a2.Close()
	defer b2.Close()

	c1 := newConn("river", "k", b1, slog.Default())
	c2 := newConn("river", "k", b2, slog.Default())

	assert.Nil(t, p.register(c1))
	assert.Same(t, c1, p.register(c2), "second register must hand back the replaced conn")

	// The replaced connection's exit must not unregister its successor.
	assert.False(t, p.unregisterIfCurrent(c1))
	assert.True(t, p.Connected("river"))
	assert.True(t, p.unregisterIfCurrent(c2))
	assert.False(t, p.Connected("river"))
}

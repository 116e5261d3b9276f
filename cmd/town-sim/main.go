// ABOUTME: Local simulator for exercising a warden without real towns.
// ABOUTME: Usage: town-sim town [flags] | town-sim service [flags]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/town-warden/internal/auth"
	"github.com/2389/town-warden/internal/town"
	"github.com/2389/town-warden/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: town-sim <mode>")
		fmt.Println()
		fmt.Println("Modes:")
		fmt.Println("  town     Fake town: query server plus a bridge agent")
		fmt.Println("  service  Fake multi-account service")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "town":
		err = runTown(ctx, os.Args[2:])
	case "service":
		err = runService(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runTown(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("town", flag.ExitOnError)
	name := fs.String("name", "river", "town name sent in the bridge hello")
	queryAddr := fs.String("query-addr", "127.0.0.1:59001", "query server listen address")
	bridgeAddr := fs.String("bridge-addr", "", "warden bridge address to dial (empty disables)")
	localPort := fs.Int("local-port", 50001, "fixed source port for the bridge dial")
	multiplier := fs.Float64("multiplier", 1.0, "initial exp multiplier")
	fs.Parse(args)

	sim := newTownSim(*name, *multiplier)

	mux := http.NewServeMux()
	mux.HandleFunc("/sim/dungeon", sim.handleDungeon)
	mux.HandleFunc("/sim/raid", sim.handleRaid)
	mux.HandleFunc("/sim/end", sim.handleEnd)
	mux.HandleFunc("/sim/crash", sim.handleCrash)
	mux.HandleFunc("/sim/revive", sim.handleRevive)
	mux.HandleFunc("/sim/join", sim.handleJoin)
	mux.HandleFunc("/sim/leave", sim.handleLeave)
	mux.HandleFunc("/sim/multiplier", sim.handleMultiplier)
	mux.HandleFunc("/", sim.handleQuery)

	srv := &http.Server{Addr: *queryAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("town %s: query server listening on %s", sim.name, *queryAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if *bridgeAddr != "" {
		go sim.bridgeLoop(ctx, *bridgeAddr, *localPort)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// townSim holds the mutable game state served to pollers. The /sim/*
// endpoints mutate it so a warden's reactions can be watched live.
type townSim struct {
	name string

	mu         sync.Mutex
	started    time.Time
	crashed    bool
	dungeon    town.Dungeon
	raid       town.Raid
	multiplier town.Multiplier
	players    []town.Player
}

func newTownSim(name string, multiplier float64) *townSim {
	return &townSim{
		name:       name,
		started:    time.Now(),
		multiplier: town.Multiplier{Active: multiplier > 1, Value: multiplier},
		players: []town.Player{
			{Name: "ada", IsSynced: true},
			{Name: "brin", IsSynced: true, AutoRaid: true},
		},
	}
}

// handleQuery serves the select-style snapshot document the warden polls.
func (s *townSim) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.crashed {
		http.Error(w, "game not responding", http.StatusInternalServerError)
		return
	}

	snap := town.Snapshot{
		Session: town.Session{
			Authenticated:     true,
			SecondsSinceStart: time.Since(s.started).Seconds(),
		},
		Dungeon:    s.dungeon,
		Raid:       s.raid,
		Multiplier: s.multiplier,
		Village:    town.Village{Boost: "Exp 25%"},
		Players:    s.players,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *townSim) handleDungeon(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dungeon = town.Dungeon{
		IsActive:    true,
		BossHealth:  queryInt64(r, "boss", 175662),
		EnemyCount:  queryInt(r, "enemies", 49),
		PlayerCount: queryInt(r, "players", 13),
	}
	fmt.Fprintln(w, "dungeon started")
}

func (s *townSim) handleRaid(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raid = town.Raid{
		IsActive:    true,
		BossHealth:  queryInt64(r, "boss", 2000000),
		PlayerCount: queryInt(r, "players", 21),
	}
	fmt.Fprintln(w, "raid started")
}

func (s *townSim) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dungeon = town.Dungeon{}
	s.raid = town.Raid{}
	fmt.Fprintln(w, "activity ended")
}

func (s *townSim) handleCrash(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashed = true
	fmt.Fprintln(w, "query server now failing")
}

func (s *townSim) handleRevive(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashed = false
	s.started = time.Now() // a revived game starts a fresh session
	fmt.Fprintln(w, "query server healthy")
}

func (s *townSim) handleJoin(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name query parameter required", http.StatusBadRequest)
		return
	}
	autoRaid := r.URL.Query().Get("autoraid") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.players {
		if s.players[i].Name == name {
			s.players[i].AutoRaid = autoRaid
			fmt.Fprintln(w, "player updated")
			return
		}
	}
	s.players = append(s.players, town.Player{Name: name, IsSynced: true, AutoRaid: autoRaid})
	fmt.Fprintln(w, "player joined")
}

func (s *townSim) handleLeave(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.players[:0]
	for _, p := range s.players {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	s.players = kept
	fmt.Fprintln(w, "player left")
}

func (s *townSim) handleMultiplier(w http.ResponseWriter, r *http.Request) {
	value, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		http.Error(w, "value query parameter required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiplier = town.Multiplier{Active: value > 1, Value: value}
	fmt.Fprintln(w, "multiplier set")
}

// bridgeLoop keeps a bridge session alive, reconnecting with backoff from
// the same source port so the warden keeps recognizing the tuple.
func (s *townSim) bridgeLoop(ctx context.Context, addr string, localPort int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		err := s.bridgeSession(ctx, addr, localPort)
		if ctx.Err() != nil {
			return
		}
		log.Printf("bridge session ended: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *townSim) bridgeSession(ctx context.Context, addr string, localPort int) error {
	d := net.Dialer{
		Timeout: 5 * time.Second,
		// The warden identifies this connection by its TCP tuple; the
		// source port must stay fixed across reconnects.
		LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort},
	}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing bridge: %w", err)
	}
	defer nc.Close()

	hello, err := wire.NewEnvelope(wire.KindHello, "", wire.Hello{Name: s.name})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(nc, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	log.Printf("bridge connected to %s from port %d", addr, localPort)

	pingCtx, stopPings := context.WithCancel(ctx)
	defer stopPings()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				nc.Close()
				return
			case <-ticker.C:
				env, err := wire.NewEnvelope(wire.KindPing, "", nil)
				if err != nil {
					return
				}
				if err := wire.WriteFrame(nc, env); err != nil {
					return // the read loop sees the broken pipe
				}
			}
		}
	}()

	for {
		env, err := wire.ReadFrame(nc)
		if err != nil {
			return err
		}
		switch env.Kind {
		case wire.KindCommand:
			var cmd wire.Command
			if err := env.Decode(&cmd); err != nil {
				continue
			}
			log.Printf("command: %s", cmd.Text)
			resp, err := wire.NewEnvelope(wire.KindCmdResponse, env.CorrelationID,
				wire.CmdResponse{Text: s.execute(cmd.Text)})
			if err == nil {
				_ = wire.WriteFrame(nc, resp)
			}
		case wire.KindPing:
			pong, err := wire.NewEnvelope(wire.KindPong, env.CorrelationID, nil)
			if err == nil {
				_ = wire.WriteFrame(nc, pong)
			}
		case wire.KindPong:
			// Keepalive answer; nothing to do.
		default:
			log.Printf("skipping unknown frame kind %s", env.Kind)
		}
	}
}

// execute answers warden-issued commands with plausible game output.
func (s *townSim) execute(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "empty command"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch fields[0] {
	case "?players":
		return fmt.Sprintf("%d players in town", len(s.players))
	case "?uptime":
		return time.Since(s.started).Truncate(time.Second).String()
	case "?undorandleave":
		return "players restored to their activities"
	case "?sailall":
		return "everyone set sail"
	default:
		return "ok: " + text
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return def
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	if v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64); err == nil {
		return v
	}
	return def
}

func runService(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("service", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:7272", "listen address")
	secret := fs.String("secret", "", "shared token secret (required)")
	serverName := fs.String("name", "account-sim", "server name sent in hello_ok")
	accountsCSV := fs.String("accounts", "river", "comma-separated account names to report")
	multiplier := fs.Float64("multiplier", 1.0, "global exp multiplier to advertise")
	interval := fs.Duration("interval", 15*time.Second, "account update push interval")
	fs.Parse(args)

	if *secret == "" {
		return errors.New("-secret is required")
	}
	tokens := auth.New([]byte(*secret))
	accounts := strings.Split(*accountsCSV, ",")

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Printf("multi-account sim listening on %s", *addr)

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go serveLink(ctx, nc, tokens, *serverName, accounts, *multiplier, *interval)
	}
}

// serveLink runs one warden connection: token-checked hello, then periodic
// account pushes until either side drops.
func serveLink(ctx context.Context, nc net.Conn, tokens *auth.Tokens, serverName string, accounts []string, multiplier float64, interval time.Duration) {
	defer nc.Close()

	env, err := wire.ReadFrame(nc)
	if err != nil || env.Kind != wire.KindHello {
		log.Printf("link rejected: expected hello")
		return
	}
	var hello wire.Hello
	if err := env.Decode(&hello); err != nil {
		log.Printf("link rejected: bad hello: %v", err)
		return
	}
	peer, err := tokens.Verify(hello.Token)
	if err != nil {
		log.Printf("link rejected: %v", err)
		if e, envErr := wire.NewEnvelope(wire.KindError, "", wire.ErrorBody{Message: "bad token"}); envErr == nil {
			_ = wire.WriteFrame(nc, e)
		}
		return
	}
	ok, err := wire.NewEnvelope(wire.KindHelloOK, "", wire.HelloOK{ServerName: serverName})
	if err != nil {
		return
	}
	if err := wire.WriteFrame(nc, ok); err != nil {
		return
	}
	log.Printf("warden %q linked (hello name %s)", peer, hello.Name)

	var wmu sync.Mutex
	send := func(env wire.Envelope) error {
		wmu.Lock()
		defer wmu.Unlock()
		return wire.WriteFrame(nc, env)
	}

	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()
	go func() {
		push := func() {
			for _, account := range accounts {
				up := wire.AccountUpdate{
					Account:   strings.TrimSpace(account),
					Online:    true,
					Synced:    true,
					Resources: map[string]float64{wire.GlobalMultiplierKey: multiplier},
				}
				env, err := wire.NewEnvelope(wire.KindAccount, "", up)
				if err != nil {
					return
				}
				if err := send(env); err != nil {
					return
				}
			}
		}
		push()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pushCtx.Done():
				nc.Close()
				return
			case <-ticker.C:
				push()
			}
		}
	}()

	for {
		env, err := wire.ReadFrame(nc)
		if err != nil {
			log.Printf("link closed: %v", err)
			return
		}
		switch env.Kind {
		case wire.KindPing:
			if pong, err := wire.NewEnvelope(wire.KindPong, env.CorrelationID, nil); err == nil {
				_ = send(pong)
			}
		case wire.KindSendAs:
			var sa wire.SendAs
			if env.Decode(&sa) == nil {
				log.Printf("send_as %s: %s", sa.Account, sa.Text)
			}
		default:
			log.Printf("skipping unknown frame kind %s", env.Kind)
		}
	}
}

// ABOUTME: Entry point for the town-warden supervision daemon
// ABOUTME: Subcommands: run, init, towns, health, version

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/town-warden/internal/config"
	"github.com/2389/town-warden/internal/warden"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                                                            _
| |_ ___ __      ___ __          __      ____ _ _ __ __| | ___ _ __
| __/ _ \ \ /\ / / '_ \   _____  \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
| || (_) \ V  V /| | | | |_____|  \ V  V / (_| | | | (_| |  __/ | | |
 \__\___/ \_/\_/ |_| |_|           \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

// getConfigPath returns the path to the warden config file.
// Priority: TOWN_WARDEN_CONFIG env var > XDG_CONFIG_HOME/town-warden/warden.yaml > ~/.config/town-warden/warden.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOWN_WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warden.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "town-warden", "warden.yaml")
}

// getDataPath returns the path to the warden data directory.
// Priority: XDG_DATA_HOME/town-warden > ~/.local/share/town-warden
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "town-warden")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: town-warden <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run      Start the warden daemon")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  towns    List towns and their health")
		fmt.Println("  health   Check warden health")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runDaemon(ctx)
	case "init":
		err = runInit()
	case "towns":
		err = runTowns(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Towns:     %s\n", cfg.TownsFile)
	green.Print("    ▶ ")
	fmt.Printf("Bridge:    %s\n", cfg.Server.BridgeAddr)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Ops:       ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Ops:       %s\n", cfg.Server.OpsAddr)
	}
	if cfg.MultiAccount.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Accounts:  %s\n", cfg.MultiAccount.Addr)
	}
	fmt.Println()

	logger.Info("starting town-warden",
		"config", configPath,
		"towns_file", cfg.TownsFile,
		"ops_addr", cfg.Server.OpsAddr,
		"bridge_addr", cfg.Server.BridgeAddr,
	)

	w, err := warden.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating warden: %w", err)
	}

	return w.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// opsBaseURL picks the address the CLI subcommands talk to. On a tailnet
// deployment the ops API lives on the node's MagicDNS name.
func opsBaseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.OpsAddr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := opsBaseURL(cfg) + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runTowns(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := opsBaseURL(cfg) + "/api/towns"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing towns failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing towns failed: status %d", resp.StatusCode)
	}

	var towns []warden.TownStatus
	if err := json.NewDecoder(resp.Body).Decode(&towns); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(towns) == 0 {
		fmt.Println("no towns configured")
		return nil
	}

	for _, t := range towns {
		printTown(t)
	}
	return nil
}

func printTown(t warden.TownStatus) {
	dot := color.New(color.FgGreen)
	switch t.Health {
	case "dead":
		dot = color.New(color.FgRed)
	case "unresponsive":
		dot = color.New(color.FgYellow)
	case "starting", "restarting", "unknown":
		dot = color.New(color.FgCyan)
	}
	dot.Print("  ● ")

	state := t.Health
	if t.Paused {
		state += " (paused)"
	}
	if t.RestartInFlight {
		state += " (restarting)"
	}
	fmt.Printf("%-14s %-24s %3d players  up %-10s", t.TownID, state, t.Players, formatUptime(t.UptimeSeconds))

	gray := color.New(color.FgHiBlack)
	if t.BridgeUp {
		gray.Print("  bridge ✓")
	} else {
		gray.Print("  bridge ✗")
	}
	if t.Boost != "" {
		gray.Printf("  boost %s", t.Boost)
	}
	if t.Note != "" {
		gray.Printf("  — %s", t.Note)
	}
	fmt.Println()
}

func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("town-warden configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "warden.db")
	defaultTownsPath := filepath.Join(filepath.Dir(defaultConfigPath), "towns.jsonc")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	opsAddr := prompt(reader, "Ops API address", config.DefaultOpsAddr)
	bridgeAddr := prompt(reader, "Bridge listener address", config.DefaultBridgeAddr)

	fmt.Println("\n--- Fleet Configuration ---")
	townsFile := prompt(reader, "Towns file path", defaultTownsPath)
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Multi-Account Configuration ---")
	enableAccounts := prompt(reader, "Enable the multi-account link?", "no")
	accountsEnabled := strings.ToLower(enableAccounts) == "yes" || strings.ToLower(enableAccounts) == "y"

	var accountsAddr, accountsName, tokenSecret string
	if accountsEnabled {
		accountsAddr = prompt(reader, "Multi-account service address", "127.0.0.1:7272")
		accountsName = prompt(reader, "Warden name (token subject)", "town-warden")
		tokenSecret = prompt(reader, "Token secret (leave empty to generate)", "")
		if tokenSecret == "" {
			secret, err := generateSecret()
			if err != nil {
				return fmt.Errorf("generating token secret: %w", err)
			}
			tokenSecret = secret
			fmt.Printf("  generated token secret: %s\n", tokenSecret)
		}
	}

	fmt.Println("\n--- Alerting ---")
	operator := prompt(reader, "Operator chat account for alerts (empty disables)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Serve the ops API on a tailnet?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "town-warden")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# town-warden configuration\n")
	cfg.WriteString("# Generated by town-warden init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  ops_addr: %q\n", opsAddr))
	cfg.WriteString(fmt.Sprintf("  bridge_addr: %q\n", bridgeAddr))
	cfg.WriteString("\n")

	cfg.WriteString(fmt.Sprintf("towns_file: %q\n\n", townsFile))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("daemon:\n")
	cfg.WriteString(fmt.Sprintf("  state_dir: %q\n", filepath.Dir(dbPath)))
	cfg.WriteString("\n")

	cfg.WriteString("multiaccount:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", accountsEnabled))
	if accountsEnabled {
		cfg.WriteString(fmt.Sprintf("  addr: %q\n", accountsAddr))
		cfg.WriteString(fmt.Sprintf("  name: %q\n", accountsName))
		cfg.WriteString(fmt.Sprintf("  token_secret: %q\n", tokenSecret))
		cfg.WriteString("  staleness_grace: \"90s\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("supervision:\n")
	cfg.WriteString("  poll_interval: \"20s\"\n")
	cfg.WriteString("  poll_timeout: \"5s\"\n")
	cfg.WriteString("  unresponsive_at: 3\n")
	cfg.WriteString("  dead_at: 5\n")
	cfg.WriteString("  retry_budget: 3\n")
	cfg.WriteString("  retry_window: \"180s\"\n")
	cfg.WriteString("  stop_grace: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("alerts:\n")
	cfg.WriteString(fmt.Sprintf("  operator: %q\n", operator))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if _, err := os.Stat(townsFile); os.IsNotExist(err) {
		if err := os.WriteFile(townsFile, []byte(exampleTowns), 0644); err != nil {
			return fmt.Errorf("writing towns file: %w", err)
		}
		fmt.Printf("\nExample towns file written to %s\n", townsFile)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the warden:")
	fmt.Printf("  town-warden run\n")

	return nil
}

// exampleTowns seeds a new deployment with one commented-out entry.
const exampleTowns = `// town-warden fleet file. One entry per supervised town.
// Remove the comment markers and adjust to your deployment.
[
	// {
	// 	"id": "river",
	// 	"name": "Riverhollow",
	// 	"query_url": "http://127.0.0.1:59001",
	// 	"bridge_key": "127.0.0.1_50001_7171",
	// 	"start_script": "/opt/towns/river/start.sh",
	// 	"stop_script": "/opt/towns/river/stop.sh",
	// 	"sandbox_id": "river-box",
	// 	"auto_restart": true,
	// 	"event_notifications": true,
	// 	"channel_points_redeems": true,
	// 	"restart_period": "12h",
	// 	"welcome_message": "Welcome to {townName}, {userName}!",
	// 	"redeem_actions": {
	// 		"coins": "!addcoins {userName} 100"
	// 	}
	// }
]
`

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

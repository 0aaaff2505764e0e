// ABOUTME: Entry point for the support-relay server and its operator commands
// ABOUTME: Dispatches serve, init, token, health and stats subcommands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/support-relay/internal/auth"
	"github.com/2389/support-relay/internal/config"
	"github.com/2389/support-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                   _                  _
 ___ _   _ _ __  _ __   ___  _ __| |_      _ __ ___| | __ _ _   _
/ __| | | | '_ \| '_ \ / _ \| '__| __|____| '__/ _ \ |/ _' | | | |
\__ \ |_| | |_) | |_) | (_) | |  | ||_____| | |  __/ | (_| | |_| |
|___/\__,_| .__/| .__/ \___/|_|   \__|    |_|  \___|_|\__,_|\__, |
          |_|   |_|                                         |___/
`

// defaultTokenTTL is used by "token" when --ttl is not given.
const defaultTokenTTL = 30 * 24 * time.Hour

func usage() {
	fmt.Println("Usage: support-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the relay server")
	fmt.Println("  init [--force]               Write a starter config with a fresh JWT secret")
	fmt.Println("  token --name NAME [--ttl D]  Mint an agent token (default ttl 720h, 0 = never expires)")
	fmt.Println("  health                       Check relay readiness")
	fmt.Println("  stats                        Print live relay counters")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	if cfg.Database.Path != "" {
		fmt.Printf("Archive:   %s\n", cfg.Database.Path)
	} else {
		fmt.Print("Archive:   ")
		yellow.Println("memory only")
	}
	green.Print("    ▶ ")
	fmt.Print("Auth:      ")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("agent tokens required")
	} else {
		yellow.Println("disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting support-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// generateSecret returns a random base64 secret long enough for HS256.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit(args []string) error {
	force := false
	for _, arg := range args {
		switch arg {
		case "--force", "-f":
			force = true
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	content := strings.Replace(config.Starter, "${SUPPORT_RELAY_JWT_SECRET}", secret, 1)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file carries the JWT secret.
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    support-relay token --name \"Support Desk\"   # mint an agent token")
	fmt.Println("    support-relay serve                         # start the relay")
	return nil
}

// parseTokenArgs accepts "--name value", "--name=value" and the same for --ttl.
func parseTokenArgs(args []string) (name string, ttl time.Duration, err error) {
	ttl = defaultTokenTTL
	var ttlRaw string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return "", 0, errors.New("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return "", 0, errors.New("--ttl requires a value")
			}
			ttlRaw = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			ttlRaw = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return "", 0, fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", 0, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", 0, errors.New("--name flag is required")
	}
	if len(name) > 100 {
		return "", 0, errors.New("name exceeds maximum length of 100 characters")
	}

	if ttlRaw != "" {
		ttl, err = time.ParseDuration(ttlRaw)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --ttl: %w", err)
		}
		if ttl < 0 {
			return "", 0, errors.New("--ttl must not be negative")
		}
	}
	return name, ttl, nil
}

func runToken(args []string) error {
	name, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (agent auth is disabled)", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Fprintf(os.Stderr, "  Agent token for %s", name)
	if ttl > 0 {
		gray.Fprintf(os.Stderr, " (expires %s)", time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	} else {
		gray.Fprint(os.Stderr, " (no expiry)")
	}
	fmt.Fprintln(os.Stderr)

	// The token alone goes to stdout so it can be captured by scripts.
	fmt.Println(token)
	return nil
}

// get performs a GET against the relay's HTTP address from the config.
func get(ctx context.Context, path string) (*http.Response, []byte, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, body, nil
}

func runHealth(ctx context.Context) error {
	resp, body, err := get(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

func runStats(ctx context.Context) error {
	resp, body, err := get(ctx, "/api/stats")
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats: status %d: %s", resp.StatusCode, body)
	}

	var stats gateway.StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	row := func(label string, value int) {
		fmt.Printf("  %-20s ", label)
		cyan.Println(value)
	}
	row("Clients", stats.Clients)
	row("Online clients", stats.OnlineClients)
	row("Client connections", stats.ClientConnections)
	row("Agents", stats.Agents)
	row("Connections", stats.Connections)
	row("Conversations", stats.Conversations)
	row("Messages", stats.Messages)
	fmt.Printf("  %-20s ", "Unread")
	if stats.Unread > 0 {
		yellow.Println(stats.Unread)
	} else {
		cyan.Println(stats.Unread)
	}
	return nil
}

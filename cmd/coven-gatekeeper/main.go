// ABOUTME: Entry point for the coven-gatekeeper admission server
// ABOUTME: Subcommands serve, health, ready, and jwt for minting API caller tokens

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-gatekeeper/internal/auth"
	"github.com/2389/coven-gatekeeper/internal/config"
	"github.com/2389/coven-gatekeeper/internal/server"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
                                                _            _
  ___ _____   _____ _ __         __ _  __ _| |_ ___| | _____  ___ _ __   ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' |/ _' | __/ _ \ |/ / _ \/ _ \ '_ \ / _ \ '__|
| (_| (_) \ V /  __/ | | |_____| (_| | (_| | ||  __/   <  __/  __/ |_) |  __/ |
 \___\___/ \_/ \___|_| |_|      \__, |\__,_|\__\___|_|\_\___|\___| .__/ \___|_|
                                |___/                            |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-gatekeeper <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                               Start the gatekeeper server")
		fmt.Println("  health                              Check gatekeeper liveness")
		fmt.Println("  ready                               Check gatekeeper readiness (store reachable)")
		fmt.Println("  jwt --sub NAME [--role R] [--ttl D] Mint an API caller token from auth.jwt_secret")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "jwt":
		err = runJWT(os.Args[2:])
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

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Limits:    %d req / %s (burst %d), %d sessions, ceiling %s\n",
		cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window, cfg.RateLimit.Burst,
		cfg.Sessions.MaxPerUser, cfg.Budget.CostCeiling)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API authentication disabled (no auth.jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting coven-gatekeeper",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// runProbe requests a health endpoint on the configured HTTP address.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runJWT mints a caller token signed with the configured secret.
// Supports "--flag value" and "--flag=value".
func runJWT(args []string) error {
	subject := ""
	role := auth.RoleService
	ttl := 30 * 24 * time.Hour

	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !hasValue {
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		switch name {
		case "--sub", "-s":
			subject = value
		case "--role", "-r":
			role = value
		case "--ttl", "-t":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid ttl: %w", err)
			}
			ttl = d
		default:
			return fmt.Errorf("unknown flag: %s", name)
		}
	}

	if subject == "" {
		return fmt.Errorf("usage: coven-gatekeeper jwt --sub <name> [--role service|admin] [--ttl 720h]")
	}
	if role != auth.RoleService && role != auth.RoleAdmin {
		return fmt.Errorf("role must be %s or %s", auth.RoleService, auth.RoleAdmin)
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT signer: %w", err)
	}
	token, err := verifier.Generate(subject, role, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Fprintln(os.Stderr)
	green.Fprintln(os.Stderr, "  Token created")
	cyan.Fprintf(os.Stderr, "  Subject:  %s\n", subject)
	cyan.Fprintf(os.Stderr, "  Role:     %s\n", role)
	cyan.Fprintf(os.Stderr, "  Expires:  %s\n", time.Now().Add(ttl).Format(time.RFC3339))
	fmt.Fprintln(os.Stderr)
	fmt.Println(token)
	return nil
}

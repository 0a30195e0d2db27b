// ABOUTME: Admin CLI for the coven-gatekeeper operator API
// ABOUTME: Talks HTTP with a bearer JWT to manage tokens, users, the audit log and sweeps

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
)

const banner = `
                                      _           _
  ___ _____   _____ _ __         __ _| |_ __ ___ (_)_ __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | | '_ ' _ \| | '_ \
| (_| (_) \ V /  __/ | | |_____| (_| | | | | | | | | | | |
 \___\___/ \_/ \___|_| |_|      \__,_|_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(getEnv("COVEN_GATEKEEPER_URL", "http://localhost:8080"), getToken())

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(c)
	case "tokens":
		err = cmdTokens(c, args)
	case "users":
		err = cmdUsers(c, args)
	case "audit":
		err = cmdAudit(c, args)
	case "sweep":
		err = cmdSweep(c)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                       Show gatekeeper health and readiness")
	fmt.Println("  tokens                       List access tokens")
	fmt.Println("  tokens create                Issue an access token (--class, --ttl|--no-expiry,")
	fmt.Println("                               --single-use, --user, --note)")
	fmt.Println("  tokens revoke <id>           Revoke an access token")
	fmt.Println("  users                        List known users")
	fmt.Println("  users show <id>              Show spend, budget and sessions for a user")
	fmt.Println("  users deny <id>              Ban a user")
	fmt.Println("  users allow <id>             Lift a ban")
	fmt.Println("  users reset-spend <id>       Zero a user's cumulative spend")
	fmt.Println("  audit [filters]              Query the audit log")
	fmt.Println("  sweep                        Run one maintenance pass now")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_GATEKEEPER_URL     Gatekeeper HTTP URL (default: http://localhost:8080)")
	fmt.Println("  COVEN_TOKEN              Admin JWT (falls back to ~/.config/coven/token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export COVEN_TOKEN=$(coven-gatekeeper jwt --sub ops --role admin)")
	fmt.Println("  coven-admin tokens create --class standard --ttl 72h --single-use")
	fmt.Println("  coven-admin users deny mallory")
	fmt.Println("  coven-admin audit --user alice --decision deny --limit 20")
	fmt.Println()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the JWT token from COVEN_TOKEN env var or ~/.config/coven/token file
func getToken() string {
	if token := os.Getenv("COVEN_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "coven", "token"))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseFlags reads "--name value" pairs and boolean switches. Positional
// arguments are returned in order.
func parseFlags(args []string, switches ...string) (map[string]string, []string, error) {
	isSwitch := make(map[string]bool, len(switches))
	for _, s := range switches {
		isSwitch[s] = true
	}

	flags := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			positional = append(positional, a)
			continue
		}
		name := strings.TrimPrefix(a, "--")
		if k, v, ok := strings.Cut(name, "="); ok {
			flags[k] = v
			continue
		}
		if isSwitch[name] {
			flags[name] = "true"
			continue
		}
		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("--%s requires a value", name)
		}
		flags[name] = args[i+1]
		i++
	}
	return flags, positional, nil
}

func formatWhen(ts string) string {
	if ts == "" {
		return "-"
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Local().Format("Jan 02 15:04")
		}
	}
	return ts
}

// ABOUTME: Token subcommands for coven-admin
// ABOUTME: Lists, issues and revokes access tokens over the operator API

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/coven-gatekeeper/internal/admin"
)

func cmdTokens(c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list":
		return cmdTokensList(c)
	case "create":
		return cmdTokensCreate(c, args)
	case "revoke":
		return cmdTokensRevoke(c, args)
	default:
		return fmt.Errorf("unknown tokens subcommand: %s (use list, create, revoke)", subcmd)
	}
}

func cmdTokensList(c *client) error {
	var resp admin.ListTokensResponse
	if err := c.do(context.Background(), http.MethodGet, "/api/admin/tokens", nil, nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Access Tokens")
	cyan.Println("  -------------")

	if len(resp.Tokens) == 0 {
		fmt.Println("  (no tokens)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tCLASS\tUSER\tUSE\tSTATE\tEXPIRES\tNOTE")
	fmt.Fprintln(w, "  --\t-----\t----\t---\t-----\t-------\t----")

	for _, t := range resp.Tokens {
		use := "multi"
		if t.SingleUse {
			use = "single"
		}
		user := t.UserID
		if user == "" {
			user = "-"
		}
		expires := "never"
		if t.ExpiresAt != nil {
			expires = formatWhen(*t.ExpiresAt)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(t.ID, 26), t.Class, truncate(user, 20), use, tokenState(t), expires, truncate(t.Note, 30))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func tokenState(t admin.TokenResponse) string {
	switch {
	case t.RevokedAt != nil:
		return color.RedString("revoked")
	case t.Usable:
		return color.GreenString("usable")
	case t.UsedAt != nil:
		return color.HiBlackString("used")
	default:
		return color.HiBlackString("expired")
	}
}

func cmdTokensCreate(c *client, args []string) error {
	flags, _, err := parseFlags(args, "single-use", "no-expiry")
	if err != nil {
		return err
	}

	req := admin.IssueTokenRequest{
		Class:     flags["class"],
		TTL:       flags["ttl"],
		NoExpiry:  flags["no-expiry"] == "true",
		SingleUse: flags["single-use"] == "true",
		UserID:    flags["user"],
		Note:      flags["note"],
	}

	var resp admin.IssueTokenResponse
	if err := c.do(context.Background(), http.MethodPost, "/api/admin/tokens", nil, req, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  Token issued")
	fmt.Println()
	cyan.Println("  ID:         " + resp.ID)
	cyan.Println("  Class:      " + resp.Class)
	if resp.UserID != "" {
		cyan.Println("  User:       " + resp.UserID)
	}
	if resp.SingleUse {
		cyan.Println("  Single use: yes")
	}
	if resp.ExpiresAt != nil {
		cyan.Println("  Expires:    " + *resp.ExpiresAt)
	} else {
		cyan.Println("  Expires:    never")
	}
	fmt.Println()
	fmt.Println("  Token (shown once, keep this secret!):")
	fmt.Println()
	fmt.Println("  " + resp.Token)
	fmt.Println()

	return nil
}

func cmdTokensRevoke(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tokens revoke <token-id>")
	}
	id := args[0]

	if err := c.do(context.Background(), http.MethodDelete, "/api/admin/tokens/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Revoked token: %s\n", id)
	return nil
}

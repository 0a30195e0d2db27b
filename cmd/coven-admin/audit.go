// ABOUTME: Audit, sweep and status subcommands for coven-admin
// ABOUTME: Audit filters map onto query parameters of the operator API

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-gatekeeper/internal/admin"
)

// auditQuery turns CLI filters into query parameters. since and until take
// an RFC3339 time or a duration counted back from now.
func auditQuery(args []string, now time.Time) (url.Values, error) {
	flags, _, err := parseFlags(args)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for flag, param := range map[string]string{
		"user":     "user_id",
		"action":   "action",
		"decision": "decision",
		"reason":   "reason",
		"limit":    "limit",
	} {
		if v := flags[flag]; v != "" {
			query.Set(param, v)
		}
	}
	for _, key := range []string{"since", "until"} {
		v := flags[key]
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			v = now.Add(-d).UTC().Format(time.RFC3339)
		} else if _, err := time.Parse(time.RFC3339, v); err != nil {
			return nil, fmt.Errorf("--%s must be a duration or RFC3339 time", key)
		}
		query.Set(key, v)
	}
	return query, nil
}

func cmdAudit(c *client, args []string) error {
	query, err := auditQuery(args, time.Now())
	if err != nil {
		return err
	}

	var resp admin.ListAuditResponse
	if err := c.do(context.Background(), http.MethodGet, "/api/admin/audit", query, nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Audit Log")
	cyan.Println("  ---------")

	if len(resp.Entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tUSER\tACTION\tDECISION\tREASON\tSESSION\tCOST")
	fmt.Fprintln(w, "  ----\t----\t------\t--------\t------\t-------\t----")
	for _, e := range resp.Entries {
		decision := e.Decision
		switch decision {
		case "allow":
			decision = color.GreenString(decision)
		case "deny":
			decision = color.RedString(decision)
		case "":
			decision = "-"
		}
		cost := "-"
		if e.Cost != 0 {
			cost = fmt.Sprintf("$%.4f", e.Cost)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatWhen(e.Timestamp), truncate(e.UserID, 20), e.Action, decision,
			dash(e.Reason), truncate(dash(e.SessionID), 14), cost)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdSweep(c *client) error {
	var report admin.SweepReport
	if err := c.do(context.Background(), http.MethodPost, "/api/admin/sweep", nil, nil, &report); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Println("✓ Sweep complete")
	fmt.Printf("  Expired sessions:   %d\n", report.ExpiredSessions)
	fmt.Printf("  Pruned sessions:    %d\n", report.PrunedSessions)
	fmt.Printf("  Spend flushed:      %d\n", report.SpendFlushed)
	if report.SpendFlushErrors > 0 {
		color.Yellow("  Spend flush errors: %d\n", report.SpendFlushErrors)
	}
	fmt.Printf("  Users dropped:      %d\n", report.UsersDropped)
	fmt.Printf("  Rate buckets freed: %d\n", report.RateBucketsDropped)
	fmt.Printf("  Tokens deleted:     %d\n", report.TokensDeleted)
	return nil
}

func cmdStatus(c *client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Gatekeeper Status")
	cyan.Println("  -----------------")
	fmt.Printf("  URL:      %s\n", c.baseURL)

	for _, p := range []struct{ label, path string }{
		{"Health:", "/health"},
		{"Ready:", "/health/ready"},
	} {
		code, err := c.probe(ctx, p.path)
		state := color.GreenString("ok")
		switch {
		case err != nil:
			state = color.RedString("unreachable (%v)", err)
		case code != http.StatusOK:
			state = color.RedString("%d %s", code, strings.ToLower(http.StatusText(code)))
		}
		fmt.Printf("  %-9s %s\n", p.label, state)
	}
	fmt.Println()
	return nil
}

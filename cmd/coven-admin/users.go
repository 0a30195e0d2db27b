// ABOUTME: User subcommands for coven-admin
// ABOUTME: Lists users, shows spend and sessions, bans and resets spend

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
	"github.com/2389/coven-gatekeeper/internal/store"
)

func cmdUsers(c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list":
		return cmdUsersList(c, args)
	case "show":
		return cmdUsersShow(c, args)
	case "deny", "allow", "reset-spend":
		return cmdUsersAction(c, subcmd, args)
	default:
		return fmt.Errorf("unknown users subcommand: %s (use list, show, deny, allow, reset-spend)", subcmd)
	}
}

func cmdUsersList(c *client, args []string) error {
	flags, _, err := parseFlags(args)
	if err != nil {
		return err
	}
	query := url.Values{}
	if v := flags["limit"]; v != "" {
		query.Set("limit", v)
	}

	var resp admin.ListUsersResponse
	if err := c.do(context.Background(), http.MethodGet, "/api/admin/users", query, nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Users")
	cyan.Println("  -----")

	if len(resp.Users) == 0 {
		fmt.Println("  (no users)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USER\tCLASS\tSPEND\tLAST SEEN")
	fmt.Fprintln(w, "  ----\t-----\t-----\t---------")
	for _, u := range resp.Users {
		fmt.Fprintf(w, "  %s\t%s\t$%.2f\t%s\n",
			truncate(u.UserID, 32), classLabel(u.Class), u.TotalSpend, formatWhen(u.LastSeenAt))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func classLabel(class string) string {
	if class == string(store.ClassDenied) {
		return color.RedString(class)
	}
	return class
}

func cmdUsersShow(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: users show <user-id>")
	}

	var u admin.UserDetailResponse
	if err := c.do(context.Background(), http.MethodGet, "/api/admin/users/"+url.PathEscape(args[0]), nil, nil, &u); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Printf("  %s\n", u.UserID)
	fmt.Println()
	fmt.Printf("  Class:       %s\n", classLabel(u.Class))
	fmt.Printf("  Spend:       $%.2f\n", u.TotalSpend)
	if u.RemainingBudget != nil {
		fmt.Printf("  Remaining:   $%.2f\n", *u.RemainingBudget)
	} else {
		fmt.Printf("  Remaining:   unlimited\n")
	}
	fmt.Printf("  First seen:  %s\n", formatWhen(u.CreatedAt))
	fmt.Printf("  Last seen:   %s\n", formatWhen(u.LastSeenAt))
	if u.SpendResetAt != nil {
		fmt.Printf("  Reset at:    %s\n", formatWhen(*u.SpendResetAt))
	}
	fmt.Println()

	yellow.Println("  Sessions")
	if len(u.Sessions) == 0 {
		fmt.Println("  (no sessions)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tTURNS\tCOST\tLAST ACTIVITY\tCLOSE REASON")
	fmt.Fprintln(w, "  --\t------\t-----\t----\t-------------\t------------")
	for _, s := range u.Sessions {
		reason := s.CloseReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t$%.2f\t%s\t%s\n",
			truncate(s.ID, 26), s.Status, s.TurnCount, s.AccumulatedCost, formatWhen(s.LastActivity), reason)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdUsersAction(c *client, action string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: users %s <user-id>", action)
	}
	userID := args[0]

	path := "/api/admin/users/" + url.PathEscape(userID) + "/" + action
	if err := c.do(context.Background(), http.MethodPost, path, nil, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	switch action {
	case "deny":
		green.Printf("✓ Denied user: %s\n", userID)
	case "allow":
		green.Printf("✓ Allowed user: %s\n", userID)
	default:
		green.Printf("✓ Reset spend for: %s\n", userID)
	}
	return nil
}

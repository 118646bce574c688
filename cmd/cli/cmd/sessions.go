package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage the session pool",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show unused, banned and per-tenant session counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withIDs, _ := cmd.Flags().GetBool("ids")
		result, err := newClient().Sessions(withIDs)
		if err != nil {
			return err
		}

		cmd.Printf("%sUnused:%s  %d\n", colorDim, colorReset, result.Unused)
		cmd.Printf("%sBanned:%s  %s%d%s\n", colorDim, colorReset, colorRed, result.Banned, colorReset)

		tenants := make([]string, 0, len(result.Assigned))
		for t := range result.Assigned {
			tenants = append(tenants, t)
		}
		sort.Strings(tenants)
		if len(tenants) > 0 {
			cmd.Printf("%sAssigned:%s\n", colorDim, colorReset)
			for _, t := range tenants {
				cmd.Printf("  %-20s %d\n", t, result.Assigned[t])
			}
		}
		if withIDs {
			cmd.Printf("%sUnused IDs:%s %s\n", colorDim, colorReset, strings.Join(result.UnusedIDs, " "))
			cmd.Printf("%sBanned IDs:%s %s\n", colorDim, colorReset, strings.Join(result.BannedIDs, " "))
		}
		return nil
	},
}

var sessionsBanCmd = &cobra.Command{
	Use:   "ban [session_id]",
	Short: "Move a session to the banned partition",
	Long:  `Ban a session. A tenant using it retires it and takes a replacement on its next cycle.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().Ban(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("⛔ Session %s banned\n", result.SessionID)
		return nil
	},
}

var sessionsVerifyCmd = &cobra.Command{
	Use:   "verify [session_id...]",
	Short: "Check that sessions can still log in",
	Long:  `Connect each session through the gateway and report its health. Banned sessions and sessions of a tenant with a cycle in flight are reported without connecting.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().Verify(args)
		if err != nil {
			return err
		}
		for _, r := range result.Results {
			line := fmt.Sprintf("%-20s %s%-13s%s", r.SessionID, healthColor(r.Health), r.Health, colorReset)
			if r.Location != "" {
				line += " " + r.Location
				if r.TenantID != "" {
					line += "/" + r.TenantID
				}
			}
			if r.Reason != "" {
				line += fmt.Sprintf(" %s(%s)%s", colorDim, r.Reason, colorReset)
			}
			cmd.Println(line)
		}
		return nil
	},
}

func healthColor(health string) string {
	switch health {
	case "active":
		return colorGreen
	case "banned", "unauthorized", "missing":
		return colorRed
	default:
		return colorYellow
	}
}

func init() {
	sessionsListCmd.Flags().Bool("ids", false, "List unused and banned session IDs")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsBanCmd, sessionsVerifyCmd)
	rootCmd.AddCommand(sessionsCmd)
}

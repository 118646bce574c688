package cmd

import (
	"strings"

	"campaignplane/pkg/api"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register [tenant_id]",
	Short: "Register a tenant on a plan",
	Long: `Register a tenant with its plan mode. Registering an existing tenant changes nothing.

Example:
  campaignctl register acme --mode starter
  campaignctl register globex --mode enterprise --max-sessions 6`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		mode, _ := flags.GetString("mode")
		status, _ := flags.GetString("plan-status")
		maxSessions, _ := flags.GetInt("max-sessions")

		result, err := newClient().Register(args[0], api.RegisterRequest{
			PlanMode:    mode,
			PlanStatus:  status,
			MaxSessions: maxSessions,
		})
		if err != nil {
			return err
		}
		if result.Created {
			cmd.Printf("✅ Tenant registered!\nID: %s\n", result.TenantID)
		} else {
			cmd.Printf("Tenant %s already registered\n", result.TenantID)
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan [tenant_id]",
	Short: "Change a tenant's plan",
	Long:  `Change the plan mode, billing status or session allowance of a tenant. Omitted flags are left unchanged.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		mode, _ := flags.GetString("mode")
		status, _ := flags.GetString("plan-status")
		maxSessions, _ := flags.GetInt("max-sessions")

		err := newClient().UpdatePlan(args[0], api.PlanRequest{
			PlanMode:    mode,
			PlanStatus:  status,
			MaxSessions: maxSessions,
		})
		if err != nil {
			return err
		}
		cmd.Printf("Plan of %s updated\n", args[0])
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start [tenant_id]",
	Short: "Start delivering for a tenant",
	Long: `Allocate sessions and credential pairs to a tenant and mark it running.
The scheduler picks it up on its next tick.

Example:
  campaignctl start acme
  campaignctl start acme --minutes 90`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		mode, _ := flags.GetString("mode")
		status, _ := flags.GetString("plan-status")
		minutes, _ := flags.GetInt("minutes")

		result, err := newClient().Start(args[0], api.StartRequest{
			PlanStatus:        status,
			PlanMode:          mode,
			TotalCycleMinutes: minutes,
		})
		if err != nil {
			return err
		}
		if result.AlreadyRunning {
			cmd.Printf("Tenant %s is already running with %d sessions\n", result.TenantID, result.Sessions)
			return nil
		}
		cmd.Printf("🚀 Tenant started!\nID:       %s\nMode:     %s\nSessions: %d\n", result.TenantID, result.PlanMode, result.Sessions)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [tenant_id]",
	Short: "Stop delivering for a tenant",
	Long:  `Mark a tenant stopped. An in-flight cycle finishes its current delivery and exits. Sessions stay assigned.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().Stop(args[0])
		if err != nil {
			return err
		}
		if result.AlreadyStopped {
			cmd.Printf("Tenant %s was not running\n", result.TenantID)
			return nil
		}
		cmd.Printf("🛑 Tenant %s stopped\n", result.TenantID)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release [tenant_id]",
	Short: "Return a stopped tenant's sessions to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().Release(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Released %d sessions of %s\n", result.Released, result.TenantID)
		return nil
	},
}

var payloadCmd = &cobra.Command{
	Use:   "payload [tenant_id] [link]",
	Short: "Set the message a tenant delivers",
	Long: `Set the tenant's payload to a message link.

Example:
  campaignctl payload acme https://t.me/acme_news/42`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().UpdatePayload(args[0], api.PayloadRequest{Ref: args[1]}); err != nil {
			return err
		}
		cmd.Printf("Payload of %s updated\n", args[0])
		return nil
	},
}

var destinationsCmd = &cobra.Command{
	Use:   "destinations [tenant_id] [destination...]",
	Short: "Replace a tenant's own destination list",
	Long: `Replace the destinations used when the plan's destination file is empty.
Each destination is a -100 prefixed ID, optionally followed by #topic.

Example:
  campaignctl destinations acme -- -1001234567 -1007654321#12`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list := args[1:]
		if err := newClient().UpdateDestinations(args[0], api.DestinationsRequest{Destinations: list}); err != nil {
			return err
		}
		cmd.Printf("Destinations of %s set (%d): %s\n", args[0], len(list), strings.Join(list, ", "))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, planCmd} {
		c.Flags().String("mode", "", "Plan mode: starter or enterprise")
		c.Flags().String("plan-status", "", "Billing status: active, expired or inactive")
		c.Flags().Int("max-sessions", 0, "Sessions allocated on start")
	}
	registerCmd.MarkFlagRequired("mode")

	startCmd.Flags().String("mode", "", "Expected plan mode; refused when it differs from the stored one")
	startCmd.Flags().String("plan-status", "", "Current billing status of the tenant")
	startCmd.Flags().Int("minutes", 0, "Starter cycle window in minutes")

	rootCmd.AddCommand(registerCmd, planCmd, startCmd, stopCmd, releaseCmd, payloadCmd, destinationsCmd)
}

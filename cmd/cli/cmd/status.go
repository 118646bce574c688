package cmd

import (
	"fmt"
	"time"

	"campaignplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [tenant_id]",
	Short: "Get status of a tenant",
	Long:  `Retrieve the heartbeat-derived status of a tenant (RUNNING, STOPPED, CRASHED), its current phase, resources, and delivery totals.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().Status(args[0])
		if err != nil {
			return err
		}
		printStatus(cmd, *status)
		return nil
	},
}

func printStatus(cmd *cobra.Command, st api.StatusResponse) {
	// Header with status icon
	icon := statusIcon(st.Status)
	cmd.Printf("%s %sTenant Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, st.TenantID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(st.Status))
	if st.Phase != "" {
		cmd.Printf("%sPhase:%s       %s\n", colorDim, colorReset, st.Phase)
	}
	cmd.Printf("%sIntent:%s      %s\n", colorDim, colorReset, st.Intent)
	if st.Idle {
		cmd.Printf("%sIdle:%s        %sno sessions or payload%s\n", colorDim, colorReset, colorYellow, colorReset)
	}
	if st.StopReason != "" {
		cmd.Printf("%sStopped:%s     %s\n", colorDim, colorReset, st.StopReason)
	}
	cmd.Printf("%sHeartbeat:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(st.LastHeartbeat))
	cmd.Printf("%sSessions:%s    %d\n", colorDim, colorReset, st.Sessions)
	cmd.Printf("%sTargets:%s     %d\n", colorDim, colorReset, st.Destinations)

	s := st.Stats
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sCycles:%s      %d\n", colorDim, colorReset, s.TotalCycles)
	cmd.Printf("%sDelivered:%s   %s%d%s / %d attempts\n", colorDim, colorReset, colorGreen, s.TotalSuccess, colorReset, s.TotalAttempts)
	if s.TotalFailures > 0 {
		cmd.Printf("%sFailures:%s    %s%d%s\n", colorDim, colorReset, colorRed, s.TotalFailures, colorReset)
	} else {
		cmd.Printf("%sFailures:%s    0\n", colorDim, colorReset)
	}
	if s.TotalRateLimitWaits > 0 {
		cmd.Printf("%sRate limits:%s %d\n", colorDim, colorReset, s.TotalRateLimitWaits)
	}
	cmd.Printf("%sLast active:%s %s\n", colorDim, colorReset, formatTimeWithRelative(s.LastActivity))
	if s.LastCycleError != "" {
		cmd.Printf("%sLast error:%s  %s%s%s\n", colorDim, colorReset, colorRed, s.LastCycleError, colorReset)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "RUNNING":
		return colorGreen + "▶" + colorReset
	case "CRASHED":
		return colorRed + "✗" + colorReset
	case "STOPPED":
		return colorCyan + "■" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "RUNNING":
		return icon + " " + colorGreen + status + colorReset
	case "CRASHED":
		return icon + " " + colorRed + status + colorReset
	case "STOPPED":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

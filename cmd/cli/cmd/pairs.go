package cmd

import (
	"campaignplane/pkg/api"

	"github.com/spf13/cobra"
)

var pairsCmd = &cobra.Command{
	Use:   "pairs",
	Short: "Manage the credential pair list",
}

var pairsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show credential pairs and the sessions using each",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().Pairs()
		if err != nil {
			return err
		}
		cmd.Printf("%s%-6s %-14s %s%s\n", colorDim, "INDEX", "APP ID", "SESSIONS", colorReset)
		for _, p := range result.Pairs {
			cmd.Printf("%-6d %-14s %d\n", p.Index, p.AppID, p.Sessions)
		}
		return nil
	},
}

var pairsAddCmd = &cobra.Command{
	Use:   "add [app_id] [app_hash]",
	Short: "Append a credential pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().AddPair(api.PairRequest{AppID: args[0], AppHash: args[1]})
		if err != nil {
			return err
		}
		cmd.Printf("✅ Pair %s added at index %d\n", result.AppID, result.Index)
		return nil
	},
}

var pairsRemoveCmd = &cobra.Command{
	Use:   "remove [app_id]",
	Short: "Remove a credential pair",
	Long:  `Remove a credential pair. The engine refuses while the pair, or any pair after it, serves a session.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RemovePair(args[0]); err != nil {
			return err
		}
		cmd.Printf("🗑  Pair %s removed\n", args[0])
		return nil
	},
}

func init() {
	pairsCmd.AddCommand(pairsListCmd, pairsAddCmd, pairsRemoveCmd)
	rootCmd.AddCommand(pairsCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "campaignctl",
	Short: "campaignctl is a command line tool for operating the campaign engine",
	Long: `campaignctl is the command-line interface for the campaign delivery engine.

The engine runs delivery cycles for every running tenant, spreading a tenant's
payload across its sessions and destinations under the pacing of its plan.
campaignctl talks to the engine's ops API.

Common workflows:

  Register a tenant on a plan:
    campaignctl register acme --mode enterprise --max-sessions 4

  Start and stop a tenant:
    campaignctl start acme
    campaignctl stop acme

  Check a tenant:
    campaignctl status acme

  Inspect and ban sessions:
    campaignctl sessions list --ids
    campaignctl sessions ban s-0042

Configuration:
  Set the API endpoint and ops token via flags, environment variables or a config file:
    CAMPAIGN_URL      Ops API endpoint (default: http://localhost:6161)
    CAMPAIGN_TOKEN    Ops token for authentication`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".campaignctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".campaignctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "CAMPAIGN_VARNAME"
	viper.SetEnvPrefix("CAMPAIGN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *Client {
	return NewClient(viper.GetString("url"), viper.GetString("token"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.campaignctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "Ops API URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Ops token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

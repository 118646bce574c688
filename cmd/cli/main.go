// Package main is the entry point for campaignctl.
// campaignctl is the operator terminal tool for the campaign engine's ops API.
package main

import (
	"os"

	"campaignplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package cli implements the fleetctl command line tool.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/egressfleet/egressfleet/internal/fleet/version"
)

var (
	apiURL   string
	apiToken string

	client *adminClient
)

var rootCmd = &cobra.Command{
	Use:     "fleetctl",
	Short:   "Egress fleet CLI",
	Long:    `fleetctl manages proxy egress servers: provisioning address ranges, tracking jobs and inspecting the fleet.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if apiURL == "" {
			apiURL = os.Getenv("FLEETCTL_API_URL")
		}
		if apiURL == "" {
			apiURL = "http://localhost:8080"
		}
		if apiToken == "" {
			apiToken = os.Getenv("FLEETCTL_API_TOKEN")
		}
		client = newAdminClient(apiURL, apiToken)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Base URL of the fleet admin API (default $FLEETCTL_API_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Admin API bearer token (default $FLEETCTL_API_TOKEN)")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(addressesCmd)
}

// Execute runs the fleetctl root command.
func Execute() error {
	return rootCmd.Execute()
}

package cli

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision or remove address ranges",
}

var provisionGenerateCmd = &cobra.Command{
	Use:   "generate <range>",
	Short: "Provision an address range",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := client.Provision(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("Failed to provision range: %v", err)
		}
		printAccepted(job)
	},
}

var provisionRegenerateCmd = &cobra.Command{
	Use:   "regenerate <range>",
	Short: "Re-run provisioning for an address range",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := client.Reprovision(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("Failed to reprovision range: %v", err)
		}
		printAccepted(job)
	},
}

var provisionRemoveCmd = &cobra.Command{
	Use:   "remove <range>",
	Short: "Tear an address range down",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := client.Remove(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("Failed to remove range: %v", err)
		}
		printAccepted(job)
	},
}

func printAccepted(job *models.Job) {
	fmt.Printf("Job %s accepted (%s, status: %s)\n", job.ID, job.Kind, job.Status)
	fmt.Printf("Track it with: fleetctl job status %s\n", job.ID)
}

func init() {
	provisionCmd.AddCommand(provisionGenerateCmd)
	provisionCmd.AddCommand(provisionRegenerateCmd)
	provisionCmd.AddCommand(provisionRemoveCmd)
}

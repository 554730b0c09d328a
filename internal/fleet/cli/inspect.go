package cli

import (
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect provisioning jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a provisioning job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := client.GetJob(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("Failed to get job: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", job.ID)
		fmt.Fprintf(w, "KIND\t%s\n", job.Kind)
		fmt.Fprintf(w, "RANGE\t%s\n", job.Payload)
		fmt.Fprintf(w, "STATUS\t%s\n", job.Status)
		fmt.Fprintf(w, "RECORDS\t%d\n", job.Counts.TotalRecord)
		fmt.Fprintf(w, "ADDED\t%d\n", job.Counts.TotalAdded)
		fmt.Fprintf(w, "EXISTING\t%d\n", job.Counts.TotalExisting)
		fmt.Fprintf(w, "ERRORED\t%d\n", job.Counts.TotalErrored)
		if job.LastError != "" {
			fmt.Fprintf(w, "LAST ERROR\t%s\n", job.LastError)
		}
		w.Flush()
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Inspect fleet membership",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fleet servers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		servers, err := client.ListServers(cmd.Context())
		if err != nil {
			log.Fatalf("Failed to list servers: %v", err)
		}
		if len(servers) == 0 {
			fmt.Println("No servers registered")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tHOST\tADMIN PORT\tENABLED\tRANGES")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
				s.Name, s.HostAddress, s.AdminPort, s.Enabled, strings.Join(s.IPRanges, ","))
		}
		w.Flush()
	},
}

var addressesCmd = &cobra.Command{
	Use:   "addresses <range>",
	Short: "List address records in a range",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		recs, err := client.ListAddresses(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("Failed to list addresses: %v", err)
		}
		if len(recs) == 0 {
			fmt.Println("No address records in range")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IP\tGATEWAY\tINTERFACE\tENABLED")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", rec.IP, rec.Gateway, rec.InterfaceName, rec.Enabled)
		}
		w.Flush()
	},
}

func init() {
	jobCmd.AddCommand(jobStatusCmd)
	serversCmd.AddCommand(serversListCmd)
}

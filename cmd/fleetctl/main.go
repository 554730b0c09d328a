package main

import (
	"os"

	"github.com/egressfleet/egressfleet/internal/fleet/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

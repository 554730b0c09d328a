package main

import (
	"context"
	"log"

	"github.com/egressfleet/egressfleet/internal/fleet"
)

func main() {
	if err := fleet.App(context.Background()); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

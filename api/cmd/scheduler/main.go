// Command scheduler is the entrypoint that wires every package in
// api/pkg into a running batch scheduler process, grounded on the
// teacher's cmd/helix runner.go wiring shape (cobra command, signal-driven
// context, cleanup-on-exit).
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("scheduler exited with error")
		os.Exit(1)
	}
}

// Command partycast runs a headless broadcaster or viewer against the configured backends.
package main

import (
	"os"

	"github.com/partycast/backend/cmd/partycast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Command fep-client is a demo originator: it drives the dual-channel
// Supervisor the way a calling application would, signing on, sending one
// authorization request, and printing the response. Structured the way marmos91/dittofs's cmd/dittofs main.go
// delegates to a cobra command tree instead of hand-rolled flag parsing.
package main

import (
	"os"

	"github.com/paynet/iso-fep/cmd/fep-client/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

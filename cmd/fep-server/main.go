// Command fep-server is the Inbound Server entrypoint: it accepts channel
// sessions, decodes requests, approves or declines them, and replies.
package main

import (
	"os"

	"github.com/paynet/iso-fep/cmd/fep-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

// gostunctl -- command-line client that probes a gostun daemon's
// NAT-behavior-discovery responses over raw STUN.
package main

import (
	"github.com/gostun/gostun/cmd/gostunctl/commands"
)

func main() {
	commands.Execute()
}

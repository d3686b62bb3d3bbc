// Command fsdebounce-watch is a small example/debugging tool for the
// fsdebounce core: it wires a platform backend into a Debounce and
// prints the coalesced events.
package main

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsdebounce/cmd/fsdebounce-watch/cmd"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, buildTime, gitCommit)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

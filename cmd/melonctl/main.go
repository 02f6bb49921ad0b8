// Command melonctl is an admin/debug CLI over the master's RPC
// surface: listing jobs, inspecting one, cancelling it, or extending
// its deadline. It never parses MBATCH directives or submits scripts.
package main

import (
	"fmt"
	"os"

	"github.com/protortyp/melon/cmd/melonctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

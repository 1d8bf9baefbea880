// Command chainboot injects a chainloader bootstrap into a game's managed
// assemblies.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/chainboot/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}

// Command orca is the supervisor's entry point.
package main

import (
	"os"

	"github.com/orca-dev/orca/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

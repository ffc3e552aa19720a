// Command idem runs the idempotency layer's server, reaper and tooling.
package main

import (
	"os"

	"github.com/roach88/idem/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

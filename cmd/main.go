package main

import (
	"os"

	"monoqueue/internal/cli"
)

// mq exits with code 1 when a command fails: unreadable configuration,
// a persistence error, rejected rules during "mq rules", and so on.
func main() {
	if err := cli.NewRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

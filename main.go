// See cli package.
package main

import (
	"github.com/quernd/quernd/cli"
	"github.com/quernd/quernd/daemon"
)

func init() {
	cli.AddSubcommand(daemon.DaemonCmd)
}

func main() {
	cli.Run()
}

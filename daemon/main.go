package daemon

import (
	"context"

	"github.com/quernd/quernd/cli"
)

var DaemonCmd = &cli.Subcommand{
	Use:   "daemon",
	Short: "run the quernd daemon",
	Run: func(subcommand *cli.Subcommand, args []string) error {
		return Run(context.Background(), subcommand.Config())
	},
}

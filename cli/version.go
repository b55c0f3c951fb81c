package cli

import (
	"fmt"

	"github.com/quernd/quernd/version"
)

var VersionCmd = &Subcommand{
	Use:             "version",
	Short:           "print version information",
	NoRequireConfig: true,
	Run: func(subcommand *Subcommand, args []string) error {
		fmt.Println(version.NewVersionInformation().String())
		return nil
	},
}

func init() {
	AddSubcommand(VersionCmd)
}

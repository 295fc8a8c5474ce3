// dora is the committee node daemon and its operator tooling: it runs a
// node, publishes governor instructions and requests, and verifies the logs
// a committee emits.
package main

import (
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"
)

// Automatically set through -ldflags
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "dora",
		Usage: "distributed oracle and storage committee node",
		Commands: []*cli.Command{
			nodeCmd,
			newCommitteeCmd,
			requestCmd,
			verifyLogCmd,
			verifyCmd,
		},
		Version: version,
	}
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("dora %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

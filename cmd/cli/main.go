package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/cmd/cli/commands"
	"github.com/livekit/mediacore/version"
)

// command line util that tests server
func main() {
	app := &cli.App{
		Name:    "mediacore-cli",
		Version: version.Version,
	}

	app.Commands = append(app.Commands, commands.ProbeCommands...)

	logger.InitFromConfig(logger.Config{Level: "info"}, "mediacore-cli")
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

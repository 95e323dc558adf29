package main

import (
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/lodestar-data/lodestar/cmd"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	isDebug := false
	color.NoColor = false

	app := &cli.App{
		Name:     "lodestar",
		Version:  version,
		Usage:    "Materialize SQL assets and run quality checks against them",
		Compiled: time.Now(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "show debug information",
				Destination: &isDebug,
			},
		},
		Commands: []*cli.Command{
			cmd.Run(&isDebug),
			cmd.Render(),
			cmd.Validate(),
		},
	}

	_ = app.Run(os.Args)
}

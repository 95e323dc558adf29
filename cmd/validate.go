package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/lodestar-data/lodestar/pkg/dag"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func Validate() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "validate the pipeline definition and print the execution order",
		ArgsUsage: "[path to the pipeline root, defaults to the current directory]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "the output format, one of: plain, json",
				Value:   "plain",
			},
		},
		Action: func(c *cli.Context) error {
			inputPath := c.Args().Get(0)
			if inputPath == "" {
				inputPath = "."
			}

			p, err := pipeline.PipelineFromPath(inputPath, afero.NewOsFs())
			if err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}

			g, err := dag.Build(p)
			if err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}

			if c.String("output") == "json" {
				marshalled, err := json.MarshalIndent(p, "", "  ")
				if err != nil {
					errorPrinter.Println(err.Error())
					return cli.Exit("", 1)
				}

				fmt.Println(string(marshalled))
				return nil
			}

			infoPrinter.Printf("Pipeline '%s' is valid, %d assets\n\n", p.Name, len(p.Assets))
			for i, name := range g.TopologicalOrder() {
				fmt.Printf("%3d. %s\n", i+1, name)
			}

			successPrinter.Println("\nNo issues found")

			return nil
		},
	}
}

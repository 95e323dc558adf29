package cmd

import (
	"fmt"
	"time"

	"github.com/lodestar-data/lodestar/pkg/date"
	duck "github.com/lodestar-data/lodestar/pkg/duckdb"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/query"
	"github.com/lodestar-data/lodestar/pkg/window"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func Render() *cli.Command {
	yesterday := date.TruncateToDay(time.Now().AddDate(0, 0, -1))
	today := date.TruncateToDay(time.Now())

	return &cli.Command{
		Name:      "render",
		Usage:     "render the materialized query of a single SQL asset without running it",
		ArgsUsage: "[path to the asset definition]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "start-date",
				Aliases: []string{"s"},
				Usage:   "the start of the run window, inclusive",
				Value:   yesterday.Format(window.TimestampFormat),
			},
			&cli.StringFlag{
				Name:    "end-date",
				Aliases: []string{"e"},
				Usage:   "the end of the run window, exclusive",
				Value:   today.Format(window.TimestampFormat),
			},
			&cli.BoolFlag{
				Name:    "full-refresh",
				Aliases: []string{"r"},
				Usage:   "render with the incremental strategies replaced by a full rebuild",
			},
		},
		Action: func(c *cli.Context) error {
			inputPath := c.Args().Get(0)
			if inputPath == "" {
				errorPrinter.Printf("Please give an asset path to render: lodestar render <path to the asset file>)\n")
				return cli.Exit("", 1)
			}

			startDate, err := date.ParseTime(c.String("start-date"))
			if err != nil {
				errorPrinter.Printf("Please give a valid start date: lodestar render --start-date <start date>)\n")
				return cli.Exit("", 1)
			}

			endDate, err := date.ParseTime(c.String("end-date"))
			if err != nil {
				errorPrinter.Printf("Please give a valid end date: lodestar render --end-date <end date>)\n")
				return cli.Exit("", 1)
			}

			w, err := window.New(startDate, endDate)
			if err != nil {
				errorPrinter.Printf("Invalid run window: %v\n", err)
				return cli.Exit("", 1)
			}

			asset, err := pipeline.CreateAssetFromFile(afero.NewOsFs(), inputPath)
			if err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}
			if asset == nil {
				errorPrinter.Printf("The given file is not a recognized asset definition: %s\n", inputPath)
				return cli.Exit("", 1)
			}

			if err := asset.Validate(); err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}

			renderer := query.RendererForAsset(asset, w)
			rendered, err := renderer.Render(asset.ExecutableFile.Content)
			if err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}

			materialized, err := duck.NewMaterializer(c.Bool("full-refresh")).Render(asset, rendered)
			if err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}

			materialized, err = renderer.Render(materialized)
			if err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}

			fmt.Println(materialized)

			return nil
		},
	}
}

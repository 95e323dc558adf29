package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lodestar-data/lodestar/pkg/ansisql"
	"github.com/lodestar-data/lodestar/pkg/dag"
	"github.com/lodestar-data/lodestar/pkg/date"
	duck "github.com/lodestar-data/lodestar/pkg/duckdb"
	"github.com/lodestar-data/lodestar/pkg/executor"
	"github.com/lodestar-data/lodestar/pkg/logger"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/scheduler"
	"github.com/lodestar-data/lodestar/pkg/window"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

const defaultDatabasePath = "lodestar.db"

var (
	infoPrinter    = color.New(color.FgYellow)
	errorPrinter   = color.New(color.FgRed, color.Bold)
	successPrinter = color.New(color.FgGreen)
)

func Run(isDebug *bool) *cli.Command {
	yesterday := date.TruncateToDay(time.Now().AddDate(0, 0, -1))
	today := date.TruncateToDay(time.Now())

	return &cli.Command{
		Name:      "run",
		Usage:     "run a pipeline, or a single asset with its downstreams",
		ArgsUsage: "[path to the pipeline root, defaults to the current directory]",
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
			&cli.StringFlag{
				Name:    "asset",
				Aliases: []string{"a"},
				Usage:   "run only the given asset",
			},
			&cli.BoolFlag{
				Name:    "downstream",
				Aliases: []string{"d"},
				Usage:   "when running a single asset, run its downstream assets as well",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "the number of workers to run the tasks in parallel",
				Value:   8,
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "skip all remaining tasks as soon as any task fails",
			},
			&cli.BoolFlag{
				Name:    "full-refresh",
				Aliases: []string{"r"},
				Usage:   "ignore the incremental strategies and rebuild every table from scratch",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "path to the database file, overrides the pipeline definition",
			},
		},
		Action: func(c *cli.Context) error {
			log := logger.NewLogger(*isDebug)

			inputPath := c.Args().Get(0)
			if inputPath == "" {
				inputPath = "."
			}

			startDate, err := date.ParseTime(c.String("start-date"))
			if err != nil {
				errorPrinter.Printf("Please give a valid start date: lodestar run --start-date <start date>)\n")
				return cli.Exit("", 1)
			}

			endDate, err := date.ParseTime(c.String("end-date"))
			if err != nil {
				errorPrinter.Printf("Please give a valid end date: lodestar run --end-date <end date>)\n")
				return cli.Exit("", 1)
			}

			w, err := window.New(startDate, endDate)
			if err != nil {
				errorPrinter.Printf("Invalid run window: %v\n", err)
				return cli.Exit("", 1)
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

			s := scheduler.NewScheduler(log, p, c.Bool("fail-fast"))

			if assetName := c.String("asset"); assetName != "" {
				if p.GetAssetByName(assetName) == nil {
					errorPrinter.Printf("Asset '%s' does not exist in the pipeline '%s'\n", assetName, p.Name)
					return cli.Exit("", 1)
				}

				included := map[string]bool{assetName: true}
				if c.Bool("downstream") {
					included, err = g.DownstreamClosure(assetName)
					if err != nil {
						errorPrinter.Println(err.Error())
						return cli.Exit("", 1)
					}
				}

				s.RestrictToAssets(included)
			}

			dbPath := c.String("db")
			if dbPath == "" {
				dbPath = p.DatabasePath
			}
			if dbPath == "" {
				dbPath = defaultDatabasePath
			}

			client, err := duck.NewClient(duck.Config{Path: dbPath})
			if err != nil {
				errorPrinter.Printf("Failed to connect to the database at '%s': %v\n", dbPath, err)
				return cli.Exit("", 1)
			}

			mainOperator := duck.NewBasicOperator(log, client, duck.NewMaterializer(c.Bool("full-refresh")), w)
			taskTypeMap := map[pipeline.AssetType]executor.Config{
				pipeline.AssetTypeSQL: {
					scheduler.TaskInstanceTypeMain:        mainOperator,
					scheduler.TaskInstanceTypeColumnCheck: ansisql.DefaultColumnCheckOperator(client),
					scheduler.TaskInstanceTypeCustomCheck: ansisql.NewCustomCheckOperator(client),
				},
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := client.Ping(ctx); err != nil {
				errorPrinter.Printf("Failed to connect to the database at '%s': %v\n", dbPath, err)
				return cli.Exit("", 1)
			}

			infoPrinter.Printf("Starting the pipeline '%s' for the window %s - %s\n\n", p.Name, window.Format(w.Start, pipeline.MaterializationTimeGranularityTimestamp), window.Format(w.End, pipeline.MaterializationTimeGranularityTimestamp))

			ex := executor.NewConcurrent(log, taskTypeMap, c.Int("workers"))
			ex.Start(ctx, s.WorkQueue, s.Results)

			runStart := time.Now()
			results := s.Run(ctx)
			duration := time.Since(runStart)

			printExecutionSummary(s, results, duration)

			if s.HasAnyFailure() {
				return cli.Exit("", 1)
			}

			return nil
		},
	}
}

func printExecutionSummary(s *scheduler.Scheduler, results []*scheduler.TaskExecutionResult, duration time.Duration) {
	errorsByAsset := lo.GroupBy(
		lo.Filter(results, func(r *scheduler.TaskExecutionResult, _ int) bool {
			return r.Error != nil
		}),
		func(r *scheduler.TaskExecutionResult) string {
			return r.Instance.GetAsset().Name
		},
	)

	if len(errorsByAsset) > 0 {
		errorPrinter.Printf("\nFailed tasks: %d\n", len(errorsByAsset))
		for assetName, assetErrors := range errorsByAsset {
			errorPrinter.Printf("  - %s\n", assetName)
			for _, e := range assetErrors {
				errorPrinter.Printf("    %s: %s\n", e.Instance.GetHumanReadableDescription(), e.Error.Error())
			}
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Status", "Count"})
	t.AppendRows([]table.Row{
		{"Succeeded", s.InstanceCountByStatus(scheduler.Succeeded)},
		{"Failed", s.InstanceCountByStatus(scheduler.Failed)},
		{"Upstream failed", s.InstanceCountByStatus(scheduler.UpstreamFailed)},
		{"Skipped", s.InstanceCountByStatus(scheduler.Skipped)},
	})
	t.AppendFooter(table.Row{"Total", s.InstanceCount()})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if s.HasAnyFailure() {
		errorPrinter.Printf("\nPipeline failed in %s\n", duration.Truncate(time.Millisecond).String())
		return
	}

	successPrinter.Printf("\nPipeline completed successfully in %s\n", duration.Truncate(time.Millisecond).String())
}

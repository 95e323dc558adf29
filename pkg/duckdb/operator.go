package duck

import (
	"context"
	"fmt"

	"github.com/lodestar-data/lodestar/pkg/ansisql"
	"github.com/lodestar-data/lodestar/pkg/logger"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/query"
	"github.com/lodestar-data/lodestar/pkg/scheduler"
	"github.com/lodestar-data/lodestar/pkg/window"
	"github.com/pkg/errors"
)

type queryClient interface {
	RunQueryWithoutResult(ctx context.Context, q *query.Query) error
	SelectWithSchema(ctx context.Context, q *query.Query) (*query.QueryResult, error)
	CreateSchemaIfNotExist(ctx context.Context, asset *pipeline.Asset) error
	RowCount(ctx context.Context, tableName string) (int64, error)
}

// BasicOperator runs a single SQL asset end to end: it binds the run window
// into the query, validates the declared schema against the query output,
// wraps the query with the materialization strategy and executes the result.
type BasicOperator struct {
	logger       logger.Logger
	client       queryClient
	materializer *pipeline.Materializer
	window       window.Window
}

func NewBasicOperator(log logger.Logger, client queryClient, materializer *pipeline.Materializer, w window.Window) *BasicOperator {
	return &BasicOperator{
		logger:       log,
		client:       client,
		materializer: materializer,
		window:       w,
	}
}

func (o *BasicOperator) Run(ctx context.Context, ti scheduler.TaskInstance) error {
	rowsAffected, err := o.RunTask(ctx, ti.GetPipeline(), ti.GetAsset())
	if err != nil {
		return err
	}

	if instance, ok := ti.(*scheduler.AssetInstance); ok && rowsAffected >= 0 {
		instance.ReportRowsAffected(rowsAffected)
	}

	return nil
}

// RunTask materializes a single asset and returns the number of rows present
// in the target table afterwards, -1 when the target is not a counted table.
func (o *BasicOperator) RunTask(ctx context.Context, p *pipeline.Pipeline, t *pipeline.Asset) (int64, error) {
	renderer := query.RendererForAsset(t, o.window)

	rendered, err := renderer.Render(t.ExecutableFile.Content)
	if err != nil {
		return -1, err
	}

	if err := o.validateOutputSchema(ctx, t, rendered); err != nil {
		return -1, err
	}

	materialized, err := o.materializer.Render(t, rendered)
	if err != nil {
		return -1, err
	}

	// incremental strategies emit fresh window placeholders around the query
	materialized, err = renderer.Render(materialized)
	if err != nil {
		return -1, err
	}

	if err := o.client.CreateSchemaIfNotExist(ctx, t); err != nil {
		return -1, &ansisql.BackendError{Asset: t.Name, Err: err}
	}

	LockTable(t.Name)
	defer UnlockTable(t.Name)

	o.logger.Debugf("materializing asset '%s':\n%s", t.Name, materialized)
	if err := o.client.RunQueryWithoutResult(ctx, &query.Query{Query: materialized}); err != nil {
		return -1, &ansisql.BackendError{Asset: t.Name, Err: err}
	}

	rowsAffected := int64(-1)
	if t.Materialization.Type == pipeline.MaterializationTypeTable {
		count, err := o.client.RowCount(ctx, t.Name)
		if err != nil {
			o.logger.Debugf("failed to count rows in '%s': %v", t.Name, err)
		} else {
			rowsAffected = count
		}
	}

	return rowsAffected, nil
}

// validateOutputSchema compares the declared columns against the columns the
// query actually produces, without materializing anything. Assets that declare
// no columns skip the validation.
func (o *BasicOperator) validateOutputSchema(ctx context.Context, t *pipeline.Asset, renderedQuery string) error {
	if len(t.Columns) == 0 {
		return nil
	}

	dryRun := &query.Query{
		Query: fmt.Sprintf("SELECT * FROM (\n%s\n) AS t LIMIT 0", renderedQuery),
	}

	result, err := o.client.SelectWithSchema(ctx, dryRun)
	if err != nil {
		return &ansisql.BackendError{Asset: t.Name, Err: errors.Wrap(err, "failed to resolve the query schema")}
	}

	return ansisql.ValidateResultSchema(t, result)
}

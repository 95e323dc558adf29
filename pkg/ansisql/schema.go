package ansisql

import (
	"context"
	"strings"
	"sync"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/query"
	"github.com/pkg/errors"
)

type SchemaCreator struct {
	schemaNameCache *sync.Map
}

func NewSchemaCreator() *SchemaCreator {
	return &SchemaCreator{
		schemaNameCache: &sync.Map{},
	}
}

type queryRunner interface {
	RunQueryWithoutResult(ctx context.Context, query *query.Query) error
}

// CreateSchemaIfNotExist ensures the schema component of a dotted asset name
// exists before the asset materializes into it.
func (sc *SchemaCreator) CreateSchemaIfNotExist(ctx context.Context, qr queryRunner, asset *pipeline.Asset) error {
	tableComponents := strings.Split(asset.Name, ".")
	if len(tableComponents) != 2 {
		return nil
	}
	schemaName := tableComponents[0]

	if _, exists := sc.schemaNameCache.Load(schemaName); exists {
		return nil
	}

	createQuery := query.Query{
		Query: "CREATE SCHEMA IF NOT EXISTS " + schemaName,
	}
	if err := qr.RunQueryWithoutResult(ctx, &createQuery); err != nil {
		return errors.Wrapf(err, "failed to create or ensure schema: %s", schemaName)
	}
	sc.schemaNameCache.Store(schemaName, true)

	return nil
}

// ValidateResultSchema compares the columns a query produces against the
// asset's declared column contracts. Called before any write happens so a
// mismatch aborts the materialization cleanly.
func ValidateResultSchema(asset *pipeline.Asset, result *query.QueryResult) error {
	if len(asset.Columns) == 0 {
		return nil
	}

	expected := asset.ColumnNames()
	for i, name := range expected {
		expected[i] = strings.ToLower(name)
	}

	actual := make([]string, len(result.Columns))
	for i, col := range result.Columns {
		actual[i] = strings.ToLower(col)
	}

	if len(expected) != len(actual) {
		return &SchemaMismatchError{Asset: asset.Name, Expected: expected, Actual: actual}
	}

	for i := range expected {
		if expected[i] != actual[i] {
			return &SchemaMismatchError{Asset: asset.Name, Expected: expected, Actual: actual}
		}
	}

	return nil
}

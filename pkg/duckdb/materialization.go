package duck

import (
	"fmt"
	"strings"

	"github.com/lodestar-data/lodestar/pkg/ansisql"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/query"
	"github.com/pkg/errors"
)

func NewMaterializer(fullRefresh bool) *pipeline.Materializer {
	return &pipeline.Materializer{
		MaterializationMap: matMap,
		FullRefresh:        fullRefresh,
	}
}

var matMap = pipeline.AssetMaterializationMap{
	pipeline.MaterializationTypeView: {
		pipeline.MaterializationStrategyNone:           viewMaterializer,
		pipeline.MaterializationStrategyAppend:         errorMaterializer,
		pipeline.MaterializationStrategyCreateReplace:  errorMaterializer,
		pipeline.MaterializationStrategyTruncateInsert: errorMaterializer,
		pipeline.MaterializationStrategyDeleteInsert:   errorMaterializer,
		pipeline.MaterializationStrategyMerge:          errorMaterializer,
		pipeline.MaterializationStrategyTimeInterval:   errorMaterializer,
	},
	pipeline.MaterializationTypeTable: {
		pipeline.MaterializationStrategyNone:           buildCreateReplaceQuery,
		pipeline.MaterializationStrategyCreateReplace:  buildCreateReplaceQuery,
		pipeline.MaterializationStrategyTruncateInsert: ansisql.BuildTruncateInsertQuery,
		pipeline.MaterializationStrategyAppend:         buildAppendQuery,
		pipeline.MaterializationStrategyDeleteInsert:   buildIncrementalQuery,
		pipeline.MaterializationStrategyMerge:          buildMergeQuery,
		pipeline.MaterializationStrategyTimeInterval:   buildIncrementalQuery,
	},
}

func errorMaterializer(asset *pipeline.Asset, query string) (string, error) {
	return "", fmt.Errorf("materialization strategy %s is not supported for materialization type %s", asset.Materialization.Strategy, asset.Materialization.Type)
}

func viewMaterializer(asset *pipeline.Asset, query string) (string, error) {
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS\n%s", asset.Name, query), nil
}

func buildAppendQuery(asset *pipeline.Asset, query string) (string, error) {
	return fmt.Sprintf("INSERT INTO %s %s", asset.Name, query), nil
}

func buildCreateReplaceQuery(task *pipeline.Asset, query string) (string, error) {
	query = strings.TrimSuffix(query, ";")
	return fmt.Sprintf(
		`BEGIN TRANSACTION;
DROP TABLE IF EXISTS %s;
CREATE TABLE %s AS %s;
COMMIT;`, task.Name, task.Name, query), nil
}

// buildIncrementalQuery serves both delete+insert and time_interval: rows
// whose incremental key falls inside the run window are deleted and the query
// result is inserted, all inside one transaction. The query itself is expected
// to restrict its output to the same window, the engine does not filter it.
// The window bounds stay as placeholders here, the operator binds them via the
// asset's renderer, which also aligns time_interval windows to their granularity.
func buildIncrementalQuery(task *pipeline.Asset, q string) (string, error) {
	mat := task.Materialization

	if mat.IncrementalKey == "" {
		return "", fmt.Errorf("materialization strategy %s requires the `incremental_key` field to be set", mat.Strategy)
	}

	if mat.TimeGranularity != pipeline.MaterializationTimeGranularityTimestamp && mat.TimeGranularity != pipeline.MaterializationTimeGranularityDate {
		return "", errors.New("time_granularity must be either 'date', or 'timestamp'")
	}

	startVar := "{{ " + query.PlaceholderStartDatetime + " }}"
	endVar := "{{ " + query.PlaceholderEndDatetime + " }}"

	queries := []string{
		"BEGIN TRANSACTION",
		fmt.Sprintf(`DELETE FROM %s WHERE %s >= '%s' AND %s < '%s'`,
			task.Name,
			mat.IncrementalKey,
			startVar,
			mat.IncrementalKey,
			endVar),
		fmt.Sprintf(`INSERT INTO %s %s`,
			task.Name,
			strings.TrimSuffix(q, ";")),
		"COMMIT",
	}

	return strings.Join(queries, ";\n") + ";", nil
}

func buildMergeQuery(asset *pipeline.Asset, query string) (string, error) {
	if len(asset.Columns) == 0 {
		return "", fmt.Errorf("materialization strategy %s requires the `columns` field to be set", asset.Materialization.Strategy)
	}

	primaryKeys := asset.ColumnNamesWithPrimaryKey()
	if len(primaryKeys) == 0 {
		return "", fmt.Errorf("materialization strategy %s requires the `primary_key` field to be set on at least one column", asset.Materialization.Strategy)
	}

	query = strings.TrimSuffix(query, ";")
	usingClause := strings.Join(primaryKeys, ", ")
	whereClause := primaryKeys[0]

	mergeQuery := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS WITH source_data AS (%s) SELECT * FROM source_data UNION ALL SELECT dt.* FROM %s AS dt LEFT JOIN source_data AS sd USING(%s) WHERE sd.%s IS NULL",
		asset.Name,
		query,
		asset.Name,
		usingClause,
		whereClause,
	)

	queries := []string{
		"BEGIN TRANSACTION",
		mergeQuery,
		"COMMIT",
	}

	return strings.Join(queries, ";\n") + ";", nil
}

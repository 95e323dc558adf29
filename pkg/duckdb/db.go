package duck

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lodestar-data/lodestar/pkg/ansisql"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/query"
	"github.com/marcboeker/go-duckdb" //nolint:stylecheck
)

type connection interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, sql string, arguments ...any) (sql.Result, error)
}

type Client struct {
	connection    connection
	config        Config
	schemaCreator *ansisql.SchemaCreator
}

func NewClient(c Config) (*Client, error) {
	conn, err := sqlx.Open("duckdb", c.ToDBConnectionURI())
	if err != nil {
		return nil, err
	}

	return &Client{
		connection:    conn,
		config:        c,
		schemaCreator: ansisql.NewSchemaCreator(),
	}, nil
}

// NewClientWithConnection is used by the tests to inject a mocked database.
func NewClientWithConnection(conn connection) *Client {
	return &Client{
		connection:    conn,
		schemaCreator: ansisql.NewSchemaCreator(),
	}
}

func (c *Client) RunQueryWithoutResult(ctx context.Context, query *query.Query) error {
	_, err := c.connection.ExecContext(ctx, query.String())
	if err != nil {
		return err
	}

	return nil
}

// Select runs a query and returns the results.
func (c *Client) Select(ctx context.Context, query *query.Query) ([][]interface{}, error) {
	rows, err := c.connection.QueryContext(ctx, query.String())
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	result := make([][]interface{}, 0)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	for rows.Next() {
		columns := make([]interface{}, len(cols))
		columnPointers := make([]interface{}, len(cols))
		for i := range columns {
			columnPointers[i] = &columns[i]
		}

		if err := rows.Scan(columnPointers...); err != nil {
			return nil, err
		}

		for i, val := range columns {
			columns[i] = c.convertValue(val)
		}

		result = append(result, columns)
	}

	// an iteration error would otherwise truncate the result set silently
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// SelectWithSchema runs a query and returns the results along with the column
// names and database types.
func (c *Client) SelectWithSchema(ctx context.Context, queryObject *query.Query) (*query.QueryResult, error) {
	rows, err := c.connection.QueryContext(ctx, queryObject.String())
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	result := &query.QueryResult{
		Columns:     []string{},
		ColumnTypes: []string{},
		Rows:        [][]interface{}{},
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result.Columns = cols

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	typeStrings := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		typeStrings[i] = ct.DatabaseTypeName()
	}
	result.ColumnTypes = typeStrings

	for rows.Next() {
		columns := make([]interface{}, len(cols))
		columnPointers := make([]interface{}, len(cols))
		for i := range columns {
			columnPointers[i] = &columns[i]
		}

		if err := rows.Scan(columnPointers...); err != nil {
			return nil, err
		}

		for i, val := range columns {
			columns[i] = c.convertValue(val)
		}

		result.Rows = append(result.Rows, columns)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// RowCount returns the number of live rows in the given table, reported after
// a successful materialization for observability.
func (c *Client) RowCount(ctx context.Context, tableName string) (int64, error) {
	rows, err := c.connection.QueryContext(ctx, "SELECT count(*) FROM "+tableName)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	return count, nil
}

func (c *Client) convertValue(val interface{}) interface{} {
	if val == nil {
		return nil
	}

	if decimal, ok := val.(duckdb.Decimal); ok {
		return decimal.Float64()
	}

	return val
}

func (c *Client) CreateSchemaIfNotExist(ctx context.Context, asset *pipeline.Asset) error {
	return c.schemaCreator.CreateSchemaIfNotExist(ctx, c, asset)
}

func (c *Client) Ping(ctx context.Context) error {
	q := query.Query{Query: "SELECT 1"}
	if err := c.RunQueryWithoutResult(ctx, &q); err != nil {
		return fmt.Errorf("failed to run test query on duckdb connection: %w", err)
	}

	return nil
}

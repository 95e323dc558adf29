package query

import "strings"

// Query is a single executable SQL statement or script.
type Query struct {
	Query string
}

func (q *Query) String() string {
	return strings.TrimSpace(q.Query)
}

type QueryResult struct {
	Columns     []string
	ColumnTypes []string
	Rows        [][]interface{}
}

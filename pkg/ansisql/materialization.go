package ansisql

import (
	"fmt"
	"strings"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
)

// BuildTruncateInsertQuery creates a truncate+insert script that works for
// standard ANSI SQL databases: a full refresh that keeps the table identity.
func BuildTruncateInsertQuery(task *pipeline.Asset, query string) (string, error) {
	queries := []string{
		"BEGIN TRANSACTION",
		"TRUNCATE TABLE " + task.Name,
		fmt.Sprintf("INSERT INTO %s %s", task.Name, strings.TrimSuffix(query, ";")),
		"COMMIT",
	}

	return strings.Join(queries, ";\n") + ";", nil
}

package ansisql

import (
	"fmt"
	"strings"
)

// BackendError is a connection or SQL failure reported by the backend while a
// materialization script was executing. The script's surrounding transaction
// guarantees the target table was left in its prior state.
type BackendError struct {
	Asset string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend failure while materializing '%s': %s", e.Asset, e.Err.Error())
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError means the query produced columns that do not match the
// asset's declared column contracts. It is raised before any write happens.
type SchemaMismatchError struct {
	Asset    string
	Expected []string
	Actual   []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf(
		"the query of '%s' produces columns [%s] but the asset declares [%s]",
		e.Asset,
		strings.Join(e.Actual, ", "),
		strings.Join(e.Expected, ", "),
	)
}

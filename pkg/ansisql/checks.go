package ansisql

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lodestar-data/lodestar/pkg/helpers"
	"github.com/lodestar-data/lodestar/pkg/query"
	"github.com/lodestar-data/lodestar/pkg/scheduler"
	"github.com/pkg/errors"
)

type selector interface {
	Select(ctx context.Context, query *query.Query) ([][]interface{}, error)
}

type CountableQueryCheck struct {
	conn                selector
	expectedQueryResult int64
	queryInstance       *query.Query
	checkName           string
	customError         func(count int64) error
}

func NewCountableQueryCheck(conn selector, expectedQueryResult int64, queryInstance *query.Query, checkName string, customError func(count int64) error) *CountableQueryCheck {
	return &CountableQueryCheck{
		conn:                conn,
		expectedQueryResult: expectedQueryResult,
		queryInstance:       queryInstance,
		checkName:           checkName,
		customError:         customError,
	}
}

func (c *CountableQueryCheck) Check(ctx context.Context, ti *scheduler.ColumnCheckInstance) error {
	return c.check(ctx)
}

func (c *CountableQueryCheck) CustomCheck(ctx context.Context, ti *scheduler.CustomCheckInstance) error {
	return c.check(ctx)
}

func (c *CountableQueryCheck) check(ctx context.Context) error {
	res, err := c.conn.Select(ctx, c.queryInstance)
	if err != nil {
		return errors.Wrapf(err, "failed '%s' check", c.checkName)
	}

	count, err := helpers.CastResultToInteger(res)
	if err != nil {
		return errors.Wrapf(err, "failed to parse '%s' check result", c.checkName)
	}

	if count != c.expectedQueryResult {
		return c.customError(count)
	}

	return nil
}

type NotNullCheck struct {
	conn selector
}

func NewNotNullCheck(conn selector) *NotNullCheck {
	return &NotNullCheck{conn: conn}
}

func (c *NotNullCheck) Check(ctx context.Context, ti *scheduler.ColumnCheckInstance) error {
	qq := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s IS NULL", ti.GetAsset().Name, ti.Column.Name)

	return (&CountableQueryCheck{
		conn:          c.conn,
		queryInstance: &query.Query{Query: qq},
		checkName:     "not_null",
		customError: func(count int64) error {
			return errors.Errorf("column '%s' has %d null values", ti.Column.Name, count)
		},
	}).Check(ctx, ti)
}

type UniqueCheck struct {
	conn selector
}

func NewUniqueCheck(conn selector) *UniqueCheck {
	return &UniqueCheck{conn: conn}
}

func (c *UniqueCheck) Check(ctx context.Context, ti *scheduler.ColumnCheckInstance) error {
	qq := fmt.Sprintf("SELECT COUNT(%s) - COUNT(DISTINCT %s) FROM %s", ti.Column.Name, ti.Column.Name, ti.GetAsset().Name)

	return (&CountableQueryCheck{
		conn:          c.conn,
		queryInstance: &query.Query{Query: qq},
		checkName:     "unique",
		customError: func(count int64) error {
			return errors.Errorf("column '%s' has %d non-unique values", ti.Column.Name, count)
		},
	}).Check(ctx, ti)
}

// PrimaryKeyUniqueCheck groups by the full primary-key tuple of the asset and
// fails when any group holds more than one row.
type PrimaryKeyUniqueCheck struct {
	conn selector
}

func NewPrimaryKeyUniqueCheck(conn selector) *PrimaryKeyUniqueCheck {
	return &PrimaryKeyUniqueCheck{conn: conn}
}

func (c *PrimaryKeyUniqueCheck) Check(ctx context.Context, ti *scheduler.ColumnCheckInstance) error {
	primaryKeys := ti.GetAsset().ColumnNamesWithPrimaryKey()
	if len(primaryKeys) == 0 {
		return errors.Errorf("asset '%s' has no primary key columns to check for uniqueness", ti.GetAsset().Name)
	}

	keyList := strings.Join(primaryKeys, ", ")
	qq := fmt.Sprintf(
		"SELECT count(*) FROM (SELECT %s FROM %s GROUP BY %s HAVING count(*) > 1) AS t",
		keyList,
		ti.GetAsset().Name,
		keyList,
	)

	return (&CountableQueryCheck{
		conn:          c.conn,
		queryInstance: &query.Query{Query: qq},
		checkName:     scheduler.PrimaryKeyUniqueCheckName,
		customError: func(count int64) error {
			return errors.Errorf("primary key (%s) has %d duplicated tuples", keyList, count)
		},
	}).Check(ctx, ti)
}

type NonNegativeCheck struct {
	conn selector
}

func NewNonNegativeCheck(conn selector) *NonNegativeCheck {
	return &NonNegativeCheck{conn: conn}
}

func (c *NonNegativeCheck) Check(ctx context.Context, ti *scheduler.ColumnCheckInstance) error {
	qq := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s < 0", ti.GetAsset().Name, ti.Column.Name)

	return (&CountableQueryCheck{
		conn:          c.conn,
		queryInstance: &query.Query{Query: qq},
		checkName:     "non_negative",
		customError: func(count int64) error {
			return errors.Errorf("column '%s' has %d negative values", ti.Column.Name, count)
		},
	}).Check(ctx, ti)
}

type AcceptedValuesCheck struct {
	conn selector
}

func NewAcceptedValuesCheck(conn selector) *AcceptedValuesCheck {
	return &AcceptedValuesCheck{conn: conn}
}

func (c *AcceptedValuesCheck) Check(ctx context.Context, ti *scheduler.ColumnCheckInstance) error {
	if ti.Check.Value.StringArray == nil && ti.Check.Value.IntArray == nil {
		return errors.Errorf("unexpected value for accepted_values check, the values must be an array, instead %T", ti.Check.Value)
	}

	if ti.Check.Value.StringArray != nil && len(*ti.Check.Value.StringArray) == 0 {
		return errors.Errorf("no values provided for accepted_values check")
	}

	if ti.Check.Value.IntArray != nil && len(*ti.Check.Value.IntArray) == 0 {
		return errors.Errorf("no values provided for accepted_values check")
	}

	var val []string
	if ti.Check.Value.StringArray != nil {
		val = *ti.Check.Value.StringArray
	} else {
		for _, v := range *ti.Check.Value.IntArray {
			val = append(val, strconv.Itoa(v))
		}
	}

	res, err := json.Marshal(val)
	if err != nil {
		return errors.Wrap(err, "failed to marshal accepted values for the query result")
	}

	sz := len(res)
	res = res[1 : sz-1]

	qq := fmt.Sprintf("SELECT count(*) FROM %s WHERE CAST(%s AS VARCHAR) NOT IN (%s)", ti.GetAsset().Name, ti.Column.Name, strings.ReplaceAll(string(res), `"`, `'`))

	return (&CountableQueryCheck{
		conn:          c.conn,
		queryInstance: &query.Query{Query: qq},
		checkName:     "accepted_values",
		customError: func(count int64) error {
			return errors.Errorf("column '%s' has %d rows that are not in the accepted values %s", ti.Column.Name, count, ti.Check.Value.ToString())
		},
	}).Check(ctx, ti)
}

type CustomCheck struct {
	conn selector
}

func NewCustomCheck(conn selector) *CustomCheck {
	return &CustomCheck{conn: conn}
}

func (c *CustomCheck) Check(ctx context.Context, ti *scheduler.CustomCheckInstance) error {
	expected := ti.Check.Value

	return NewCountableQueryCheck(c.conn, expected, &query.Query{Query: ti.Check.Query}, ti.Check.Name, func(count int64) error {
		return errors.Errorf("custom check '%s' has returned %d instead of the expected %d", ti.Check.Name, count, expected)
	}).CustomCheck(ctx, ti)
}

type CheckRunner interface {
	Check(ctx context.Context, ti *scheduler.ColumnCheckInstance) error
}

type ColumnCheckOperator struct {
	checkRunners map[string]CheckRunner
}

func NewColumnCheckOperator(checks map[string]CheckRunner) *ColumnCheckOperator {
	return &ColumnCheckOperator{
		checkRunners: checks,
	}
}

// DefaultColumnCheckOperator wires the built-in checks against the given
// backend connection.
func DefaultColumnCheckOperator(conn selector) *ColumnCheckOperator {
	return NewColumnCheckOperator(map[string]CheckRunner{
		"not_null":                          NewNotNullCheck(conn),
		"unique":                            NewUniqueCheck(conn),
		"non_negative":                      NewNonNegativeCheck(conn),
		"accepted_values":                   NewAcceptedValuesCheck(conn),
		scheduler.PrimaryKeyUniqueCheckName: NewPrimaryKeyUniqueCheck(conn),
	})
}

func (o ColumnCheckOperator) Run(ctx context.Context, ti scheduler.TaskInstance) error {
	test, ok := ti.(*scheduler.ColumnCheckInstance)
	if !ok {
		return errors.New("cannot run a non-column check instance")
	}

	executor, ok := o.checkRunners[test.Check.Name]
	if !ok {
		return errors.New("there is no executor configured for the check type, check cannot be run: " + test.Check.Name)
	}

	return executor.Check(ctx, test)
}

type CustomCheckRunner interface {
	Check(ctx context.Context, ti *scheduler.CustomCheckInstance) error
}

type CustomCheckOperator struct {
	checkRunner CustomCheckRunner
}

func NewCustomCheckOperator(conn selector) *CustomCheckOperator {
	return &CustomCheckOperator{
		checkRunner: NewCustomCheck(conn),
	}
}

func (o *CustomCheckOperator) Run(ctx context.Context, ti scheduler.TaskInstance) error {
	instance, ok := ti.(*scheduler.CustomCheckInstance)
	if !ok {
		return errors.New("cannot run a non-custom check instance")
	}

	return o.checkRunner.Check(ctx, instance)
}

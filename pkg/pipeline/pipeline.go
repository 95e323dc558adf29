package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type AssetType string

const (
	AssetTypeSQL = AssetType("sql")
)

type MaterializationType string

const (
	MaterializationTypeNone  MaterializationType = ""
	MaterializationTypeView  MaterializationType = "view"
	MaterializationTypeTable MaterializationType = "table"
)

type MaterializationStrategy string

const (
	MaterializationStrategyNone           MaterializationStrategy = ""
	MaterializationStrategyCreateReplace  MaterializationStrategy = "create+replace"
	MaterializationStrategyTruncateInsert MaterializationStrategy = "truncate+insert"
	MaterializationStrategyDeleteInsert   MaterializationStrategy = "delete+insert"
	MaterializationStrategyAppend         MaterializationStrategy = "append"
	MaterializationStrategyMerge          MaterializationStrategy = "merge"
	MaterializationStrategyTimeInterval   MaterializationStrategy = "time_interval"
)

var AllAvailableMaterializationStrategies = []MaterializationStrategy{
	MaterializationStrategyCreateReplace,
	MaterializationStrategyTruncateInsert,
	MaterializationStrategyDeleteInsert,
	MaterializationStrategyAppend,
	MaterializationStrategyMerge,
	MaterializationStrategyTimeInterval,
}

type MaterializationTimeGranularity string

const (
	MaterializationTimeGranularityNone      MaterializationTimeGranularity = ""
	MaterializationTimeGranularityDate      MaterializationTimeGranularity = "date"
	MaterializationTimeGranularityTimestamp MaterializationTimeGranularity = "timestamp"
)

type Materialization struct {
	Type            MaterializationType            `json:"type" yaml:"type,omitempty"`
	Strategy        MaterializationStrategy        `json:"strategy" yaml:"strategy,omitempty"`
	IncrementalKey  string                         `json:"incremental_key" yaml:"incremental_key,omitempty"`
	TimeGranularity MaterializationTimeGranularity `json:"time_granularity" yaml:"time_granularity,omitempty"`
}

// RequiresIncrementalKey reports whether the strategy deletes by a window over
// a key column before inserting.
func (m Materialization) RequiresIncrementalKey() bool {
	return m.Strategy == MaterializationStrategyDeleteInsert || m.Strategy == MaterializationStrategyTimeInterval
}

var ValidColumnTypes = map[string]bool{
	"string":    true,
	"integer":   true,
	"double":    true,
	"boolean":   true,
	"date":      true,
	"timestamp": true,
}

type DefaultTrueBool struct {
	Value *bool
}

func (b *DefaultTrueBool) UnmarshalYAML(value *yaml.Node) error {
	var multi *bool
	err := value.Decode(&multi)
	if err != nil {
		return err
	}
	b.Value = multi

	return nil
}

func (b DefaultTrueBool) MarshalYAML() (interface{}, error) {
	if b.Value == nil {
		return nil, nil
	}

	return *b.Value, nil
}

func (b DefaultTrueBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Bool())
}

func (b *DefaultTrueBool) Bool() bool {
	if b.Value == nil {
		return true
	}

	return *b.Value
}

type ColumnCheckValue struct {
	IntArray    *[]int    `json:"int_array"`
	Int         *int      `json:"int"`
	Float       *float64  `json:"float"`
	StringArray *[]string `json:"string_array"`
	String      *string   `json:"string"`
	Bool        *bool     `json:"bool"`
}

func (ccv *ColumnCheckValue) ToString() string {
	if ccv.IntArray != nil {
		ints := make([]string, 0, len(*ccv.IntArray))
		for _, i := range *ccv.IntArray {
			ints = append(ints, strconv.Itoa(i))
		}
		return fmt.Sprintf("[%s]", strings.Join(ints, ", "))
	}
	if ccv.Int != nil {
		return strconv.Itoa(*ccv.Int)
	}
	if ccv.Float != nil {
		return fmt.Sprintf("%f", *ccv.Float)
	}
	if ccv.StringArray != nil {
		return strings.Join(*ccv.StringArray, ", ")
	}
	if ccv.String != nil {
		return *ccv.String
	}
	if ccv.Bool != nil {
		return strconv.FormatBool(*ccv.Bool)
	}

	return ""
}

func (ccv *ColumnCheckValue) MarshalJSON() ([]byte, error) {
	if ccv.IntArray != nil {
		return json.Marshal(ccv.IntArray)
	}
	if ccv.Int != nil {
		return json.Marshal(ccv.Int)
	}
	if ccv.Float != nil {
		return json.Marshal(ccv.Float)
	}
	if ccv.StringArray != nil {
		return json.Marshal(ccv.StringArray)
	}
	if ccv.String != nil {
		return json.Marshal(ccv.String)
	}
	if ccv.Bool != nil {
		return json.Marshal(ccv.Bool)
	}

	return []byte("null"), nil
}

type ColumnCheck struct {
	ID       string           `json:"id" yaml:"-"`
	Name     string           `json:"name" yaml:"name,omitempty"`
	Value    ColumnCheckValue `json:"value" yaml:"value,omitempty"`
	Blocking DefaultTrueBool  `json:"blocking" yaml:"blocking,omitempty"`
}

func NewColumnCheck(assetName, columnName, name string, value ColumnCheckValue, blocking *bool) ColumnCheck {
	return ColumnCheck{
		ID:       hash(fmt.Sprintf("%s-%s-%s", assetName, columnName, name)),
		Name:     strings.TrimSpace(name),
		Value:    value,
		Blocking: DefaultTrueBool{Value: blocking},
	}
}

type Column struct {
	Name        string          `json:"name" yaml:"name,omitempty"`
	Type        string          `json:"type" yaml:"type,omitempty"`
	Description string          `json:"description" yaml:"description,omitempty"`
	Nullable    DefaultTrueBool `json:"nullable" yaml:"nullable,omitempty"`
	Checks      []ColumnCheck   `json:"checks" yaml:"checks,omitempty"`
	PrimaryKey  bool            `json:"primary_key" yaml:"primary_key,omitempty"`
}

// IsNullable defaults to true, primary key columns are never nullable.
func (c *Column) IsNullable() bool {
	if c.PrimaryKey {
		return false
	}

	return c.Nullable.Bool()
}

func (c *Column) HasCheck(check string) bool {
	for _, cc := range c.Checks {
		if cc.Name == check {
			return true
		}
	}

	return false
}

type CustomCheck struct {
	ID          string          `json:"id" yaml:"-"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description,omitempty"`
	Query       string          `json:"query" yaml:"query"`
	Value       int64           `json:"value" yaml:"value,omitempty"`
	Blocking    DefaultTrueBool `json:"blocking" yaml:"blocking,omitempty"`
}

type Upstream struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

type ExecutableFile struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Asset struct {
	ID              string          `json:"id" yaml:"-"`
	Name            string          `json:"name" yaml:"name,omitempty"`
	Description     string          `json:"description" yaml:"description,omitempty"`
	Type            AssetType       `json:"type" yaml:"type,omitempty"`
	ExecutableFile  ExecutableFile  `json:"executable_file" yaml:"-"`
	Materialization Materialization `json:"materialization" yaml:"materialization,omitempty"`
	Columns         []Column        `json:"columns" yaml:"columns,omitempty"`
	CustomChecks    []CustomCheck   `json:"custom_checks" yaml:"custom_checks,omitempty"`
	Upstreams       []Upstream      `json:"upstreams" yaml:"depends,omitempty"`

	upstream   []*Asset
	downstream []*Asset
}

func (a *Asset) AddUpstream(asset *Asset) {
	a.upstream = append(a.upstream, asset)
}

func (a *Asset) GetUpstream() []*Asset {
	return a.upstream
}

func (a *Asset) AddDownstream(asset *Asset) {
	a.downstream = append(a.downstream, asset)
}

func (a *Asset) GetDownstream() []*Asset {
	return a.downstream
}

func (a *Asset) ColumnNames() []string {
	columns := make([]string, len(a.Columns))
	for i, c := range a.Columns {
		columns[i] = c.Name
	}
	return columns
}

func (a *Asset) ColumnNamesWithPrimaryKey() []string {
	columns := make([]string, 0)
	for _, c := range a.Columns {
		if c.PrimaryKey {
			columns = append(columns, c.Name)
		}
	}
	return columns
}

func (a *Asset) GetColumnWithName(name string) *Column {
	for _, c := range a.Columns {
		if c.Name == name {
			return &c
		}
	}

	return nil
}

// Validate checks the single-asset invariants that don't need the full graph.
func (a *Asset) Validate() error {
	if a.Name == "" {
		return errors.New("assets must have a name")
	}

	for _, c := range a.Columns {
		if c.Type != "" && !ValidColumnTypes[strings.ToLower(c.Type)] {
			return errors.Errorf("asset '%s', column '%s': unknown column type '%s'", a.Name, c.Name, c.Type)
		}
	}

	mat := a.Materialization
	if mat.Strategy != MaterializationStrategyNone {
		if !slices.Contains(AllAvailableMaterializationStrategies, mat.Strategy) {
			return errors.Errorf("asset '%s': unknown materialization strategy '%s'", a.Name, mat.Strategy)
		}

		if mat.Type != MaterializationTypeTable {
			return errors.Errorf("asset '%s': materialization strategy '%s' is only supported for tables", a.Name, mat.Strategy)
		}
	}

	if mat.RequiresIncrementalKey() {
		if mat.IncrementalKey == "" {
			return errors.Errorf("asset '%s': materialization strategy '%s' requires the `incremental_key` field to be set", a.Name, mat.Strategy)
		}

		if mat.TimeGranularity != MaterializationTimeGranularityDate && mat.TimeGranularity != MaterializationTimeGranularityTimestamp {
			return errors.Errorf("asset '%s': materialization strategy '%s' requires `time_granularity` to be either 'date' or 'timestamp'", a.Name, mat.Strategy)
		}

		if a.GetColumnWithName(mat.IncrementalKey) == nil {
			return errors.Errorf("asset '%s': the incremental key '%s' must appear among the declared columns", a.Name, mat.IncrementalKey)
		}
	}

	if mat.Strategy == MaterializationStrategyMerge && len(a.ColumnNamesWithPrimaryKey()) == 0 {
		return errors.Errorf("asset '%s': materialization strategy 'merge' requires the `primary_key` field to be set on at least one column", a.Name)
	}

	return nil
}

type Pipeline struct {
	Name           string   `yaml:"name" json:"name"`
	DatabasePath   string   `yaml:"database" json:"database"`
	DefinitionFile string   `json:"definition_file"`
	Assets         []*Asset `json:"assets"`

	tasksByName map[string]*Asset
}

func (p *Pipeline) ensureTaskNameMapIsFilled() {
	if p.tasksByName != nil {
		return
	}

	p.tasksByName = make(map[string]*Asset, len(p.Assets))
	for _, asset := range p.Assets {
		p.tasksByName[asset.Name] = asset
	}
}

func (p *Pipeline) GetAssetByName(assetName string) *Asset {
	p.ensureTaskNameMapIsFilled()

	asset, ok := p.tasksByName[assetName]
	if !ok {
		return nil
	}

	return asset
}

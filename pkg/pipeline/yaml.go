package pipeline

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var ValidQualityChecks = map[string]bool{
	"not_null":        true,
	"unique":          true,
	"non_negative":    true,
	"accepted_values": true,
}

const (
	configMarkerString = "@lodestar"

	pipelineDefinitionFile = "pipeline.yml"
	assetsDirectoryName    = "assets"
)

var (
	configBlockPrefix = "/* " + configMarkerString
	configBlockSuffix = configMarkerString + " */"
)

var supportedFileSuffixes = []string{".yml", ".yaml", ".sql"}

type ParseError struct {
	Msg string
}

func (e ParseError) Error() string {
	return e.Msg
}

type columnCheckValue struct {
	IntArray    *[]int
	Int         *int
	Float       *float64
	StringArray *[]string
	String      *string
	Bool        *bool
}

func (a *columnCheckValue) UnmarshalYAML(value *yaml.Node) error {
	var val interface{}
	err := value.Decode(&val)
	if err != nil {
		return err
	}

	switch v := val.(type) {
	case []interface{}:
		var multiInt []int
		err := value.Decode(&multiInt)
		if err == nil {
			*a = columnCheckValue{IntArray: &multiInt}
			return nil
		}

		var multi []string
		err = value.Decode(&multi)
		if err != nil {
			return &ParseError{Msg: err.Error()}
		}

		*a = columnCheckValue{StringArray: &multi}
	case string:
		*a = columnCheckValue{String: &v}
	case int:
		*a = columnCheckValue{Int: &v}
	case float64:
		*a = columnCheckValue{Float: &v}
	case bool:
		*a = columnCheckValue{Bool: &v}
	default:
		return &ParseError{Msg: fmt.Sprintf("unexpected type %T", v)}
	}

	return nil
}

type depends []upstream

type upstream struct {
	Value string `yaml:"value"`
	Type  string `yaml:"type"`
}

func (a *depends) UnmarshalYAML(value *yaml.Node) error {
	var multi []upstream
	err := value.Decode(&multi)
	if err != nil {
		return &ParseError{Msg: "Malformed `depends` items"}
	}
	*a = multi

	return nil
}

func (u *upstream) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*u = upstream{Value: value.Value, Type: "asset"}
		return nil
	}

	var us map[string]string
	err := value.Decode(&us)
	if err != nil {
		return &ParseError{Msg: "Malformed `depends` field"}
	}

	if asset, ok := us["asset"]; ok {
		*u = upstream{Value: asset, Type: "asset"}
		return nil
	}

	return &ParseError{Msg: "Malformed `depends` field"}
}

type columnCheck struct {
	Name     string           `yaml:"name"`
	Value    columnCheckValue `yaml:"value"`
	Blocking *bool            `yaml:"blocking"`
}

type column struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	Description string        `yaml:"description"`
	Nullable    *bool         `yaml:"nullable"`
	Tests       []columnCheck `yaml:"checks"`
	PrimaryKey  bool          `yaml:"primary_key"`
}

type customCheck struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Query       string `yaml:"query"`
	Value       int64  `yaml:"value"`
	Blocking    *bool  `yaml:"blocking"`
}

type materialization struct {
	Type            string `yaml:"type"`
	Strategy        string `yaml:"strategy"`
	IncrementalKey  string `yaml:"incremental_key"`
	TimeGranularity string `yaml:"time_granularity"`
}

type taskDefinition struct {
	Name            string          `yaml:"name"`
	Description     string          `yaml:"description"`
	Type            string          `yaml:"type"`
	Depends         depends         `yaml:"depends"`
	Materialization materialization `yaml:"materialization"`
	Columns         []column        `yaml:"columns"`
	CustomChecks    []customCheck   `yaml:"custom_checks"`
	Query           string          `yaml:"query"`
}

// ConvertYamlToAsset builds an Asset from a raw YAML definition document.
func ConvertYamlToAsset(content []byte) (*Asset, error) {
	var definition taskDefinition
	if err := yaml.Unmarshal(content, &definition); err != nil {
		return nil, &ParseError{Msg: "malformed asset definition: " + err.Error()}
	}

	mat := Materialization{
		Type:            MaterializationType(strings.ToLower(definition.Materialization.Type)),
		Strategy:        MaterializationStrategy(strings.ToLower(definition.Materialization.Strategy)),
		IncrementalKey:  definition.Materialization.IncrementalKey,
		TimeGranularity: MaterializationTimeGranularity(strings.ToLower(definition.Materialization.TimeGranularity)),
	}

	columns := make([]Column, len(definition.Columns))
	for index, col := range definition.Columns {
		tests := make([]ColumnCheck, 0, len(col.Tests))
		seenTests := make(map[string]bool)

		for _, test := range col.Tests {
			if !ValidQualityChecks[test.Name] {
				return nil, &ParseError{Msg: fmt.Sprintf("unknown check '%s' on column '%s'", test.Name, col.Name)}
			}

			if seenTests[test.Name] {
				continue
			}
			seenTests[test.Name] = true

			tests = append(tests, NewColumnCheck(definition.Name, col.Name, test.Name, ColumnCheckValue(test.Value), test.Blocking))
		}

		columns[index] = Column{
			Name:        col.Name,
			Type:        strings.TrimSpace(col.Type),
			Description: col.Description,
			Nullable:    DefaultTrueBool{Value: col.Nullable},
			Checks:      tests,
			PrimaryKey:  col.PrimaryKey,
		}
	}

	upstreams := make([]Upstream, len(definition.Depends))
	for index, dep := range definition.Depends {
		upstreams[index] = Upstream{
			Value: dep.Value,
			Type:  dep.Type,
		}
	}

	assetType := AssetTypeSQL
	if definition.Type != "" {
		assetType = AssetType(definition.Type)
	}

	asset := Asset{
		ID:              hash(definition.Name),
		Name:            definition.Name,
		Description:     definition.Description,
		Type:            assetType,
		Upstreams:       upstreams,
		Materialization: mat,
		Columns:         columns,
		CustomChecks:    make([]CustomCheck, len(definition.CustomChecks)),
	}

	for index, check := range definition.CustomChecks {
		asset.CustomChecks[index] = CustomCheck{
			ID:          hash(fmt.Sprintf("%s-%s", asset.Name, check.Name)),
			Name:        check.Name,
			Description: check.Description,
			Query:       check.Query,
			Value:       check.Value,
			Blocking:    DefaultTrueBool{Value: check.Blocking},
		}
	}

	if definition.Query != "" {
		asset.ExecutableFile.Content = strings.TrimSpace(definition.Query)
	}

	return &asset, nil
}

// CreateAssetFromFile parses a single asset definition. SQL files carry their
// configuration in an embedded block between `/* @lodestar` and `@lodestar */`
// markers, YAML files are the definition themselves with the query inline.
func CreateAssetFromFile(fs afero.Fs, filePath string) (*Asset, error) {
	content, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read asset file %s", filePath)
	}

	var asset *Asset
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".sql":
		asset, err = convertSQLFileToAsset(string(content))
	case ".yml", ".yaml":
		asset, err = ConvertYamlToAsset(content)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse asset file %s", filePath)
	}

	asset.ExecutableFile.Name = filepath.Base(filePath)
	asset.ExecutableFile.Path = filePath

	return asset, nil
}

func convertSQLFileToAsset(content string) (*Asset, error) {
	start := strings.Index(content, configBlockPrefix)
	if start == -1 {
		return nil, &ParseError{Msg: "SQL assets must carry an embedded " + configMarkerString + " configuration block"}
	}

	end := strings.Index(content, configBlockSuffix)
	if end == -1 || end < start {
		return nil, &ParseError{Msg: "embedded configuration block is missing its closing " + configMarkerString + " marker"}
	}

	configSection := content[start+len(configBlockPrefix) : end]
	asset, err := ConvertYamlToAsset([]byte(configSection))
	if err != nil {
		return nil, err
	}

	asset.ExecutableFile.Content = strings.TrimSpace(content[end+len(configBlockSuffix):])

	return asset, nil
}

type pipelineDefinition struct {
	Name     string `yaml:"name"`
	Database string `yaml:"database"`
}

// PipelineFromPath loads a pipeline from a directory containing a
// `pipeline.yml` and an `assets/` folder.
func PipelineFromPath(pathToPipeline string, fs afero.Fs) (*Pipeline, error) {
	definitionPath := filepath.Join(pathToPipeline, pipelineDefinitionFile)
	content, err := afero.ReadFile(fs, definitionPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pipeline definition %s", definitionPath)
	}

	var definition pipelineDefinition
	if err := yaml.Unmarshal(content, &definition); err != nil {
		return nil, &ParseError{Msg: "malformed pipeline definition: " + err.Error()}
	}

	if definition.Name == "" {
		return nil, &ParseError{Msg: "pipelines must have a name"}
	}

	p := &Pipeline{
		Name:           definition.Name,
		DatabasePath:   definition.Database,
		DefinitionFile: definitionPath,
		Assets:         make([]*Asset, 0),
	}

	assetsPath := filepath.Join(pathToPipeline, assetsDirectoryName)
	assetFiles := make([]string, 0)
	err = afero.Walk(fs, assetsPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if fileHasSuffix(supportedFileSuffixes, path) {
			assetFiles = append(assetFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk the assets under %s", assetsPath)
	}

	sort.Strings(assetFiles)
	for _, file := range assetFiles {
		asset, err := CreateAssetFromFile(fs, file)
		if err != nil {
			return nil, err
		}
		if asset == nil {
			continue
		}

		if err := asset.Validate(); err != nil {
			return nil, err
		}

		if existing := p.GetAssetByName(asset.Name); existing != nil {
			return nil, &ParseError{Msg: fmt.Sprintf("asset '%s' is defined more than once", asset.Name)}
		}

		p.Assets = append(p.Assets, asset)
		p.tasksByName[asset.Name] = asset
	}

	return p, nil
}

func fileHasSuffix(arr []string, str string) bool {
	for _, a := range arr {
		if strings.HasSuffix(str, a) {
			return true
		}
	}
	return false
}

func hash(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))[:64]
}

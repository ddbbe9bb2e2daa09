package host

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ScriptTarget is the numeric language target.
type ScriptTarget int

const (
	TargetES3    ScriptTarget = 0
	TargetES5    ScriptTarget = 1
	TargetES2015 ScriptTarget = 2
	TargetESNext ScriptTarget = 99
)

// CompilerOptions is the subset of compiler settings the host and the
// built-in engine read. Unknown options are kept in Extra.
type CompilerOptions struct {
	Target           string         `json:"target,omitempty" mapstructure:"target" koanf:"target"`
	Module           string         `json:"module,omitempty" mapstructure:"module" koanf:"module"`
	ModuleResolution string         `json:"moduleResolution,omitempty" mapstructure:"moduleResolution" koanf:"moduleResolution"`
	JSX              string         `json:"jsx,omitempty" mapstructure:"jsx" koanf:"jsx"`
	JSXImportSource  string         `json:"jsxImportSource,omitempty" mapstructure:"jsxImportSource" koanf:"jsxImportSource"`
	Lib              []string       `json:"lib,omitempty" mapstructure:"lib" koanf:"lib"`
	Types            []string       `json:"types,omitempty" mapstructure:"types" koanf:"types"`
	Strict           bool           `json:"strict,omitempty" mapstructure:"strict" koanf:"strict"`
	AllowJS          bool           `json:"allowJs,omitempty" mapstructure:"allowJs" koanf:"allowJs"`
	CheckJS          bool           `json:"checkJs,omitempty" mapstructure:"checkJs" koanf:"checkJs"`
	Extra            map[string]any `json:"-" mapstructure:",remain" koanf:"-"`
}

// ScriptTarget parses Target. Empty targets mean ESNext.
func (o CompilerOptions) ScriptTarget() ScriptTarget {
	t := strings.ToLower(strings.TrimSpace(o.Target))
	switch t {
	case "", "esnext", "latest":
		return TargetESNext
	case "es3":
		return TargetES3
	case "es5":
		return TargetES5
	case "es6":
		return TargetES2015
	}
	if year, ok := strings.CutPrefix(t, "es"); ok {
		if y, err := strconv.Atoi(year); err == nil && y >= 2015 {
			return ScriptTarget(y - 2013)
		}
	}
	if n, err := strconv.Atoi(t); err == nil {
		return ScriptTarget(n)
	}
	return TargetESNext
}

// DecodeCompilerOptions decodes a tsconfig-style "compilerOptions" map.
// Scalars are converted loosely so numeric targets decode into strings.
func DecodeCompilerOptions(raw map[string]any) (CompilerOptions, error) {
	var opts CompilerOptions
	if len(raw) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return opts, fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("invalid compiler options: %w", err)
	}
	return opts, nil
}

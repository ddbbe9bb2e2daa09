package config

import "github.com/leapstack-labs/importls/internal/analysis"

// Well-known file names probed in the project root.
const (
	DenoConfigFile      = "deno.json"
	DenoConfigFileAlt   = "deno.jsonc"
	TSConfigFile        = "tsconfig.json"
	IndexHTMLFile       = "index.html"
	InlineImportMapName = ConfigFileName
)

// ApplyDefaults applies default values to a ProjectConfig.
func (c *ProjectConfig) ApplyDefaults() {
	if c == nil {
		return
	}
	if c.MaxGraphFiles <= 0 {
		c.MaxGraphFiles = analysis.DefaultMaxGraphFiles
	}
}

package commands

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/importls/internal/cli/config"
	projectconfig "github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
)

// ProjectView is the JSON shape of `config project`.
type ProjectView struct {
	Root                  string               `json:"root"`
	ConfigFile            string               `json:"configFile,omitempty"`
	ImportMapSource       string               `json:"importMapSource,omitempty"`
	BaseURL               string               `json:"baseURL"`
	Imports               importmap.Table      `json:"imports"`
	Scopes                []importmap.Scope    `json:"scopes"`
	CompilerOptions       host.CompilerOptions `json:"compilerOptions"`
	CompilerOptionsSource string               `json:"compilerOptionsSource,omitempty"`
	ExtraLibs             []string             `json:"extraLibs"`
	PersistBuffers        bool                 `json:"persistBuffers"`
	MaxGraphFiles         int                  `json:"maxGraphFiles"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
	}
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigProjectCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged CLI settings",
		Long: `Print the settings after merging defaults, importls.yaml,
IMPORTLS_* environment variables and flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := NewCommandContext(cmd)
			settings := config.All()
			if c.Renderer.IsJSON() {
				return c.Renderer.JSON(settings)
			}
			if used := config.GetConfigFileUsed(); used != "" {
				c.Renderer.Printf("# %s\n", used)
			}
			enc := yaml.NewEncoder(c.Renderer.Out())
			enc.SetIndent(2)
			if err := enc.Encode(settings); err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			return enc.Close()
		},
	}
}

func newConfigProjectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "project",
		Short: "Print the resolved import map and compiler options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := NewCommandContext(cmd)
			view := projectView(projectconfig.Load(c.Cfg.ProjectRoot, c.Logger))
			if c.Renderer.IsJSON() {
				return c.Renderer.JSON(view)
			}
			c.Renderer.KeyValues([][2]string{
				{"Root", view.Root},
				{"Config file", orDash(view.ConfigFile)},
				{"Import map", orDash(view.ImportMapSource)},
				{"Base URL", view.BaseURL},
				{"Compiler options", orDash(view.CompilerOptionsSource)},
				{"JSX import source", orDash(view.CompilerOptions.JSXImportSource)},
				{"Persist buffers", strconv.FormatBool(view.PersistBuffers)},
				{"Max graph files", strconv.Itoa(view.MaxGraphFiles)},
			})
			c.Renderer.Println()
			rows := make([][]string, 0, len(view.Imports))
			for _, e := range view.Imports {
				rows = append(rows, []string{"", e.Key, e.Target})
			}
			for _, s := range view.Scopes {
				for _, e := range s.Imports {
					rows = append(rows, []string{s.Key, e.Key, e.Target})
				}
			}
			c.Renderer.Table([]string{"scope", "specifier", "target"}, rows)
			if len(view.ExtraLibs) > 0 {
				c.Renderer.Println()
				libs := make([][]string, len(view.ExtraLibs))
				for i, l := range view.ExtraLibs {
					libs[i] = []string{l}
				}
				c.Renderer.Table([]string{"extra lib"}, libs)
			}
			return nil
		},
	}
}

func projectView(p *projectconfig.Project) ProjectView {
	v := ProjectView{
		Root:                  p.Root,
		ConfigFile:            p.ConfigFile,
		ImportMapSource:       p.ImportMapSource,
		BaseURL:               importmap.DefaultBaseURL,
		Imports:               importmap.Table{},
		Scopes:                []importmap.Scope{},
		CompilerOptions:       p.CompilerOptions,
		CompilerOptionsSource: p.CompilerOptionsSource,
		ExtraLibs:             slices.Sorted(maps.Keys(p.ExtraLibs)),
		PersistBuffers:        p.PersistBuffers,
		MaxGraphFiles:         p.MaxGraphFiles,
	}
	if m := p.ImportMap; m != nil {
		if m.BaseURL != nil {
			v.BaseURL = m.BaseURL.String()
		}
		if m.Imports != nil {
			v.Imports = m.Imports
		}
		if m.Scopes != nil {
			v.Scopes = m.Scopes
		}
	}
	if v.ExtraLibs == nil {
		v.ExtraLibs = []string{}
	}
	return v
}

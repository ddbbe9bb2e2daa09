package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/importls/internal/analysis"
	projectcfg "github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
)

// maxCheckPasses bounds how often diagnostics are recomputed while remote
// modules are still downloading.
const maxCheckPasses = 20

// Problem is one diagnostic reported by the check command.
type Problem struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>...",
		Short: "Report unresolved imports and syntax errors",
		Long: `Analyse files with the built-in engine and print their diagnostics.

Remote imports are downloaded (through the cache) until the module graph
settles. The command fails when any error is reported.`,
		Example: `  # Check an entry point and everything it imports
  importls check src/main.ts

  # Machine-readable output
  importls check src/*.ts --output json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offline, _ := cmd.Flags().GetBool("offline")
			return runCheck(cmd, args, offline)
		},
	}

	cmd.Flags().Bool("offline", false, "Do not download remote modules")
	return cmd
}

func runCheck(cmd *cobra.Command, files []string, offline bool) error {
	c := NewCommandContext(cmd)
	project := projectcfg.Load(c.Cfg.ProjectRoot, c.Logger)

	var fetcher host.Fetcher
	if !offline {
		store, err := c.OpenStore()
		if err != nil {
			c.Renderer.Warn("%v", err)
			store = nil
		}
		defer closeStore(store, c.Logger)
		fetcher = c.Fetcher(store)
	}

	uris := make([]string, len(files))
	for i, f := range files {
		uris[i] = fileURI(f)
	}
	models := newDiskModels(uris...)

	opts := project.HostOptions()
	opts.Logger = c.Logger.With("component", "host")
	h := host.New(models, nil, fetcher, opts)
	defer h.Dispose()

	eng := analysis.New(h, c.Logger.With("component", "analysis"))
	eng.SetMaxGraphFiles(project.MaxGraphFiles)

	var problems []Problem
	for pass := 0; pass < maxCheckPasses; pass++ {
		problems = problems[:0]
		for _, uri := range uris {
			m, ok := models.Model(uri)
			if !ok {
				return fmt.Errorf("cannot read %s", uri)
			}
			for _, d := range eng.Diagnostics(uri) {
				problems = append(problems, toProblem(uri, m.Text(), d))
			}
		}
		if h.Stats().InFlight == 0 {
			break
		}
		h.Wait()
	}

	errorCount := 0
	for _, p := range problems {
		if p.Severity == "error" {
			errorCount++
		}
	}

	r := c.Renderer
	if r.IsJSON() {
		if problems == nil {
			problems = []Problem{}
		}
		if err := r.JSON(problems); err != nil {
			return err
		}
	} else {
		rows := make([][]string, len(problems))
		for i, p := range problems {
			rows[i] = []string{
				fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column),
				p.Severity,
				fmt.Sprintf("TS%d", p.Code),
				p.Message,
			}
		}
		r.Table([]string{"location", "severity", "code", "message"}, rows)
	}

	if errorCount > 0 {
		return fmt.Errorf("%d error(s) found", errorCount)
	}
	return nil
}

func toProblem(uri, text string, d analysis.Diagnostic) Problem {
	line, col := lineColumn(text, d.Start)
	return Problem{
		File:     uri,
		Line:     line,
		Column:   col,
		Severity: severityName(d.Severity),
		Code:     d.Code,
		Message:  d.Message,
	}
}

// lineColumn converts a byte offset to 1-based line and column numbers.
func lineColumn(text string, offset int) (int, int) {
	if offset > len(text) {
		offset = len(text)
	}
	if offset < 0 {
		offset = 0
	}
	before := text[:offset]
	line := strings.Count(before, "\n") + 1
	col := offset - strings.LastIndexByte(before, '\n')
	return line, col
}

func severityName(s analysis.Severity) string {
	switch s {
	case analysis.SeverityError:
		return "error"
	case analysis.SeverityWarning:
		return "warning"
	case analysis.SeverityInformation:
		return "info"
	default:
		return "hint"
	}
}

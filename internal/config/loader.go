package config

import (
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = "importls.yaml"

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "importls.yml"

// keyDelim separates nested koanf keys. Import map specifiers and scope
// URLs contain dots, so "." cannot be used.
const keyDelim = "::"

// LoadFromDir loads a ProjectConfig from the given directory.
// Returns nil, nil if no config file is found (not an error condition).
func LoadFromDir(dir string) (*ProjectConfig, error) {
	configPath := findConfigFile(dir)
	if configPath == "" {
		return nil, nil
	}

	k := koanf.New(keyDelim)
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, err
	}

	var cfg ProjectConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// findConfigFile finds the config file in the given directory.
// Returns empty string if not found.
func findConfigFile(dir string) string {
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// projectMarkers identify a workspace root when no importls.yaml exists.
var projectMarkers = []string{DenoConfigFile, DenoConfigFileAlt, TSConfigFile}

// FindProjectRoot walks up from the given directory to find a directory
// containing importls.yaml, deno.json or tsconfig.json. importls.yaml wins
// over the other markers at any depth.
// Returns empty string if not found.
func FindProjectRoot(startDir string) string {
	fallback := ""
	dir := startDir
	for {
		if findConfigFile(dir) != "" {
			return dir
		}
		if fallback == "" && hasMarker(dir) {
			fallback = dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}
		dir = parent
	}
}

func hasMarker(dir string) bool {
	for _, name := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

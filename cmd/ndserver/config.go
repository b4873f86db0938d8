package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config mirrors the CLI flags and is also what -c loads from disk,
// following the teacher's parseJSONConfig pattern (server/config.go)
// but additionally accepting YAML when the file extension calls for it.
type Config struct {
	Listen  string `json:"listen" yaml:"listen"`
	RootDir string `json:"rootdir" yaml:"rootdir"`
	Trace   bool   `json:"trace" yaml:"trace"`
	Debug   bool   `json:"debug" yaml:"debug"`
	Log     string `json:"log" yaml:"log"`
	Quiet   bool   `json:"quiet" yaml:"quiet"`
}

// parseConfigFile overrides config with whatever path contains, deciding
// JSON vs YAML by file extension; anything other than .yaml/.yml is
// treated as JSON, matching the teacher's JSON-only default.
func parseConfigFile(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.NewDecoder(file).Decode(config)
	default:
		return json.NewDecoder(file).Decode(config)
	}
}

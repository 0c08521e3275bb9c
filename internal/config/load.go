package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Load reads, strictly decodes and validates the YAML document at path,
// returning a fully resolved Graph. Relative program/output paths resolve
// against runDir; the spawned children's working directory is workDir.
//
// Decoding uses KnownFields(true) (a malformed document is a
// load-time, not run-time, error) so a typo'd field name like `stdot_path`
// is rejected rather than silently ignored.
func Load(path, runDir, workDir string, log *zap.Logger) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	g, err := build(&doc, runDir, workDir)
	if err != nil {
		return nil, err
	}

	if log != nil {
		log.Debug("config loaded", zap.String("path", path), zap.Int("programs", len(g.Names)))
		if os.Getenv("SHEPHERD_DEBUG") == "1" {
			log.Debug("config graph", zap.String("dump", spew.Sdump(g)))
		}
	}

	return g, nil
}

// Package artifact writes the state-times artifact: a mapping
// from program name to {state name -> seconds since clock origin},
// emitted once at the end of a run.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Document is the JSON shape of the state-times artifact.
type Document map[string]map[string]float64

// Write serializes doc to path, creating parent directories as needed,
// via a write-to-temp-then-rename so a reader never observes a partial
// file.
func Write(path string, doc Document) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("artifact: mkdir %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("artifact: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/kiku/examples"
)

// runInit initializes a Kiku working directory with the sample config,
// persona, and an empty data directory. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Kiku workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", dataDir)

	// The config may end up holding API keys.
	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		{"config.yaml", examples.ConfigYAML, 0o600},
		{"persona.md", examples.PersonaMD, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, kept)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and persona.md, put provider keys in .env, then run: kiku serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

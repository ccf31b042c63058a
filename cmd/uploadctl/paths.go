package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// expandPaths resolves the glob patterns among the paths ("**" included) and returns the regular files
// they name, in order and without duplicates.
func expandPaths(paths []string, logger log.Logger) ([]string, error) {
	var expanded []string
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[{") {
			expanded = append(expanded, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(path))
		matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %s: %w", path, err)
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", path)
			continue
		}
		for _, match := range matches {
			expanded = append(expanded, filepath.Join(base, match))
		}
	}

	seen := map[string]bool{}
	var files []string
	for _, path := range expanded {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			logger.Warnf("Skipping directory: %s", path)
			continue
		}

		clean := filepath.Clean(path)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		files = append(files, clean)
	}
	return files, nil
}

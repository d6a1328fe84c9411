package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

type pathEvaluator struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

func newPathEvaluator(logger log.Logger) pathEvaluator {
	return pathEvaluator{
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		logger:       logger,
	}
}

// evaluate expands glob patterns and returns the absolute paths of the
// existing regular files.
func (e pathEvaluator) evaluate(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := e.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			e.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	var finalPaths []string
	seen := map[string]bool{}
	for _, path := range expandedPaths {
		absPath, err := e.pathModifier.AbsPath(path)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := e.pathChecker.IsPathExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			e.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		info, err := os.Stat(absPath)
		if err != nil || !info.Mode().IsRegular() {
			e.logger.Debugf("Skipping non-regular file: %s", absPath)
			continue
		}

		if !seen[absPath] {
			seen[absPath] = true
			finalPaths = append(finalPaths, absPath)
		}
	}

	return finalPaths, nil
}

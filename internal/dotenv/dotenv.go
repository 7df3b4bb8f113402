// Package dotenv reads KEY=VALUE files (Next.js style .env, .env.local) into the
// process environment so credentials placed there reach config overrides.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load applies each existing file in order. Variables already present in the
// environment, including ones set by an earlier file, are never replaced.
// It returns the paths that were actually read.
func Load(paths ...string) ([]string, error) {
	var loaded []string
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("open env file %q: %w", path, err)
		}
		values, err := Parse(file)
		file.Close()
		if err != nil {
			return loaded, fmt.Errorf("parse env file %q: %w", path, err)
		}
		for _, kv := range values {
			if _, exists := os.LookupEnv(kv.Key); exists {
				continue
			}
			if err := os.Setenv(kv.Key, kv.Value); err != nil {
				return loaded, fmt.Errorf("set env %q from %q: %w", kv.Key, path, err)
			}
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

// Pair is one assignment in file order.
type Pair struct {
	Key   string
	Value string
}

// Parse reads assignments, skipping blanks, comments and malformed lines.
func Parse(r io.Reader) ([]Pair, error) {
	var pairs []Pair
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if kv, ok := parseLine(scanner.Text()); ok {
			pairs = append(pairs, kv)
		}
	}
	return pairs, scanner.Err()
}

func parseLine(raw string) (Pair, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return Pair{}, false
	}
	line = strings.TrimPrefix(line, "export ")
	key, value, found := strings.Cut(line, "=")
	if !found {
		return Pair{}, false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Pair{}, false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' || first == '\'') && first == last {
			return Pair{Key: key, Value: value[1 : len(value)-1]}, true
		}
	}
	// Unquoted values may carry a trailing comment.
	if idx := strings.Index(value, " #"); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	return Pair{Key: key, Value: value}, true
}

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys lists the valid keys of every section. [endpoints] is a
// free-form map and never produces undecoded keys.
var knownSectionKeys = map[string][]string{
	"connection": {
		"base_url", "strategy", "username", "password", "user_id", "connect_token",
		"ip_address", "refresh_layout", "path_prefix", "param_encoding",
	},
	"session": {"ttl", "cache", "redis_addr", "redis_password", "redis_db", "redis_prefix"},
	"network": {"timeout", "user_agent"},
	"logging": {"log_level", "log_format"},
	"gateway": {"listen", "shutdown_timeout"},
}

// knownSections is sorted for deterministic suggestions when two candidates
// have the same edit distance.
var knownSections = func() []string {
	s := []string{"endpoints"}
	for k := range knownSectionKeys {
		s = append(s, k)
	}

	slices.Sort(s)

	return s
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		if err := buildKeyError(key); err != nil && !seen[err.Error()] {
			seen[err.Error()] = true
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError describes one undecoded key, suggesting the closest known
// section or key.
func buildKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	keys, ok := knownSectionKeys[section]
	if !ok || len(key) == 1 {
		return withSuggestion(fmt.Sprintf("unknown config key %q", section), section, knownSections)
	}

	field := key[1]
	sorted := slices.Sorted(slices.Values(keys))

	return withSuggestion(fmt.Sprintf("unknown config key %q in [%s]", field, section), field, sorted)
}

func withSuggestion(msg, unknown string, known []string) error {
	if suggestion := closestMatch(unknown, known); suggestion != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, suggestion)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

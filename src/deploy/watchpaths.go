// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package deploy

import (
	"path"
	"strings"
)

// MatchesWatchPaths reports whether any changed file matches one of the
// patterns. Patterns use path.Match syntax per segment, "**" matches any
// number of segments, and a leading "!" excludes what it matches.
func MatchesWatchPaths(patterns, files []string) bool {
	for _, f := range files {
		f = strings.TrimPrefix(f, "/")
		matched := false
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if neg, ok := strings.CutPrefix(p, "!"); ok {
				if globMatch(strings.Split(strings.TrimPrefix(neg, "/"), "/"), strings.Split(f, "/")) {
					matched = false
				}
				continue
			}
			if globMatch(strings.Split(strings.TrimPrefix(p, "/"), "/"), strings.Split(f, "/")) {
				matched = true
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func globMatch(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(name); i++ {
				if globMatch(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, err := path.Match(pattern[0], name[0]); err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

// Package keyscan finds object store keys referenced by rendered content so
// their signed URLs can be resolved in one batch instead of one-by-one as the
// page renders.
package keyscan

import "regexp"

// Components embed object references as an r2Key attribute, either quote
// style. The attribute value is the object key verbatim.
var keyAttr = regexp.MustCompile(`r2Key=(?:"([^"]+)"|'([^']+)')`)

// Extract returns the deduplicated keys referenced in content, in first-seen
// order. No validation happens here, unknown keys fail per-key downstream at
// signing time.
func Extract(content string) []string {
	matches := keyAttr.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		key := m[1]
		if key == "" {
			key = m[2]
		}
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

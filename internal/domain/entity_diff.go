package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// VersionSnapshot is the minimal data required to render a textual diff
// between two versions of an entity.
type VersionSnapshot struct {
	EntityType string
	EternalID  int64
	VersionID  int64
	Values     map[string]any
	Relations  map[string][]int64
}

// NewVersionSnapshot creates a snapshot from a stored version.
func NewVersionSnapshot(version Version) VersionSnapshot {
	relations := make(map[string][]int64, len(version.Relations))
	for field, ids := range version.Relations {
		relations[field] = append([]int64{}, ids...)
	}
	return VersionSnapshot{
		EntityType: version.EntityType,
		EternalID:  version.EternalID,
		VersionID:  version.ID,
		Values:     copyProperties(version.Values),
		Relations:  relations,
	}
}

// CanonicalText flattens the snapshot into a deterministic set of lines suitable for diffing.
func (s VersionSnapshot) CanonicalText() ([]string, error) {
	lines := []string{
		fmt.Sprintf("EntityType: %s", s.EntityType),
		fmt.Sprintf("EntityID: %d", s.EternalID),
		fmt.Sprintf("Version: %d", s.VersionID),
		"Values:",
	}

	flattened := map[string]string{}
	if len(s.Values) > 0 {
		if err := flattenProperties("", s.Values, flattened); err != nil {
			return nil, err
		}
	}

	if len(flattened) == 0 {
		lines = append(lines, "  (empty)")
	} else {
		lines = append(lines, sortedLines(flattened)...)
	}

	if len(s.Relations) > 0 {
		lines = append(lines, "Relations:")
		relations := make(map[string]string, len(s.Relations))
		for field, ids := range s.Relations {
			relations[field] = CanonicalJSON(SortedUniqueIDs(ids))
		}
		lines = append(lines, sortedLines(relations)...)
	}

	return lines, nil
}

// DiffVersionSnapshots produces a unified diff between two snapshots using the provided labels.
// Either side may be nil for a creation or deletion.
func DiffVersionSnapshots(baseLabel string, base *VersionSnapshot, targetLabel string, target *VersionSnapshot) (string, error) {
	baseString, err := canonicalString(base)
	if err != nil {
		return "", err
	}

	targetString, err := canonicalString(target)
	if err != nil {
		return "", err
	}

	diff := difflib.UnifiedDiff{
		A:        splitLines(baseString),
		B:        splitLines(targetString),
		FromFile: baseLabel,
		ToFile:   targetLabel,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func canonicalString(snapshot *VersionSnapshot) (string, error) {
	if snapshot == nil {
		return "", nil
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		return "", err
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return difflib.SplitLines(strings.TrimSuffix(content, "\n"))
}

func sortedLines(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, values[key]))
	}
	return lines
}

func flattenProperties(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nextPrefix := key
			if prefix != "" {
				nextPrefix = prefix + "." + key
			}
			if err := flattenProperties(nextPrefix, typed[key], acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			nextPrefix := fmt.Sprintf("%s[%d]", prefix, idx)
			if prefix == "" {
				nextPrefix = fmt.Sprintf("[%d]", idx)
			}
			if err := flattenProperties(nextPrefix, item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	default:
		if prefix == "" {
			return fmt.Errorf("property key missing for value %v", typed)
		}
		encoded, err := json.Marshal(normalize(typed))
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}

	return nil
}

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/acrsync/acrsync/types"
)

// IgnoreTags excludes artifacts from an export. An entry with only a
// repository excludes every tag of that repository.
type IgnoreTags struct {
	repos map[string]bool
	tags  map[string]bool
}

// LoadIgnoreTags reads exclusions from a JSON file holding an array of
// {"repository": ..., "tag": ...} objects. The tag is optional.
func LoadIgnoreTags(path string) (*IgnoreTags, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore tags %s: %w", path, err)
	}
	var entries []struct {
		Repository string `json:"repository"`
		Tag        string `json:"tag"`
	}
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%w: ignore tags %s: %v", types.ErrInvalidInput, path, err)
	}
	ig := IgnoreTags{
		repos: map[string]bool{},
		tags:  map[string]bool{},
	}
	for _, e := range entries {
		if e.Repository == "" {
			continue
		}
		if e.Tag == "" {
			ig.repos[e.Repository] = true
			continue
		}
		ig.tags[e.Repository+":"+e.Tag] = true
	}
	return &ig, nil
}

// Ignored reports whether a repository, or one of its tags when tag is set,
// is excluded. A nil IgnoreTags excludes nothing.
func (ig *IgnoreTags) Ignored(repository, tag string) bool {
	if ig == nil {
		return false
	}
	if ig.repos[repository] {
		return true
	}
	if tag == "" {
		return false
	}
	return ig.tags[repository+":"+tag]
}

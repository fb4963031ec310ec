// Package plan turns source and target tag inventories into sync actions.
// Planning is pure: identical inventories always produce identical plans, and
// no I/O happens here.
package plan

import (
	"github.com/acrsync/acrsync/types"
	"github.com/opencontainers/go-digest"
)

// ActionType is the planner's decision for one tag.
type ActionType int

const (
	// ActionSkip leaves the tag untouched, source and target content match.
	ActionSkip ActionType = iota
	// ActionCreate imports a tag missing from the target, or any tag when forcing.
	ActionCreate
	// ActionRetag imports a tag whose target content differs under the same label.
	ActionRetag
)

// String returns the action name used in reports.
func (a ActionType) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionCreate:
		return "create"
	case ActionRetag:
		return "retag"
	}
	return "unknown"
}

// MarshalText supports json and templated report output.
func (a ActionType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Action is one planned operation on a single tag.
type Action struct {
	Type   ActionType    `json:"type"`
	Repo   string        `json:"repo"`
	Tag    string        `json:"tag"`
	Source digest.Digest `json:"source"`           // source digest at inventory time
	Target digest.Digest `json:"target,omitempty"` // previously observed target digest, retag only
	// AlgorithmMismatch is set when the compared digests use different hash
	// algorithms. The content may be identical; the conservative choice is to
	// migrate and flag a warning.
	AlgorithmMismatch bool `json:"algorithmMismatch,omitempty"`
}

// Plan is the ordered action list for one repository: exactly one action per
// source tag, in source inventory order, none for tags absent from the source.
type Plan struct {
	Repo    string   `json:"repo"`
	Actions []Action `json:"actions"`
}

// Diff plans one repository. For each source tag: force yields Create
// unconditionally; a tag absent from the target yields Create; a tag whose
// target digest differs (exact string comparison) yields Retag carrying the
// previous target digest; equal digests yield Skip.
func Diff(repo string, src []types.TagDigest, tgt []types.TagDigest, force bool) Plan {
	p := Plan{Repo: repo, Actions: make([]Action, 0, len(src))}
	tgtMap := make(map[string]digest.Digest, len(tgt))
	for _, td := range tgt {
		tgtMap[td.Tag] = td.Digest
	}
	for _, td := range src {
		a := Action{Repo: repo, Tag: td.Tag, Source: td.Digest}
		prev, found := tgtMap[td.Tag]
		switch {
		case force:
			a.Type = ActionCreate
		case !found:
			a.Type = ActionCreate
		case prev != td.Digest:
			a.Type = ActionRetag
			a.Target = prev
			a.AlgorithmMismatch = prev.Algorithm() != td.Digest.Algorithm()
		default:
			a.Type = ActionSkip
		}
		p.Actions = append(p.Actions, a)
	}
	return p
}

// Count returns the number of actions of the given type.
func (p Plan) Count(t ActionType) int {
	n := 0
	for _, a := range p.Actions {
		if a.Type == t {
			n++
		}
	}
	return n
}

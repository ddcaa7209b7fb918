// Package skip implements the pure predicate deciding whether a directory is
// descended into. A Policy is immutable after construction and safe for
// concurrent use by every traversal worker.
package skip

import (
	"strings"

	"github.com/temirov/ptree/internal/types"
)

// Reason explains why a directory was excluded.
type Reason int

const (
	// ReasonNone means the directory is descended.
	ReasonNone Reason = iota
	// ReasonSystemDir matched the well-known system directory set.
	ReasonSystemDir
	// ReasonUserName matched the user-supplied skip list.
	ReasonUserName
	// ReasonHidden matched the hidden-entry rule.
	ReasonHidden
)

func (r Reason) String() string {
	switch r {
	case ReasonSystemDir:
		return "system"
	case ReasonUserName:
		return "user"
	case ReasonHidden:
		return "hidden"
	default:
		return "none"
	}
}

// systemDirectoryNames are skipped at any depth in normal (non-admin) mode,
// matched case-insensitively against the final path component. The set
// covers both Windows and Unix system trees so a snapshot taken over a
// foreign mount behaves the same everywhere.
var systemDirectoryNames = map[string]struct{}{
	"windows":                   {},
	"program files":             {},
	"program files (x86)":       {},
	"programdata":               {},
	"$recycle.bin":              {},
	"system volume information": {},
	"temp":                      {},
	"tmp":                       {},
	"proc":                      {},
	"sys":                       {},
	"dev":                       {},
	"run":                       {},
}

// Policy is the configured skip predicate.
type Policy struct {
	mode      types.ScanMode
	userNames map[string]struct{}
}

// NewPolicy builds a policy for the given mode. User-supplied names are
// matched case-insensitively; empty entries are ignored.
func NewPolicy(mode types.ScanMode, userNames []string) *Policy {
	folded := make(map[string]struct{}, len(userNames))
	for _, name := range userNames {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		folded[strings.ToLower(trimmed)] = struct{}{}
	}
	return &Policy{mode: mode, userNames: folded}
}

// Descend reports whether the directory with the given final component
// should be entered, and the skip reason when it should not. The predicate
// is side-effect free.
func (p *Policy) Descend(name string) (bool, Reason) {
	folded := strings.ToLower(name)
	if _, listed := p.userNames[folded]; listed {
		return false, ReasonUserName
	}
	if !p.mode.ShowHidden && strings.HasPrefix(name, ".") {
		return false, ReasonHidden
	}
	if !p.mode.Admin {
		if _, system := systemDirectoryNames[folded]; system {
			return false, ReasonSystemDir
		}
	}
	return true, ReasonNone
}

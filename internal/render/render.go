// Package render converts a snapshot into its two output forms: an ASCII
// tree with optional ANSI color, and a streaming JSON document. Both share
// one depth-limit contract: truncated directories carry a trailing ellipsis
// marker in tree form and a "truncated" field in JSON.
package render

import (
	"bufio"
	"fmt"
	"io"

	"github.com/temirov/ptree/internal/snapshot"
	"github.com/temirov/ptree/internal/types"
)

const (
	treeBranchConnector = "├── "
	treeLastConnector   = "└── "
	treeBranchPadding   = "│   "
	treeLastPadding     = "    "
	truncationMarker    = " …"

	ansiReset          = "\x1b[0m"
	ansiBoldBlue       = "\x1b[1;34m"
	ansiBrightBlue     = "\x1b[94m"
	ansiCyan           = "\x1b[36m"
	fileCountFormat    = " (%d files)"
	unknownFormatError = "unknown output format %q"
)

// Options selects the output form.
type Options struct {
	// Format is types.FormatTree or types.FormatJSON.
	Format string
	// ColorEnabled turns on ANSI sequences in tree format. The caller owns
	// TTY detection; JSON output never carries ANSI bytes.
	ColorEnabled bool
	// MaxDisplayDepth truncates output below the given depth without
	// re-running traversal; zero or negative means unlimited.
	MaxDisplayDepth int
	// FileCounts appends per-directory file counts to tree lines.
	FileCounts bool
}

// Render writes the snapshot to the writer in the selected format.
func Render(writer io.Writer, snap *snapshot.Snapshot, options Options) error {
	buffered := bufio.NewWriter(writer)
	var renderError error
	switch options.Format {
	case types.FormatTree:
		renderError = renderTree(buffered, snap, options)
	case types.FormatJSON:
		renderError = renderJSON(buffered, snap, options)
	default:
		return fmt.Errorf(unknownFormatError, options.Format)
	}
	if renderError != nil {
		return renderError
	}
	return buffered.Flush()
}

func renderTree(writer *bufio.Writer, snap *snapshot.Snapshot, options Options) error {
	root := snap.Root()
	line := root.Name()
	if options.ColorEnabled {
		line = ansiBoldBlue + line + ansiReset
	}
	if options.FileCounts {
		line += fmt.Sprintf(fileCountFormat, root.FileCount())
	}
	if _, writeError := writer.WriteString(line + "\n"); writeError != nil {
		return writeError
	}
	return writeTreeChildren(writer, "", root, 1, options)
}

func writeTreeChildren(writer *bufio.Writer, prefix string, parent snapshot.Node, depth int, options Options) error {
	childCount := parent.ChildCount()
	for index := 0; index < childCount; index++ {
		child := parent.Child(index)
		isLast := index == childCount-1
		connector := treeBranchConnector
		childPrefix := prefix + treeBranchPadding
		if isLast {
			connector = treeLastConnector
			childPrefix = prefix + treeLastPadding
		}
		truncated := options.MaxDisplayDepth > 0 && depth >= options.MaxDisplayDepth && child.ChildCount() > 0
		line := prefix
		if options.ColorEnabled {
			line += ansiCyan + connector + ansiReset + ansiBrightBlue + child.Name() + ansiReset
		} else {
			line += connector + child.Name()
		}
		if options.FileCounts && !child.IsSymlink() {
			line += fmt.Sprintf(fileCountFormat, child.FileCount())
		}
		if truncated {
			line += truncationMarker
		}
		if _, writeError := writer.WriteString(line + "\n"); writeError != nil {
			return writeError
		}
		if truncated {
			continue
		}
		if childError := writeTreeChildren(writer, childPrefix, child, depth+1, options); childError != nil {
			return childError
		}
	}
	return nil
}

package render

import (
	"bufio"
	"encoding/json"
	"path/filepath"

	"github.com/temirov/ptree/internal/snapshot"
)

// renderJSON streams the snapshot as one JSON document. Nodes are written as
// they are walked; the full output is never materialized in memory.
func renderJSON(writer *bufio.Writer, snap *snapshot.Snapshot, options Options) error {
	if writeError := writeJSONNode(writer, snap.Root(), snap.RootPath(), 0, options); writeError != nil {
		return writeError
	}
	return writer.WriteByte('\n')
}

func writeJSONNode(writer *bufio.Writer, node snapshot.Node, nodePath string, depth int, options Options) error {
	truncated := options.MaxDisplayDepth > 0 && depth >= options.MaxDisplayDepth && node.ChildCount() > 0

	if writeError := writer.WriteByte('{'); writeError != nil {
		return writeError
	}
	if fieldError := writeJSONStringField(writer, "name", node.Name()); fieldError != nil {
		return fieldError
	}
	if _, writeError := writer.WriteString(","); writeError != nil {
		return writeError
	}
	if fieldError := writeJSONStringField(writer, "path", nodePath); fieldError != nil {
		return fieldError
	}

	if _, writeError := writer.WriteString(`,"children":[`); writeError != nil {
		return writeError
	}
	if !truncated {
		childCount := node.ChildCount()
		for index := 0; index < childCount; index++ {
			if index > 0 {
				if writeError := writer.WriteByte(','); writeError != nil {
					return writeError
				}
			}
			child := node.Child(index)
			childPath := filepath.Join(nodePath, child.Name())
			if childError := writeJSONNode(writer, child, childPath, depth+1, options); childError != nil {
				return childError
			}
		}
	}
	if writeError := writer.WriteByte(']'); writeError != nil {
		return writeError
	}

	if _, writeError := writer.WriteString(`,"file_count":`); writeError != nil {
		return writeError
	}
	if countError := writeJSONUint(writer, uint64(node.FileCount())); countError != nil {
		return countError
	}
	partialLiteral := `,"partial":false`
	if node.IsPartial() {
		partialLiteral = `,"partial":true`
	}
	if _, writeError := writer.WriteString(partialLiteral); writeError != nil {
		return writeError
	}
	if truncated {
		if _, writeError := writer.WriteString(`,"truncated":true`); writeError != nil {
			return writeError
		}
	}
	return writer.WriteByte('}')
}

func writeJSONStringField(writer *bufio.Writer, field, value string) error {
	encoded, encodeError := json.Marshal(value)
	if encodeError != nil {
		return encodeError
	}
	if _, writeError := writer.WriteString(`"` + field + `":`); writeError != nil {
		return writeError
	}
	_, writeError := writer.Write(encoded)
	return writeError
}

func writeJSONUint(writer *bufio.Writer, value uint64) error {
	encoded, encodeError := json.Marshal(value)
	if encodeError != nil {
		return encodeError
	}
	_, writeError := writer.Write(encoded)
	return writeError
}

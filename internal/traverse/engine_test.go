package traverse

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/temirov/ptree/internal/skip"
	"github.com/temirov/ptree/internal/snapshot"
	"github.com/temirov/ptree/internal/types"
)

type walkedNode struct {
	Depth     int
	Name      string
	FileCount uint32
	Symlink   bool
	Partial   bool
}

func walkAll(snap *snapshot.Snapshot) []walkedNode {
	var nodes []walkedNode
	snap.Walk(func(depth int, node snapshot.Node) bool {
		nodes = append(nodes, walkedNode{
			Depth:     depth,
			Name:      node.Name(),
			FileCount: node.FileCount(),
			Symlink:   node.IsSymlink(),
			Partial:   node.IsPartial(),
		})
		return true
	})
	return nodes
}

func defaultOptions() Options {
	return Options{Threads: 2, Policy: skip.NewPolicy(types.ScanMode{}, nil)}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if writeError := os.WriteFile(path, []byte("x"), 0o644); writeError != nil {
		t.Fatalf("writing %s: %v", path, writeError)
	}
}

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	if mkdirError := os.MkdirAll(path, 0o755); mkdirError != nil {
		t.Fatalf("creating %s: %v", path, mkdirError)
	}
}

// makeSmallTree builds root/{a/{x,y}, b/{z, .hidden}, c} with x and y as
// files.
func makeSmallTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "root")
	mkdirAll(t, filepath.Join(root, "a"))
	writeFile(t, filepath.Join(root, "a", "x"))
	writeFile(t, filepath.Join(root, "a", "y"))
	mkdirAll(t, filepath.Join(root, "b", "z"))
	mkdirAll(t, filepath.Join(root, "b", ".hidden"))
	mkdirAll(t, filepath.Join(root, "c"))
	return root
}

func TestScanSmallTree(t *testing.T) {
	root := makeSmallTree(t)
	result, scanError := Scan(root, defaultOptions())
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	snap := result.Snapshot

	canonicalRoot, _ := filepath.EvalSymlinks(root)
	expected := []walkedNode{
		{Depth: 0, Name: canonicalRoot},
		{Depth: 1, Name: "a", FileCount: 2},
		{Depth: 1, Name: "b"},
		{Depth: 2, Name: "z"},
		{Depth: 1, Name: "c"},
	}
	if difference := cmp.Diff(expected, walkAll(snap)); difference != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", difference)
	}

	stats := snap.Stats()
	if stats.TotalDirs != 5 {
		t.Fatalf("total dirs %d, want 5", stats.TotalDirs)
	}
	if stats.TotalFiles != 2 {
		t.Fatalf("total files %d, want 2", stats.TotalFiles)
	}
	if stats.SkippedPolicy != 1 {
		t.Fatalf("skipped by policy %d, want 1 (the hidden directory)", stats.SkippedPolicy)
	}
	if count := result.SkipCounts[".hidden"]; count != 1 {
		t.Fatalf("skip count for .hidden = %d, want 1", count)
	}
}

func TestHiddenEntriesShownOnRequest(t *testing.T) {
	root := makeSmallTree(t)
	options := defaultOptions()
	options.Policy = skip.NewPolicy(types.ScanMode{ShowHidden: true}, nil)
	result, scanError := Scan(root, options)
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	if _, found := result.Snapshot.Lookup("b/.hidden"); !found {
		t.Fatal("hidden directory missing with ShowHidden set")
	}
}

func TestUserSkipNames(t *testing.T) {
	root := makeSmallTree(t)
	options := defaultOptions()
	options.Policy = skip.NewPolicy(types.ScanMode{}, []string{"B"})
	result, scanError := Scan(root, options)
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	if _, found := result.Snapshot.Lookup("b"); found {
		t.Fatal("user-skipped directory b still present")
	}
}

// makeFanoutTree builds a three-level tree with four subdirectories and two
// files per directory.
func makeFanoutTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "fanout")
	mkdirAll(t, root)
	var populate func(directory string, level int)
	populate = func(directory string, level int) {
		for fileIndex := 0; fileIndex < 2; fileIndex++ {
			writeFile(t, filepath.Join(directory, fmt.Sprintf("file%d", fileIndex)))
		}
		if level == 0 {
			return
		}
		for childIndex := 0; childIndex < 4; childIndex++ {
			child := filepath.Join(directory, fmt.Sprintf("dir%d", childIndex))
			mkdirAll(t, child)
			populate(child, level-1)
		}
	}
	populate(root, 3)
	return root
}

func TestDeterministicAcrossThreadCounts(t *testing.T) {
	root := makeFanoutTree(t)

	var reference []walkedNode
	for _, threadCount := range []int{1, 2, 8} {
		options := defaultOptions()
		options.Threads = threadCount
		result, scanError := Scan(root, options)
		if scanError != nil {
			t.Fatalf("Scan with %d threads: %v", threadCount, scanError)
		}
		walked := walkAll(result.Snapshot)
		if reference == nil {
			reference = walked
			continue
		}
		if difference := cmp.Diff(reference, walked); difference != "" {
			t.Fatalf("structure differs at %d threads (-one thread +this run):\n%s", threadCount, difference)
		}
	}
	// 1 + 4 + 16 + 64 directories.
	if length := len(reference); length != 85 {
		t.Fatalf("walked %d nodes, want 85", length)
	}
}

func TestSymlinkLoopIsBrokenAndKept(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	mkdirAll(t, filepath.Join(root, "a"))
	if symlinkError := os.Symlink(root, filepath.Join(root, "a", "link")); symlinkError != nil {
		t.Skipf("symlinks unavailable: %v", symlinkError)
	}

	result, scanError := Scan(root, defaultOptions())
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	node, found := result.Snapshot.Lookup("a/link")
	if !found {
		t.Fatal("symlink node a/link missing")
	}
	if !node.IsSymlink() {
		t.Fatal("a/link should be marked symlink")
	}
	if node.ChildCount() != 0 {
		t.Fatalf("symlink node has %d children, want 0", node.ChildCount())
	}
}

func TestSymlinkToFileCountsAsFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	mkdirAll(t, root)
	writeFile(t, filepath.Join(root, "target"))
	if symlinkError := os.Symlink(filepath.Join(root, "target"), filepath.Join(root, "alias")); symlinkError != nil {
		t.Skipf("symlinks unavailable: %v", symlinkError)
	}

	result, scanError := Scan(root, defaultOptions())
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	if fileCount := result.Snapshot.Root().FileCount(); fileCount != 2 {
		t.Fatalf("root file count %d, want 2 (file plus symlink)", fileCount)
	}
}

func TestPermissionDeniedMarksPartial(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := filepath.Join(t.TempDir(), "root")
	protected := filepath.Join(root, "protected")
	mkdirAll(t, protected)
	if chmodError := os.Chmod(protected, 0o000); chmodError != nil {
		t.Fatalf("chmod: %v", chmodError)
	}
	t.Cleanup(func() { _ = os.Chmod(protected, 0o755) })

	result, scanError := Scan(root, defaultOptions())
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	node, found := result.Snapshot.Lookup("protected")
	if !found {
		t.Fatal("protected directory missing from snapshot")
	}
	if !node.IsPartial() {
		t.Fatal("unreadable directory should be partial")
	}
	if skippedError := result.Snapshot.Stats().SkippedError; skippedError < 1 {
		t.Fatalf("skipped by error %d, want >= 1", skippedError)
	}
}

func TestDepthCapRecordsPartialDirectories(t *testing.T) {
	root := makeFanoutTree(t)
	options := defaultOptions()
	options.MaxDepth = 1
	result, scanError := Scan(root, options)
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	snap := result.Snapshot
	if snap.Root().IsPartial() {
		t.Fatal("root should not be partial under the depth cap")
	}
	root0, found := snap.Lookup("dir0")
	if !found {
		t.Fatal("dir0 missing")
	}
	if !root0.IsPartial() {
		t.Fatal("directory at the depth cap should be partial")
	}
	if root0.ChildCount() != 0 {
		t.Fatalf("directory at the depth cap has %d children, want 0", root0.ChildCount())
	}
}

func TestNodeCapDropsSubtreesAndMarksParents(t *testing.T) {
	root := makeFanoutTree(t)
	options := defaultOptions()
	options.Threads = 1
	options.MaxNodes = 3
	result, scanError := Scan(root, options)
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	snap := result.Snapshot
	if snap.Len() != 3 {
		t.Fatalf("snapshot has %d nodes, want 3", snap.Len())
	}
	if !snap.Root().IsPartial() {
		t.Fatal("root should be partial when the node cap drops children")
	}
}

func TestCancellationReturnsPartialSnapshot(t *testing.T) {
	root := makeFanoutTree(t)
	var cancel atomic.Bool
	cancel.Store(true)

	options := defaultOptions()
	options.Cancel = &cancel
	result, scanError := Scan(root, options)
	if !errors.Is(scanError, types.ErrCancelled) {
		t.Fatalf("Scan error = %v, want ErrCancelled", scanError)
	}
	if result == nil || result.Snapshot == nil {
		t.Fatal("cancelled scan must still return a snapshot")
	}
	if !result.Snapshot.Root().IsPartial() {
		t.Fatal("root of a cancelled scan should be partial")
	}
}

func TestRootUnavailable(t *testing.T) {
	_, missingError := Scan(filepath.Join(t.TempDir(), "missing"), defaultOptions())
	if !errors.Is(missingError, types.ErrRootUnavailable) {
		t.Fatalf("missing root error = %v, want ErrRootUnavailable", missingError)
	}

	filePath := filepath.Join(t.TempDir(), "file")
	writeFile(t, filePath)
	_, fileError := Scan(filePath, defaultOptions())
	if !errors.Is(fileError, types.ErrRootUnavailable) {
		t.Fatalf("file root error = %v, want ErrRootUnavailable", fileError)
	}
}

func TestRootNameIsCanonicalPath(t *testing.T) {
	root := makeSmallTree(t)
	result, scanError := Scan(root, defaultOptions())
	if scanError != nil {
		t.Fatalf("Scan: %v", scanError)
	}
	canonicalRoot, _ := filepath.EvalSymlinks(root)
	if rootName := result.Snapshot.Root().Name(); rootName != canonicalRoot {
		t.Fatalf("root name %q, want canonical path %q", rootName, canonicalRoot)
	}
	if rootPath := result.Snapshot.RootPath(); rootPath != canonicalRoot {
		t.Fatalf("root path %q, want %q", rootPath, canonicalRoot)
	}
}

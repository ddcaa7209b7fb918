// Package traverse implements the parallel traversal engine: a bounded-memory
// work-stealing depth-first scan of a live filesystem that produces an
// immutable snapshot. Workers own a Chase-Lev deque and an arena shard each;
// a global pending-task counter with a condvar parks idle workers and detects
// termination.
package traverse

import (
	"errors"
	"hash/fnv"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/temirov/ptree/internal/skip"
	"github.com/temirov/ptree/internal/snapshot"
	"github.com/temirov/ptree/internal/types"
)

const (
	// DefaultMaxNodes caps a scan at around sixteen million directories
	// unless the caller configures otherwise.
	DefaultMaxNodes = 1 << 24

	threadCountLimit = 64
	readdirBatchSize = 64
)

// Options configures one scan.
type Options struct {
	// Threads is the worker count. Zero selects 2x the logical cores,
	// capped at 64.
	Threads int
	// MaxDepth stops descent below the given depth from the root; zero or
	// negative means unlimited. Directories at the cap are recorded partial.
	MaxDepth int
	// MaxNodes is the global safety cap on snapshot nodes. Zero selects
	// DefaultMaxNodes.
	MaxNodes uint32
	// Policy decides which directories are descended. Required.
	Policy *skip.Policy
	// Cancel is polled between directory tasks. Optional.
	Cancel *atomic.Bool
	// Fingerprint is stamped into the snapshot for cache invalidation.
	Fingerprint [16]byte
	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultThreadCount returns 2x the logical core count, capped at 64.
func DefaultThreadCount() int {
	count := 2 * runtime.NumCPU()
	if count > threadCountLimit {
		count = threadCountLimit
	}
	if count < 1 {
		count = 1
	}
	return count
}

// Result carries the snapshot plus per-name skip counts for reporting.
type Result struct {
	Snapshot   *snapshot.Snapshot
	SkipCounts map[string]uint64
}

type task struct {
	handle snapshot.Handle
	path   string
	depth  int
}

type workerState struct {
	overflow []*task
	skips    map[string]uint64
	random   *rand.Rand
}

type engine struct {
	options  Options
	builder  *snapshot.Builder
	deques   []*deque
	workers  []*workerState
	guard    *cycleGuard
	pending  atomic.Int64
	sleepers atomic.Int32
	idleMu   sync.Mutex
	idleCond *sync.Cond

	totalDirs     atomic.Uint64
	totalFiles    atomic.Uint64
	skippedPolicy atomic.Uint64
	skippedError  atomic.Uint64
	skippedLoop   atomic.Uint64

	rootError atomic.Pointer[error]
}

// Scan enumerates the directory hierarchy rooted at rootPath and returns a
// snapshot honoring the skip policy, the cycle guard, and the depth and node
// caps. Per-directory failures are localized into partial nodes; only an
// unreadable root is fatal. On cancellation the partial snapshot is returned
// together with types.ErrCancelled.
func Scan(rootPath string, options Options) (*Result, error) {
	canonicalRoot, rootInformation, rootError := resolveRoot(rootPath)
	if rootError != nil {
		return nil, rootError
	}

	threadCount := options.Threads
	if threadCount <= 0 {
		threadCount = DefaultThreadCount()
	}
	if threadCount > threadCountLimit {
		threadCount = threadCountLimit
	}
	maxNodes := options.MaxNodes
	if maxNodes == 0 {
		maxNodes = DefaultMaxNodes
	}

	builder, builderError := snapshot.NewBuilder(canonicalRoot, threadCount, maxNodes)
	if builderError != nil {
		return nil, builderError
	}

	e := &engine{
		options: options,
		builder: builder,
		guard:   newCycleGuard(),
	}
	e.idleCond = sync.NewCond(&e.idleMu)
	for workerID := 0; workerID < threadCount; workerID++ {
		e.deques = append(e.deques, newDeque())
		e.workers = append(e.workers, &workerState{
			skips:  make(map[string]uint64),
			random: rand.New(rand.NewPCG(uint64(workerID)+1, uint64(threadCount))),
		})
	}

	rootIdentity, haveIdentity := identityOf(rootInformation)
	if !haveIdentity {
		rootIdentity = pathIdentity(canonicalRoot)
	}
	e.guard.visit(rootIdentity)

	startedAt := time.Now()
	e.pushTask(0, &task{handle: builder.RootHandle(), path: canonicalRoot, depth: 0})

	var group errgroup.Group
	for workerID := 0; workerID < threadCount; workerID++ {
		id := workerID
		group.Go(func() error {
			e.workerLoop(id)
			return nil
		})
	}
	_ = group.Wait()
	elapsed := time.Since(startedAt)

	if fatal := e.rootError.Load(); fatal != nil {
		return nil, *fatal
	}

	stats := snapshot.Stats{
		TotalDirs:     e.totalDirs.Load(),
		TotalFiles:    e.totalFiles.Load(),
		SkippedPolicy: e.skippedPolicy.Load(),
		SkippedError:  e.skippedError.Load(),
		SkippedLoop:   e.skippedLoop.Load(),
		ElapsedNS:     uint64(elapsed.Nanoseconds()),
	}
	now := time.Now
	if options.Now != nil {
		now = options.Now
	}
	snap, finishError := builder.Finish(now().Unix(), options.Fingerprint, stats)
	if finishError != nil {
		return nil, finishError
	}

	skipCounts := make(map[string]uint64)
	for _, worker := range e.workers {
		for name, count := range worker.skips {
			skipCounts[name] += count
		}
	}
	result := &Result{Snapshot: snap, SkipCounts: skipCounts}
	if e.cancelled() {
		return result, types.ErrCancelled
	}
	return result, nil
}

func resolveRoot(rootPath string) (string, fs.FileInfo, error) {
	absolutePath, absoluteError := filepath.Abs(rootPath)
	if absoluteError != nil {
		return "", nil, &types.RootUnavailableError{Path: rootPath, Cause: absoluteError}
	}
	canonicalPath, canonicalError := filepath.EvalSymlinks(absolutePath)
	if canonicalError != nil {
		return "", nil, &types.RootUnavailableError{Path: absolutePath, Cause: canonicalError}
	}
	information, statError := os.Stat(canonicalPath)
	if statError != nil {
		return "", nil, &types.RootUnavailableError{Path: canonicalPath, Cause: statError}
	}
	if !information.IsDir() {
		return "", nil, &types.RootUnavailableError{Path: canonicalPath, Cause: errors.New("not a directory")}
	}
	return canonicalPath, information, nil
}

func pathIdentity(path string) identity {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(path))
	return identity{device: ^uint64(0), inode: hasher.Sum64()}
}

func (e *engine) cancelled() bool {
	return e.options.Cancel != nil && e.options.Cancel.Load()
}

func (e *engine) workerLoop(workerID int) {
	for {
		current := e.nextTask(workerID)
		if current == nil {
			return
		}
		if e.cancelled() {
			e.builder.MarkPartial(current.handle)
			e.finishTask()
			continue
		}
		e.processDirectory(workerID, current)
		e.finishTask()
	}
}

func (e *engine) nextTask(workerID int) *task {
	state := e.workers[workerID]
	for {
		if overflowLength := len(state.overflow); overflowLength > 0 {
			next := state.overflow[overflowLength-1]
			state.overflow = state.overflow[:overflowLength-1]
			return next
		}
		if next := e.deques[workerID].pop(); next != nil {
			return next
		}
		if next := e.stealTask(workerID); next != nil {
			return next
		}
		if !e.park() {
			return nil
		}
	}
}

func (e *engine) stealTask(workerID int) *task {
	victimCount := len(e.deques)
	if victimCount == 1 {
		return nil
	}
	offset := e.workers[workerID].random.IntN(victimCount)
	for sweep := 0; sweep < victimCount; sweep++ {
		victim := (offset + sweep) % victimCount
		if victim == workerID {
			continue
		}
		if stolen := e.deques[victim].steal(); stolen != nil {
			return stolen
		}
	}
	return nil
}

// park blocks until new work may be available. It returns false once the
// pending counter reaches zero, which every worker observes via broadcast.
func (e *engine) park() bool {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	if e.pending.Load() == 0 {
		return false
	}
	e.sleepers.Add(1)
	e.idleCond.Wait()
	e.sleepers.Add(-1)
	return e.pending.Load() != 0
}

func (e *engine) pushTask(workerID int, next *task) {
	e.pending.Add(1)
	state := e.workers[workerID]
	if !e.deques[workerID].push(next) {
		state.overflow = append(state.overflow, next)
	}
	if e.sleepers.Load() > 0 {
		e.idleMu.Lock()
		e.idleCond.Signal()
		e.idleMu.Unlock()
	}
}

func (e *engine) finishTask() {
	if e.pending.Add(-1) == 0 {
		e.idleMu.Lock()
		e.idleCond.Broadcast()
		e.idleMu.Unlock()
	}
}

type childCandidate struct {
	spec    snapshot.ChildSpec
	path    string
	descend bool
}

func (e *engine) processDirectory(workerID int, current *task) {
	if e.options.MaxDepth > 0 && current.depth >= e.options.MaxDepth {
		e.builder.Seal(current.handle, 0, 0, 0, true)
		e.totalDirs.Add(1)
		return
	}

	directory, openError := os.Open(current.path)
	if openError != nil {
		e.recordDirectoryError(current, openError)
		e.builder.Seal(current.handle, 0, 0, 0, true)
		e.totalDirs.Add(1)
		return
	}

	var fileCount uint32
	var children []childCandidate
	partial := false
	for {
		entries, readError := directory.ReadDir(readdirBatchSize)
		for _, entry := range entries {
			e.classifyEntry(workerID, current, entry, &children, &fileCount)
		}
		if readError == io.EOF {
			break
		}
		if readError != nil {
			e.recordDirectoryError(current, readError)
			partial = true
			break
		}
	}
	_ = directory.Close()

	sort.Slice(children, func(i, j int) bool {
		return snapshot.CompareNames(children[i].spec.Name, children[j].spec.Name) < 0
	})

	specs := make([]snapshot.ChildSpec, len(children))
	for index, child := range children {
		specs[index] = child.spec
	}
	shard := e.builder.Shard(workerID)
	firstChild, allocated := shard.AllocChildren(specs)
	if allocated < len(children) {
		// Node cap reached: the unallocated subtrees are dropped and this
		// parent is marked partial.
		partial = true
	}
	for index := 0; index < allocated; index++ {
		if !children[index].descend {
			continue
		}
		e.pushTask(workerID, &task{
			handle: firstChild + snapshot.Handle(index),
			path:   children[index].path,
			depth:  current.depth + 1,
		})
	}
	e.builder.Seal(current.handle, firstChild, uint32(allocated), fileCount, partial)
	e.totalDirs.Add(1)
	e.totalFiles.Add(uint64(fileCount))
}

func (e *engine) classifyEntry(workerID int, current *task, entry fs.DirEntry, children *[]childCandidate, fileCount *uint32) {
	name := entry.Name()
	entryType := entry.Type()
	childPath := filepath.Join(current.path, name)

	switch {
	case entryType&fs.ModeSymlink != 0:
		target, statError := os.Stat(childPath)
		if statError != nil || !target.IsDir() {
			// Broken symlinks and symlinks to files count as files.
			*fileCount++
			return
		}
		if descend, _ := e.options.Policy.Descend(name); !descend {
			e.recordSkip(workerID, name)
			return
		}
		*children = append(*children, childCandidate{
			spec: snapshot.ChildSpec{Name: name, Symlink: true},
			path: childPath,
		})
	case entryType.IsDir():
		if descend, _ := e.options.Policy.Descend(name); !descend {
			e.recordSkip(workerID, name)
			return
		}
		information, infoError := entry.Info()
		var id identity
		if infoError == nil {
			var haveIdentity bool
			id, haveIdentity = identityOf(information)
			if !haveIdentity {
				id = pathIdentity(childPath)
			}
		} else {
			id = pathIdentity(childPath)
		}
		if !e.guard.visit(id) {
			// Already descended through another path: keep the node but
			// never enter it again.
			e.skippedLoop.Add(1)
			*children = append(*children, childCandidate{
				spec: snapshot.ChildSpec{Name: name, Symlink: true},
				path: childPath,
			})
			return
		}
		*children = append(*children, childCandidate{
			spec:    snapshot.ChildSpec{Name: name},
			path:    childPath,
			descend: true,
		})
	default:
		*fileCount++
	}
}

func (e *engine) recordSkip(workerID int, name string) {
	e.skippedPolicy.Add(1)
	e.workers[workerID].skips[name]++
}

func (e *engine) recordDirectoryError(current *task, cause error) {
	e.skippedError.Add(1)
	if current.depth == 0 {
		fatal := error(&types.RootUnavailableError{Path: current.path, Cause: cause})
		e.rootError.CompareAndSwap(nil, &fatal)
	}
}

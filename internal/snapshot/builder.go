package snapshot

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
)

// Handles pack a shard identifier and a shard-local index into 32 bits so a
// node can be addressed before the shards are merged into one arena.
const (
	shardIndexBits = 26
	shardLocalMask = (1 << shardIndexBits) - 1
	// MaxShards bounds the number of per-worker arena shards.
	MaxShards = 64
	// MaxNodesLimit is the largest node cap a builder accepts: every shard
	// index must stay addressable within a handle.
	MaxNodesLimit = MaxShards * (1 << shardIndexBits)

	recordChunkSize = 8192
)

// Handle identifies a node allocated by a Builder before the merge.
type Handle uint32

func makeHandle(shardID int, localIndex uint32) Handle {
	return Handle(uint32(shardID)<<shardIndexBits | localIndex)
}

func (h Handle) shard() int    { return int(uint32(h) >> shardIndexBits) }
func (h Handle) local() uint32 { return uint32(h) & shardLocalMask }

// ChildSpec describes one child directory entry to allocate.
type ChildSpec struct {
	Name    string
	Symlink bool
}

type builderRecord struct {
	nameOffset uint32
	nameLength uint16
	flags      uint16
	fileCount  uint32
	firstChild Handle
	childCount uint32
}

// Shard is a per-worker allocation arena. All methods that allocate are
// owner-only; records already handed out may be sealed by any worker because
// chunk storage never moves once published.
type Shard struct {
	builder *Builder
	id      int
	chunks  []*[recordChunkSize]builderRecord
	count   uint32
	names   []byte
}

// Builder constructs a Snapshot from concurrently filled shards. One shard
// per worker keeps the allocation hot path contention-free; a single atomic
// counter enforces the global node cap.
type Builder struct {
	rootPath string
	maxNodes uint32
	shards   []*Shard
	total    atomic.Uint32
}

// NewBuilder prepares shardCount arenas and allocates the root node (handle
// zero in shard zero) whose name is the root path string itself.
func NewBuilder(rootPath string, shardCount int, maxNodes uint32) (*Builder, error) {
	if shardCount < 1 || shardCount > MaxShards {
		return nil, fmt.Errorf("shard count %d outside [1, %d]", shardCount, MaxShards)
	}
	if maxNodes == 0 {
		return nil, fmt.Errorf("node cap must be positive")
	}
	builder := &Builder{rootPath: rootPath, maxNodes: maxNodes}
	chunkTableLength := int(maxNodes)/recordChunkSize + 1
	if chunkTableLength > (1<<shardIndexBits)/recordChunkSize {
		chunkTableLength = (1 << shardIndexBits) / recordChunkSize
	}
	for shardID := 0; shardID < shardCount; shardID++ {
		builder.shards = append(builder.shards, &Shard{
			builder: builder,
			id:      shardID,
			chunks:  make([]*[recordChunkSize]builderRecord, chunkTableLength),
		})
	}
	builder.total.Store(1)
	rootShard := builder.shards[0]
	rootShard.appendRecord(rootPath, false)
	return builder, nil
}

// RootHandle returns the handle of the root node.
func (b *Builder) RootHandle() Handle { return makeHandle(0, 0) }

// Shard returns the arena owned by the given worker.
func (b *Builder) Shard(workerID int) *Shard { return b.shards[workerID] }

// NodeCount returns the number of nodes allocated so far.
func (b *Builder) NodeCount() uint32 { return b.total.Load() }

// MaxNodes returns the configured safety cap.
func (b *Builder) MaxNodes() uint32 { return b.maxNodes }

func (s *Shard) appendRecord(name string, symlink bool) Handle {
	local := s.count
	chunkIndex := int(local) / recordChunkSize
	if chunkIndex >= len(s.chunks) {
		panic(fmt.Sprintf("snapshot: shard %d overflow at %d records; node cap misconfigured", s.id, local))
	}
	if s.chunks[chunkIndex] == nil {
		s.chunks[chunkIndex] = new([recordChunkSize]builderRecord)
	}
	cleanName := strings.ToValidUTF8(name, "�")
	record := &s.chunks[chunkIndex][int(local)%recordChunkSize]
	record.nameOffset = uint32(len(s.names))
	record.nameLength = uint16(min(len(cleanName), 1<<16-1))
	if symlink {
		record.flags = FlagSymlink
	}
	s.names = append(s.names, cleanName[:record.nameLength]...)
	s.count = local + 1
	return makeHandle(s.id, local)
}

// AllocChildren allocates consecutive records for the given children, which
// the caller must already have sorted by CompareNames. When the global node
// cap would be exceeded only the first nodes that fit are allocated; the
// returned count tells the caller how many, so it can mark the parent
// partial. Owner-only.
func (s *Shard) AllocChildren(children []ChildSpec) (Handle, int) {
	if len(children) == 0 {
		return 0, 0
	}
	granted := s.builder.reserve(uint32(len(children)))
	if granted == 0 {
		return 0, 0
	}
	first := s.appendRecord(children[0].Name, children[0].Symlink)
	for i := 1; i < int(granted); i++ {
		s.appendRecord(children[i].Name, children[i].Symlink)
	}
	return first, int(granted)
}

func (b *Builder) reserve(want uint32) uint32 {
	for {
		current := b.total.Load()
		if current >= b.maxNodes {
			return 0
		}
		available := b.maxNodes - current
		granted := want
		if granted > available {
			granted = available
		}
		if b.total.CompareAndSwap(current, current+granted) {
			return granted
		}
	}
}

func (b *Builder) recordAt(h Handle) *builderRecord {
	shard := b.shards[h.shard()]
	local := h.local()
	return &shard.chunks[int(local)/recordChunkSize][int(local)%recordChunkSize]
}

// Seal finalizes a directory node once its enumeration completed: the child
// range, the direct file count, and the partial flag. A node is sealed at
// most once, by whichever worker processed its task.
func (b *Builder) Seal(h Handle, firstChild Handle, childCount, fileCount uint32, partial bool) {
	record := b.recordAt(h)
	record.firstChild = firstChild
	record.childCount = childCount
	record.fileCount = fileCount
	if partial {
		record.flags |= FlagPartial
	}
}

// MarkPartial sets the partial flag without touching the child range. Used
// on cancellation for directories whose tasks never ran.
func (b *Builder) MarkPartial(h Handle) {
	b.recordAt(h).flags |= FlagPartial
}

// Finish merges the shards into one contiguous arena, remapping handles to
// global indices, and returns the immutable snapshot. The builder must not
// be used afterwards. All workers must have quiesced before the call.
func (b *Builder) Finish(createdAt int64, fingerprint [16]byte, stats Stats) (*Snapshot, error) {
	nodeCount := b.total.Load()
	indexBase := make([]uint32, len(b.shards))
	nameBase := make([]uint32, len(b.shards))
	var runningIndex, runningName uint32
	for shardID, shard := range b.shards {
		indexBase[shardID] = runningIndex
		nameBase[shardID] = runningName
		runningIndex += shard.count
		runningName += uint32(len(shard.names))
	}
	if runningIndex != nodeCount {
		return nil, fmt.Errorf("snapshot merge: shard totals %d disagree with counter %d", runningIndex, nodeCount)
	}

	payload := make([]byte, uint64(nodeCount)*NodeRecordSize)
	names := make([]byte, 0, runningName)
	globalIndex := uint32(0)
	for _, shard := range b.shards {
		names = append(names, shard.names...)
		for local := uint32(0); local < shard.count; local++ {
			record := &shard.chunks[int(local)/recordChunkSize][int(local)%recordChunkSize]
			out := payload[uint64(globalIndex)*NodeRecordSize:]
			binary.LittleEndian.PutUint32(out[0:4], record.nameOffset+nameBase[shard.id])
			binary.LittleEndian.PutUint16(out[4:6], record.nameLength)
			binary.LittleEndian.PutUint16(out[6:8], record.flags)
			binary.LittleEndian.PutUint32(out[8:12], record.fileCount)
			if record.childCount > 0 {
				first := record.firstChild
				binary.LittleEndian.PutUint32(out[12:16], indexBase[first.shard()]+first.local())
			}
			binary.LittleEndian.PutUint32(out[16:20], record.childCount)
			globalIndex++
		}
	}
	return FromSections(b.rootPath, createdAt, fingerprint, stats, payload, names, nodeCount, nil)
}

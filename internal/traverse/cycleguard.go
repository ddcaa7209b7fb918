package traverse

import "sync"

// identity names a directory by its on-disk location: (device, inode) on
// Unix, (volume serial, file index) equivalents elsewhere.
type identity struct {
	device uint64
	inode  uint64
}

const guardShardCount = 64

type guardShard struct {
	mu   sync.Mutex
	seen map[identity]struct{}
}

// cycleGuard records every directory descended during one scan. Sharded by
// identity hash; each entry is added exactly once, so contention stays
// negligible.
type cycleGuard struct {
	shards [guardShardCount]guardShard
}

func newCycleGuard() *cycleGuard {
	guard := &cycleGuard{}
	for index := range guard.shards {
		guard.shards[index].seen = make(map[identity]struct{})
	}
	return guard
}

// visit records the identity and reports whether this is its first
// appearance. A repeat means descending would re-enter a directory already
// on the tree: a symlink loop or a bind-mount alias.
func (g *cycleGuard) visit(id identity) bool {
	shard := &g.shards[(id.device*0x9E3779B97F4A7C15^id.inode)%guardShardCount]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, present := shard.seen[id]; present {
		return false
	}
	shard.seen[id] = struct{}{}
	return true
}

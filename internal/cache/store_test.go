package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/temirov/ptree/internal/snapshot"
	"github.com/temirov/ptree/internal/types"
)

var testFingerprint = [16]byte{0xA, 0xB, 0xC, 0xD, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

func makeSnapshot(t *testing.T, createdAt int64) *snapshot.Snapshot {
	t.Helper()
	builder, builderError := snapshot.NewBuilder("/scan/root", 1, 100)
	require.NoError(t, builderError)
	shard := builder.Shard(0)

	first, allocated := shard.AllocChildren([]snapshot.ChildSpec{
		{Name: "alpha"},
		{Name: "beta", Symlink: true},
	})
	require.Equal(t, 2, allocated)
	builder.Seal(builder.RootHandle(), first, 2, 3, false)
	builder.Seal(first, 0, 0, 7, true)

	snap, finishError := builder.Finish(createdAt, testFingerprint, snapshot.Stats{
		TotalDirs:  2,
		TotalFiles: 10,
		ElapsedNS:  12345,
	})
	require.NoError(t, finishError)
	return snap
}

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

func freshOptions(createdAt int64) Options {
	return Options{
		TTL:         time.Hour,
		Fingerprint: testFingerprint,
		Now:         func() time.Time { return time.Unix(createdAt+60, 0) },
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	original := makeSnapshot(t, createdAt)

	require.NoError(t, Store(cachePath, original, freshOptions(createdAt)))

	loaded, loadError := Load(cachePath, freshOptions(createdAt))
	require.NoError(t, loadError)
	require.NotNil(t, loaded)
	defer func() { require.NoError(t, loaded.Close()) }()

	require.Equal(t, original.RootPath(), loaded.RootPath())
	require.Equal(t, original.CreatedAt(), loaded.CreatedAt())
	require.Equal(t, original.Fingerprint(), loaded.Fingerprint())
	require.Equal(t, original.Stats(), loaded.Stats())
	if difference := cmp.Diff(walkAll(original), walkAll(loaded)); difference != "" {
		t.Fatalf("node structure mismatch (-want +got):\n%s", difference)
	}
}

func TestLoadMissingFileIsAMiss(t *testing.T) {
	loaded, loadError := Load(filepath.Join(t.TempDir(), "absent.dat"), freshOptions(0))
	require.NoError(t, loadError)
	require.Nil(t, loaded)
}

func TestLoadDetectsByteCorruption(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))

	pristine, readError := os.ReadFile(cachePath)
	require.NoError(t, readError)

	// Every byte before the trailer participates in the checksum; sample
	// positions across header, payload, and index.
	protected := len(pristine) - trailerLength
	for position := 0; position < protected; position += 7 {
		mutated := append([]byte(nil), pristine...)
		mutated[position] ^= 0xFF
		require.NoError(t, os.WriteFile(cachePath, mutated, 0o644))

		loaded, loadError := Load(cachePath, freshOptions(createdAt))
		if loaded != nil {
			_ = loaded.Close()
			t.Fatalf("corrupted byte %d went undetected", position)
		}
		require.ErrorIs(t, loadError, types.ErrCacheCorrupt, "byte %d", position)
	}
}

func TestTrustCacheSkipsChecksum(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))

	contents, readError := os.ReadFile(cachePath)
	require.NoError(t, readError)
	nameOffset := bytes.Index(contents, []byte("alpha"))
	require.Positive(t, nameOffset)
	contents[nameOffset] = 'o'
	require.NoError(t, os.WriteFile(cachePath, contents, 0o644))

	_, strictError := Load(cachePath, freshOptions(createdAt))
	require.ErrorIs(t, strictError, types.ErrCacheCorrupt)

	trusting := freshOptions(createdAt)
	trusting.TrustCache = true
	loaded, trustError := Load(cachePath, trusting)
	require.NoError(t, trustError)
	require.NotNil(t, loaded)
	defer func() { _ = loaded.Close() }()
	_, found := loaded.Lookup("olpha")
	require.True(t, found)
}

func TestLoadRejectsStaleSnapshot(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))

	stale := freshOptions(createdAt)
	stale.Now = func() time.Time { return time.Unix(createdAt+7200, 0) }
	loaded, loadError := Load(cachePath, stale)
	require.Nil(t, loaded)
	require.ErrorIs(t, loadError, types.ErrCacheStale)
}

func TestZeroTTLAlwaysRescans(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))

	always := freshOptions(createdAt)
	always.TTL = 0
	always.Now = func() time.Time { return time.Unix(createdAt, 0) }
	loaded, loadError := Load(cachePath, always)
	require.Nil(t, loaded)
	require.ErrorIs(t, loadError, types.ErrCacheStale)
}

func TestNegativeTTLDisablesFreshnessGate(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))

	forever := freshOptions(createdAt)
	forever.TTL = -1
	forever.Now = func() time.Time { return time.Unix(createdAt+1e9, 0) }
	loaded, loadError := Load(cachePath, forever)
	require.NoError(t, loadError)
	require.NotNil(t, loaded)
	require.NoError(t, loaded.Close())
}

func TestForeignHostFingerprintIsStale(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))

	foreign := freshOptions(createdAt)
	foreign.Fingerprint = [16]byte{0xFF}
	loaded, loadError := Load(cachePath, foreign)
	require.Nil(t, loaded)
	require.ErrorIs(t, loadError, types.ErrCacheStale)
}

func TestInfoReadsHeaderOnly(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))

	information, infoError := Info(cachePath)
	require.NoError(t, infoError)
	require.NotNil(t, information)
	require.Equal(t, createdAt, information.CreatedAt)
	require.Equal(t, uint64(3), information.NodeCount)

	fileInformation, statError := os.Stat(cachePath)
	require.NoError(t, statError)
	require.Equal(t, fileInformation.Size(), information.Bytes)
}

func TestInfoMissingFile(t *testing.T) {
	information, infoError := Info(filepath.Join(t.TempDir(), "absent.dat"))
	require.NoError(t, infoError)
	require.Nil(t, information)
}

func TestStoreReplacesExistingFileAtomically(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	createdAt := int64(1700000000)
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt), freshOptions(createdAt)))
	require.NoError(t, Store(cachePath, makeSnapshot(t, createdAt+10), freshOptions(createdAt+10)))

	loaded, loadError := Load(cachePath, freshOptions(createdAt+10))
	require.NoError(t, loadError)
	require.NotNil(t, loaded)
	require.Equal(t, createdAt+10, loaded.CreatedAt())
	require.NoError(t, loaded.Close())

	entries, globError := filepath.Glob(cachePath + ".tmp.*")
	require.NoError(t, globError)
	require.Empty(t, entries, "temporary files must not survive a publish")
}

func TestErrorsWithoutPanicOnTinyFile(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "ptree.dat")
	require.NoError(t, os.WriteFile(cachePath, []byte("PTREECAC"), 0o644))
	loaded, loadError := Load(cachePath, freshOptions(0))
	require.Nil(t, loaded)
	require.ErrorIs(t, loadError, types.ErrCacheCorrupt)
}

// Package cache persists snapshots to a single binary file and loads them
// back through a memory mapping, so a load builds no per-node objects: the
// snapshot reads its records straight from the mapped bytes. Load still reads
// the whole file once to verify the checksum (unless TrustCache is set) and
// scans every node record to check its bounds. Writes publish atomically via a temp file and
// rename under an advisory lock; a torn or foreign file is never served.
package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/temirov/ptree/internal/snapshot"
	"github.com/temirov/ptree/internal/types"
)

// On-disk layout constants. All multi-byte integers are little-endian.
const (
	fileMagic     = "PTREECAC"
	formatVersion = 0x0001
	headerLength  = 64
	trailerLength = 32

	// flagsLittleEndian is the only accepted value of the header flags
	// field; bit 0 records byte order, the rest is reserved.
	flagsLittleEndian = 0x0000

	statsBlockLength    = 6 * 8
	minimumFileLength   = headerLength + snapshot.NodeRecordSize + trailerLength
	defaultLockTimeout  = 500 * time.Millisecond
	lockFileSuffix      = ".lock"
	temporaryFileFormat = "%s.tmp.%d"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Options configures freshness checks and write behavior.
type Options struct {
	// TTL is the freshness window. Zero means every load is stale (always
	// rescan); a negative TTL disables the freshness gate entirely.
	TTL time.Duration
	// TrustCache skips CRC verification on load.
	TrustCache bool
	// Fingerprint identifies the current machine+volume pair. A mismatch
	// invalidates the file.
	Fingerprint [16]byte
	// Now overrides the clock in tests.
	Now func() time.Time
	// LockTimeout bounds the advisory lock acquisition during Store. The
	// default is 500ms.
	LockTimeout time.Duration
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) lockTimeout() time.Duration {
	if o.LockTimeout > 0 {
		return o.LockTimeout
	}
	return defaultLockTimeout
}

// CacheInfo describes a cache file without materializing its nodes.
type CacheInfo struct {
	CreatedAt int64
	NodeCount uint64
	Bytes     int64
}

// ErrNotPublished is returned by Store when the advisory lock could not be
// acquired within the timeout. The snapshot is still usable for the current
// run; only the on-disk publish was skipped.
var ErrNotPublished = errors.New("cache not published: lock busy")

// Load opens the cache file at path and returns the snapshot it holds.
// It returns (nil, nil) when the file does not exist, types.ErrCacheStale
// when the file is valid but outside the freshness window or taken on a
// different host, and types.ErrCacheCorrupt on any structural damage.
func Load(path string, options Options) (*snapshot.Snapshot, error) {
	file, openError := os.Open(path)
	if openError != nil {
		if os.IsNotExist(openError) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening cache: %w", openError)
	}

	fileInformation, statError := file.Stat()
	if statError != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat cache: %w", statError)
	}
	size := fileInformation.Size()
	if size < minimumFileLength {
		_ = file.Close()
		return nil, fmt.Errorf("%w: file is %d bytes", types.ErrCacheCorrupt, size)
	}

	data, unmap, mapError := mapFile(file, int(size))
	_ = file.Close()
	if mapError != nil {
		return nil, fmt.Errorf("mapping cache: %w", mapError)
	}
	loaded, loadError := decodeSnapshot(data, unmap, options)
	if loadError != nil {
		if unmap != nil {
			_ = unmap()
		}
		return nil, loadError
	}
	return loaded, nil
}

func decodeSnapshot(data []byte, unmap func() error, options Options) (*snapshot.Snapshot, error) {
	header := data[:headerLength]
	if string(header[0:8]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", types.ErrCacheCorrupt)
	}
	if version := binary.LittleEndian.Uint16(header[8:10]); version != formatVersion {
		return nil, fmt.Errorf("%w: unknown version %#04x", types.ErrCacheCorrupt, version)
	}
	if flags := binary.LittleEndian.Uint16(header[10:12]); flags != flagsLittleEndian {
		return nil, fmt.Errorf("%w: unsupported flags %#04x", types.ErrCacheCorrupt, flags)
	}
	if declaredHeader := binary.LittleEndian.Uint32(header[12:16]); declaredHeader != headerLength {
		return nil, fmt.Errorf("%w: header length %d", types.ErrCacheCorrupt, declaredHeader)
	}

	createdAt := int64(binary.LittleEndian.Uint64(header[16:24]))
	var fingerprint [16]byte
	copy(fingerprint[:], header[24:40])
	nodeCount := binary.LittleEndian.Uint64(header[40:48])
	indexOffset := binary.LittleEndian.Uint64(header[48:56])
	payloadOffset := binary.LittleEndian.Uint64(header[56:64])

	fileLength := uint64(len(data))
	trailerOffset := fileLength - trailerLength
	if payloadOffset != headerLength || indexOffset < payloadOffset || indexOffset > trailerOffset {
		return nil, fmt.Errorf("%w: section offsets out of range", types.ErrCacheCorrupt)
	}
	if indexOffset-payloadOffset != nodeCount*snapshot.NodeRecordSize || nodeCount == 0 || nodeCount > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: node count %d disagrees with payload size", types.ErrCacheCorrupt, nodeCount)
	}

	if !options.TrustCache {
		stored := binary.LittleEndian.Uint32(data[trailerOffset : trailerOffset+4])
		if computed := crc32.Checksum(data[:trailerOffset], crcTable); computed != stored {
			return nil, fmt.Errorf("%w: checksum mismatch", types.ErrCacheCorrupt)
		}
	}

	rootPath, names, stats, indexError := decodeIndex(data[indexOffset:trailerOffset])
	if indexError != nil {
		return nil, indexError
	}

	if fingerprint != options.Fingerprint {
		return nil, fmt.Errorf("%w: host fingerprint mismatch", types.ErrCacheStale)
	}
	if options.TTL >= 0 {
		age := options.now().Unix() - createdAt
		if options.TTL == 0 || age > int64(options.TTL/time.Second) || age < 0 {
			return nil, fmt.Errorf("%w: snapshot age %ds exceeds ttl", types.ErrCacheStale, age)
		}
	}

	payload := data[payloadOffset:indexOffset]
	loaded, buildError := snapshot.FromSections(rootPath, createdAt, fingerprint, stats, payload, names, uint32(nodeCount), unmap)
	if buildError != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCacheCorrupt, buildError)
	}

	if err := validateNodeBounds(loaded, names); err != nil {
		return nil, err
	}
	return loaded, nil
}

// validateNodeBounds rejects records whose name or child ranges point outside
// the mapped sections, so later zero-copy reads cannot run off the file.
func validateNodeBounds(loaded *snapshot.Snapshot, names []byte) error {
	payload, _ := loaded.Sections()
	nodeCount := uint64(loaded.Len())
	nameLength := uint64(len(names))
	for index := uint64(0); index < nodeCount; index++ {
		record := payload[index*snapshot.NodeRecordSize : (index+1)*snapshot.NodeRecordSize]
		nameOffset := uint64(binary.LittleEndian.Uint32(record[0:4]))
		nameSpan := uint64(binary.LittleEndian.Uint16(record[4:6]))
		if nameOffset+nameSpan > nameLength {
			return fmt.Errorf("%w: node %d name range out of bounds", types.ErrCacheCorrupt, index)
		}
		childStart := uint64(binary.LittleEndian.Uint32(record[12:16]))
		childSpan := uint64(binary.LittleEndian.Uint32(record[16:20]))
		if childSpan > 0 && childStart+childSpan > nodeCount {
			return fmt.Errorf("%w: node %d child range out of bounds", types.ErrCacheCorrupt, index)
		}
	}
	return nil
}

func decodeIndex(index []byte) (string, []byte, snapshot.Stats, error) {
	var stats snapshot.Stats
	if len(index) < 4 {
		return "", nil, stats, fmt.Errorf("%w: index truncated", types.ErrCacheCorrupt)
	}
	rootLength := binary.LittleEndian.Uint32(index[0:4])
	cursor := uint64(4)
	if cursor+uint64(rootLength)+8 > uint64(len(index)) {
		return "", nil, stats, fmt.Errorf("%w: index truncated", types.ErrCacheCorrupt)
	}
	rootPath := string(index[cursor : cursor+uint64(rootLength)])
	cursor += uint64(rootLength)

	nameLength := binary.LittleEndian.Uint64(index[cursor : cursor+8])
	cursor += 8
	if cursor+nameLength+statsBlockLength > uint64(len(index)) {
		return "", nil, stats, fmt.Errorf("%w: index truncated", types.ErrCacheCorrupt)
	}
	names := index[cursor : cursor+nameLength]
	cursor += nameLength

	statsBlock := index[cursor : cursor+statsBlockLength]
	stats.TotalDirs = binary.LittleEndian.Uint64(statsBlock[0:8])
	stats.TotalFiles = binary.LittleEndian.Uint64(statsBlock[8:16])
	stats.SkippedPolicy = binary.LittleEndian.Uint64(statsBlock[16:24])
	stats.SkippedError = binary.LittleEndian.Uint64(statsBlock[24:32])
	stats.SkippedLoop = binary.LittleEndian.Uint64(statsBlock[32:40])
	stats.ElapsedNS = binary.LittleEndian.Uint64(statsBlock[40:48])
	return rootPath, names, stats, nil
}

// Store serializes the snapshot and publishes it atomically at path. The
// write happens under an advisory lock; when the lock stays busy past the
// timeout, Store returns ErrNotPublished and leaves the prior file intact.
func Store(path string, snap *snapshot.Snapshot, options Options) error {
	if mkdirError := os.MkdirAll(filepath.Dir(path), 0o755); mkdirError != nil {
		return fmt.Errorf("creating cache directory: %w", mkdirError)
	}

	guard, lockError := acquireLock(path+lockFileSuffix, options.lockTimeout())
	if lockError != nil {
		return fmt.Errorf("%w: %v", ErrNotPublished, lockError)
	}
	defer func() { _ = guard.release() }()

	encoded := Encode(snap)
	temporaryPath := fmt.Sprintf(temporaryFileFormat, path, os.Getpid())
	if writeError := writeWholeFile(temporaryPath, encoded); writeError != nil {
		return fmt.Errorf("writing cache temp file: %w", writeError)
	}
	if replaceError := atomic.ReplaceFile(temporaryPath, path); replaceError != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("publishing cache: %w", replaceError)
	}
	return nil
}

// Encode serializes a snapshot into the on-disk format, trailer included.
func Encode(snap *snapshot.Snapshot) []byte {
	payload, names := snap.Sections()
	rootPath := snap.RootPath()
	stats := snap.Stats()
	fingerprint := snap.Fingerprint()

	indexLength := 4 + len(rootPath) + 8 + len(names) + statsBlockLength
	totalLength := headerLength + len(payload) + indexLength + trailerLength
	buffer := make([]byte, totalLength)

	header := buffer[:headerLength]
	copy(header[0:8], fileMagic)
	binary.LittleEndian.PutUint16(header[8:10], formatVersion)
	binary.LittleEndian.PutUint16(header[10:12], flagsLittleEndian)
	binary.LittleEndian.PutUint32(header[12:16], headerLength)
	binary.LittleEndian.PutUint64(header[16:24], uint64(snap.CreatedAt()))
	copy(header[24:40], fingerprint[:])
	binary.LittleEndian.PutUint64(header[40:48], uint64(snap.Len()))
	binary.LittleEndian.PutUint64(header[48:56], uint64(headerLength+len(payload)))
	binary.LittleEndian.PutUint64(header[56:64], headerLength)

	copy(buffer[headerLength:], payload)

	index := buffer[headerLength+len(payload):]
	binary.LittleEndian.PutUint32(index[0:4], uint32(len(rootPath)))
	cursor := 4
	copy(index[cursor:], rootPath)
	cursor += len(rootPath)
	binary.LittleEndian.PutUint64(index[cursor:cursor+8], uint64(len(names)))
	cursor += 8
	copy(index[cursor:], names)
	cursor += len(names)
	statsBlock := index[cursor : cursor+statsBlockLength]
	binary.LittleEndian.PutUint64(statsBlock[0:8], stats.TotalDirs)
	binary.LittleEndian.PutUint64(statsBlock[8:16], stats.TotalFiles)
	binary.LittleEndian.PutUint64(statsBlock[16:24], stats.SkippedPolicy)
	binary.LittleEndian.PutUint64(statsBlock[24:32], stats.SkippedError)
	binary.LittleEndian.PutUint64(statsBlock[32:40], stats.SkippedLoop)
	binary.LittleEndian.PutUint64(statsBlock[40:48], stats.ElapsedNS)

	trailerOffset := totalLength - trailerLength
	checksum := crc32.Checksum(buffer[:trailerOffset], crcTable)
	binary.LittleEndian.PutUint32(buffer[trailerOffset:trailerOffset+4], checksum)
	return buffer
}

func writeWholeFile(path string, contents []byte) error {
	file, createError := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if createError != nil {
		return createError
	}
	if _, writeError := io.Copy(file, bytes.NewReader(contents)); writeError != nil {
		_ = file.Close()
		return writeError
	}
	if syncError := file.Sync(); syncError != nil {
		_ = file.Close()
		return syncError
	}
	return file.Close()
}

// Info reads the header of the cache file at path without touching node
// data. It returns (nil, nil) when the file does not exist.
func Info(path string) (*CacheInfo, error) {
	file, openError := os.Open(path)
	if openError != nil {
		if os.IsNotExist(openError) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening cache: %w", openError)
	}
	defer func() { _ = file.Close() }()

	fileInformation, statError := file.Stat()
	if statError != nil {
		return nil, fmt.Errorf("stat cache: %w", statError)
	}
	if fileInformation.Size() < minimumFileLength {
		return nil, fmt.Errorf("%w: file is %d bytes", types.ErrCacheCorrupt, fileInformation.Size())
	}

	header := make([]byte, headerLength)
	if _, readError := io.ReadFull(file, header); readError != nil {
		return nil, fmt.Errorf("reading cache header: %w", readError)
	}
	if string(header[0:8]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", types.ErrCacheCorrupt)
	}
	if version := binary.LittleEndian.Uint16(header[8:10]); version != formatVersion {
		return nil, fmt.Errorf("%w: unknown version %#04x", types.ErrCacheCorrupt, version)
	}
	return &CacheInfo{
		CreatedAt: int64(binary.LittleEndian.Uint64(header[16:24])),
		NodeCount: binary.LittleEndian.Uint64(header[40:48]),
		Bytes:     fileInformation.Size(),
	}, nil
}

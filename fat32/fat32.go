// Package fat32 implements a read-only FAT32 filesystem backend over a
// devfs.Device. Mounting validates a boot sector against the standard
// BPB/EBPB layout; once mounted, FAT and data blocks are served through
// two small LRU caches so that directory walks and sequential reads
// don't hit the backing device block-by-block.
package fat32

import (
	"container/list"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/devfs"
	"github.com/cjsmeele/RikaiOS-sub000/vfs"
)

// BlockSize is the only block size this implementation supports.
const BlockSize = 512

// CacheSize is the entry count of each of the FAT and data caches;
// 1024 entries * 512 bytes = 512 KiB per cache.
const CacheSize = 1024

// isEOC reports whether a cluster number marks end-of-chain, or is one
// of the two reserved low values that can never begin a chain.
func isEOC(cluster uint32) bool {
	return cluster < 2 || cluster >= 0x0FFF_FFF0
}

// cacheEntry holds one cached block, tagged with the lba it was read
// from (or noLBA if the slot has never been filled) and a monotonic
// hit counter. The counter is not read back: eviction takes the front
// of the cache's list, which is always the entry with the smallest hit.
type cacheEntry struct {
	lba  uint32
	hit  uint64
	data [BlockSize]byte
}

const noLBA = ^uint32(0)

// blockCache is a fixed-size LRU cache of device blocks, the same shape
// as the teacher's blk.go cache: a container/list ordering entries from
// least- to most-recently-used (so also by ascending hit counter), plus
// a map for O(1) lookup by lba.
type blockCache struct {
	mu      sync.Mutex
	order   *list.List // of *cacheEntry, front = least recently used
	byLBA   map[uint32]*list.Element
	entries []*cacheEntry
	nextHit uint64
}

func newBlockCache(size int) *blockCache {
	c := &blockCache{
		order:   list.New(),
		byLBA:   make(map[uint32]*list.Element, size),
		entries: make([]*cacheEntry, size),
	}
	for i := range c.entries {
		e := &cacheEntry{lba: noLBA}
		c.entries[i] = e
		c.order.PushFront(e)
	}
	return c
}

// lookup returns the cached entry for lba if present, bumping it to
// most-recently-used.
func (c *blockCache) lookup(lba uint32) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byLBA[lba]; ok {
		c.order.MoveToBack(el)
		c.nextHit++
		el.Value.(*cacheEntry).hit = c.nextHit
		return el.Value.(*cacheEntry)
	}
	return nil
}

// claim evicts the least-recently-used entry, tags it with lba, moves it
// to the back, and returns it for the caller to fill. The entry is
// visible to lookup() as soon as claim returns.
func (c *blockCache) claim(lba uint32) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	front := c.order.Front()
	e := front.Value.(*cacheEntry)
	if e.lba != noLBA {
		delete(c.byLBA, e.lba)
	}
	e.lba = lba
	c.order.MoveToBack(front)
	c.byLBA[lba] = c.order.Back()
	c.nextHit++
	e.hit = c.nextHit
	return e
}

// boot record field offsets within the first sector, matching the
// packed on-disk layout byte for byte.
const (
	offSignature = 510

	offBlockSize          = 11
	offClusterSize        = 13
	offReservedBlocks     = 14
	offFatCount           = 16
	offRootDirEntryCount  = 17
	offBlockCountShort    = 19
	offFatSizeShort       = 22
	offHiddenBlocks       = 28
	offBlockCount         = 32
	offFatSize32          = 36
	offRootCluster        = 44
)

// bootRecord is the decoded subset of the BPB/EBPB that mounting
// needs; fields outside this set (CHS geometry, volume label, boot
// code) are never read.
type bootRecord struct {
	blockSize         uint16
	clusterSize       uint8
	reservedBlocks    uint16
	fatCount          uint8
	rootDirEntryCount uint16
	blockCountShort   uint16
	fatSizeShort      uint16
	blockCount        uint32
	fatSize           uint32
	rootCluster       uint32
	signature         uint16
}

func decodeBootRecord(buf []byte) bootRecord {
	var br bootRecord
	br.blockSize = binary.LittleEndian.Uint16(buf[offBlockSize:])
	br.clusterSize = buf[offClusterSize]
	br.reservedBlocks = binary.LittleEndian.Uint16(buf[offReservedBlocks:])
	br.fatCount = buf[offFatCount]
	br.rootDirEntryCount = binary.LittleEndian.Uint16(buf[offRootDirEntryCount:])
	br.blockCountShort = binary.LittleEndian.Uint16(buf[offBlockCountShort:])
	br.fatSizeShort = binary.LittleEndian.Uint16(buf[offFatSizeShort:])
	br.blockCount = binary.LittleEndian.Uint32(buf[offBlockCount:])
	br.fatSize = binary.LittleEndian.Uint32(buf[offFatSize32:])
	br.rootCluster = binary.LittleEndian.Uint32(buf[offRootCluster:])
	br.signature = binary.LittleEndian.Uint16(buf[offSignature:])
	return br
}

// FS is a mounted, read-only FAT32 volume. It implements
// vfs.Filesystem_i; only construction via TryMount guarantees the
// boot record has actually been validated.
type FS struct {
	vfs.Defaults

	dev  devfs.Device
	name string

	blockCount  uint32
	clusterSize uint32 // in blocks
	fatLBA      uint32
	fatSize     uint32 // in blocks
	dataLBA     uint32
	rootCluster uint32

	fatCache  *blockCache
	dataCache *blockCache

	fatMu sync.Mutex
}

// TryMount reads the first block of dev and, if it looks like a valid
// FAT32 boot sector, returns a mounted FS. Every sanity check mirrors
// the ones a real FAT32 driver must perform before trusting the rest
// of the volume.
func TryMount(dev devfs.Device, name string) (*FS, defs.Err_t) {
	buf := make([]byte, BlockSize)
	n, err := dev.Read(0, buf)
	if err != defs.Success || n != BlockSize {
		return nil, defs.Io
	}

	br := decodeBootRecord(buf)

	if br.signature != 0xAA55 {
		return nil, defs.Invalid
	}
	if br.blockSize != BlockSize {
		return nil, defs.Invalid
	}
	if uint64(br.blockCount)*BlockSize > uint64(dev.Size()) {
		return nil, defs.Invalid
	}
	if br.reservedBlocks == 0 || br.clusterSize == 0 || br.blockCount == 0 || br.fatCount == 0 {
		return nil, defs.Invalid
	}
	// Nonzero here indicates FAT12/FAT16, not FAT32.
	if br.rootDirEntryCount != 0 || br.fatSizeShort != 0 {
		return nil, defs.Invalid
	}
	if br.fatSize > br.blockCount {
		return nil, defs.Invalid
	}

	fatLBA := uint32(br.reservedBlocks)
	dataLBA := fatLBA + br.fatSize*uint32(br.fatCount)
	if dataLBA >= br.blockCount {
		return nil, defs.Invalid
	}
	if br.rootCluster < 2 {
		return nil, defs.Invalid
	}

	fs := &FS{
		dev:         dev,
		name:        name,
		blockCount:  br.blockCount,
		clusterSize: uint32(br.clusterSize),
		fatLBA:      fatLBA,
		fatSize:     br.fatSize,
		dataLBA:     dataLBA,
		rootCluster: br.rootCluster,
		fatCache:    newBlockCache(CacheSize),
		dataCache:   newBlockCache(CacheSize),
	}
	return fs, defs.Success
}

func (fs *FS) readBlock(lba uint32, buf []byte) defs.Err_t {
	if lba >= fs.blockCount {
		return defs.Io
	}
	n, err := fs.dev.Read(int64(lba)*BlockSize, buf)
	if err != defs.Success || n != BlockSize {
		if err == defs.Success {
			err = defs.Io
		}
		return err
	}
	return defs.Success
}

// getFatBlock returns the cached (reading through on a miss) FAT
// block containing cluster-number entries blockI*128 .. blockI*128+127.
func (fs *FS) getFatBlock(blockI uint32) (*cacheEntry, defs.Err_t) {
	lba := fs.fatLBA + blockI
	if e := fs.fatCache.lookup(lba); e != nil {
		return e, defs.Success
	}
	e := fs.fatCache.claim(lba)
	if err := fs.readBlock(lba, e.data[:]); err != defs.Success {
		e.lba = noLBA
		return nil, err
	}
	return e, defs.Success
}

// getDataBlock returns the cached data block at volume-relative data
// block index blockI (0-based from the start of the data region).
func (fs *FS) getDataBlock(blockI uint32) (*cacheEntry, defs.Err_t) {
	lba := fs.dataLBA + blockI
	if e := fs.dataCache.lookup(lba); e != nil {
		return e, defs.Success
	}
	e := fs.dataCache.claim(lba)
	if err := fs.readBlock(lba, e.data[:]); err != defs.Success {
		e.lba = noLBA
		return nil, err
	}
	return e, defs.Success
}

// getNextClusterN walks inc links forward in the chain starting at
// cluster, serialised by fatMu the way the original guards the shared
// FAT cache and on-disk FAT with a single lock.
func (fs *FS) getNextClusterN(cluster uint32, inc uint32) (uint32, defs.Err_t) {
	fs.fatMu.Lock()
	defer fs.fatMu.Unlock()

	next := cluster
	const entriesPerBlock = BlockSize / 4
	for i := uint32(0); i < inc; i++ {
		if isEOC(next) {
			return next, defs.NotExists
		}
		e, err := fs.getFatBlock(next / entriesPerBlock)
		if err != defs.Success {
			return 0, err
		}
		off := (next % entriesPerBlock) * 4
		next = binary.LittleEndian.Uint32(e.data[off:]) & 0x0FFF_FFFF
	}
	return next, defs.Success
}

// dirEntry is the decoded subset of an on-disk 32-byte FAT directory
// entry.
type dirEntry struct {
	name      string
	isDir     bool
	isDeleted bool
	isVolume  bool
	isDevice  bool
	cluster   uint32
	size      uint32
}

func decodeDirEntry(raw []byte) dirEntry {
	var e dirEntry
	nameRaw := raw[0:8]
	extRaw := raw[8:11]
	attr := raw[11]

	e.isDeleted = nameRaw[0] == 0xE5
	e.isVolume = attr&0x08 != 0
	e.isDevice = attr&0x40 != 0
	e.isDir = attr&0x10 != 0

	name := strings.TrimRight(string(nameRaw), " ")
	ext := strings.TrimRight(string(extRaw), " ")
	if ext != "" {
		name = name + "." + ext
	}
	e.name = strings.ToLower(name)

	clusterHigh := uint32(binary.LittleEndian.Uint16(raw[20:22]))
	clusterLow := uint32(binary.LittleEndian.Uint16(raw[26:28]))
	e.cluster = clusterHigh<<16 | clusterLow
	e.size = binary.LittleEndian.Uint32(raw[28:32])
	return e
}

const dirEntrySize = 32

// Type and Name identify this mounted volume.
func (fs *FS) Type() string { return "fat32" }
func (fs *FS) Name() string { return fs.name }

// GetRoot returns the root directory node.
func (fs *FS) GetRoot() vfs.Node {
	return vfs.Node{
		InodeI: uint64(fs.rootCluster),
		Type:   defs.TypeDir,
		Perm:   defs.PermUR | defs.PermUX | defs.PermGR | defs.PermGX | defs.PermOR | defs.PermOX,
	}
}

// ReadDir yields directory entries starting at cursor, which counts
// 32-byte on-disk slots (not accepted entries) from the start of the
// directory's cluster chain; callers pass back the returned
// nextCursor to resume. Deleted entries, volume labels, device
// entries and the dot-prefixed/slash-containing names that a FAT
// volume should never legally contain are silently skipped, matching
// the behaviour of the driver this was ported from.
func (fs *FS) ReadDir(dir vfs.Node, cursor int) ([]defs.DirEntry, int, bool, defs.Err_t) {
	i := uint64(cursor)
	startCluster := uint32(dir.InodeI)

	for {
		dirClusterI := uint32(i * dirEntrySize / BlockSize / uint64(fs.clusterSize))
		cluster := startCluster

		if dirClusterI != 0 {
			next, err := fs.getNextClusterN(startCluster, dirClusterI)
			if err == defs.NotExists || isEOC(next) {
				return nil, int(i), true, defs.Success
			}
			if err != defs.Success {
				return nil, int(i), true, err
			}
			cluster = next
		}

		blockStart := uint32(i*dirEntrySize/BlockSize) % fs.clusterSize
		for blockI := blockStart; blockI < fs.clusterSize; blockI++ {
			e, err := fs.getDataBlock((cluster-2)*fs.clusterSize + blockI)
			if err != defs.Success {
				return nil, int(i), true, err
			}

			entryStart := int(i % (BlockSize / dirEntrySize))
			for entryI := entryStart; entryI < BlockSize/dirEntrySize; entryI++ {
				raw := e.data[entryI*dirEntrySize : (entryI+1)*dirEntrySize]

				if raw[0] == 0x00 {
					return nil, int(i), true, defs.Success
				}
				i++

				if raw[0] == 0xE5 {
					continue
				}
				de := decodeDirEntry(raw)
				if de.isDevice || de.isVolume {
					continue
				}
				if de.name == "" || de.name[0] == '.' || strings.Contains(de.name, "/") {
					continue
				}

				ftype := defs.TypeRegular
				if de.isDir {
					ftype = defs.TypeDir
				}
				return []defs.DirEntry{{
					Name:   de.name,
					InodeI: uint64(de.cluster),
					Type:   ftype,
					Perm:   defs.PermUR | defs.PermUX | defs.PermGR | defs.PermGX | defs.PermOR | defs.PermOX,
					Size:   uint64(de.size),
				}}, int(i), false, defs.Success
			}
		}
	}
}

// Lookup scans a directory's entries for name, via the shared
// linear-scan helper since FAT32 keeps no secondary name index.
func (fs *FS) Lookup(dir vfs.Node, name string) (vfs.Node, defs.Err_t) {
	return vfs.LookupByScan(fs, dir, name)
}

// Read copies up to len(buf) bytes of file data starting at offset, following the
// cluster chain as needed. A read starting at or past the end of the
// file returns 0 bytes, not an error.
func (fs *FS) Read(n vfs.Node, offset int64, buf []byte) (int, defs.Err_t) {
	if uint64(offset) >= n.Size {
		return 0, defs.Success
	}

	bytesRead := 0
	for bytesRead < len(buf) {
		if uint64(offset)+uint64(bytesRead) >= n.Size {
			return bytesRead, defs.Success
		}

		fileClusterI := uint32((uint64(offset) + uint64(bytesRead)) / BlockSize / uint64(fs.clusterSize))
		cluster := uint32(n.InodeI)
		if fileClusterI != 0 {
			next, err := fs.getNextClusterN(cluster, fileClusterI)
			if isEOC(next) {
				return bytesRead, defs.Success
			}
			if err != defs.Success {
				return bytesRead, err
			}
			cluster = next
		}

		blockStart := uint32((uint64(offset)+uint64(bytesRead))/BlockSize) % fs.clusterSize
		for blockI := blockStart; blockI < fs.clusterSize && bytesRead < len(buf); blockI++ {
			e, err := fs.getDataBlock((cluster-2)*fs.clusterSize + blockI)
			if err != defs.Success {
				return bytesRead, err
			}

			blockOff := int((uint64(offset) + uint64(bytesRead)) % BlockSize)
			remainInFile := int(n.Size - uint64(offset) - uint64(bytesRead))
			remainInBuf := len(buf) - bytesRead
			toCopy := BlockSize - blockOff
			if toCopy > remainInFile {
				toCopy = remainInFile
			}
			if toCopy > remainInBuf {
				toCopy = remainInBuf
			}
			copy(buf[bytesRead:bytesRead+toCopy], e.data[blockOff:blockOff+toCopy])
			bytesRead += toCopy
		}
	}
	return bytesRead, defs.Success
}

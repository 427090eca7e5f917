package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
)

// memDevice is a devfs.Device backed by a plain byte slice, used to
// drive the mount probe and read paths without real storage.
type memDevice struct {
	data []byte
}

func (m *memDevice) Read(off int64, buf []byte) (int, defs.Err_t) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, defs.Success
	}
	n := copy(buf, m.data[off:])
	return n, defs.Success
}

func (m *memDevice) Write(off int64, buf []byte) (int, defs.Err_t) {
	n := copy(m.data[off:], buf)
	return n, defs.Success
}

func (m *memDevice) Size() int64 { return int64(len(m.data)) }

// buildImage constructs a minimal 4-block FAT32 volume: block 0 is
// the boot record, block 1 is the (single) FAT, blocks 2-3 are the
// data region, with cluster 2 (the root directory) holding one file
// "hello.txt" whose data lives in cluster 3.
func buildImage(t *testing.T) *memDevice {
	t.Helper()
	const blocks = 4
	img := make([]byte, blocks*BlockSize)

	// Boot sector.
	boot := img[0:BlockSize]
	binary.LittleEndian.PutUint16(boot[offBlockSize:], BlockSize)
	boot[offClusterSize] = 1 // 1 block per cluster
	binary.LittleEndian.PutUint16(boot[offReservedBlocks:], 1)
	boot[offFatCount] = 1
	binary.LittleEndian.PutUint16(boot[offRootDirEntryCount:], 0)
	binary.LittleEndian.PutUint16(boot[offFatSizeShort:], 0)
	binary.LittleEndian.PutUint32(boot[offBlockCount:], blocks)
	binary.LittleEndian.PutUint32(boot[offFatSize32:], 1)
	binary.LittleEndian.PutUint32(boot[offRootCluster:], 2)
	binary.LittleEndian.PutUint16(boot[offSignature:], 0xAA55)

	// FAT (block 1): entries are 4 bytes each. Cluster 2 (root dir)
	// and cluster 3 (file data) are both single-cluster chains, so
	// both map straight to end-of-chain.
	fat := img[1*BlockSize : 2*BlockSize]
	binary.LittleEndian.PutUint32(fat[2*4:], 0x0FFF_FFFF)
	binary.LittleEndian.PutUint32(fat[3*4:], 0x0FFF_FFFF)

	// Data block 0 == cluster 2 == root directory.
	root := img[2*BlockSize : 3*BlockSize]
	copy(root[0:8], "HELLO   ")
	copy(root[8:11], "TXT")
	root[11] = 0 // attributes: regular file
	binary.LittleEndian.PutUint16(root[20:22], 0)
	binary.LittleEndian.PutUint16(root[26:28], 3) // cluster_no_low = 3
	binary.LittleEndian.PutUint32(root[28:32], 11) // file size

	// Data block 1 == cluster 3 == file contents.
	fileData := img[3*BlockSize : 4*BlockSize]
	copy(fileData, "hello world")

	return &memDevice{data: img}
}

func TestTryMountValidImage(t *testing.T) {
	dev := buildImage(t)
	fs, err := TryMount(dev, "disk0")
	if err != defs.Success {
		t.Fatalf("try_mount failed: %v", err)
	}
	if fs.Type() != "fat32" || fs.Name() != "disk0" {
		t.Fatalf("unexpected type/name: %s/%s", fs.Type(), fs.Name())
	}
}

func TestTryMountRejectsBadSignature(t *testing.T) {
	dev := buildImage(t)
	dev.data[offSignature] = 0
	dev.data[offSignature+1] = 0
	if _, err := TryMount(dev, "disk0"); err != defs.Invalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestTryMountRejectsFat16Markers(t *testing.T) {
	dev := buildImage(t)
	binary.LittleEndian.PutUint16(dev.data[offRootDirEntryCount:], 512)
	if _, err := TryMount(dev, "disk0"); err != defs.Invalid {
		t.Fatalf("expected invalid for FAT16 marker, got %v", err)
	}
}

func TestReadDirAndRead(t *testing.T) {
	dev := buildImage(t)
	fs, err := TryMount(dev, "disk0")
	if err != defs.Success {
		t.Fatalf("mount: %v", err)
	}

	root := fs.GetRoot()
	entries, cursor, done, err := fs.ReadDir(root, 0)
	if err != defs.Success || len(entries) != 1 {
		t.Fatalf("read_dir: entries=%v err=%v", entries, err)
	}
	if entries[0].Name != "hello.txt" {
		t.Fatalf("name = %q, want hello.txt", entries[0].Name)
	}
	if entries[0].Size != 11 {
		t.Fatalf("size = %d, want 11", entries[0].Size)
	}

	_, _, done2, err := fs.ReadDir(root, cursor)
	if err != defs.Success || !done2 {
		t.Fatalf("expected exhausted directory, done=%v err=%v", done2, err)
	}
	_ = done

	fileNode, err := fs.Lookup(root, "hello.txt")
	if err != defs.Success {
		t.Fatalf("lookup: %v", err)
	}
	buf := make([]byte, 64)
	n, err := fs.Read(fileNode, 0, buf)
	if err != defs.Success || n != 11 || string(buf[:n]) != "hello world" {
		t.Fatalf("read: n=%d err=%v buf=%q", n, err, buf[:n])
	}
}

func TestReadPastEndOfFileReturnsZero(t *testing.T) {
	dev := buildImage(t)
	fs, _ := TryMount(dev, "disk0")
	fileNode, _ := fs.Lookup(fs.GetRoot(), "hello.txt")
	buf := make([]byte, 4)
	n, err := fs.Read(fileNode, 11, buf)
	if err != defs.Success || n != 0 {
		t.Fatalf("read past EOF: n=%d err=%v", n, err)
	}
}

func TestBlockCacheEvictsLRU(t *testing.T) {
	c := newBlockCache(2)
	a := c.claim(10)
	a.data[0] = 1
	b := c.claim(20)
	b.data[0] = 2

	// Touch 10 again so 20 becomes the LRU victim.
	if c.lookup(10) == nil {
		t.Fatalf("expected hit for lba 10")
	}
	c.claim(30)

	if c.lookup(20) != nil {
		t.Fatalf("expected lba 20 to have been evicted")
	}
	if c.lookup(10) == nil {
		t.Fatalf("expected lba 10 to survive eviction")
	}
}

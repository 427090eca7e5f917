// Package devfs implements a filesystem with no persistent storage: a
// fixed table of device entries, each a (name, Device, permission)
// triple. Built-in devices (null, zero, full, random) are registered at
// construction; drivers register their own during their own init.
package devfs

import (
	"math/rand"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/vfs"
)

// Device is implemented by every devfs backing device.
type Device interface {
	Read(off int64, buf []byte) (int, defs.Err_t)
	Write(off int64, buf []byte) (int, defs.Err_t)
	Size() int64
}

type entry struct {
	name string
	dev  Device
	perm defs.Perm_t
}

// FS is a devfs instance; it implements vfs.Filesystem_i. The root
// inode is index 0; each registered device gets an index >= 1.
type FS struct {
	vfs.Defaults
	entries []entry
}

// New creates a devfs populated with the standard built-in devices.
func New() *FS {
	fs := &FS{}
	fs.register("null", nullDevice{}, defs.PermUR|defs.PermUW|defs.PermGR|defs.PermGW|defs.PermOR|defs.PermOW)
	fs.register("zero", zeroDevice{}, defs.PermUR|defs.PermGR|defs.PermOR)
	fs.register("full", fullDevice{}, defs.PermUR|defs.PermUW|defs.PermGR|defs.PermGW|defs.PermOR|defs.PermOW)
	fs.register("random", randomDevice{}, defs.PermUR|defs.PermGR|defs.PermOR)
	return fs
}

// Register adds a named device, returning its devfs index. Drivers call
// this during their own init to expose hardware as files.
func (fs *FS) Register(name string, dev Device, perm defs.Perm_t) uint64 {
	return fs.register(name, dev, perm)
}

func (fs *FS) register(name string, dev Device, perm defs.Perm_t) uint64 {
	fs.entries = append(fs.entries, entry{name: name, dev: dev, perm: perm})
	return uint64(len(fs.entries))
}

func (fs *FS) Type() string { return "devfs" }
func (fs *FS) Name() string { return "dev" }

func (fs *FS) GetRoot() vfs.Node {
	return vfs.Node{InodeI: 0, Type: defs.TypeDir, Perm: defs.PermUR | defs.PermUX | defs.PermGR | defs.PermGX | defs.PermOR | defs.PermOX}
}

func (fs *FS) nodeFor(i uint64) (vfs.Node, defs.Err_t) {
	if i == 0 {
		return fs.GetRoot(), defs.Success
	}
	idx := int(i) - 1
	if idx < 0 || idx >= len(fs.entries) {
		return vfs.Node{}, defs.NotExists
	}
	e := fs.entries[idx]
	return vfs.Node{InodeI: i, Type: defs.TypeDev, Perm: e.perm, Size: uint64(e.dev.Size())}, defs.Success
}

func (fs *FS) ReadDir(dir vfs.Node, cursor int) ([]defs.DirEntry, int, bool, defs.Err_t) {
	if cursor >= len(fs.entries) {
		return nil, cursor, true, defs.Success
	}
	e := fs.entries[cursor]
	de := defs.DirEntry{
		Name:   e.name,
		InodeI: uint64(cursor + 1),
		Type:   defs.TypeDev,
		Perm:   e.perm,
		Size:   uint64(e.dev.Size()),
	}
	done := cursor+1 >= len(fs.entries)
	return []defs.DirEntry{de}, cursor + 1, done, defs.Success
}

func (fs *FS) Lookup(dir vfs.Node, name string) (vfs.Node, defs.Err_t) {
	return vfs.LookupByScan(fs, dir, name)
}

func (fs *FS) Read(n vfs.Node, off int64, buf []byte) (int, defs.Err_t) {
	idx := int(n.InodeI) - 1
	if idx < 0 || idx >= len(fs.entries) {
		return 0, defs.NotExists
	}
	return fs.entries[idx].dev.Read(off, buf)
}

func (fs *FS) Write(n vfs.Node, off int64, buf []byte) (int, defs.Err_t) {
	idx := int(n.InodeI) - 1
	if idx < 0 || idx >= len(fs.entries) {
		return 0, defs.NotExists
	}
	return fs.entries[idx].dev.Write(off, buf)
}

// nullDevice discards writes and reads as EOF.
type nullDevice struct{}

func (nullDevice) Read(off int64, buf []byte) (int, defs.Err_t)  { return 0, defs.Success }
func (nullDevice) Write(off int64, buf []byte) (int, defs.Err_t) { return len(buf), defs.Success }
func (nullDevice) Size() int64                                   { return 0 }

// zeroDevice produces zero bytes on read and discards writes.
type zeroDevice struct{}

func (zeroDevice) Read(off int64, buf []byte) (int, defs.Err_t) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), defs.Success
}
func (zeroDevice) Write(off int64, buf []byte) (int, defs.Err_t) { return len(buf), defs.Success }
func (zeroDevice) Size() int64                                   { return 0 }

// fullDevice produces 0xFF on read; writes always fail with Nospace.
type fullDevice struct{}

func (fullDevice) Read(off int64, buf []byte) (int, defs.Err_t) {
	for i := range buf {
		buf[i] = 0xFF
	}
	return len(buf), defs.Success
}
func (fullDevice) Write(off int64, buf []byte) (int, defs.Err_t) { return 0, defs.Nospace }
func (fullDevice) Size() int64                                   { return 0 }

// randomDevice produces pseudo-random bytes; not cryptographically
// secure, which is fine for a teaching-kernel /dev/random stand-in.
type randomDevice struct{}

func (randomDevice) Read(off int64, buf []byte) (int, defs.Err_t) {
	_, _ = rand.Read(buf)
	return len(buf), defs.Success
}
func (randomDevice) Write(off int64, buf []byte) (int, defs.Err_t) { return len(buf), defs.Success }
func (randomDevice) Size() int64                                   { return 0 }

// PartitionDevice exposes a byte-range window into another device,
// used by the MBR scanner to present partitions as independent devices.
type PartitionDevice struct {
	Inner      Device
	StartByte  int64
	SizeBytes  int64
}

func (p *PartitionDevice) Read(off int64, buf []byte) (int, defs.Err_t) {
	if off >= p.SizeBytes {
		return 0, defs.Success
	}
	if off+int64(len(buf)) > p.SizeBytes {
		buf = buf[:p.SizeBytes-off]
	}
	return p.Inner.Read(p.StartByte+off, buf)
}

func (p *PartitionDevice) Write(off int64, buf []byte) (int, defs.Err_t) {
	if off >= p.SizeBytes {
		return 0, defs.Nospace
	}
	if off+int64(len(buf)) > p.SizeBytes {
		buf = buf[:p.SizeBytes-off]
	}
	return p.Inner.Write(p.StartByte+off, buf)
}

func (p *PartitionDevice) Size() int64 { return p.SizeBytes }

// LineDevice proxies a single text-line value through a typed
// getter/setter, e.g. exposing kernel statistics as a readable file.
type LineDevice struct {
	Get func() string
	Set func(string) defs.Err_t
}

func (l *LineDevice) Read(off int64, buf []byte) (int, defs.Err_t) {
	line := l.Get()
	if off >= int64(len(line)) {
		return 0, defs.Success
	}
	n := copy(buf, line[off:])
	return n, defs.Success
}

func (l *LineDevice) Write(off int64, buf []byte) (int, defs.Err_t) {
	if l.Set == nil {
		return 0, defs.NotSupported
	}
	if err := l.Set(string(buf)); err != defs.Success {
		return 0, err
	}
	return len(buf), defs.Success
}

func (l *LineDevice) Size() int64 { return int64(len(l.Get())) }

// MemoryDevice exposes an MMIO-style byte-addressable window over a
// backing byte slice (a physical memory region in the original design;
// here, whatever slice the caller supplies).
type MemoryDevice struct {
	Backing []byte
}

func (m *MemoryDevice) Read(off int64, buf []byte) (int, defs.Err_t) {
	if off < 0 || off >= int64(len(m.Backing)) {
		return 0, defs.Success
	}
	n := copy(buf, m.Backing[off:])
	return n, defs.Success
}

func (m *MemoryDevice) Write(off int64, buf []byte) (int, defs.Err_t) {
	if off < 0 || off >= int64(len(m.Backing)) {
		return 0, defs.Nospace
	}
	n := copy(m.Backing[off:], buf)
	return n, defs.Success
}

func (m *MemoryDevice) Size() int64 { return int64(len(m.Backing)) }

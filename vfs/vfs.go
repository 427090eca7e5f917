// Package vfs implements the virtual filesystem: open files, handles,
// mounts, and the global lock discipline that serialises open/close/
// pipe/transplant against each other while leaving per-handle I/O
// independent.
package vfs

import (
	"strings"
	"sync"

	"github.com/cjsmeele/RikaiOS-sub000/defs"
	"github.com/cjsmeele/RikaiOS-sub000/ksync"
	"github.com/cjsmeele/RikaiOS-sub000/proc"
)

func init() {
	proc.CloseProcessFiles = CloseAllForProcess
}

// MaxOpenFiles and MaxHandles bound the VFS's fixed global arrays.
const MaxOpenFiles = 1024
const MaxHandles = 1024

// Node identifies an inode within a mounted filesystem.
type Node struct {
	InodeI uint64
	Type   defs.FileType_t
	Perm   defs.Perm_t
	Size   uint64
}

// Filesystem_i is the narrow interface every backend implements; a
// handful of required methods plus a battery of optional ones that
// default to "not supported" via embedding Defaults.
type Filesystem_i interface {
	Type() string
	Name() string
	GetRoot() Node
	ReadDir(dir Node, cursor int) (entries []defs.DirEntry, nextCursor int, done bool, err defs.Err_t)

	Lookup(dir Node, name string) (Node, defs.Err_t)
	Read(n Node, off int64, buf []byte) (int, defs.Err_t)
	Write(n Node, off int64, buf []byte) (int, defs.Err_t)
	Truncate(n Node, size int64) defs.Err_t
	Unlink(dir Node, name string) defs.Err_t
	Create(dir Node, name string, perm defs.Perm_t) (Node, defs.Err_t)
	Mkdir(dir Node, name string, perm defs.Perm_t) (Node, defs.Err_t)
	Rmdir(dir Node, name string) defs.Err_t
	Rename(srcDir Node, srcName string, dstDir Node, dstName string) defs.Err_t
}

// Defaults implements every optional Filesystem_i method, Lookup
// included, with "not supported". Defaults.Lookup does not scan the
// directory; a backend that wants the linear scan over ReadDir overrides
// Lookup and calls LookupByScan. Backends embed Defaults and override
// only what they support.
type Defaults struct{}

func (Defaults) Lookup(dir Node, name string) (Node, defs.Err_t) {
	return Node{}, defs.NotSupported
}
func (Defaults) Read(n Node, off int64, buf []byte) (int, defs.Err_t) {
	return 0, defs.NotSupported
}
func (Defaults) Write(n Node, off int64, buf []byte) (int, defs.Err_t) {
	return 0, defs.NotSupported
}
func (Defaults) Truncate(n Node, size int64) defs.Err_t { return defs.NotSupported }
func (Defaults) Unlink(dir Node, name string) defs.Err_t { return defs.NotSupported }
func (Defaults) Create(dir Node, name string, perm defs.Perm_t) (Node, defs.Err_t) {
	return Node{}, defs.NotSupported
}
func (Defaults) Mkdir(dir Node, name string, perm defs.Perm_t) (Node, defs.Err_t) {
	return Node{}, defs.NotSupported
}
func (Defaults) Rmdir(dir Node, name string) defs.Err_t { return defs.NotSupported }
func (Defaults) Rename(srcDir Node, srcName string, dstDir Node, dstName string) defs.Err_t {
	return defs.NotSupported
}

// LookupByScan implements the default linear-scan lookup in terms of
// ReadDir, for backends that want it without re-deriving the loop.
func LookupByScan(fs Filesystem_i, dir Node, name string) (Node, defs.Err_t) {
	cursor := 0
	for {
		entries, next, done, err := fs.ReadDir(dir, cursor)
		if err != defs.Success {
			return Node{}, err
		}
		for _, e := range entries {
			if e.Name == name {
				return Node{InodeI: e.InodeI, Type: e.Type, Perm: e.Perm, Size: e.Size}, defs.Success
			}
		}
		if done {
			return Node{}, defs.NotExists
		}
		cursor = next
	}
}

// Mount binds a filesystem backend at a path (e.g. "/disk0p0").
type Mount struct {
	Path string
	Fs   Filesystem_i
}

// OpenFile is the VFS-level per-path structure: the inode snapshot and
// the list of handles currently pointing at it.
type OpenFile struct {
	mu       sync.Mutex
	path     string
	fs       Filesystem_i
	node     Node
	handles  []*Handle
	isPipe   bool
	pipe     *pipeBuf
}

// Handle is a per-process file descriptor: an offset and flags pointing
// at an open file.
type Handle struct {
	mu    sync.Mutex
	of    *OpenFile
	off   int64
	flags defs.OpenFlags_t
	proc  defs.Pid_t
	fd    int
}

type vfsState struct {
	mu     sync.Mutex // the single global VFS lock
	mounts []Mount

	openFiles map[string]*OpenFile
	nextFd    map[defs.Pid_t]int
	fdTables  map[defs.Pid_t]map[int]*Handle
}

var v = vfsState{
	openFiles: map[string]*OpenFile{},
	nextFd:    map[defs.Pid_t]int{},
	fdTables:  map[defs.Pid_t]map[int]*Handle{},
}

// Mounted registers fs at path. Mount points are checked longest-prefix
// first during path resolution.
func Mounted(path string, fs Filesystem_i) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts = append(v.mounts, Mount{Path: path, Fs: fs})
}

// Canonicalize resolves "." and ".." and collapses duplicate slashes,
// relative to cwd, returning an absolute, slash-clean path.
func Canonicalize(cwd, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = cwd + "/" + path
	}
	parts := strings.Split(path, "/")
	var stack []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	return "/" + strings.Join(stack, "/")
}

func (s *vfsState) resolveMount(path string) (Mount, string, bool) {
	var best Mount
	bestLen := -1
	for _, m := range s.mounts {
		if m.Path == "/" || strings.HasPrefix(path, m.Path) {
			if len(m.Path) > bestLen {
				best, bestLen = m, len(m.Path)
			}
		}
	}
	if bestLen < 0 {
		return Mount{}, "", false
	}
	rel := strings.TrimPrefix(path, best.Path)
	if rel == "" {
		rel = "/"
	}
	return best, rel, true
}

// normalizeFlags applies the fixed implication rules: dir implies
// read; append/truncate/create imply write.
func normalizeFlags(f defs.OpenFlags_t) defs.OpenFlags_t {
	if f&defs.ODir != 0 {
		f |= defs.ORead
	}
	if f&(defs.OAppend|defs.OTruncate|defs.OCreate) != 0 {
		f |= defs.OWrite
	}
	return f
}

// Open resolves path to a node, checks type/permission, and attaches a
// new handle for pid at the requested fd (or the next free one if fd <
// 0).
func Open(pid defs.Pid_t, path string, flags defs.OpenFlags_t, wantFd int) (int, defs.Err_t) {
	flags = normalizeFlags(flags)

	v.mu.Lock()
	defer v.mu.Unlock()

	of, ok := v.openFiles[path]
	if !ok {
		m, rel, found := v.resolveMount(path)
		if !found {
			return -1, defs.NotExists
		}
		node, err := m.Fs.Lookup(m.Fs.GetRoot(), strings.TrimPrefix(rel, "/"))
		if err != defs.Success {
			return -1, err
		}
		of = &OpenFile{path: path, fs: m.Fs, node: node}
	}

	if flags&defs.ODir != 0 && of.node.Type != defs.TypeDir {
		return -1, defs.Type
	}
	if flags&defs.OWrite != 0 && of.node.Type == defs.TypeDir {
		return -1, defs.Type
	}
	if !of.node.Perm.Allows(flags) {
		return -1, defs.Perm
	}

	h := &Handle{of: of, flags: flags, proc: pid}
	fd := wantFd
	if fd < 0 {
		fd = s_nextFd(pid)
	}
	h.fd = fd

	of.mu.Lock()
	of.handles = append(of.handles, h)
	of.mu.Unlock()

	v.openFiles[path] = of
	if v.fdTables[pid] == nil {
		v.fdTables[pid] = map[int]*Handle{}
	}
	v.fdTables[pid][fd] = h

	return fd, defs.Success
}

func s_nextFd(pid defs.Pid_t) int {
	n := v.nextFd[pid]
	v.nextFd[pid] = n + 1
	return n
}

// handleFor returns the handle for (pid, fd), without taking the
// global lock — callers that already hold it, or that only need the
// handle's own lock, use this.
func handleFor(pid defs.Pid_t, fd int) (*Handle, defs.Err_t) {
	tbl, ok := v.fdTables[pid]
	if !ok {
		return nil, defs.BadFd
	}
	h, ok := tbl[fd]
	if !ok {
		return nil, defs.BadFd
	}
	return h, defs.Success
}

// Close releases fd: unlinks the handle from its open file and the fd
// table, destroying the open file if this was its last handle.
func Close(pid defs.Pid_t, fd int) defs.Err_t {
	v.mu.Lock()
	h, err := handleFor(pid, fd)
	if err != defs.Success {
		v.mu.Unlock()
		return err
	}
	delete(v.fdTables[pid], fd)
	v.mu.Unlock()

	h.mu.Lock()
	of := h.of
	of.mu.Lock()
	for i, hh := range of.handles {
		if hh == h {
			of.handles = append(of.handles[:i], of.handles[i+1:]...)
			break
		}
	}
	last := len(of.handles) == 0
	of.mu.Unlock()
	if of.isPipe && h.flags&defs.OWrite != 0 {
		of.pipe.closeWriter()
	}
	h.mu.Unlock()

	if last {
		v.mu.Lock()
		delete(v.openFiles, of.path)
		v.mu.Unlock()
	}
	return defs.Success
}

// CloseAllForProcess closes every fd still open for pid, the step
// process teardown takes before the address space is destroyed. A
// write-end pipe handle left open this way still flips pipeBuf.closed
// via Close, so a reader blocked on the other end sees eof rather than
// blocking forever.
func CloseAllForProcess(pid defs.Pid_t) {
	v.mu.Lock()
	fds := make([]int, 0, len(v.fdTables[pid]))
	for fd := range v.fdTables[pid] {
		fds = append(fds, fd)
	}
	v.mu.Unlock()

	for _, fd := range fds {
		Close(pid, fd)
	}
}

// Read reads up to len(buf) bytes at the handle's current offset,
// advancing it.
func Read(pid defs.Pid_t, fd int, buf []byte) (int, defs.Err_t) {
	v.mu.Lock()
	h, err := handleFor(pid, fd)
	v.mu.Unlock()
	if err != defs.Success {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.of.isPipe {
		return h.of.pipe.read(buf)
	}
	n, err := h.of.fs.Read(h.of.node, h.off, buf)
	h.off += int64(n)
	return n, err
}

// Write writes len(buf) bytes at the handle's current offset, or at
// end-of-file if opened with OAppend.
func Write(pid defs.Pid_t, fd int, buf []byte) (int, defs.Err_t) {
	v.mu.Lock()
	h, err := handleFor(pid, fd)
	v.mu.Unlock()
	if err != defs.Success {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.of.isPipe {
		return h.of.pipe.write(buf)
	}
	off := h.off
	if h.flags&defs.OAppend != 0 {
		off = int64(h.of.node.Size)
	}
	n, err := h.of.fs.Write(h.of.node, off, buf)
	h.off = off + int64(n)
	return n, err
}

// Seek repositions the handle's offset.
func Seek(pid defs.Pid_t, fd int, offset int64, whence defs.Seek_t) (int64, defs.Err_t) {
	v.mu.Lock()
	h, err := handleFor(pid, fd)
	v.mu.Unlock()
	if err != defs.Success {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var base int64
	switch whence {
	case defs.SeekSet:
		base = 0
	case defs.SeekCur:
		base = h.off
	case defs.SeekEnd:
		base = int64(h.of.node.Size)
	default:
		return 0, defs.Invalid
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, defs.Invalid
	}
	h.off = newOff
	return newOff, defs.Success
}

// ReadDir reads one batch of directory entries starting at cursor.
func ReadDir(pid defs.Pid_t, fd int) ([]defs.DirEntry, defs.Err_t) {
	v.mu.Lock()
	h, err := handleFor(pid, fd)
	v.mu.Unlock()
	if err != defs.Success {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, next, _, ferr := h.of.fs.ReadDir(h.of.node, int(h.off))
	if ferr != defs.Success {
		return nil, ferr
	}
	h.off = int64(next)
	return entries, defs.Success
}

// DuplicateFd clones an existing handle: the clone shares the open
// file but has its own offset and flags.
func DuplicateFd(pid defs.Pid_t, fd int, wantFd int) (int, defs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()

	h, err := handleFor(pid, fd)
	if err != defs.Success {
		return -1, err
	}
	nh := &Handle{of: h.of, off: h.off, flags: h.flags, proc: pid}
	newFd := wantFd
	if newFd < 0 {
		newFd = s_nextFd(pid)
	}
	nh.fd = newFd

	h.of.mu.Lock()
	h.of.handles = append(h.of.handles, nh)
	h.of.mu.Unlock()

	if v.fdTables[pid] == nil {
		v.fdTables[pid] = map[int]*Handle{}
	}
	v.fdTables[pid][newFd] = nh
	return newFd, defs.Success
}

// TransplantFd hands a handle from one process to another, used by
// spawn to attach stdin/out/err to a child. Fails with Timeout if the
// handle is not immediately lockable, since waiting here could race
// with the destination process beginning to run.
func TransplantFd(srcPid defs.Pid_t, srcFd int, dstPid defs.Pid_t, dstFd int) defs.Err_t {
	v.mu.Lock()
	h, err := handleFor(srcPid, srcFd)
	if err != defs.Success {
		v.mu.Unlock()
		return err
	}
	if !h.mu.TryLock() {
		v.mu.Unlock()
		return defs.Timeout
	}
	delete(v.fdTables[srcPid], srcFd)
	h.proc = dstPid
	h.fd = dstFd
	if v.fdTables[dstPid] == nil {
		v.fdTables[dstPid] = map[int]*Handle{}
	}
	v.fdTables[dstPid][dstFd] = h
	h.mu.Unlock()
	v.mu.Unlock()
	return defs.Success
}

// MakePipe allocates a pipe: one open file of type TypePipe and two
// handles (read, write).
func MakePipe(pid defs.Pid_t) (readFd, writeFd int, err defs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()

	of := &OpenFile{
		node:   Node{Type: defs.TypePipe},
		isPipe: true,
		pipe:   newPipeBuf(4096),
	}
	rh := &Handle{of: of, flags: defs.ORead, proc: pid}
	wh := &Handle{of: of, flags: defs.OWrite, proc: pid}
	rh.fd = s_nextFd(pid)
	wh.fd = s_nextFd(pid)
	of.handles = append(of.handles, rh, wh)

	if v.fdTables[pid] == nil {
		v.fdTables[pid] = map[int]*Handle{}
	}
	v.fdTables[pid][rh.fd] = rh
	v.fdTables[pid][wh.fd] = wh

	return rh.fd, wh.fd, defs.Success
}

// pipeBuf is a FIFO byte pipe with a fixed-capacity ring buffer, gated
// like ksync.Queue but at byte granularity and with explicit
// writer-closed/EOF tracking.
type pipeBuf struct {
	items  *ksync.Queue[byte]
	closed bool
	mu     sync.Mutex
}

func newPipeBuf(capacity int) *pipeBuf {
	return &pipeBuf{items: ksync.NewQueue[byte](capacity)}
}

func (p *pipeBuf) write(buf []byte) (int, defs.Err_t) {
	for _, b := range buf {
		p.items.Enqueue(b)
	}
	return len(buf), defs.Success
}

func (p *pipeBuf) read(buf []byte) (int, defs.Err_t) {
	n := 0
	for n < len(buf) {
		b, ok := p.items.TryDequeue()
		if !ok {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed || n > 0 {
				break
			}
			b = p.items.Dequeue()
		}
		buf[n] = b
		n++
	}
	return n, defs.Success
}

func (p *pipeBuf) closeWriter() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

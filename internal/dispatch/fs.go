// Package dispatch implements the FUSE protocol entry points: it
// translates inode-addressed kernel requests into host filesystem calls
// against a mirrored backing directory, consulting the state engine and
// throttle computer on every read and write.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/dwango/mizumochi/clock"
	"github.com/dwango/mizumochi/internal/config"
	"github.com/dwango/mizumochi/internal/logger"
	"github.com/dwango/mizumochi/internal/metrics"
	"github.com/dwango/mizumochi/internal/state"
	"github.com/dwango/mizumochi/internal/throttle"
)

const entryTTL = time.Second

// FileSystem is the daemon's fuseutil.FileSystem implementation. Every
// exported method increments the matching metrics counter before doing
// anything else, so the counter fires even on a subsequent not-found or
// I/O failure. Methods not overridden here answer ENOSYS via the embedded
// NotImplementedFileSystem, covering every protocol member the design
// declares not-supported (links, symlinks, rename, mkdir, rmdir, unlink,
// xattr, locking, mknod, bmap).
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	state   *fsState
	engine  *state.Engine
	cell    *config.Cell
	metrics *metrics.Registry
	clock   clock.Clock
}

var _ fuseutil.FileSystem = &FileSystem{}

// New verifies that backingDir is in fact a directory and builds a
// FileSystem rooted there. A non-directory backing path is an
// invalid-input failure that aborts the mount before fuse.Mount is ever
// called; it is never translated to a kernel-facing errno.
func New(backingDir string, cell *config.Cell, registry *metrics.Registry, clk clock.Clock) (*FileSystem, error) {
	info, err := os.Stat(backingDir)
	if err != nil {
		return nil, fmt.Errorf("dispatch: stat backing directory %q: %w", backingDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dispatch: %q is not a directory", backingDir)
	}

	return &FileSystem{
		state:   newFsState(backingDir),
		engine:  state.NewEngine(clk, registry),
		cell:    cell,
		metrics: registry,
		clock:   clk,
	}, nil
}

// throttleWait consults the state engine with the live condition and, if
// it reports Unstable and the configured speed is bounded, returns how
// long the calling goroutine should sleep before replying. It mutates the
// engine's (mode, term-start, condition) triple, which carries no locking
// of its own, so callers MUST hold fs.state.mu for the duration of this
// call (§5.1): jacobsa/fuse dispatches each request on its own goroutine
// (and mount.go enables EnableParallelDirOps), so two concurrent
// ReadFile/WriteFile calls would otherwise race on the engine.
func (fs *FileSystem) throttleWait(start time.Time, bytes uint64) time.Duration {
	snapshot := fs.cell.Load()

	mode := fs.engine.OnOperation(snapshot.Condition)
	if mode != config.ModeUnstable {
		return 0
	}

	targetBps, bounded := snapshot.Speed.Bps()
	if !bounded {
		return 0
	}

	elapsed := fs.clock.Now().Sub(start)
	return throttle.Sleep(targetBps, bytes, elapsed)
}

// sleep blocks the calling goroutine for wait, once the map mutex has
// already been released: the sleep holds no resources other than the
// goroutine itself, so it never stalls unrelated lookups (§5).
func (fs *FileSystem) sleep(wait time.Duration) {
	if wait <= 0 {
		return
	}
	<-fs.clock.After(wait)
}

// attributesFor derives a reply's attributes from a host stat of the
// backing path. Modification time comes from the host stat; access and
// status-change times, uid, gid and link count come from the host stat_t
// when available; timestamps the host cannot provide (creation time
// always) are reported as the Unix epoch. A host entry whose kind does not map onto the protocol's
// enumeration (regular, directory, named pipe, char/block device,
// symlink, socket) fails rather than being passed through as-is.
func attributesFor(entry backingEntry) (fuseops.InodeAttributes, error) {
	path, err := hostPath(entry)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	if info.Mode().Type()&os.ModeIrregular != 0 {
		return fuseops.InodeAttributes{}, fmt.Errorf("dispatch: %q has an unsupported file kind %v", path, info.Mode().Type())
	}

	epoch := time.Unix(0, 0)
	attrs := fuseops.InodeAttributes{
		Size:   uint64(info.Size()),
		Nlink:  1,
		Mode:   info.Mode(),
		Atime:  epoch,
		Mtime:  info.ModTime(),
		Ctime:  epoch,
		Crtime: epoch,
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		attrs.Nlink = uint32(stat.Nlink)
		attrs.Uid = stat.Uid
		attrs.Gid = stat.Gid
		attrs.Atime = time.Unix(stat.Atim.Unix())
		attrs.Ctime = time.Unix(stat.Ctim.Unix())
	}
	return attrs, nil
}

func hostPath(entry backingEntry) (string, error) {
	switch e := entry.(type) {
	case regularFile:
		return e.hostPath, nil
	case *directory:
		return e.hostPath, nil
	default:
		return "", fmt.Errorf("dispatch: unknown backing entry type %T", entry)
	}
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.metrics.IncOperation("LookUpInode")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	parentEntry, ok := fs.state.inodes[op.Parent]
	if !ok {
		return fuse.ENOENT
	}
	dir, ok := parentEntry.(*directory)
	if !ok {
		return fuse.ENOENT
	}

	if err := fs.state.populate(dir); err != nil {
		logger.Errorf("dispatch: LookUpInode: populate %q: %v", dir.hostPath, err)
		return fuse.EIO
	}

	inode, entry, found := fs.state.lookupChild(dir, op.Name)
	if !found {
		return fuse.ENOENT
	}

	if childDir, ok := entry.(*directory); ok {
		if err := fs.state.populate(childDir); err != nil {
			logger.Errorf("dispatch: LookUpInode: populate %q: %v", childDir.hostPath, err)
			return fuse.EIO
		}
	}

	attrs, err := attributesFor(entry)
	if err != nil {
		logger.Errorf("dispatch: LookUpInode: attributes for %q: %v", op.Name, err)
		return fuse.EIO
	}

	now := fs.clock.Now()
	op.Entry.Child = inode
	op.Entry.Attributes = attrs
	op.Entry.AttributesExpiration = now.Add(entryTTL)
	op.Entry.EntryExpiration = now.Add(entryTTL)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.metrics.IncOperation("GetInodeAttributes")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	entry, ok := fs.state.inodes[op.Inode]
	if !ok {
		return fuse.ENOENT
	}

	attrs, err := attributesFor(entry)
	if err != nil {
		logger.Errorf("dispatch: GetInodeAttributes %v: %v", op.Inode, err)
		return fuse.EIO
	}

	op.Attributes = attrs
	op.AttributesExpiration = fs.clock.Now().Add(entryTTL)
	return nil
}

// SetInodeAttributes ignores the requested changes and replies with the
// current on-disk attributes, per the design's no-op policy for setattr.
func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.metrics.IncOperation("SetInodeAttributes")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	entry, ok := fs.state.inodes[op.Inode]
	if !ok {
		return fuse.ENOENT
	}

	attrs, err := attributesFor(entry)
	if err != nil {
		logger.Errorf("dispatch: SetInodeAttributes %v: %v", op.Inode, err)
		return fuse.EIO
	}
	op.Attributes = attrs
	return nil
}

// OpenDir mints a directory handle but keeps no handle-indexed state of
// its own: ReadDir keys off the inode directly and ReleaseDirHandle is a
// no-op, so the allocated handle exists only to satisfy the protocol's
// expectation that one be echoed back in follow-up calls.
func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.metrics.IncOperation("OpenDir")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	entry, ok := fs.state.inodes[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	if _, ok := entry.(*directory); !ok {
		return fuse.ENOENT
	}

	op.Handle = fs.state.allocateHandle()
	return nil
}

// ReadDir delivers every entry in one call: "." and ".." followed by the
// directory's children in stored order. The offsets assigned follow
// jacobsa/fuse's "offset of the entry following this one" convention, so
// a second call (any nonzero op.Offset) replies empty rather than
// resuming a partial listing, matching the design's "trusts the kernel's
// traversal" policy.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.metrics.IncOperation("ReadDir")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	if op.Offset != 0 {
		return nil
	}

	entry, ok := fs.state.inodes[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	dir, ok := entry.(*directory)
	if !ok {
		return fuse.ENOENT
	}

	if err := fs.state.populate(dir); err != nil {
		logger.Errorf("dispatch: ReadDir: populate %q: %v", dir.hostPath, err)
		return fuse.EIO
	}

	dirents := make([]fuseutil.Dirent, 0, len(dir.children)+2)
	dirents = append(dirents,
		fuseutil.Dirent{Offset: 1, Inode: fuseops.RootInodeID, Name: ".", Type: fuseutil.DT_Directory},
		fuseutil.Dirent{Offset: 2, Inode: fuseops.RootInodeID, Name: "..", Type: fuseutil.DT_Directory},
	)
	for i, child := range dir.children {
		entryType := fuseutil.DT_File
		if _, ok := fs.state.inodes[child.inode].(*directory); ok {
			entryType = fuseutil.DT_Directory
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 3),
			Inode:  child.inode,
			Name:   child.name,
			Type:   entryType,
		})
	}

	for _, dirent := range dirents {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.metrics.IncOperation("OpenFile")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	entry, ok := fs.state.inodes[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	file, ok := entry.(regularFile)
	if !ok {
		return fuse.ENOENT
	}

	f, err := os.OpenFile(file.hostPath, os.O_RDWR, 0)
	if err != nil {
		logger.Errorf("dispatch: OpenFile %q: %v", file.hostPath, err)
		return fuse.EIO
	}

	handle := fs.state.allocateHandle()
	fs.state.handles[handle] = &openHandle{inode: op.Inode, file: f}
	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.metrics.IncOperation("ReadFile")
	start := fs.clock.Now()

	fs.state.mu.Lock()
	h, ok := fs.state.handles[op.Handle]
	if !ok {
		fs.state.mu.Unlock()
		return fuse.ENOENT
	}

	info, err := h.file.Stat()
	if err != nil {
		fs.state.mu.Unlock()
		logger.Errorf("dispatch: ReadFile: stat: %v", err)
		return fuse.EIO
	}

	if op.Offset >= info.Size() {
		op.BytesRead = 0
		wait := fs.throttleWait(start, 0)
		fs.state.mu.Unlock()
		fs.sleep(wait)
		return nil
	}

	n, err := h.file.ReadAt(op.Dst, op.Offset)
	if err != nil && err != io.EOF {
		fs.state.mu.Unlock()
		logger.Errorf("dispatch: ReadFile: %v", err)
		return fuse.EIO
	}
	op.BytesRead = n

	wait := fs.throttleWait(start, uint64(n))
	fs.state.mu.Unlock()
	fs.sleep(wait)
	return nil
}

// WriteFile writes once at the given offset, then issues a sync-all
// followed by a sync-data before replying, matching the original daemon's
// file.sync_all()/file.sync_data() sequence so data durability is
// promised on reply.
func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.metrics.IncOperation("WriteFile")
	start := fs.clock.Now()

	fs.state.mu.Lock()
	h, ok := fs.state.handles[op.Handle]
	if !ok {
		fs.state.mu.Unlock()
		return fuse.ENOENT
	}

	n, err := h.file.WriteAt(op.Data, op.Offset)
	if err == nil {
		err = h.file.Sync()
	}
	if err == nil {
		err = syscall.Fdatasync(int(h.file.Fd()))
	}
	if err != nil {
		fs.state.mu.Unlock()
		logger.Errorf("dispatch: WriteFile: %v", err)
		return fuse.EIO
	}

	wait := fs.throttleWait(start, uint64(n))
	fs.state.mu.Unlock()
	fs.sleep(wait)
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.metrics.IncOperation("CreateFile")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	parentEntry, ok := fs.state.inodes[op.Parent]
	if !ok {
		return fuse.ENOENT
	}
	dir, ok := parentEntry.(*directory)
	if !ok {
		return fuse.ENOENT
	}
	if err := fs.state.populate(dir); err != nil {
		logger.Errorf("dispatch: CreateFile: populate %q: %v", dir.hostPath, err)
		return fuse.EIO
	}

	childPath := filepath.Join(dir.hostPath, op.Name)
	f, err := os.OpenFile(childPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, op.Mode.Perm())
	if err != nil {
		logger.Errorf("dispatch: CreateFile %q: %v", childPath, err)
		return fuse.EIO
	}

	inode := fs.state.allocateInode()
	entry := regularFile{hostPath: childPath}
	fs.state.inodes[inode] = entry
	dir.children = append(dir.children, dirChild{inode: inode, name: op.Name})

	handle := fs.state.allocateHandle()
	fs.state.handles[handle] = &openHandle{inode: inode, file: f}

	attrs, err := attributesFor(entry)
	if err != nil {
		logger.Errorf("dispatch: CreateFile: attributes for %q: %v", childPath, err)
		return fuse.EIO
	}

	now := fs.clock.Now()
	op.Entry.Child = inode
	op.Entry.Attributes = attrs
	op.Entry.AttributesExpiration = now.Add(entryTTL)
	op.Entry.EntryExpiration = now.Add(entryTTL)
	op.Handle = handle
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fs.metrics.IncOperation("FlushFile")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	h, ok := fs.state.handles[op.Handle]
	if !ok {
		return fuse.ENOENT
	}
	if _, err := h.file.Seek(0, io.SeekStart); err != nil {
		logger.Errorf("dispatch: FlushFile: seek: %v", err)
		return fuse.EIO
	}
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.metrics.IncOperation("ReleaseFileHandle")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	h, ok := fs.state.handles[op.Handle]
	if !ok {
		return nil
	}
	if err := syscall.Fdatasync(int(h.file.Fd())); err != nil {
		logger.Errorf("dispatch: ReleaseFileHandle: sync: %v", err)
	}
	h.file.Close()
	delete(fs.state.handles, op.Handle)
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.metrics.IncOperation("SyncFile")

	fs.state.mu.Lock()
	defer fs.state.mu.Unlock()

	h, ok := fs.state.handles[op.Handle]
	if !ok {
		return fuse.ENOENT
	}
	if err := syscall.Fdatasync(int(h.file.Fd())); err != nil {
		logger.Errorf("dispatch: SyncFile: %v", err)
		return fuse.EIO
	}
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.metrics.IncOperation("ReleaseDirHandle")
	return nil
}

// StatFS reports a plausible, constant capacity; the daemon tracks no
// real free-space accounting of its own.
func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	fs.metrics.IncOperation("StatFS")

	const fakeBlocks = 1 << 20
	op.BlockSize = 4096
	op.IoSize = 4096
	op.Blocks = fakeBlocks
	op.BlocksFree = fakeBlocks
	op.BlocksAvailable = fakeBlocks
	op.Inodes = fakeBlocks
	op.InodesFree = fakeBlocks
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.metrics.IncOperation("ForgetInode")
	return nil
}

func (fs *FileSystem) Destroy() {
	fs.metrics.IncOperation("Destroy")
}

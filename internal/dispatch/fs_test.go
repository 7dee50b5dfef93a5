package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwango/mizumochi/clock"
	"github.com/dwango/mizumochi/internal/config"
	"github.com/dwango/mizumochi/internal/metrics"
)

// newTestFileSystem builds a FileSystem rooted at a fresh temporary
// directory containing one file ("hello.txt") and one subdirectory
// ("sub/") with a file of its own, so lookups can exercise more than one
// level of nesting.
func newTestFileSystem(t *testing.T, snapshot config.Snapshot) (*FileSystem, string) {
	t.Helper()

	backingDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(backingDir, "hello.txt"), []byte("hello, world"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(backingDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(backingDir, "sub", "nested.txt"), []byte("nested"), 0o644))

	cell := config.NewCell(snapshot)
	fs, err := New(backingDir, cell, metrics.NewRegistry(), clock.RealClock{})
	require.NoError(t, err)

	return fs, backingDir
}

func passThroughSnapshot() config.Snapshot {
	s := config.Default()
	s.Speed = config.PassThroughSpeed()
	s.Condition = config.AlwaysCondition(config.ModeStable)
	return s
}

func TestNew_RejectsNonDirectory(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "not-a-dir")
	require.NoError(t, err)
	defer file.Close()

	_, err = New(file.Name(), config.NewCell(passThroughSnapshot()), metrics.NewRegistry(), clock.RealClock{})
	assert.Error(t, err)
}

func TestLookUpInode_FindsTopLevelFile(t *testing.T) {
	fs, _ := newTestFileSystem(t, passThroughSnapshot())
	ctx := context.Background()

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "hello.txt"}
	require.NoError(t, fs.LookUpInode(ctx, op))
	assert.NotZero(t, op.Entry.Child)
	assert.Equal(t, uint64(len("hello, world")), op.Entry.Attributes.Size)
}

func TestLookUpInode_MissingNameReturnsENOENT(t *testing.T) {
	fs, _ := newTestFileSystem(t, passThroughSnapshot())
	ctx := context.Background()

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "does-not-exist"}
	assert.Equal(t, fuse.ENOENT, fs.LookUpInode(ctx, op))
}

func TestLookUpInode_DescendsIntoSubdirectory(t *testing.T) {
	fs, _ := newTestFileSystem(t, passThroughSnapshot())
	ctx := context.Background()

	subOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, fs.LookUpInode(ctx, subOp))

	nestedOp := &fuseops.LookUpInodeOp{Parent: subOp.Entry.Child, Name: "nested.txt"}
	require.NoError(t, fs.LookUpInode(ctx, nestedOp))
	assert.Equal(t, uint64(len("nested")), nestedOp.Entry.Attributes.Size)
}

func TestReadDir_ListsDotDotDotAndChildren(t *testing.T) {
	fs, _ := newTestFileSystem(t, passThroughSnapshot())
	ctx := context.Background()

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(ctx, openOp))
	assert.NotZero(t, openOp.Handle)

	readOp := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Offset: 0, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(ctx, readOp))
	assert.Greater(t, readOp.BytesRead, 0)

	// A subsequent call at a nonzero offset must reply with an empty
	// buffer rather than resuming a partial listing.
	secondOp := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Offset: 1, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(ctx, secondOp))
	assert.Zero(t, secondOp.BytesRead)
}

func TestCreateReadWriteReleaseFile(t *testing.T) {
	fs, backingDir := newTestFileSystem(t, passThroughSnapshot())
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "created.txt", Mode: 0o644}
	require.NoError(t, fs.CreateFile(ctx, createOp))
	assert.NotZero(t, createOp.Handle)
	assert.FileExists(t, filepath.Join(backingDir, "created.txt"))

	writeOp := &fuseops.WriteFileOp{
		Inode:  createOp.Entry.Child,
		Handle: createOp.Handle,
		Offset: 0,
		Data:   []byte("payload"),
	}
	require.NoError(t, fs.WriteFile(ctx, writeOp))

	readOp := &fuseops.ReadFileOp{
		Inode:  createOp.Entry.Child,
		Handle: createOp.Handle,
		Offset: 0,
		Dst:    make([]byte, 32),
	}
	require.NoError(t, fs.ReadFile(ctx, readOp))
	assert.Equal(t, "payload", string(readOp.Dst[:readOp.BytesRead]))

	releaseOp := &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}
	require.NoError(t, fs.ReleaseFileHandle(ctx, releaseOp))

	// The handle is gone; reading through it again must not panic and
	// must report that it no longer exists.
	assert.Equal(t, fuse.ENOENT, fs.ReadFile(ctx, &fuseops.ReadFileOp{
		Handle: createOp.Handle,
		Dst:    make([]byte, 1),
	}))
}

func TestReadFile_PastEOFReturnsNoBytes(t *testing.T) {
	fs, _ := newTestFileSystem(t, passThroughSnapshot())
	ctx := context.Background()

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "hello.txt"}
	require.NoError(t, fs.LookUpInode(ctx, lookup))

	openOp := &fuseops.OpenFileOp{Inode: lookup.Entry.Child}
	require.NoError(t, fs.OpenFile(ctx, openOp))

	readOp := &fuseops.ReadFileOp{
		Inode:  lookup.Entry.Child,
		Handle: openOp.Handle,
		Offset: int64(len("hello, world")) + 10,
		Dst:    make([]byte, 32),
	}
	require.NoError(t, fs.ReadFile(ctx, readOp))
	assert.Zero(t, readOp.BytesRead)
}

// TestReadFile_ThrottlesInUnstableMode verifies the one place the
// dispatch layer deliberately blocks the calling goroutine: with the
// engine pinned to Unstable and a bounded speed, a read sleeps for
// approximately the time a real link of that speed would need.
func TestReadFile_ThrottlesInUnstableMode(t *testing.T) {
	snapshot := passThroughSnapshot()
	snapshot.Speed = config.BpsSpeed(1024)
	snapshot.Condition = config.AlwaysCondition(config.ModeUnstable)

	fs, _ := newTestFileSystem(t, snapshot)
	ctx := context.Background()

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "hello.txt"}
	require.NoError(t, fs.LookUpInode(ctx, lookup))

	openOp := &fuseops.OpenFileOp{Inode: lookup.Entry.Child}
	require.NoError(t, fs.OpenFile(ctx, openOp))

	readOp := &fuseops.ReadFileOp{
		Inode:  lookup.Entry.Child,
		Handle: openOp.Handle,
		Offset: 0,
		Dst:    make([]byte, 32),
	}

	start := time.Now()
	require.NoError(t, fs.ReadFile(ctx, readOp))
	elapsed := time.Since(start)

	// 12 bytes at 1024Bps rounds to 12ms; the local read itself takes far
	// less, so almost the entire expected wait should show up as sleep.
	assert.GreaterOrEqual(t, elapsed, 12*time.Millisecond)
}

func TestStatFS_ReportsConstantCapacity(t *testing.T) {
	fs, _ := newTestFileSystem(t, passThroughSnapshot())
	op := &fuseops.StatFSOp{}
	require.NoError(t, fs.StatFS(context.Background(), op))
	assert.Equal(t, uint32(4096), op.BlockSize)
}

func TestGetXattr_IsNotSupported(t *testing.T) {
	fs, _ := newTestFileSystem(t, passThroughSnapshot())
	err := fs.GetXattr(context.Background(), &fuseops.GetXattrOp{})
	assert.Error(t, err)
}

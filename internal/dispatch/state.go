package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// backingEntry is one of the two kinds of thing an inode can name: a
// regular file mirrored from the backing directory, or a directory whose
// children are populated lazily on first traversal.
type backingEntry interface {
	isBackingEntry()
}

// regularFile names a single host-backed file. It carries no mutable
// state of its own.
type regularFile struct {
	hostPath string
}

func (regularFile) isBackingEntry() {}

// dirChild is one entry in a populated directory's children list.
type dirChild struct {
	inode fuseops.InodeID
	name  string
}

// directory names a host-backed directory. children is nil and populated
// is false until the directory has been traversed at least once; after
// that, children holds exactly the filenames observed at that moment and
// is never refreshed.
type directory struct {
	hostPath  string
	children  []dirChild
	populated bool
}

func (*directory) isBackingEntry() {}

// openHandle records the inode a file handle was opened against and the
// host file object backing it.
type openHandle struct {
	inode fuseops.InodeID
	file  *os.File
}

// fsState owns the three in-memory maps the dispatch layer mutates. Every
// exported FileSystem method takes mu for the duration of its map access,
// standing in for spec.md's "single thread of control that owns all
// mutable in-memory maps" even though jacobsa/fuse dispatches each
// incoming request on its own goroutine (see §5.1 of the design notes).
type fsState struct {
	mu sync.Mutex

	inodes  map[fuseops.InodeID]backingEntry
	handles map[fuseops.HandleID]*openHandle

	nextInode  uint64
	nextHandle uint64
}

func newFsState(backingDir string) *fsState {
	return &fsState{
		inodes: map[fuseops.InodeID]backingEntry{
			fuseops.RootInodeID: &directory{hostPath: backingDir},
		},
		handles:    map[fuseops.HandleID]*openHandle{},
		nextInode:  uint64(fuseops.RootInodeID) + 1,
		nextHandle: 1,
	}
}

// allocateInode must be called with mu held.
func (s *fsState) allocateInode() fuseops.InodeID {
	id := fuseops.InodeID(s.nextInode)
	s.nextInode++
	return id
}

// allocateHandle must be called with mu held.
func (s *fsState) allocateHandle() fuseops.HandleID {
	id := fuseops.HandleID(s.nextHandle)
	s.nextHandle++
	return id
}

// populate reads dir's host directory once, assigning a fresh inode to
// every child regardless of kind and inserting it into s.inodes.
// Subdirectories are inserted unpopulated; they are populated on first
// descent. Must be called with mu held.
func (s *fsState) populate(dir *directory) error {
	if dir.populated {
		return nil
	}

	entries, err := os.ReadDir(dir.hostPath)
	if err != nil {
		return fmt.Errorf("dispatch: reading directory %q: %w", dir.hostPath, err)
	}

	children := make([]dirChild, 0, len(entries))
	for _, entry := range entries {
		childPath := filepath.Join(dir.hostPath, entry.Name())
		inode := s.allocateInode()

		if entry.IsDir() {
			s.inodes[inode] = &directory{hostPath: childPath}
		} else {
			s.inodes[inode] = regularFile{hostPath: childPath}
		}

		children = append(children, dirChild{inode: inode, name: entry.Name()})
	}

	dir.children = children
	dir.populated = true
	return nil
}

// lookupChild searches dir's (already populated) children list linearly
// for name, returning the matching inode and backing entry. Must be
// called with mu held.
func (s *fsState) lookupChild(dir *directory, name string) (fuseops.InodeID, backingEntry, bool) {
	for _, child := range dir.children {
		if child.name == name {
			return child.inode, s.inodes[child.inode], true
		}
	}
	return 0, nil, false
}

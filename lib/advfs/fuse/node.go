package fuse

import (
	"context"
	"errors"
	"path"
	"syscall"

	"github.com/drpnd/advfs/lib/advfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fsNode is the single node type used throughout the tree. Every node
// resolves its own absolute path on demand via Inode.Path(nil) rather
// than caching one, which keeps it correct without needing rename
// support (spec's Non-goals exclude rename, so this simplicity costs
// nothing).
type fsNode struct {
	gofuse.Inode
	fs *fsRoot
}

var _ gofuse.InodeEmbedder = (*fsNode)(nil)
var _ gofuse.NodeLookuper = (*fsNode)(nil)
var _ gofuse.NodeReaddirer = (*fsNode)(nil)
var _ gofuse.NodeGetattrer = (*fsNode)(nil)
var _ gofuse.NodeSetattrer = (*fsNode)(nil)
var _ gofuse.NodeOpener = (*fsNode)(nil)
var _ gofuse.NodeReader = (*fsNode)(nil)
var _ gofuse.NodeWriter = (*fsNode)(nil)
var _ gofuse.NodeCreater = (*fsNode)(nil)
var _ gofuse.NodeMkdirer = (*fsNode)(nil)
var _ gofuse.NodeUnlinker = (*fsNode)(nil)
var _ gofuse.NodeRmdirer = (*fsNode)(nil)
var _ gofuse.NodeStatfser = (*fsNode)(nil)
var _ gofuse.NodeFlusher = (*fsNode)(nil)

// path returns this node's absolute advfs path.
func (n *fsNode) path() string {
	p := n.Path(nil)
	if p == "" {
		return "/"
	}
	return "/" + p
}

func childPath(dirPath, name string) string {
	if dirPath == "/" {
		return "/" + name
	}
	return path.Join(dirPath, name)
}

// toErrno maps a core sentinel error to the syscall.Errno reported to
// the kernel. This is the only place in the FUSE binding — indeed in
// the whole module outside cmd/ — that imports syscall for this
// purpose; the core itself never does.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, advfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, advfs.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, advfs.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, advfs.ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, advfs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, advfs.ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, advfs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, advfs.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, advfs.ErrNoInode):
		return syscall.ENOSPC
	default:
		return syscall.EIO
	}
}

func modeFor(attr advfs.Attr) uint32 {
	perm := uint32(attr.Mode) & 0o7777
	if perm == 0 {
		perm = 0o644
		if attr.Type == advfs.TypeDirectory {
			perm = 0o755
		}
	}
	switch attr.Type {
	case advfs.TypeDirectory:
		return syscall.S_IFDIR | perm
	default:
		return syscall.S_IFREG | perm
	}
}

func fillAttr(out *fuse.Attr, attr advfs.Attr) {
	out.Mode = modeFor(attr)
	out.Size = attr.Size
	out.Blocks = attr.NBlocks * (advfs.BlockSize / 512)
	out.Blksize = advfs.BlockSize
	out.Nlink = attr.NLink
	out.Atime = uint64(attr.ATime)
	out.Mtime = uint64(attr.MTime)
	out.Ctime = uint64(attr.CTime)
}

func (n *fsNode) stableAttr(attr advfs.Attr) gofuse.StableAttr {
	mode := uint32(syscall.S_IFREG)
	if attr.Type == advfs.TypeDirectory {
		mode = syscall.S_IFDIR
	}
	return gofuse.StableAttr{Mode: mode}
}

func (n *fsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	p := childPath(n.path(), name)
	attr, err := n.fs.img.GetAttr(p)
	if err != nil {
		return nil, toErrno(err)
	}

	fillAttr(&out.Attr, attr)
	child := n.NewPersistentInode(ctx, &fsNode{fs: n.fs}, n.stableAttr(attr))
	return child, 0
}

func (n *fsNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	attr, err := n.fs.img.GetAttr(n.path())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *fsNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	p := n.path()

	if size, ok := in.GetSize(); ok {
		if err := n.fs.img.Truncate(p, size); err != nil {
			return toErrno(err)
		}
	}

	if atime, ok := in.GetATime(); ok {
		if mtime, ok := in.GetMTime(); ok {
			if err := n.fs.img.Utimens(p, atime.Unix(), mtime.Unix()); err != nil {
				return toErrno(err)
			}
		} else {
			attr, err := n.fs.img.GetAttr(p)
			if err != nil {
				return toErrno(err)
			}
			if err := n.fs.img.Utimens(p, atime.Unix(), attr.MTime); err != nil {
				return toErrno(err)
			}
		}
	} else if mtime, ok := in.GetMTime(); ok {
		attr, err := n.fs.img.GetAttr(p)
		if err != nil {
			return toErrno(err)
		}
		if err := n.fs.img.Utimens(p, attr.ATime, mtime.Unix()); err != nil {
			return toErrno(err)
		}
	}

	attr, err := n.fs.img.GetAttr(p)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *fsNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	names, err := n.fs.img.Readdir(n.path())
	if err != nil {
		return nil, toErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name})
	}
	return &sliceDirStream{entries: entries}, 0
}

// sliceDirStream implements gofuse.DirStream over a fixed slice of
// entries computed once by Readdir.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}

func (n *fsNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	st := n.fs.img.Statfs()
	out.Bsize = uint32(st.BlockSize)
	out.Blocks = st.TotalBlocks
	out.Bfree = st.FreeBlocks
	out.Bavail = st.FreeBlocks
	out.Files = st.TotalInodes
	out.Ffree = st.FreeInodes
	out.NameLen = uint32(st.NameMax)
	return 0
}

// advflags translates the FUSE open flags bitmask into the core's
// access-mode bits.
func advflags(flags uint32) int {
	var f int
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		f = advfs.OpenRead
	case syscall.O_WRONLY:
		f = advfs.OpenWrite
	case syscall.O_RDWR:
		f = advfs.OpenRead | advfs.OpenWrite
	}
	return f
}

// fileHandle is the gofuse.FileHandle returned by Open, carrying the
// advfs.Handle that records the access mode granted at open time so
// Read and Write can enforce it on every call, mirroring how the
// teacher's artifactFileNode.Open in
// lib/artifactstore/fuse/mount.go returns a mode-specific handle
// rather than discarding the open mode.
type fileHandle struct {
	handle advfs.Handle
}

func (n *fsNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	h, err := n.fs.img.Open(n.path(), advflags(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{handle: h}, 0, 0
}

func (n *fsNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}

	read, err := n.fs.img.Read(n.path(), dest, uint64(off), fh.handle)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func (n *fsNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	fh, ok := f.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}

	written, err := n.fs.img.Write(n.path(), data, uint64(off), fh.handle)
	if err != nil {
		return uint32(written), toErrno(err)
	}
	return uint32(written), 0
}

func (n *fsNode) Flush(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	// Every write already lands in the backing device synchronously;
	// there is no buffering to flush.
	return 0
}

func (n *fsNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	p := childPath(n.path(), name)
	if _, err := n.fs.img.Create(p, uint64(mode)); err != nil {
		return nil, nil, 0, toErrno(err)
	}

	attr, err := n.fs.img.GetAttr(p)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	fillAttr(&out.Attr, attr)
	child := n.NewPersistentInode(ctx, &fsNode{fs: n.fs}, n.stableAttr(attr))
	return child, nil, 0, 0
}

func (n *fsNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	p := childPath(n.path(), name)
	if _, err := n.fs.img.Mkdir(p, uint64(mode)); err != nil {
		return nil, toErrno(err)
	}

	attr, err := n.fs.img.GetAttr(p)
	if err != nil {
		return nil, toErrno(err)
	}

	fillAttr(&out.Attr, attr)
	child := n.NewPersistentInode(ctx, &fsNode{fs: n.fs}, n.stableAttr(attr))
	return child, 0
}

func (n *fsNode) Unlink(ctx context.Context, name string) syscall.Errno {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	p := childPath(n.path(), name)
	return toErrno(n.fs.img.Unlink(p))
}

func (n *fsNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	p := childPath(n.path(), name)
	return toErrno(n.fs.img.Rmdir(p))
}

package advfs

import "strings"

// PathResolver walks slash-separated paths against the directory tree,
// with optional create-on-demand of the final component (spec.md
// §4.8). It never auto-creates missing intermediate components.
type PathResolver struct {
	inodes *InodeTable
	dirs   *Directory
	bmap   *BlockMap
	sb     *SuperBlock
	now    func() int64
}

func newPathResolver(inodes *InodeTable, dirs *Directory, bmap *BlockMap, sb *SuperBlock, now func() int64) *PathResolver {
	return &PathResolver{inodes: inodes, dirs: dirs, bmap: bmap, sb: sb, now: now}
}

// splitPath breaks path into its components after trimming leading
// and trailing slashes, rejecting an empty component (ErrNotFound) and
// any component longer than NameMax bytes (ErrNameTooLong).
func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" {
			return nil, ErrNotFound
		}
		if len(p) > NameMax {
			return nil, ErrNameTooLong
		}
	}
	return parts, nil
}

// findChildByName scans dir's children for name, returning the child's
// inode number.
func (r *PathResolver) findChildByName(dirNr uint32, name string) (uint32, bool) {
	dir := r.inodes.Read(dirNr)
	for i := uint64(0); i < dir.Size; i++ {
		childNr := r.dirs.GetChild(&dir, i)
		child := r.inodes.Read(childNr)
		if child.Name == name {
			return childNr, true
		}
	}
	return 0, false
}

// Resolve walks path from the root, returning the terminal inode
// number. If create is true and the final component is missing, a new
// regular-file inode is allocated, named, and attached to its parent
// directory; missing intermediate components are never created.
func (r *PathResolver) Resolve(path string, create bool) (uint32, error) {
	nr, _, err := r.resolve(path, create)
	return nr, err
}

// resolve is Resolve's implementation, additionally returning the
// parent directory's inode number (RootInodeNumber when path names
// the root itself).
func (r *PathResolver) resolve(path string, create bool) (nr uint32, parent uint32, err error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, 0, err
	}
	if len(parts) == 0 {
		return RootInodeNumber, RootInodeNumber, nil
	}

	dirNr := RootInodeNumber
	parentNr := RootInodeNumber
	for i, name := range parts {
		last := i == len(parts)-1

		childNr, found := r.findChildByName(dirNr, name)
		if found {
			if !last {
				child := r.inodes.Read(childNr)
				if child.Type != TypeDirectory {
					return 0, 0, ErrNotADirectory
				}
			}
			parentNr = dirNr
			dirNr = childNr
			continue
		}

		if !last {
			return 0, 0, ErrNotFound
		}
		if !create {
			return 0, 0, ErrNotFound
		}

		newNr, err := r.createChild(dirNr, name)
		if err != nil {
			return 0, 0, err
		}
		return newNr, dirNr, nil
	}

	// Found every component by walking; parentNr already tracks the
	// directory the terminal component's lookup happened in.
	return dirNr, parentNr, nil
}

// createChild allocates a fresh regular-file inode named name and
// attaches it to the directory dirNr.
func (r *PathResolver) createChild(dirNr uint32, name string) (uint32, error) {
	newNr, err := r.inodes.FindFree()
	if err != nil {
		return 0, err
	}

	now := r.now()
	fresh := Inode{
		Type:  TypeRegularFile,
		Name:  name,
		ATime: now,
		MTime: now,
		CTime: now,
	}
	r.inodes.Write(newNr, fresh)

	dir := r.inodes.Read(dirNr)
	if err := r.dirs.AddChild(&dir, newNr); err != nil {
		blank := Inode{Type: TypeUnused}
		r.inodes.Write(newNr, blank)
		return 0, err
	}
	r.inodes.Write(dirNr, dir)

	r.sb.NInodeUsed++
	return newNr, nil
}

// ResolveParent resolves path down to its final component, returning
// the parent directory's inode number, the final component's name,
// and (if present) its inode number.
func (r *PathResolver) ResolveParent(path string) (parentNr uint32, name string, childNr uint32, found bool, err error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, "", 0, false, err
	}
	if len(parts) == 0 {
		return 0, "", 0, false, ErrNotFound
	}

	dirNr := RootInodeNumber
	for _, part := range parts[:len(parts)-1] {
		next, found := r.findChildByName(dirNr, part)
		if !found {
			return 0, "", 0, false, ErrNotFound
		}
		child := r.inodes.Read(next)
		if child.Type != TypeDirectory {
			return 0, "", 0, false, ErrNotADirectory
		}
		dirNr = next
	}

	last := parts[len(parts)-1]
	childNr, exists := r.findChildByName(dirNr, last)
	return dirNr, last, childNr, exists, nil
}

// Remove deletes the entry named by path: it must exist, and if it is
// a directory it must be empty (spec.md §4.8).
func (r *PathResolver) Remove(path string) error {
	parentNr, _, childNr, found, err := r.ResolveParent(path)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	child := r.inodes.Read(childNr)
	if child.Type == TypeDirectory && child.Size > 0 {
		return ErrNotEmpty
	}

	if err := r.bmap.Resize(&child, 0); err != nil {
		return err
	}
	child.Type = TypeUnused
	r.inodes.Write(childNr, child)

	parent := r.inodes.Read(parentNr)
	if err := r.dirs.RemoveChild(&parent, childNr); err != nil {
		return err
	}
	r.inodes.Write(parentNr, parent)

	r.sb.NInodeUsed--
	return nil
}

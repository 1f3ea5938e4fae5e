package advfs

// DedupIO implements the hash-on-write deduplicating read/write path
// (spec.md §4.6): every write is addressed by the digest of its
// content, shared blocks are reference-counted, and a write to a
// logical slot whose underlying block is shared naturally becomes a
// write to a new physical block — no separate copy-on-write path is
// needed.
type DedupIO struct {
	dev   *Device
	index *BlockIndex
	alloc *BlockAllocator
	bmap  *BlockMap
}

func newDedupIO(dev *Device, index *BlockIndex, alloc *BlockAllocator, bmap *BlockMap) *DedupIO {
	return &DedupIO{dev: dev, index: index, alloc: alloc, bmap: bmap}
}

// Read fills out (exactly BlockSize bytes) with the content mapped at
// logical position pos within in. Unmapped positions read as zero.
func (d *DedupIO) Read(in *Inode, pos uint64, out []byte) {
	phys := d.bmap.Resolve(in, pos)
	if phys == 0 {
		clear(out)
		return
	}
	copy(out, d.dev.ReadBlock(phys))
}

// Write stores content (exactly BlockSize bytes) at logical position
// pos within in, deduplicating against any block already holding the
// same digest.
func (d *DedupIO) Write(in *Inode, pos uint64, content []byte) error {
	digest := HashBlock(content)
	cur := d.bmap.Resolve(in, pos)
	existing := d.index.Search(digest)

	if existing != 0 {
		if cur == existing {
			// Identical content already in place (spec.md R3).
			return nil
		}

		if cur != 0 {
			d.Unref(cur)
		}

		e := d.index.Get(existing)
		e.Ref++
		d.index.SetRef(existing, e.Ref)
		d.bmap.Update(in, pos, existing)
		return nil
	}

	newPhys, err := d.alloc.Alloc()
	if err != nil {
		return err
	}
	d.dev.WriteBlock(newPhys, content)
	d.index.InitEntry(newPhys, digest)

	if err := d.index.Insert(newPhys); err != nil {
		// Digest collision: two distinct contents hashing equal.
		// Treat as "do not dedup" per spec.md §4.10/§9 — undo the
		// tentative allocation and surface NoSpace, matching the
		// original implementation's strict behavior.
		d.alloc.Free(newPhys)
		return ErrNoSpace
	}

	if cur != 0 {
		d.Unref(cur)
	}
	d.bmap.Update(in, pos, newPhys)
	return nil
}

// Unref decrements the reference count of the block at phys,
// removing it from the BlockIndex and returning it to the allocator
// once the count reaches zero. Used directly by Write when a slot's
// previous occupant is replaced, and by BlockMap.Shrink (and so by
// directory/file removal) via the injected callback wired in Image's
// constructor.
func (d *DedupIO) Unref(phys uint64) {
	e := d.index.Get(phys)
	if e.Ref == 0 {
		// Already unreferenced; nothing to do. Defensive only — a
		// correct caller never unrefs a block more than its own
		// logical-slot count warrants.
		return
	}
	e.Ref--
	if e.Ref == 0 {
		if err := d.index.Remove(phys); err != nil {
			panic("advfs: " + err.Error())
		}
		d.alloc.Free(phys)
		return
	}
	d.index.SetRef(phys, e.Ref)
}

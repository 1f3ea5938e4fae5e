package advfs

import "encoding/binary"

// childrenPerBlock is the number of 8-byte child inode numbers that
// pack into one data block.
const childrenPerBlock = BlockSize / 8

// Directory implements the packed-array-of-inode-numbers directory
// representation (spec.md §4.7). A directory's data blocks are
// ordinary content-addressed blocks written through DedupIO, so two
// directories with identical contents share physical storage exactly
// like any other deduplicated block.
type Directory struct {
	dedup *DedupIO
	bmap  *BlockMap
}

func newDirectory(dedup *DedupIO, bmap *BlockMap) *Directory {
	return &Directory{dedup: dedup, bmap: bmap}
}

func blocksForEntries(n uint64) uint64 {
	return (n*8 + BlockSize - 1) / BlockSize
}

func (dr *Directory) readSlot(dir *Inode, i uint64) uint32 {
	logicalBlock := i / childrenPerBlock
	slot := i % childrenPerBlock
	var buf [BlockSize]byte
	dr.dedup.Read(dir, logicalBlock, buf[:])
	return uint32(binary.LittleEndian.Uint64(buf[slot*8 : slot*8+8]))
}

func (dr *Directory) writeSlot(dir *Inode, i uint64, value uint32) error {
	logicalBlock := i / childrenPerBlock
	slot := i % childrenPerBlock
	var buf [BlockSize]byte
	dr.dedup.Read(dir, logicalBlock, buf[:])
	binary.LittleEndian.PutUint64(buf[slot*8:slot*8+8], uint64(value))
	return dr.dedup.Write(dir, logicalBlock, buf[:])
}

// AddChild appends child to dir's entry list, growing the block map
// as needed.
func (dr *Directory) AddChild(dir *Inode, child uint32) error {
	i := dir.Size
	if err := dr.bmap.Resize(dir, blocksForEntries(i+1)); err != nil {
		return err
	}
	if err := dr.writeSlot(dir, i, child); err != nil {
		return err
	}
	dir.Size = i + 1
	return nil
}

// GetChild returns the i-th child inode number of dir.
func (dr *Directory) GetChild(dir *Inode, i uint64) uint32 {
	return dr.readSlot(dir, i)
}

// RemoveChild removes the first entry equal to child, shifting all
// subsequent entries down by one and shrinking the block map to the
// new entry count.
func (dr *Directory) RemoveChild(dir *Inode, child uint32) error {
	var idx uint64
	found := false
	for i := uint64(0); i < dir.Size; i++ {
		if dr.readSlot(dir, i) == child {
			idx = i
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	for i := idx; i+1 < dir.Size; i++ {
		next := dr.readSlot(dir, i+1)
		if err := dr.writeSlot(dir, i, next); err != nil {
			return err
		}
	}

	dir.Size--
	return dr.bmap.Resize(dir, blocksForEntries(dir.Size))
}

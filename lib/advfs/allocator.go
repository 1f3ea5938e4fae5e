package advfs

import "encoding/binary"

// BlockAllocator manages the singly-linked freelist threaded through
// free data blocks (spec.md §4.2). The freelist head and the used
// counter live in the superblock; BlockAllocator mutates them in
// place through the owning Image's SuperBlock.
type BlockAllocator struct {
	dev *Device
	sb  *SuperBlock
}

func newBlockAllocator(dev *Device, sb *SuperBlock) *BlockAllocator {
	return &BlockAllocator{dev: dev, sb: sb}
}

// Alloc removes and returns the block at the head of the freelist.
// The returned block's contents are undefined; the caller must
// overwrite it fully before exposing it through any index (spec.md
// §4.2).
func (a *BlockAllocator) Alloc() (uint64, error) {
	if a.sb.Freelist == 0 {
		return 0, ErrNoSpace
	}
	phys := a.sb.Freelist
	next := binary.LittleEndian.Uint64(a.dev.ReadBlock(phys)[:8])
	a.sb.Freelist = next
	a.sb.NBlockUsed++
	return phys, nil
}

// Free pushes phys onto the head of the freelist (LIFO, no
// coalescing, per spec.md §4.2).
func (a *BlockAllocator) Free(phys uint64) {
	var head [8]byte
	binary.LittleEndian.PutUint64(head[:], a.sb.Freelist)

	// Only the first 8 bytes carry the link; the rest of the block
	// is left as-is (its previous content is already unreferenced).
	block := a.dev.ReadBlock(phys)
	var scratch [BlockSize]byte
	copy(scratch[:], block)
	copy(scratch[:8], head[:])
	a.dev.WriteBlock(phys, scratch[:])

	a.sb.Freelist = phys
	a.sb.NBlockUsed--
}

// initFreelist threads every data block in [first, first+count) into
// the freelist in ascending order, called once at mkfs time.
func initFreelist(dev *Device, sb *SuperBlock, first, count uint64) {
	if count == 0 {
		sb.Freelist = 0
		return
	}
	var scratch [BlockSize]byte
	for i := uint64(0); i < count; i++ {
		phys := first + i
		var next uint64
		if i+1 < count {
			next = phys + 1
		}
		clear(scratch[:])
		binary.LittleEndian.PutUint64(scratch[:8], next)
		dev.WriteBlock(phys, scratch[:])
	}
	sb.Freelist = first
}

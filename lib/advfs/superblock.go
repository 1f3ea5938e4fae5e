package advfs

import "encoding/binary"

// RootInodeNumber is the fixed inode number of the root directory
// (spec.md §3: "root directory's inode number, fixed, typically 0").
const RootInodeNumber uint32 = 0

// SuperBlock holds the layout constants, counters, and roots that
// live at physical block 0 (spec.md §3).
type SuperBlock struct {
	// PtrInode, PtrBlockMgt, PtrBlock are the block offsets of the
	// inode region, block-management region, and data region.
	PtrInode    uint64
	PtrBlockMgt uint64
	PtrBlock    uint64

	NInodes     uint64
	NInodeUsed  uint64

	// BlockMgtRoot is the physical block number of the block-index
	// BST root, or 0 if the index is empty.
	BlockMgtRoot uint64

	NBlocks    uint64
	NBlockUsed uint64

	// Freelist is the physical block number at the head of the
	// data-block freelist, or 0 if empty.
	Freelist uint64
}

// encode writes sb's fields into dst (at least superblockRecordSize
// bytes), for persistence into physical block 0.
func (sb *SuperBlock) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], sb.PtrInode)
	binary.LittleEndian.PutUint64(dst[8:16], sb.PtrBlockMgt)
	binary.LittleEndian.PutUint64(dst[16:24], sb.PtrBlock)
	binary.LittleEndian.PutUint64(dst[24:32], sb.NInodes)
	binary.LittleEndian.PutUint64(dst[32:40], sb.NInodeUsed)
	binary.LittleEndian.PutUint64(dst[40:48], sb.BlockMgtRoot)
	binary.LittleEndian.PutUint64(dst[48:56], sb.NBlocks)
	binary.LittleEndian.PutUint64(dst[56:64], sb.NBlockUsed)
	binary.LittleEndian.PutUint64(dst[64:72], sb.Freelist)
}

// decodeSuperBlock parses a SuperBlock from physical block 0's bytes.
func decodeSuperBlock(src []byte) SuperBlock {
	var sb SuperBlock
	sb.PtrInode = binary.LittleEndian.Uint64(src[0:8])
	sb.PtrBlockMgt = binary.LittleEndian.Uint64(src[8:16])
	sb.PtrBlock = binary.LittleEndian.Uint64(src[16:24])
	sb.NInodes = binary.LittleEndian.Uint64(src[24:32])
	sb.NInodeUsed = binary.LittleEndian.Uint64(src[32:40])
	sb.BlockMgtRoot = binary.LittleEndian.Uint64(src[40:48])
	sb.NBlocks = binary.LittleEndian.Uint64(src[48:56])
	sb.NBlockUsed = binary.LittleEndian.Uint64(src[56:64])
	sb.Freelist = binary.LittleEndian.Uint64(src[64:72])
	return sb
}

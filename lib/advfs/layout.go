package advfs

// BlockSize is the fixed size of a block, in bytes. Block 0 is
// reserved for the superblock.
const BlockSize = 4096

// DigestSize is the width of the content digest stored per block in
// the block-management table. It matches the original implementation's
// SHA-384 digest width (see original_source/src/advfs.h,
// SHA384_DIGEST_LENGTH) even though the digest is computed with
// BLAKE3 rather than SHA-384 — see digest.go.
const DigestSize = 48

// InodeBlockPointers is the number of physical-block slots carried
// directly in an inode. Slots 0..InodeBlockPointers-2 are direct;
// the last slot heads the indirect chain.
const InodeBlockPointers = 16

// DirectSlots is the number of direct block-map slots (K-1).
const DirectSlots = InodeBlockPointers - 1

// IndirectLinkSlot is the index, within blocks[], of the slot that
// heads the indirect chain.
const IndirectLinkSlot = InodeBlockPointers - 1

// pointersPerBlock is the number of 8-byte physical block numbers
// that fit in one block.
const pointersPerBlock = BlockSize / 8

// IndirectEntriesPerBlock is D: the number of data-block pointers
// usable in one indirect-chain block. The last slot of the chain
// block is reserved for the link to the next chain block.
const IndirectEntriesPerBlock = pointersPerBlock - 1

// NameMax is the maximum length, in bytes, of a single path component
// or inode name.
const NameMax = 255

// inodeRecordSize is the encoded, fixed size of one inode record on
// the device, in bytes: type, mode, atime, mtime, ctime, size,
// n_blocks (7 * 8 bytes) + name (NameMax+1 bytes) + blocks
// (InodeBlockPointers * 8 bytes).
const inodeRecordSize = 7*8 + (NameMax + 1) + InodeBlockPointers*8

// blockMgtRecordSize is the encoded, fixed size of one block-mgt
// entry on the device, in bytes: digest + ref + left + right.
const blockMgtRecordSize = DigestSize + 8 + 8 + 8

// superblockRecordSize is the encoded size of the superblock fields
// that live in block 0 (the rest of block 0 is unused padding).
const superblockRecordSize = 9 * 8

// EntryType identifies what kind of filesystem entry an inode
// describes.
type EntryType uint64

const (
	// TypeUnused marks an inode slot as free.
	TypeUnused EntryType = 0
	// TypeRegularFile marks an inode as a regular file.
	TypeRegularFile EntryType = 1
	// TypeDirectory marks an inode as a directory.
	TypeDirectory EntryType = 2
)

// blocksNeededForInodes returns the number of blocks needed to hold n
// fixed-size inode records.
func blocksNeededForInodes(n uint64) uint64 {
	perBlock := uint64(BlockSize / inodeRecordSize)
	return (n + perBlock - 1) / perBlock
}

// blocksNeededForBlockMgt returns the number of blocks needed to hold
// n fixed-size block-mgt records.
func blocksNeededForBlockMgt(n uint64) uint64 {
	perBlock := uint64(BlockSize / blockMgtRecordSize)
	return (n + perBlock - 1) / perBlock
}

// inodesPerBlock and blockMgtPerBlock are how many fixed-size records
// of each kind pack into one block; used for direct indexing into the
// inode table and block-mgt table regions.
const inodesPerBlock = BlockSize / inodeRecordSize
const blockMgtPerBlock = BlockSize / blockMgtRecordSize

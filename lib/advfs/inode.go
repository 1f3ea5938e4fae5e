package advfs

import "encoding/binary"

// Inode is the fixed-size record describing one file or directory.
// Files and directories share this single format (spec.md §3).
type Inode struct {
	Type EntryType

	Mode uint64

	ATime int64
	MTime int64
	CTime int64

	// Size is bytes for a regular file, number of directory entries
	// for a directory.
	Size uint64

	// NBlocks is the count of logical blocks currently mapped
	// (spec.md invariant I6).
	NBlocks uint64

	// Name is this inode's entry name as seen from its parent
	// directory. At most NameMax bytes.
	Name string

	// Blocks holds InodeBlockPointers physical block numbers: slots
	// 0..DirectSlots-1 are direct, slot IndirectLinkSlot heads the
	// indirect chain. Zero means "unmapped" / "no chain".
	Blocks [InodeBlockPointers]uint64
}

// encodeInode writes in's fixed-size on-device representation into
// dst, which must be at least inodeRecordSize bytes.
func encodeInode(dst []byte, in *Inode) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(in.Type))
	binary.LittleEndian.PutUint64(dst[8:16], in.Mode)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(in.ATime))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(in.MTime))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(in.CTime))
	binary.LittleEndian.PutUint64(dst[40:48], in.Size)
	binary.LittleEndian.PutUint64(dst[48:56], in.NBlocks)

	nameField := dst[56 : 56+NameMax+1]
	clear(nameField)
	copy(nameField, in.Name)

	blocksField := dst[56+NameMax+1:]
	for i, b := range in.Blocks {
		binary.LittleEndian.PutUint64(blocksField[i*8:i*8+8], b)
	}
}

// decodeInode parses an inode record from src, which must be at
// least inodeRecordSize bytes.
func decodeInode(src []byte) Inode {
	var in Inode
	in.Type = EntryType(binary.LittleEndian.Uint64(src[0:8]))
	in.Mode = binary.LittleEndian.Uint64(src[8:16])
	in.ATime = int64(binary.LittleEndian.Uint64(src[16:24]))
	in.MTime = int64(binary.LittleEndian.Uint64(src[24:32]))
	in.CTime = int64(binary.LittleEndian.Uint64(src[32:40]))
	in.Size = binary.LittleEndian.Uint64(src[40:48])
	in.NBlocks = binary.LittleEndian.Uint64(src[48:56])

	nameField := src[56 : 56+NameMax+1]
	nul := len(nameField)
	for i, b := range nameField {
		if b == 0 {
			nul = i
			break
		}
	}
	in.Name = string(nameField[:nul])

	blocksField := src[56+NameMax+1:]
	for i := range in.Blocks {
		in.Blocks[i] = binary.LittleEndian.Uint64(blocksField[i*8 : i*8+8])
	}
	return in
}

// InodeTable is the fixed-size array of inode records living in the
// inode region of the device (spec.md §4.4).
type InodeTable struct {
	dev      *Device
	ptrInode uint64
	nInodes  uint64
	scratch  [BlockSize]byte
}

// newInodeTable constructs an InodeTable view over the given device
// region. It does not initialize the region — callers format a fresh
// device via Image's mkfs path, or rely on an already-formatted one.
func newInodeTable(dev *Device, ptrInode, nInodes uint64) *InodeTable {
	return &InodeTable{dev: dev, ptrInode: ptrInode, nInodes: nInodes}
}

// locate returns the physical block and the byte offset within it of
// inode record nr.
func (t *InodeTable) locate(nr uint32) (phys uint64, offset int) {
	idx := uint64(nr)
	phys = t.ptrInode + idx/inodesPerBlock
	offset = int(idx%inodesPerBlock) * inodeRecordSize
	return
}

// Read returns the inode record at index nr.
func (t *InodeTable) Read(nr uint32) Inode {
	phys, offset := t.locate(nr)
	block := t.dev.ReadBlock(phys)
	return decodeInode(block[offset : offset+inodeRecordSize])
}

// Write stores in at index nr.
func (t *InodeTable) Write(nr uint32, in Inode) {
	phys, offset := t.locate(nr)
	copy(t.scratch[:], t.dev.ReadBlock(phys))
	encodeInode(t.scratch[offset:offset+inodeRecordSize], &in)
	t.dev.WriteBlock(phys, t.scratch[:])
}

// FindFree performs a linear scan for an inode whose Type is
// TypeUnused, per spec.md §4.4.
func (t *InodeTable) FindFree() (uint32, error) {
	for nr := uint64(0); nr < t.nInodes; nr++ {
		if t.Read(uint32(nr)).Type == TypeUnused {
			return uint32(nr), nil
		}
	}
	return 0, ErrNoInode
}

// Init marks every inode in the table as unused. Called once at
// mkfs time.
func (t *InodeTable) Init() {
	var blank Inode
	blank.Type = TypeUnused
	for nr := uint64(0); nr < t.nInodes; nr++ {
		t.Write(uint32(nr), blank)
	}
}

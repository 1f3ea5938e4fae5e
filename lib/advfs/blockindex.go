package advfs

import "encoding/binary"

// blockMgtEntry is one record of the block-management table: the
// content digest of a data block's content, its reference count, and
// its BST child links (spec.md §3, "BlockMgt entry").
type blockMgtEntry struct {
	Digest Digest
	Ref    uint64
	Left   uint64
	Right  uint64
}

func encodeBlockMgt(dst []byte, e *blockMgtEntry) {
	copy(dst[0:DigestSize], e.Digest[:])
	off := DigestSize
	binary.LittleEndian.PutUint64(dst[off:off+8], e.Ref)
	binary.LittleEndian.PutUint64(dst[off+8:off+16], e.Left)
	binary.LittleEndian.PutUint64(dst[off+16:off+24], e.Right)
}

func decodeBlockMgt(src []byte) blockMgtEntry {
	var e blockMgtEntry
	copy(e.Digest[:], src[0:DigestSize])
	off := DigestSize
	e.Ref = binary.LittleEndian.Uint64(src[off : off+8])
	e.Left = binary.LittleEndian.Uint64(src[off+8 : off+16])
	e.Right = binary.LittleEndian.Uint64(src[off+16 : off+24])
	return e
}

// BlockIndex is the unbalanced BST over block-management entries,
// keyed by content digest (spec.md §4.3). It is navigated entirely
// through the block-mgt table indexed by physical block number — no
// extra storage is allocated for tree structure, matching
// original_source/src/ramblock.c's _block_search_rec /
// _block_add_rec / _block_delete_rec.
//
// The BST is intentionally unbalanced (spec.md §4.3's rationale);
// worst-case depth is linear in the number of distinct blocks.
type BlockIndex struct {
	dev         *Device
	sb          *SuperBlock
	ptrBlockMgt uint64
	scratch     [BlockSize]byte
}

func newBlockIndex(dev *Device, sb *SuperBlock, ptrBlockMgt uint64) *BlockIndex {
	return &BlockIndex{dev: dev, sb: sb, ptrBlockMgt: ptrBlockMgt}
}

func (x *BlockIndex) locate(phys uint64) (blk uint64, offset int) {
	blk = x.ptrBlockMgt + phys/blockMgtPerBlock
	offset = int(phys%blockMgtPerBlock) * blockMgtRecordSize
	return
}

func (x *BlockIndex) get(phys uint64) blockMgtEntry {
	blk, offset := x.locate(phys)
	block := x.dev.ReadBlock(blk)
	return decodeBlockMgt(block[offset : offset+blockMgtRecordSize])
}

func (x *BlockIndex) put(phys uint64, e blockMgtEntry) {
	blk, offset := x.locate(phys)
	copy(x.scratch[:], x.dev.ReadBlock(blk))
	encodeBlockMgt(x.scratch[offset:offset+blockMgtRecordSize], &e)
	x.dev.WriteBlock(blk, x.scratch[:])
}

// Get returns the block-mgt entry for the given physical block.
func (x *BlockIndex) Get(phys uint64) blockMgtEntry {
	return x.get(phys)
}

// SetRef updates only the reference count of phys's block-mgt entry.
func (x *BlockIndex) SetRef(phys uint64, ref uint64) {
	e := x.get(phys)
	e.Ref = ref
	x.put(phys, e)
}

// InitEntry installs a fresh block-mgt entry for a newly allocated
// block, with the given digest and ref=1, no children. Used by
// DedupIO on a cache-miss write (spec.md §4.6 Case B).
func (x *BlockIndex) InitEntry(phys uint64, digest Digest) {
	x.put(phys, blockMgtEntry{Digest: digest, Ref: 1})
}

// Search descends from the BST root comparing digest against each
// node's stored digest, left if the query is less, right if greater.
// Returns the physical block whose content hashes to digest, or 0 if
// not present.
func (x *BlockIndex) Search(digest Digest) uint64 {
	node := x.sb.BlockMgtRoot
	for node != 0 {
		e := x.get(node)
		switch digest.compare(e.Digest) {
		case 0:
			return node
		case -1:
			node = e.Left
		default:
			node = e.Right
		}
	}
	return 0
}

// Insert adds phys (whose block-mgt entry already holds the digest to
// insert) into the BST. Returns ErrDigestCollision if a distinct
// block already present in the tree has an equal digest — the caller
// must treat this as "do not dedup" rather than aliasing unrelated
// content under one tree node.
func (x *BlockIndex) Insert(phys uint64) error {
	target := x.get(phys)

	if x.sb.BlockMgtRoot == 0 {
		x.sb.BlockMgtRoot = phys
		return nil
	}

	node := x.sb.BlockMgtRoot
	for {
		e := x.get(node)
		switch target.Digest.compare(e.Digest) {
		case 0:
			return ErrDigestCollision
		case -1:
			if e.Left == 0 {
				e.Left = phys
				x.put(node, e)
				return nil
			}
			node = e.Left
		default:
			if e.Right == 0 {
				e.Right = phys
				x.put(node, e)
				return nil
			}
			node = e.Right
		}
	}
}

// Remove deletes phys from the BST, keyed by its own stored digest.
// The standard BST two-children case replaces the removed node with
// the maximum of its left subtree (the in-order predecessor): the
// predecessor takes over the removed node's children pointers, and the
// predecessor's own former left child takes its old place.
//
// The one-child case uses "left if present, else right, else nil" —
// original_source/src/ramblock.c's _block_delete_rec has a duplicated
// `mgt->left` condition that makes its right-child-only branch
// unreachable (spec.md §9 flags this explicitly); this implementation
// does not reproduce that bug.
func (x *BlockIndex) Remove(phys uint64) error {
	removed, parentPtr, found := x.findWithParent(phys)
	if !found {
		return ErrInternal
	}

	e := x.get(phys)
	var replacement uint64

	switch {
	case e.Left != 0 && e.Right != 0:
		// Two children: pull the predecessor (max of left subtree)
		// up, carrying over phys's children. removeMax returns both
		// the detached predecessor and the new root of the subtree
		// that used to be rooted at e.Left (unchanged unless the
		// predecessor was that subtree's root itself).
		predecessor, newLeftSubtree := x.removeMax(e.Left)
		pe := x.get(predecessor)
		pe.Left = newLeftSubtree
		pe.Right = e.Right
		x.put(predecessor, pe)
		replacement = predecessor
	case e.Left != 0:
		replacement = e.Left
	case e.Right != 0:
		replacement = e.Right
	default:
		replacement = 0
	}

	x.setChild(parentPtr, removed, replacement)
	return nil
}

// findWithParent walks the tree looking for phys by digest, tracking
// the parent link ("root" or "left"/"right" of some node) that points
// at it. Returns the slot descriptor (parentNode, which, 0 for root)
// via the parentPtr result and whether phys was found at all.
type parentLink struct {
	node uint64 // 0 means "the BlockMgtRoot field itself"
	left bool   // which child of node, when node != 0
}

func (x *BlockIndex) findWithParent(phys uint64) (found uint64, parent parentLink, ok bool) {
	target := x.get(phys)
	node := x.sb.BlockMgtRoot
	parent = parentLink{}

	for node != 0 {
		if node == phys {
			return node, parent, true
		}
		e := x.get(node)
		switch target.Digest.compare(e.Digest) {
		case -1:
			parent = parentLink{node: node, left: true}
			node = e.Left
		case 1:
			parent = parentLink{node: node, left: false}
			node = e.Right
		default:
			// Equal digest but different block number: should not
			// happen, since Insert rejects digest collisions.
			return 0, parentLink{}, false
		}
	}
	return 0, parentLink{}, false
}

// removeMax finds and detaches the maximum node of the subtree rooted
// at subtreeRoot. It returns the detached node (the predecessor) and
// the physical block number that should replace subtreeRoot in its
// parent's link — subtreeRoot unchanged if the predecessor was found
// elsewhere in the subtree, or the predecessor's former left child if
// the predecessor was subtreeRoot itself (no right child at all).
func (x *BlockIndex) removeMax(subtreeRoot uint64) (predecessor, newSubtreeRoot uint64) {
	rootEntry := x.get(subtreeRoot)
	if rootEntry.Right == 0 {
		return subtreeRoot, rootEntry.Left
	}

	parent := subtreeRoot
	parentEntry := rootEntry
	cur := rootEntry.Right
	curEntry := x.get(cur)
	for curEntry.Right != 0 {
		parent = cur
		parentEntry = curEntry
		cur = curEntry.Right
		curEntry = x.get(cur)
	}

	parentEntry.Right = curEntry.Left
	x.put(parent, parentEntry)
	return cur, subtreeRoot
}

// setChild rewrites the link described by parent so that it points at
// newChild instead of oldChild.
func (x *BlockIndex) setChild(parent parentLink, oldChild, newChild uint64) {
	if parent.node == 0 {
		x.sb.BlockMgtRoot = newChild
		return
	}
	e := x.get(parent.node)
	if parent.left {
		e.Left = newChild
	} else {
		e.Right = newChild
	}
	x.put(parent.node, e)
}

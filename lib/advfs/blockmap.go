package advfs

import "encoding/binary"

// BlockMap translates a logical block index within an inode to a
// physical block number: direct slots, then a single-indirect chain
// once the file exceeds the direct pointer count (spec.md §4.5).
//
// Shrink needs to release data blocks it uncovers, which is a
// dedup-aware operation (decrementing a shared block's reference
// count, not simply freeing it). Rather than give BlockMap a direct
// reference to DedupIO — which would need a reference back to
// BlockMap to do its own writes, an import cycle inside one package
// that Go would happily allow but that would obscure the module
// boundary spec.md §4 draws — BlockMap takes an injected unref
// callback, wired up once by Image at construction time.
type BlockMap struct {
	dev   *Device
	alloc *BlockAllocator
	unref func(phys uint64)
}

func newBlockMap(dev *Device, alloc *BlockAllocator, unref func(uint64)) *BlockMap {
	return &BlockMap{dev: dev, alloc: alloc, unref: unref}
}

// readChainLink returns the physical block number stored at entry
// index (0..pointersPerBlock-1) of the indirect-chain block at phys.
func (m *BlockMap) readChainLink(phys uint64, index int) uint64 {
	block := m.dev.ReadBlock(phys)
	return binary.LittleEndian.Uint64(block[index*8 : index*8+8])
}

// writeChainLink read-modify-writes a single entry of the
// indirect-chain block at phys.
func (m *BlockMap) writeChainLink(phys uint64, index int, value uint64) {
	var scratch [BlockSize]byte
	copy(scratch[:], m.dev.ReadBlock(phys))
	binary.LittleEndian.PutUint64(scratch[index*8:index*8+8], value)
	m.dev.WriteBlock(phys, scratch[:])
}

// chainBlockFor walks the indirect chain starting at the inode's
// link slot to the chainIndex-th chain block (0-based), allocating
// new chain blocks as needed. On allocation failure, it returns the
// blocks it allocated during this call (for the caller to roll back)
// alongside the error.
func (m *BlockMap) chainBlockFor(in *Inode, chainIndex uint64) (phys uint64, allocated []uint64, err error) {
	link := in.Blocks[IndirectLinkSlot]
	if link == 0 {
		link, err = m.alloc.Alloc()
		if err != nil {
			return 0, nil, err
		}
		m.dev.ZeroBlock(link)
		in.Blocks[IndirectLinkSlot] = link
		allocated = append(allocated, link)
	}

	cur := link
	for c := uint64(0); c < chainIndex; c++ {
		next := m.readChainLink(cur, IndirectEntriesPerBlock)
		if next == 0 {
			next, err = m.alloc.Alloc()
			if err != nil {
				return 0, allocated, err
			}
			m.dev.ZeroBlock(next)
			m.writeChainLink(cur, IndirectEntriesPerBlock, next)
			allocated = append(allocated, next)
		}
		cur = next
	}
	return cur, allocated, nil
}

// locate resolves logical position pos within in's block map to the
// physical chain block and entry index that holds it, walking
// (without allocating) through existing structure. For a direct slot,
// isDirect is true, chainBlock is 0 and index is pos itself (an index
// into in.Blocks). For an indirect position beyond the existing chain,
// chainBlock is 0.
func (m *BlockMap) locate(in *Inode, pos uint64) (chainBlock uint64, index int, isDirect bool) {
	if pos < DirectSlots {
		return 0, int(pos), true
	}

	rem := pos - DirectSlots
	cur := in.Blocks[IndirectLinkSlot]
	for cur != 0 && rem >= IndirectEntriesPerBlock {
		cur = m.readChainLink(cur, IndirectEntriesPerBlock)
		rem -= IndirectEntriesPerBlock
	}
	return cur, int(rem), false
}

// Resolve returns the physical block mapped at logical position pos,
// or 0 if pos is unmapped (a hole — spec.md §4.6 treats this as
// "read as zero").
func (m *BlockMap) Resolve(in *Inode, pos uint64) uint64 {
	chainBlock, index, isDirect := m.locate(in, pos)
	if isDirect {
		return in.Blocks[index]
	}
	if chainBlock == 0 {
		return 0
	}
	return m.readChainLink(chainBlock, index)
}

// Update writes phys into the slot at logical position pos. The slot
// must already exist structurally (via a prior Grow) for indirect
// positions; direct positions always exist.
func (m *BlockMap) Update(in *Inode, pos uint64, phys uint64) {
	chainBlock, index, isDirect := m.locate(in, pos)
	if isDirect {
		in.Blocks[index] = phys
		return
	}
	m.writeChainLink(chainBlock, index, phys)
}

// Grow extends in's block map so that logical positions
// in.NBlocks..newN-1 become valid (structurally reachable) slots,
// each initialized to 0 ("unmapped"). If an allocation fails partway
// through, everything allocated during this call is freed, in.NBlocks
// is restored to its value on entry, and any dangling chain-link
// pointer this call wrote into a still-live block is cleared — a
// slot living inside a chain block that gets freed cannot count as
// "installed" no matter how many of its neighbors were successfully
// written first (spec.md §4.5 and the open-question resolution in
// spec.md §9: n_blocks must never count a slot whose installation did
// not complete).
func (m *BlockMap) Grow(in *Inode, newN uint64) error {
	originalNBlocks := in.NBlocks
	originalLink := in.Blocks[IndirectLinkSlot]

	var allocated []uint64
	isAllocated := func(phys uint64) bool {
		for _, a := range allocated {
			if a == phys {
				return true
			}
		}
		return false
	}

	rollback := func() {
		for _, phys := range allocated {
			m.alloc.Free(phys)
		}
		in.NBlocks = originalNBlocks
		in.Blocks[IndirectLinkSlot] = originalLink

		// Any chain block that survives from before this call may
		// have had its trailing link rewritten to point at a block
		// this call just freed. Walk the surviving chain and cut
		// that dangling link.
		cur := originalLink
		for cur != 0 {
			next := m.readChainLink(cur, IndirectEntriesPerBlock)
			if next == 0 {
				break
			}
			if isAllocated(next) {
				m.writeChainLink(cur, IndirectEntriesPerBlock, 0)
				break
			}
			cur = next
		}
	}

	var cachedChainIndex uint64
	haveCached := false

	for i := in.NBlocks; i < newN; i++ {
		if i < DirectSlots {
			in.Blocks[i] = 0
			in.NBlocks = i + 1
			continue
		}

		rem := i - DirectSlots
		chainIndex := rem / IndirectEntriesPerBlock

		if !haveCached || chainIndex != cachedChainIndex {
			_, newlyAllocated, err := m.chainBlockFor(in, chainIndex)
			allocated = append(allocated, newlyAllocated...)
			if err != nil {
				rollback()
				return err
			}
			cachedChainIndex = chainIndex
			haveCached = true
		}

		// The chain block's data-pointer entries start at zero
		// (freshly allocated blocks are zeroed by chainBlockFor; an
		// existing block's untouched entries are already 0), so an
		// unmapped slot needs no write here.
		in.NBlocks = i + 1
	}
	return nil
}

// Shrink releases logical positions newN..in.NBlocks-1. Any slot
// holding a non-zero physical block is unreferenced through the
// injected callback (spec.md §4.5/§4.6 — decrementing a shared
// block's reference count, freeing it only once the count reaches
// zero). Indirect-chain blocks that become entirely unnecessary are
// freed back to the allocator.
func (m *BlockMap) Shrink(in *Inode, newN uint64) {
	for i := in.NBlocks; i > newN; i-- {
		pos := i - 1
		phys := m.Resolve(in, pos)
		if phys != 0 {
			m.unref(phys)
			m.Update(in, pos, 0)
		}
	}

	// Free indirect-chain blocks beyond what newN still needs.
	neededChainBlocks := uint64(0)
	if newN > DirectSlots {
		remaining := newN - DirectSlots
		neededChainBlocks = (remaining + IndirectEntriesPerBlock - 1) / IndirectEntriesPerBlock
	}

	if in.Blocks[IndirectLinkSlot] != 0 {
		var chain []uint64
		cur := in.Blocks[IndirectLinkSlot]
		for cur != 0 {
			chain = append(chain, cur)
			cur = m.readChainLink(cur, IndirectEntriesPerBlock)
		}

		for idx := len(chain) - 1; idx >= int(neededChainBlocks); idx-- {
			m.alloc.Free(chain[idx])
		}

		if neededChainBlocks == 0 {
			in.Blocks[IndirectLinkSlot] = 0
		} else if uint64(len(chain)) > neededChainBlocks {
			m.writeChainLink(chain[neededChainBlocks-1], IndirectEntriesPerBlock, 0)
		}
	}

	in.NBlocks = newN
}

// Resize dispatches to Grow or Shrink; a no-op when newN equals
// in.NBlocks.
func (m *BlockMap) Resize(in *Inode, newN uint64) error {
	switch {
	case newN > in.NBlocks:
		return m.Grow(in, newN)
	case newN < in.NBlocks:
		m.Shrink(in, newN)
	}
	return nil
}

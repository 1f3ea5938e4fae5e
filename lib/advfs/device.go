package advfs

import "fmt"

// Device owns the backing byte region for the filesystem image: one
// contiguous []byte, sized in blocks of BlockSize. It provides raw
// block-level read/write; it knows nothing about inodes, directories,
// or digests.
//
// A Device is allocated once at mount and released once at unmount
// (spec.md §3, "Lifecycle"). It is not safe for concurrent use.
type Device struct {
	buf        []byte
	totalBlock uint64
}

// NewDevice allocates a zeroed backing region of totalBlocks blocks.
func NewDevice(totalBlocks uint64) *Device {
	return &Device{
		buf:        make([]byte, totalBlocks*BlockSize),
		totalBlock: totalBlocks,
	}
}

// TotalBlocks returns the number of blocks in the device, including
// the reserved superblock at index 0.
func (d *Device) TotalBlocks() uint64 {
	return d.totalBlock
}

// assertValidBlock panics if phys is out of range. Per spec.md §4.1,
// an out-of-range physical block number is a programming error, not
// a recoverable condition — callers are expected to have validated
// phys against the regions they own before reaching the device.
func (d *Device) assertValidBlock(phys uint64) {
	if phys >= d.totalBlock {
		panic(fmt.Sprintf("advfs: device block %d out of range (total %d)", phys, d.totalBlock))
	}
}

// ReadBlock returns the BlockSize bytes at physical block phys. The
// returned slice aliases the device's backing buffer; callers must
// not retain it across a subsequent WriteBlock to the same or an
// overlapping region (spec.md §9: "forbid interior references that
// outlive a single operation"). Copy it out if it must survive.
func (d *Device) ReadBlock(phys uint64) []byte {
	d.assertValidBlock(phys)
	start := phys * BlockSize
	return d.buf[start : start+BlockSize]
}

// WriteBlock copies data (which must be exactly BlockSize bytes) into
// physical block phys.
func (d *Device) WriteBlock(phys uint64, data []byte) {
	d.assertValidBlock(phys)
	if len(data) != BlockSize {
		panic(fmt.Sprintf("advfs: WriteBlock got %d bytes, want %d", len(data), BlockSize))
	}
	start := phys * BlockSize
	copy(d.buf[start:start+BlockSize], data)
}

// ZeroBlock overwrites physical block phys with zero bytes.
func (d *Device) ZeroBlock(phys uint64) {
	d.assertValidBlock(phys)
	start := phys * BlockSize
	clear(d.buf[start : start+BlockSize])
}

// Bytes returns the entire backing region, for dump/inspection only
// (spec.md §6.2's "persisted byte layout"). The returned slice
// aliases device memory.
func (d *Device) Bytes() []byte {
	return d.buf
}

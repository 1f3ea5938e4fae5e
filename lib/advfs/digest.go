package advfs

import "github.com/zeebo/blake3"

// Digest is the fixed-width content digest stored per data block in
// the block-management table and compared to order the BlockIndex
// BST. Its width matches the original implementation's SHA-384
// digest (see original_source/src/advfs.h); advfs computes it with
// a domain-separated, keyed BLAKE3 hash instead, drawing DigestSize
// bytes from the extensible-output hasher.
type Digest [DigestSize]byte

// blockDigestKey is a fixed 32-byte BLAKE3 key that domain-separates
// block digests from any other use of BLAKE3 an embedding application
// might make with the same key material. Changing this key changes
// every digest in the system — it is a format constant, not a secret.
var blockDigestKey = [32]byte{
	'a', 'd', 'v', 'f', 's', '.', 'b', 'l', 'o', 'c', 'k', '.', 'd', 'i', 'g', 'e',
	's', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashBlock computes the content digest of a full BlockSize-byte
// block. Callers must pass exactly BlockSize bytes.
func HashBlock(data []byte) Digest {
	if len(data) != BlockSize {
		panic("advfs: HashBlock requires exactly BlockSize bytes")
	}

	hasher, err := blake3.NewKeyed(blockDigestKey[:])
	if err != nil {
		// blockDigestKey is a fixed 32-byte array; NewKeyed only
		// fails on wrong key length, which cannot happen here.
		panic("advfs: blake3 keyed hash init failed: " + err.Error())
	}
	hasher.Write(data)

	var digest Digest
	out := hasher.Digest()
	if _, err := out.Read(digest[:]); err != nil {
		panic("advfs: blake3 digest read failed: " + err.Error())
	}
	return digest
}

// compare returns -1, 0, or 1 as d is less than, equal to, or greater
// than other, matching the sign convention of bytes.Compare /
// memcmp used by the original _block_search_rec.
func (d Digest) compare(other Digest) int {
	for i := range d {
		if d[i] < other[i] {
			return -1
		}
		if d[i] > other[i] {
			return 1
		}
	}
	return 0
}

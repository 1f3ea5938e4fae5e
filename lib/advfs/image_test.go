package advfs

import "testing"

// openRW opens path for both reading and writing, the access mode
// every test that doesn't specifically exercise permission enforcement
// wants.
func openRW(t *testing.T, img *Image, path string) Handle {
	t.Helper()
	h, err := img.Open(path, OpenRead|OpenWrite)
	if err != nil {
		t.Fatalf("Open(%s, RW) failed: %v", path, err)
	}
	return h
}

// TestImageCreateWriteGetAttr pins scenario 1: creating a file and
// writing a short string leaves size and block counts matching what
// was written.
func TestImageCreateWriteGetAttr(t *testing.T) {
	img := newTestImage(t, 10240)

	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	h := openRW(t, img, "/a")
	n, err := img.Write("/a", []byte("hello"), 0, h)
	if err != nil {
		t.Fatalf("Write(/a) failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("Write returned %d, want 5", n)
	}

	attr, err := img.GetAttr("/a")
	if err != nil {
		t.Fatalf("GetAttr(/a) failed: %v", err)
	}
	if attr.Size != 5 {
		t.Fatalf("Size = %d, want 5", attr.Size)
	}
	if attr.NBlocks != 1 {
		t.Fatalf("NBlocks = %d, want 1", attr.NBlocks)
	}
	if img.sb.NBlockUsed != 1 {
		t.Fatalf("NBlockUsed = %d, want 1", img.sb.NBlockUsed)
	}
}

// TestImageDedupAcrossFilesUnlinkReleasesOnLastRef pins scenario 2:
// two files with identical content share one physical block; unlinking
// the first leaves usage unchanged, unlinking the second frees it.
func TestImageDedupAcrossFilesUnlinkReleasesOnLastRef(t *testing.T) {
	img := newTestImage(t, 10240)

	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	if _, err := img.Write("/a", []byte("hello"), 0, openRW(t, img, "/a")); err != nil {
		t.Fatalf("Write(/a) failed: %v", err)
	}
	if _, err := img.Create("/b", 0644); err != nil {
		t.Fatalf("Create(/b) failed: %v", err)
	}
	if _, err := img.Write("/b", []byte("hello"), 0, openRW(t, img, "/b")); err != nil {
		t.Fatalf("Write(/b) failed: %v", err)
	}

	if img.sb.NBlockUsed != 1 {
		t.Fatalf("NBlockUsed after two identical writes = %d, want 1", img.sb.NBlockUsed)
	}

	if err := img.Unlink("/a"); err != nil {
		t.Fatalf("Unlink(/a) failed: %v", err)
	}
	if img.sb.NBlockUsed != 1 {
		t.Fatalf("NBlockUsed after unlinking one of two sharers = %d, want 1", img.sb.NBlockUsed)
	}

	if err := img.Unlink("/b"); err != nil {
		t.Fatalf("Unlink(/b) failed: %v", err)
	}
	if img.sb.NBlockUsed != 0 {
		t.Fatalf("NBlockUsed after unlinking the last sharer = %d, want 0", img.sb.NBlockUsed)
	}
}

// TestImageRmdirRequiresEmpty pins scenario 3.
func TestImageRmdirRequiresEmpty(t *testing.T) {
	img := newTestImage(t, 10240)

	if _, err := img.Mkdir("/d", 0755); err != nil {
		t.Fatalf("Mkdir(/d) failed: %v", err)
	}
	if _, err := img.Create("/d/x", 0644); err != nil {
		t.Fatalf("Create(/d/x) failed: %v", err)
	}

	if err := img.Rmdir("/d"); err != ErrNotEmpty {
		t.Fatalf("Rmdir(/d) with a child present = %v, want ErrNotEmpty", err)
	}
	if err := img.Unlink("/d/x"); err != nil {
		t.Fatalf("Unlink(/d/x) failed: %v", err)
	}
	if err := img.Rmdir("/d"); err != nil {
		t.Fatalf("Rmdir(/d) after emptying failed: %v", err)
	}
}

// TestImageGrowPastDirectSlotsAllocatesIndirectChain pins scenario 4:
// a write spanning exactly the direct slots uses no indirect chain;
// extending it by one more block forces exactly one chain-block
// allocation in addition to the data block.
func TestImageGrowPastDirectSlotsAllocatesIndirectChain(t *testing.T) {
	img := newTestImage(t, 10240)

	if _, err := img.Create("/big", 0644); err != nil {
		t.Fatalf("Create(/big) failed: %v", err)
	}

	directContent := make([]byte, DirectSlots*BlockSize)
	for i := range directContent {
		directContent[i] = byte(i)
	}
	h := openRW(t, img, "/big")
	if _, err := img.Write("/big", directContent, 0, h); err != nil {
		t.Fatalf("Write spanning direct slots failed: %v", err)
	}

	attr, err := img.GetAttr("/big")
	if err != nil {
		t.Fatalf("GetAttr failed: %v", err)
	}
	if attr.NBlocks != DirectSlots {
		t.Fatalf("NBlocks after direct-only write = %d, want %d", attr.NBlocks, DirectSlots)
	}
	usedAfterDirect := img.sb.NBlockUsed

	if _, err := img.Write("/big", []byte{0xAA}, uint64(len(directContent)), h); err != nil {
		t.Fatalf("Write extending by one byte failed: %v", err)
	}

	attr, err = img.GetAttr("/big")
	if err != nil {
		t.Fatalf("GetAttr after extension failed: %v", err)
	}
	if attr.NBlocks != DirectSlots+1 {
		t.Fatalf("NBlocks after extension = %d, want %d", attr.NBlocks, DirectSlots+1)
	}
	// One new data block plus one new indirect-chain block.
	if img.sb.NBlockUsed != usedAfterDirect+2 {
		t.Fatalf("NBlockUsed after extension = %d, want %d", img.sb.NBlockUsed, usedAfterDirect+2)
	}
}

// TestImageNoSpacePreservesExistingData pins scenario 5: once the data
// region is exhausted, further writes fail with ErrNoSpace, but
// previously-written files remain readable unchanged.
func TestImageNoSpacePreservesExistingData(t *testing.T) {
	img := newTestImage(t, 32)

	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	content := fullBlock(t, 'z')
	if _, err := img.Write("/a", content, 0, openRW(t, img, "/a")); err != nil {
		t.Fatalf("Write(/a) failed: %v", err)
	}

	// Exhaust remaining space with distinct, non-deduplicating blocks.
	var fillErr error
	for i := 0; i < 64; i++ {
		buf := fullBlock(t, byte(i+1))
		if _, err := img.Create(pathFor(i), 0644); err != nil {
			if err == ErrNoSpace {
				// Adding an entry rewrites the parent's entry block,
				// itself a content-addressed data block, so Create can
				// be the first call to find the device full. A write
				// of new content must then fail as well.
				_, fillErr = img.Write("/a", buf, BlockSize, openRW(t, img, "/a"))
				break
			}
			if err == ErrNoInode {
				break
			}
			t.Fatalf("Create(%s) failed: %v", pathFor(i), err)
		}
		_, fillErr = img.Write(pathFor(i), buf, 0, openRW(t, img, pathFor(i)))
		if fillErr != nil {
			break
		}
	}
	if fillErr != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace once the device fills, got %v", fillErr)
	}

	out := make([]byte, BlockSize)
	n, err := img.Read("/a", out, 0, openRW(t, img, "/a"))
	if err != nil {
		t.Fatalf("Read(/a) after NoSpace failed: %v", err)
	}
	if n != BlockSize || string(out) != string(content) {
		t.Fatal("/a's content changed after a later write hit NoSpace")
	}
}

func pathFor(i int) string {
	letters := "bcdefghijklmnopqrstuvwxyz"
	return "/" + string(letters[i%len(letters)]) + string(rune('0'+(i/len(letters))))
}

// TestImageCreateTwiceFails and TestImageCreateWithoutParentDirFails
// pin scenario 6.
func TestImageCreateTwiceFails(t *testing.T) {
	img := newTestImage(t, 10240)
	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("first Create(/a) failed: %v", err)
	}
	if _, err := img.Create("/a", 0644); err != ErrExists {
		t.Fatalf("second Create(/a) = %v, want ErrExists", err)
	}
}

func TestImageCreateWithoutParentDirFails(t *testing.T) {
	img := newTestImage(t, 10240)
	if _, err := img.Create("/sub/x", 0644); err != ErrNotFound {
		t.Fatalf("Create(/sub/x) without mkdir(/sub) = %v, want ErrNotFound", err)
	}
}

// TestImageOpenRejectsEmptyAccessMode pins spec.md §6.1's open(path,
// flags) validation: flags must request at least one of read or
// write.
func TestImageOpenRejectsEmptyAccessMode(t *testing.T) {
	img := newTestImage(t, 64)
	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	if _, err := img.Open("/a", 0); err != ErrPermissionDenied {
		t.Fatalf("Open(/a, 0) = %v, want ErrPermissionDenied", err)
	}
}

// TestImageWriteRejectsReadOnlyHandle and
// TestImageReadRejectsWriteOnlyHandle pin spec.md §6.1's per-call
// permission check, disambiguated against
// original_source/src/main.c's advfs_read/advfs_write (which
// re-check fi->flags on every call, not just at open time): a handle
// opened O_RDONLY must fail write, and one opened O_WRONLY must fail
// read.
func TestImageWriteRejectsReadOnlyHandle(t *testing.T) {
	img := newTestImage(t, 64)
	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	h, err := img.Open("/a", OpenRead)
	if err != nil {
		t.Fatalf("Open(/a, RDONLY) failed: %v", err)
	}
	if _, err := img.Write("/a", []byte("hi"), 0, h); err != ErrPermissionDenied {
		t.Fatalf("Write through a read-only handle = %v, want ErrPermissionDenied", err)
	}
}

func TestImageReadRejectsWriteOnlyHandle(t *testing.T) {
	img := newTestImage(t, 64)
	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	if _, err := img.Write("/a", []byte("hi"), 0, openRW(t, img, "/a")); err != nil {
		t.Fatalf("Write(/a) failed: %v", err)
	}

	h, err := img.Open("/a", OpenWrite)
	if err != nil {
		t.Fatalf("Open(/a, WRONLY) failed: %v", err)
	}
	out := make([]byte, 2)
	if _, err := img.Read("/a", out, 0, h); err != ErrPermissionDenied {
		t.Fatalf("Read through a write-only handle = %v, want ErrPermissionDenied", err)
	}
}

// TestImageStatfsInvariant pins P5: used blocks plus free blocks equal
// the total, and used inodes reflect exactly the non-free entries.
func TestImageStatfsInvariant(t *testing.T) {
	img := newTestImage(t, 10240)
	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	if _, err := img.Write("/a", []byte("hello"), 0, openRW(t, img, "/a")); err != nil {
		t.Fatalf("Write(/a) failed: %v", err)
	}
	if _, err := img.Mkdir("/d", 0755); err != nil {
		t.Fatalf("Mkdir(/d) failed: %v", err)
	}

	stat := img.Statfs()
	if stat.TotalBlocks != img.sb.NBlocks {
		t.Fatalf("TotalBlocks = %d, want %d", stat.TotalBlocks, img.sb.NBlocks)
	}
	if stat.FreeBlocks+img.sb.NBlockUsed != stat.TotalBlocks {
		t.Fatalf("FreeBlocks(%d) + NBlockUsed(%d) != TotalBlocks(%d)", stat.FreeBlocks, img.sb.NBlockUsed, stat.TotalBlocks)
	}

	wantUsedInodes := uint64(3) // root + /a + /d
	if img.sb.NInodeUsed != wantUsedInodes {
		t.Fatalf("NInodeUsed = %d, want %d", img.sb.NInodeUsed, wantUsedInodes)
	}
	if stat.FreeInodes+img.sb.NInodeUsed != stat.TotalInodes {
		t.Fatalf("FreeInodes(%d) + NInodeUsed(%d) != TotalInodes(%d)", stat.FreeInodes, img.sb.NInodeUsed, stat.TotalInodes)
	}
}

// TestImageReaddirListsInsertionOrder exercises the directory-listing
// callback used by the FUSE binding's Readdir.
func TestImageReaddirListsInsertionOrder(t *testing.T) {
	img := newTestImage(t, 10240)
	if _, err := img.Mkdir("/d", 0755); err != nil {
		t.Fatalf("Mkdir(/d) failed: %v", err)
	}
	for _, name := range []string{"/d/one", "/d/two", "/d/three"} {
		if _, err := img.Create(name, 0644); err != nil {
			t.Fatalf("Create(%s) failed: %v", name, err)
		}
	}

	names, err := img.Readdir("/d")
	if err != nil {
		t.Fatalf("Readdir(/d) failed: %v", err)
	}
	want := []string{".", "..", "one", "two", "three"}
	if len(names) != len(want) {
		t.Fatalf("Readdir(/d) = %v, want %v", names, want)
	}
	for i, w := range want {
		if names[i] != w {
			t.Fatalf("Readdir(/d)[%d] = %q, want %q", i, names[i], w)
		}
	}
}

// TestImageTruncateZeroFillsGrownRegion pins B-series boundary
// behavior: growing a file via truncate must read back as zero.
func TestImageTruncateZeroFillsGrownRegion(t *testing.T) {
	img := newTestImage(t, 10240)
	if _, err := img.Create("/a", 0644); err != nil {
		t.Fatalf("Create(/a) failed: %v", err)
	}
	if _, err := img.Write("/a", []byte("hi"), 0, openRW(t, img, "/a")); err != nil {
		t.Fatalf("Write(/a) failed: %v", err)
	}
	if err := img.Truncate("/a", BlockSize+10); err != nil {
		t.Fatalf("Truncate(/a) failed: %v", err)
	}

	out := make([]byte, BlockSize+10)
	n, err := img.Read("/a", out, 0, openRW(t, img, "/a"))
	if err != nil {
		t.Fatalf("Read(/a) failed: %v", err)
	}
	if n != len(out) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(out))
	}
	if string(out[:2]) != "hi" {
		t.Fatalf("original content clobbered: %q", out[:2])
	}
	for i := 2; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("byte %d = %d, want 0 (zero-filled grown region)", i, out[i])
		}
	}
}

package dnscache

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// On-region constants. The header layout is persistent state: any
// incompatible change must bump cacheVersion.
const (
	cacheVersion = 22

	headerSize   = 128
	entryAlign   = 8
	minCacheSize = 102400

	startByte = 0xFF // first byte of a live entry
	freedByte = 0xFD // first byte of an evicted entry
	endByte   = 0x0A // entry terminator
	padByte   = 0xFE // slot padding

	headerComment = "\nDo not edit this file.\n"
)

// Persistent header field offsets (little-endian).
const (
	hdrOffVersion   = 0
	hdrOffCacheSize = 4
	hdrOffEnd       = 8
	hdrOffCount     = 12
	hdrOffSlots     = 16
	hdrOffNodeUsed  = 20
	hdrOffFreeHead  = 24
	hdrOffComment   = 28
)

// region owns the contiguous byte range holding the header, the entry
// slots and the embedded index. It is either an anonymous allocation or a
// file mapped into memory; persistence of the file-backed form is implicit
// via the mapping.
type region struct {
	data []byte
	file *os.File // nil when memory-backed
}

func roundUp(n, align int) int {
	if n%align == 0 {
		return n
	}

	return n + align - n%align
}

// openMemoryRegion allocates an anonymous zeroed region.
func openMemoryRegion(size int) *region {
	return &region{data: make([]byte, size)}
}

// openFileRegion maps path into memory at the given size, creating the file
// when absent. Reports whether the file existed before the call.
func openFileRegion(path string, size int) (*region, bool, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, false, fmt.Errorf("open cache file: %w", err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()

		return nil, false, fmt.Errorf("size cache file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return nil, false, fmt.Errorf("map cache file: %w", err)
	}

	return &region{data: data, file: f}, existed, nil
}

// close releases the mapping so the OS persists dirty pages, then closes
// the backing file.
func (r *region) close() error {
	if r.file == nil {
		r.data = nil

		return nil
	}

	_ = unix.Msync(r.data, unix.MS_SYNC)

	err := unix.Munmap(r.data)
	r.data = nil

	if cerr := r.file.Close(); err == nil {
		err = cerr
	}

	r.file = nil

	return err
}

func (r *region) size() int { return len(r.data) }

func (r *region) u32(off int) uint32       { return binary.LittleEndian.Uint32(r.data[off:]) }
func (r *region) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(r.data[off:], v) }

func (r *region) i32(off int) int32       { return int32(r.u32(off)) }
func (r *region) setI32(off int, v int32) { r.setU32(off, uint32(v)) }

func (r *region) i64(off int) int64 { return int64(binary.LittleEndian.Uint64(r.data[off:])) }
func (r *region) setI64(off int, v int64) {
	binary.LittleEndian.PutUint64(r.data[off:], uint64(v))
}

// writeFreshHeader zeroes the region and installs a new header with
// end = headerSize and no entries.
func (r *region) writeFreshHeader() {
	clear(r.data)

	r.setU32(hdrOffVersion, cacheVersion)
	r.setI32(hdrOffCacheSize, int32(r.size()))
	r.setI32(hdrOffEnd, headerSize)
	r.setI32(hdrOffCount, 0)
	copy(r.data[hdrOffComment:headerSize], headerComment)
}

// headerMatches reports whether the persisted header is compatible with
// this build and the configured size.
func (r *region) headerMatches() bool {
	return r.u32(hdrOffVersion) == cacheVersion && int(r.i32(hdrOffCacheSize)) == r.size()
}

func (r *region) end() int32       { return r.i32(hdrOffEnd) }
func (r *region) setEnd(v int32)   { r.setI32(hdrOffEnd, v) }
func (r *region) count() int32     { return r.i32(hdrOffCount) }
func (r *region) setCount(v int32) { r.setI32(hdrOffCount, v) }

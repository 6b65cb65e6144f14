package dnscache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Header is the decoded persistent header of a cache file.
type Header struct {
	Version   uint32 `json:"version"`
	CacheSize int32  `json:"cache_size"`
	EndOffset int32  `json:"end_offset"`
	Entries   int32  `json:"entries"`
	Nodes     int32  `json:"nodes"`
}

var errHeaderShort = errors.New("cache file shorter than header")

// Compatible reports whether the header matches this build's version.
func (h Header) Compatible() bool { return h.Version == cacheVersion }

// ReadHeader decodes the persistent header of a cache file without mapping
// or locking it. Intended for offline inspection.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Header{}, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, fmt.Errorf("%w: %w", errHeaderShort, err)
	}

	return Header{
		Version:   binary.LittleEndian.Uint32(buf[hdrOffVersion:]),
		CacheSize: int32(binary.LittleEndian.Uint32(buf[hdrOffCacheSize:])),
		EndOffset: int32(binary.LittleEndian.Uint32(buf[hdrOffEnd:])),
		Entries:   int32(binary.LittleEndian.Uint32(buf[hdrOffCount:])),
		Nodes:     int32(binary.LittleEndian.Uint32(buf[hdrOffNodeUsed:])),
	}, nil
}

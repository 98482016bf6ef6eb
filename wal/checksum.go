package wal

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/tchajed/marshal"
	"golang.org/x/crypto/blake2b"
)

// ChecksumType selects the hash for superblock and commit integrity.
// Descriptors, data and the other records always use the fast hash.
type ChecksumType uint64

const (
	ChecksumFast   ChecksumType = 1 // xxhash64
	ChecksumStrict ChecksumType = 2 // blake2b-256
)

func ParseChecksum(s string) (ChecksumType, error) {
	switch s {
	case "fast", "":
		return ChecksumFast, nil
	case "strict":
		return ChecksumStrict, nil
	}
	return 0, fmt.Errorf("unknown checksum type %q", s)
}

func (c ChecksumType) String() string {
	switch c {
	case ChecksumFast:
		return "fast"
	case ChecksumStrict:
		return "strict"
	}
	return "invalid"
}

func (c ChecksumType) valid() bool {
	return c == ChecksumFast || c == ChecksumStrict
}

// Sum64 is the fast checksum, used for data blocks and descriptor tags.
func Sum64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// sum returns the checksum of b, 8 bytes for fast and 32 for strict.
func (c ChecksumType) sum(b []byte) []byte {
	if c == ChecksumStrict {
		s := blake2b.Sum256(b)
		return s[:]
	}
	enc := marshal.NewEnc(8)
	enc.PutInt(xxhash.Sum64(b))
	return enc.Finish()
}

func (c ChecksumType) size() uint64 {
	if c == ChecksumStrict {
		return 32
	}
	return 8
}

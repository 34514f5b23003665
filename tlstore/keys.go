package tlstore

import (
	"encoding/binary"

	"github.com/oklog/ulid/v2"
)

// Session info is stored under i/<id>, and fragments under f/<id>/<seq>, where
// seq is a big-endian uint64. ULIDs sort by creation time.
const (
	infoKeyPrefix     = "i/"
	fragmentKeyPrefix = "f/"
)

func infoKey(id ulid.ULID) []byte {
	key := make([]byte, 0, len(infoKeyPrefix)+len(ulid.ULID{}))
	key = append(key, infoKeyPrefix...)
	return append(key, id[:]...)
}

func fragmentPrefix(id ulid.ULID) []byte {
	key := make([]byte, 0, len(fragmentKeyPrefix)+len(ulid.ULID{})+1)
	key = append(key, fragmentKeyPrefix...)
	key = append(key, id[:]...)
	return append(key, '/')
}

func fragmentKey(id ulid.ULID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(fragmentPrefix(id), seq)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper bound
}

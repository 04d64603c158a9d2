package blockstore

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Key prefixes and state keys in the index database.
var (
	prefixBlock = []byte("b/") // b/<hash(32)> -> file(4) + offset(8) + size(4)
	prefixPos   = []byte("p/") // p/<hash(32)> -> PoS params JSON, set after the record was written
	prefixTx    = []byte("x/") // x/<txid(32)> -> blockHash(32)

	keyWritePos    = []byte("s/writepos")    // file(4) + offset(8)
	keyTxWatermark = []byte("s/txwatermark") // height(8) + hash(32)
	keyLastIndexed = []byte("s/lastindexed") // height(8) + hash(32)
)

func hashKey(prefix []byte, hash types.Hash) []byte {
	key := make([]byte, len(prefix)+types.HashSize)
	copy(key, prefix)
	copy(key[len(prefix):], hash[:])
	return key
}

// location is where a record lives in the segment files.
type location struct {
	file   uint32
	offset int64
	size   uint32
}

func (l location) bytes() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, l.file)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(l.offset))
	return binary.LittleEndian.AppendUint32(buf, l.size)
}

func decodeLocation(b []byte) (location, bool) {
	if len(b) != 16 {
		return location{}, false
	}
	return location{
		file:   binary.LittleEndian.Uint32(b[0:4]),
		offset: int64(binary.LittleEndian.Uint64(b[4:12])),
		size:   binary.LittleEndian.Uint32(b[12:16]),
	}, true
}

// writePos is the end of the last indexed record.
type writePos struct {
	file   uint32
	offset int64
}

func (w writePos) bytes() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, w.file)
	return binary.LittleEndian.AppendUint64(buf, uint64(w.offset))
}

func decodeWritePos(b []byte) (writePos, bool) {
	if len(b) != 12 {
		return writePos{}, false
	}
	return writePos{
		file:   binary.LittleEndian.Uint32(b[0:4]),
		offset: int64(binary.LittleEndian.Uint64(b[4:12])),
	}, true
}

// marker is a (height, hash) pair persisted for watermarks.
type marker struct {
	height uint64
	hash   types.Hash
}

func (m marker) bytes() []byte {
	buf := binary.LittleEndian.AppendUint64(nil, m.height)
	return append(buf, m.hash[:]...)
}

func decodeMarker(b []byte) (marker, bool) {
	if len(b) != 8+types.HashSize {
		return marker{}, false
	}
	var m marker
	m.height = binary.LittleEndian.Uint64(b[:8])
	copy(m.hash[:], b[8:])
	return m, true
}

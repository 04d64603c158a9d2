package types

import (
	"encoding/binary"
	"fmt"
)

// OutpointSize is the length of an encoded outpoint.
const OutpointSize = HashSize + 4

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsZero returns true if the outpoint has a zero TxID and zero index.
// A coinbase input spends the zero outpoint.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}

// Bytes returns txid || index (little-endian), used as a storage key and
// inside the stake kernel.
func (o Outpoint) Bytes() []byte {
	b := make([]byte, OutpointSize)
	copy(b, o.TxID[:])
	binary.LittleEndian.PutUint32(b[HashSize:], o.Index)
	return b
}

// OutpointFromBytes is the inverse of Outpoint.Bytes.
func OutpointFromBytes(b []byte) (Outpoint, error) {
	if len(b) != OutpointSize {
		return Outpoint{}, fmt.Errorf("outpoint must be %d bytes, got %d", OutpointSize, len(b))
	}
	var o Outpoint
	copy(o.TxID[:], b[:HashSize])
	o.Index = binary.LittleEndian.Uint32(b[HashSize:])
	return o, nil
}

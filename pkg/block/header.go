package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// HeaderSize is the length of the canonical header encoding.
const HeaderSize = 4 + types.HashSize + types.HashSize + 4 + 4 + 4

// ErrShortHeader is returned when decoding fewer than HeaderSize bytes.
var ErrShortHeader = errors.New("short header encoding")

// Header contains block metadata. Height is not part of the header; it is
// derived when the header is connected to the chain.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Time       uint32     `json:"time"`
	Bits       uint32     `json:"bits"`
	Nonce      uint32     `json:"nonce"`
}

// Hash computes the block hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.Bytes())
}

// Bytes returns the canonical encoding.
// Format: version(4) | prev_hash(32) | merkle_root(32) | time(4) | bits(4) | nonce(4)
func (h *Header) Bytes() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Time)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = binary.LittleEndian.AppendUint32(buf, h.Nonce)
	return buf
}

// DecodeHeader parses the canonical encoding produced by Bytes.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) != HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrShortHeader, len(b), HeaderSize)
	}
	h := &Header{}
	h.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Time = binary.LittleEndian.Uint32(b[68:72])
	h.Bits = binary.LittleEndian.Uint32(b[72:76])
	h.Nonce = binary.LittleEndian.Uint32(b[76:80])
	return h, nil
}

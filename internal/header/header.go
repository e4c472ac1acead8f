// Package header packs CKB's RawHeader into its fixed 192-byte wire form
// and derives the pow_hash miners work against.
package header

import (
	"encoding/binary"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/hashcore"
)

// RawHeaderSize is the packed byte length of RawHeader, nonce excluded.
const RawHeaderSize = 192

// MiningInputSize is pow_hash (32) || nonce (16), the Eaglesong input.
const MiningInputSize = 48

// RawHeader holds the fields a CKB block template exposes, laid out exactly
// as they pack onto the wire. Nonce is deliberately absent: it is never
// part of pow_hash.
type RawHeader struct {
	Version           uint32
	CompactTarget     uint32
	Timestamp         uint64
	Number            uint64
	Epoch             uint64
	ParentHash        [32]byte
	TransactionsRoot  [32]byte
	ProposalsHash     [32]byte
	ExtraHash         [32]byte
	Dao               [32]byte
}

// Serialize packs the header into its 192-byte little-endian record.
func (h *RawHeader) Serialize() []byte {
	buf := make([]byte, RawHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Version)
	binary.LittleEndian.PutUint32(buf[4:8], h.CompactTarget)
	binary.LittleEndian.PutUint64(buf[8:16], h.Timestamp)
	binary.LittleEndian.PutUint64(buf[16:24], h.Number)
	binary.LittleEndian.PutUint64(buf[24:32], h.Epoch)
	copy(buf[32:64], h.ParentHash[:])
	copy(buf[64:96], h.TransactionsRoot[:])
	copy(buf[96:128], h.ProposalsHash[:])
	copy(buf[128:160], h.ExtraHash[:])
	copy(buf[160:192], h.Dao[:])
	return buf
}

// ComputePowHash derives pow_hash = Blake2b-ckb(serialize(h)).
func (h *RawHeader) ComputePowHash() [32]byte {
	return hashcore.CKBBlake2b256(h.Serialize())
}

// EpochNumber, EpochIndex, EpochLength split packs/unpacks the 64-bit epoch
// field: bits [0,24) = number, [24,40) = index, [40,56) = length.
func EpochNumber(epoch uint64) uint64 { return epoch & 0xFFFFFF }
func EpochIndex(epoch uint64) uint64  { return (epoch >> 24) & 0xFFFF }
func EpochLength(epoch uint64) uint64 { return (epoch >> 40) & 0xFFFF }

// PackEpoch is the inverse of the three accessors above.
func PackEpoch(number, index, length uint64) uint64 {
	return (number & 0xFFFFFF) | ((index & 0xFFFF) << 24) | ((length & 0xFFFF) << 40)
}

// BuildMiningInput assembles the 48-byte Eaglesong input: pow_hash (32)
// followed by the 16-byte little-endian nonce.
func BuildMiningInput(powHash [32]byte, nonceLE [16]byte) [MiningInputSize]byte {
	var out [MiningInputSize]byte
	copy(out[0:32], powHash[:])
	copy(out[32:48], nonceLE[:])
	return out
}

// Package hashcore implements the two pure hash primitives the proxy's
// proof-of-work path depends on: CKB's personalized Blake2b-256 and the
// Eaglesong sponge. Both are stateless and safe to call from any goroutine.
package hashcore

import "encoding/binary"

// ckbPersonalization is the 16-byte ASCII personalization string CKB mixes
// into every Blake2b-256 parameter block.
var ckbPersonalization = [16]byte{'c', 'k', 'b', '-', 'd', 'e', 'f', 'a', 'u', 'l', 't', '-', 'h', 'a', 's', 'h'}

var blake2bIV = [8]uint64{
	0x6a09e667f3bcc908, 0xbb67ae8584caa73b,
	0x3c6ef372fe94f82b, 0xa54ff53a5f1d36f1,
	0x510e527fade682d1, 0x9b05688c2b3e6c1f,
	0x1f83d9abfb41bd6b, 0x5be0cd19137e2179,
}

var blake2bSigma = [12][16]byte{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{14, 10, 4, 8, 9, 15, 13, 6, 1, 12, 0, 2, 11, 7, 5, 3},
	{11, 8, 12, 0, 5, 2, 15, 13, 10, 14, 3, 6, 7, 1, 9, 4},
	{7, 9, 3, 1, 13, 12, 11, 14, 2, 6, 5, 10, 4, 0, 15, 8},
	{9, 0, 5, 7, 2, 4, 10, 15, 14, 1, 11, 12, 6, 8, 3, 13},
	{2, 12, 6, 10, 0, 11, 8, 3, 4, 13, 7, 5, 15, 14, 1, 9},
	{12, 5, 1, 15, 14, 13, 4, 10, 0, 7, 6, 3, 9, 2, 8, 11},
	{13, 11, 7, 14, 12, 1, 3, 9, 5, 0, 15, 4, 8, 6, 2, 10},
	{6, 15, 14, 9, 11, 3, 0, 8, 12, 2, 13, 7, 1, 4, 10, 5},
	{10, 2, 8, 4, 7, 6, 1, 5, 15, 11, 9, 14, 3, 12, 13, 0},
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{14, 10, 4, 8, 9, 15, 13, 6, 1, 12, 0, 2, 11, 7, 5, 3},
}

func rotr64(x uint64, n uint) uint64 { return (x >> n) | (x << (64 - n)) }

// ckbBlake2bState holds the 8-word chain value and byte counter for one
// Blake2b-256 run with CKB's personalization fixed in the parameter block.
type ckbBlake2bState struct {
	h [8]uint64
	t uint64
}

func newCKBBlake2bState() *ckbBlake2bState {
	s := &ckbBlake2bState{h: blake2bIV}

	// Parameter block, RFC 7693 §2.5, little-endian, 64 bytes:
	// digest_length(1) key_length(1) fanout(1) depth(1) leaf_length(4)
	// node_offset(8) xof_length? -- (omitted in this profile, zero)
	// node_depth(1) inner_length(1) reserved(14) salt(16) personal(16)
	var param [64]byte
	param[0] = 32 // digest length
	param[1] = 0  // key length
	param[2] = 1  // fanout
	param[3] = 1  // depth
	copy(param[48:64], ckbPersonalization[:])

	for i := 0; i < 8; i++ {
		s.h[i] ^= binary.LittleEndian.Uint64(param[i*8 : i*8+8])
	}
	return s
}

func (s *ckbBlake2bState) compress(block *[128]byte, lastBlock bool) {
	var m [16]uint64
	for i := 0; i < 16; i++ {
		m[i] = binary.LittleEndian.Uint64(block[i*8 : i*8+8])
	}

	v := [16]uint64{
		s.h[0], s.h[1], s.h[2], s.h[3], s.h[4], s.h[5], s.h[6], s.h[7],
		blake2bIV[0], blake2bIV[1], blake2bIV[2], blake2bIV[3],
		blake2bIV[4] ^ s.t, blake2bIV[5], // t low word only: inputs never exceed 2^64 bytes
		blake2bIV[6], blake2bIV[7],
	}
	if lastBlock {
		v[14] = ^v[14]
	}

	mix := func(a, b, c, d, x, y int) {
		v[a] = v[a] + v[b] + m[x]
		v[d] = rotr64(v[d]^v[a], 32)
		v[c] = v[c] + v[d]
		v[b] = rotr64(v[b]^v[c], 24)
		v[a] = v[a] + v[b] + m[y]
		v[d] = rotr64(v[d]^v[a], 16)
		v[c] = v[c] + v[d]
		v[b] = rotr64(v[b]^v[c], 63)
	}

	for round := 0; round < 12; round++ {
		sg := blake2bSigma[round]
		mix(0, 4, 8, 12, int(sg[0]), int(sg[1]))
		mix(1, 5, 9, 13, int(sg[2]), int(sg[3]))
		mix(2, 6, 10, 14, int(sg[4]), int(sg[5]))
		mix(3, 7, 11, 15, int(sg[6]), int(sg[7]))
		mix(0, 5, 10, 15, int(sg[8]), int(sg[9]))
		mix(1, 6, 11, 12, int(sg[10]), int(sg[11]))
		mix(2, 7, 8, 13, int(sg[12]), int(sg[13]))
		mix(3, 4, 9, 14, int(sg[14]), int(sg[15]))
	}

	for i := 0; i < 8; i++ {
		s.h[i] ^= v[i] ^ v[i+8]
	}
}

// CKBBlake2b256 computes CKB's personalized Blake2b-256 digest of input.
func CKBBlake2b256(input []byte) [32]byte {
	s := newCKBBlake2bState()

	var block [128]byte
	n := len(input)
	if n == 0 {
		s.t = 0
		s.compress(&block, true)
	} else {
		off := 0
		for remaining := n; remaining > 0; {
			chunk := 128
			last := false
			if remaining <= 128 {
				chunk = remaining
				last = true
			}
			var buf [128]byte
			copy(buf[:], input[off:off+chunk])
			s.t += uint64(chunk)
			s.compress(&buf, last)
			off += chunk
			remaining -= chunk
		}
	}

	var out [32]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], s.h[i])
	}
	return out
}

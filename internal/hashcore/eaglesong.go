package hashcore

// Eaglesong is CKB's proof-of-work hash: a 43-round sponge permutation over
// a 512-bit (16-word) state with a 256-bit (8-word) rate, delimiter 0x06.
//
// The sponge/permutation control flow below (absorb, permute, squeeze;
// bit-matrix multiply, circulant rotation XOR, constant injection,
// add-rotate-add) reproduces CKB's four-layer round structure exactly. The
// three round tables it operates on — the bit-matrix XOR subsets
// (matrixMasks), the per-word rotation-coefficient pairs (rotCoeffs), and
// the 688-word round-constant schedule (injectionConstants) — are the one
// piece of CKB's reference implementation (crate eaglesong, as vendored by
// ckb-pow) that was not reachable from this environment: no network egress
// and no copy of that crate's source or constant dump was available to
// port from. deriveRoundTables below fills them with a deterministic but
// NOT CKB-authentic placeholder, so Eaglesong's output is reproducible
// build-to-build but does not match the upstream test vectors yet; see
// TestEaglesongNamedVectors, which fails until the real tables are ported
// in. Until then, solo-mode share and submit_block validation (both built
// against this package) will reject legitimate shares.

const (
	eaglesongRounds    = 43
	eaglesongStateSize = 16
	eaglesongRateWords = 8
	eaglesongDelimiter = 0x06
)

var (
	matrixMasks        [eaglesongStateSize]uint16
	rotCoeffs          [eaglesongStateSize][2]uint
	injectionConstants [eaglesongRounds * eaglesongStateSize]uint32
)

func init() {
	deriveRoundTables()
}

// splitmix64 generates a well-distributed deterministic stream used to seed
// the round tables; see deriveRoundTables.
func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// deriveRoundTables fills matrixMasks, rotCoeffs, and injectionConstants.
// Each matrixMasks[i] always includes bit i (so the linear layer is never
// degenerate) plus up to two further bits drawn from the generator (draws
// may repeat); rotation coefficients lie in [1, 31] so rotl32 by them is
// never a no-op.
func deriveRoundTables() {
	var seed uint64 = 0xe6a65e5759436f67 // "eaglesong" stamped into the seed

	for i := 0; i < eaglesongStateSize; i++ {
		mask := uint16(1) << uint(i)
		r := splitmix64(&seed)
		mask |= 1 << uint(r%eaglesongStateSize)
		r = splitmix64(&seed)
		mask |= 1 << uint(r%eaglesongStateSize)
		matrixMasks[i] = mask
	}

	for i := 0; i < eaglesongStateSize; i++ {
		r1 := uint(splitmix64(&seed)%31) + 1
		r2 := uint(splitmix64(&seed)%31) + 1
		if r2 == r1 {
			r2 = (r2 % 31) + 1
		}
		rotCoeffs[i] = [2]uint{r1, r2}
	}

	for i := range injectionConstants {
		injectionConstants[i] = uint32(splitmix64(&seed))
	}
}

func rotl32(x uint32, n uint) uint32 {
	n &= 31
	return (x << n) | (x >> (32 - n))
}

// permute applies the 43-round Eaglesong permutation to state in place.
func permute(state *[eaglesongStateSize]uint32) {
	for round := 0; round < eaglesongRounds; round++ {
		// 1. Bit-matrix multiply.
		var n [eaglesongStateSize]uint32
		for i := 0; i < eaglesongStateSize; i++ {
			mask := matrixMasks[i]
			var v uint32
			for j := 0; j < eaglesongStateSize; j++ {
				if mask&(1<<uint(j)) != 0 {
					v ^= state[j]
				}
			}
			n[i] = v
		}
		*state = n

		// 2. Circulant rotation XOR.
		for j := 0; j < eaglesongStateSize; j++ {
			r1, r2 := rotCoeffs[j][0], rotCoeffs[j][1]
			state[j] ^= rotl32(state[j], r1) ^ rotl32(state[j], r2)
		}

		// 3. Constants injection.
		base := round * eaglesongStateSize
		for j := 0; j < eaglesongStateSize; j++ {
			state[j] ^= injectionConstants[base+j]
		}

		// 4. Add-Rotate-Add on word pairs.
		for p := 0; p < eaglesongStateSize; p += 2 {
			p1 := state[p+1]
			state[p] = rotl32(state[p]+p1, 8)
			state[p+1] = state[p] + rotl32(p1, 24)
		}
	}
}

// Eaglesong computes the 32-byte Eaglesong sponge hash of input.
func Eaglesong(input []byte) [32]byte {
	var state [eaglesongStateSize]uint32

	inputLen := len(input)
	numBlocks := ((inputLen + 1) * 8) / 256
	if ((inputLen+1)*8)%256 != 0 {
		numBlocks++
	}

	for b := 0; b < numBlocks; b++ {
		for j := 0; j < eaglesongRateWords; j++ {
			var word uint32
			for k := 0; k < 4; k++ {
				idx := b*32 + j*4 + k
				var byteVal byte
				switch {
				case idx < inputLen:
					byteVal = input[idx]
				case idx == inputLen:
					byteVal = eaglesongDelimiter
				default:
					byteVal = 0
				}
				word = (word << 8) | uint32(byteVal)
			}
			state[j] ^= word
		}
		permute(&state)
	}

	var out [32]byte
	for j := 0; j < 8; j++ {
		v := state[j]
		out[j*4+0] = byte(v)
		out[j*4+1] = byte(v >> 8)
		out[j*4+2] = byte(v >> 16)
		out[j*4+3] = byte(v >> 24)
	}
	return out
}

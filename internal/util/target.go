package util

import (
	"encoding/binary"
	"math/big"
	"math/bits"
)

// Target is a 256-bit unsigned integer stored as four little-endian 64-bit
// limbs (limb 0 holds the least-significant 64 bits). CKB targets are
// naturally little-endian on the wire, and every operation TargetMath needs
// — shift, divide by a small scalar, compare — is cheap on a fixed-width
// limb array, so no arbitrary-precision library is used on this path.
type Target [4]uint64

// MaxTarget256 is 2^256 - 1, the ceiling every computed target clamps to.
var MaxTarget256 = Target{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}

// diff1Baseline is T1 = 2^224, the fixed difficulty-1 target baseline CKB
// uses (unlike Bitcoin's 2^224-ish mantissa-derived constant, this is an
// exact power of two).
var diff1Baseline = Target{0, 0, 0, 1 << 32}

// Bytes returns the target as 32 little-endian bytes (byte 0 = LSB).
func (t Target) Bytes() []byte {
	out := make([]byte, 32)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], t[i])
	}
	return out
}

// TargetFromBytes builds a Target from a 32-byte little-endian slice.
func TargetFromBytes(b []byte) Target {
	var t Target
	buf := PadBytes(b, 32)
	if len(buf) > 32 {
		buf = buf[len(buf)-32:]
	}
	for i := 0; i < 4; i++ {
		t[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return t
}

// Hex returns the lowercase hex encoding of the 32-byte little-endian form.
func (t Target) Hex() string {
	return BytesToHexNoPre(t.Bytes())
}

// Cmp compares two targets as 256-bit unsigned integers: -1, 0, or 1.
func (t Target) Cmp(o Target) int {
	for i := 3; i >= 0; i-- {
		if t[i] < o[i] {
			return -1
		}
		if t[i] > o[i] {
			return 1
		}
	}
	return 0
}

func (t Target) clamp() Target {
	if t.Cmp(MaxTarget256) > 0 {
		return MaxTarget256
	}
	return t
}

// shiftLeft returns t << n (n in [0, 256)), clamped to 2^256-1.
func (t Target) shiftLeft(n uint) Target {
	if n == 0 {
		return t
	}
	if n >= 256 {
		if (t == Target{}) {
			return t
		}
		return MaxTarget256
	}
	var out Target
	limbShift := n / 64
	bitShift := n % 64
	for i := 3; i >= 0; i-- {
		srcIdx := i - int(limbShift)
		if srcIdx < 0 {
			continue
		}
		var v uint64
		v = t[srcIdx] << bitShift
		if bitShift > 0 && srcIdx > 0 {
			v |= t[srcIdx-1] >> (64 - bitShift)
		}
		out[i] = v
	}
	return out.clamp()
}

// shiftRight returns t >> n (n in [0, 256)).
func (t Target) shiftRight(n uint) Target {
	if n == 0 {
		return t
	}
	if n >= 256 {
		return Target{}
	}
	var out Target
	limbShift := n / 64
	bitShift := n % 64
	for i := 0; i < 4; i++ {
		srcIdx := i + int(limbShift)
		if srcIdx > 3 {
			continue
		}
		v := t[srcIdx] >> bitShift
		if bitShift > 0 && srcIdx < 3 {
			v |= t[srcIdx+1] << (64 - bitShift)
		}
		out[i] = v
	}
	return out
}

// divScalar divides t by a positive uint64 scalar, truncating. Processed
// limb-by-limb from the most significant word down using a 128-bit/64-bit
// hardware division primitive, so no arbitrary-precision library is needed
// for this scalar divide.
func (t Target) divScalar(d uint64) Target {
	if d == 0 {
		return MaxTarget256
	}
	var out Target
	var rem uint64
	for i := 3; i >= 0; i-- {
		q, r := bits.Div64(rem, t[i], d)
		out[i] = q
		rem = r
	}
	return out
}

// CompactToTargetLE decodes CKB's compact target representation: the high
// byte is the exponent, the low 24 bits are the mantissa (no sign bit, unlike
// Bitcoin's compact encoding). Returns the 256-bit target clamped to
// 2^256-1.
func CompactToTargetLE(c uint32) Target {
	exp := c >> 24
	man := uint64(c & 0xFFFFFF)

	base := Target{man, 0, 0, 0}
	if exp <= 3 {
		return base.shiftRight(8 * uint(3-exp))
	}
	return base.shiftLeft(8 * uint(exp-3))
}

// DiffToTargetLE converts a difficulty (diff 1 == diff1Baseline) to a target,
// using fixed-point arithmetic with at least 1e6 precision on fractional
// difficulty values so sub-integer diffs (e.g. vardiff's 0.001 floor) don't
// collapse to zero.
func DiffToTargetLE(diff float64) Target {
	if diff <= 0 {
		return MaxTarget256
	}
	const precision = 1_000_000
	scaledDiff := uint64(diff * precision)
	if scaledDiff == 0 {
		scaledDiff = 1
	}
	// target = T1 * precision / scaledDiff
	scaled := diff1Baseline.mulScalar(precision)
	return scaled.divScalar(scaledDiff)
}

// mulScalar multiplies t by a positive uint64 factor, clamped to 2^256-1.
// Carries a 128-bit partial product (via bits.Mul64) limb by limb from the
// least significant word up, the scalar-arithmetic counterpart to divScalar.
func (t Target) mulScalar(factor uint64) Target {
	var out Target
	var carry uint64
	for i := 0; i < 4; i++ {
		hi, lo := bits.Mul64(t[i], factor)
		sum, c := bits.Add64(lo, carry, 0)
		out[i] = sum
		carry = hi + c
	}
	if carry != 0 {
		return MaxTarget256
	}
	return out
}

// bigIntToLEBytes renders bi as 32 little-endian bytes, clamped to 2^256-1.
func bigIntToLEBytes(bi *big.Int) []byte {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if bi.Cmp(max) > 0 {
		bi = max
	}
	be := bi.Bytes() // big-endian, no leading zero byte guarantee on length
	be = append(make([]byte, 32-len(be)), be...)
	return ReverseBytesCopy(be)
}

// bigIntToHexLE renders a big.Int as a 64-hex-char little-endian string, as
// named in the testable-properties round-trip (§8).
func bigIntToHexLE(bi *big.Int) string {
	return BytesToHexNoPre(bigIntToLEBytes(bi))
}

// hexLEToBigInt parses a 64-hex-char little-endian string back into a
// big.Int, the inverse of bigIntToHexLE.
func hexLEToBigInt(hexLE string) *big.Int {
	b, err := HexToBytes(hexLE)
	if err != nil {
		return big.NewInt(0)
	}
	be := ReverseBytesCopy(b)
	return new(big.Int).SetBytes(be)
}

// BigIntToHexLE is the exported form of bigIntToHexLE, for callers outside
// this package that need the big-integer round-trip (e.g. tests, debug
// tooling).
func BigIntToHexLE(bi *big.Int) string { return bigIntToHexLE(bi) }

// HexLEToBigInt is the exported form of hexLEToBigInt.
func HexLEToBigInt(hexLE string) *big.Int { return hexLEToBigInt(hexLE) }

// MeetsTarget reports whether a 32-byte hash, interpreted as a 256-bit
// little-endian unsigned integer, is less than or equal to target — i.e.
// whether the hash satisfies the proof-of-work target. Comparison proceeds
// byte-wise from index 31 down to 0, per spec.
func MeetsTarget(hash32 []byte, target Target) bool {
	if len(hash32) != 32 {
		return false
	}
	for i := 31; i >= 0; i-- {
		h := hash32[i]
		tb := byte(target[i/8] >> (uint(i%8) * 8))
		if h < tb {
			return true
		}
		if h > tb {
			return false
		}
	}
	return true // equal
}

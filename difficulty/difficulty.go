// Package difficulty implements the compact 4-byte difficulty encoding and
// its conversions to a 256-bit proof-of-work target and to work.
//
// A Difficulty is laid out as:
//
//	-------------------------------------------------
//	|    Exponent    |             Mantissa          |
//	|-------------------------------------------------|
//	|     byte 0     |  bytes 1-3 (big-endian, 24 bit) |
//	-------------------------------------------------
//
// The exponent is the number of leading zero bits required of the target and
// the mantissa holds the 24 target bits directly following them. All lower
// bits of the decoded target are ones.
package difficulty

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"

	"github.com/pkg/errors"
)

// Size is the serialized size of a Difficulty in bytes.
const Size = 4

const (
	targetBits   = 256
	mantissaBits = 24
	mantissaMask = 1<<mantissaBits - 1
)

var (
	bigOne = big.NewInt(1)

	// TargetMax is the all-ones 256-bit value, the numerator of every work
	// computation.
	TargetMax = new(big.Int).Sub(new(big.Int).Lsh(bigOne, targetBits), bigOne)
)

// ErrInvalidWork is returned when a work value cannot be encoded.
var ErrInvalidWork = errors.New("work out of range")

// Difficulty is the compact representation of a proof-of-work target. It is
// serialized as its raw 4 bytes, never as the decoded target.
type Difficulty [Size]byte

// New builds a difficulty from an exponent and a 24-bit mantissa.
func New(exponent uint8, mantissa uint32) Difficulty {
	return Difficulty{
		exponent,
		byte(mantissa >> 16),
		byte(mantissa >> 8),
		byte(mantissa),
	}
}

// FromUint32 interprets a big-endian packed compact value.
func FromUint32(compact uint32) Difficulty {
	return New(uint8(compact>>24), compact&mantissaMask)
}

// Uint32 returns the big-endian packed compact value.
func (d Difficulty) Uint32() uint32 {
	return uint32(d[0])<<24 | d.Mantissa()
}

// Exponent returns the number of leading zero bits required of the target.
func (d Difficulty) Exponent() uint8 {
	return d[0]
}

// Mantissa returns the 24 target bits following the exponent.
func (d Difficulty) Mantissa() uint32 {
	return uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3])
}

// Decode converts a difficulty to its 256-bit target.
func Decode(d Difficulty) *big.Int {
	width := uint(targetBits - int(d.Exponent()))
	mantissa := big.NewInt(int64(d.Mantissa()))

	if width < mantissaBits {
		return mantissa.Rsh(mantissa, mantissaBits-width)
	}

	low := width - mantissaBits
	ones := new(big.Int).Lsh(bigOne, low)
	ones.Sub(ones, bigOne)
	return mantissa.Lsh(mantissa, low).Or(mantissa, ones)
}

// Encode returns the difficulty whose target is expected to take work hash
// attempts to meet.
func Encode(work *big.Int) (Difficulty, error) {
	if work == nil || work.Sign() <= 0 || work.BitLen() > targetBits {
		return Difficulty{}, errors.Wrapf(ErrInvalidWork, "cannot encode work %v", work)
	}

	exponent := uint(work.BitLen() - 1)
	target := new(big.Int).Add(work, bigOne)
	target.Div(TargetMax, target)

	width := targetBits - exponent
	var mantissa *big.Int
	if width < mantissaBits {
		mantissa = target.Lsh(target, mantissaBits-width)
	} else {
		mantissa = target.Rsh(target, width-mantissaBits)
	}
	m := uint32(mantissa.Uint64() & mantissaMask)

	return New(uint8(exponent), m), nil
}

// Work returns the expected number of hash attempts needed to meet the
// target of d. A zero target counts as a target of one.
func Work(d Difficulty) *big.Int {
	target := Decode(d)
	if target.Sign() == 0 {
		target.SetInt64(1)
	}
	return target.Div(TargetMax, target)
}

// WorkFromTarget returns TargetMax / target.
func WorkFromTarget(target *big.Int) *big.Int {
	if target.Sign() <= 0 {
		return new(big.Int).Set(TargetMax)
	}
	return new(big.Int).Div(TargetMax, target)
}

// TargetMin returns 2^exponent, the smallest target difficulty adjustment may
// produce.
func TargetMin(exponent uint) *big.Int {
	return new(big.Int).Lsh(bigOne, exponent)
}

// Target is shorthand for Decode(d).
func (d Difficulty) Target() *big.Int {
	return Decode(d)
}

// Work is shorthand for Work(d).
func (d Difficulty) Work() *big.Int {
	return Work(d)
}

// Log2Work returns log2 of the work of d.
func (d Difficulty) Log2Work() float64 {
	return log2(d.Work())
}

// String renders log2 of the difficulty's work with four decimals, truncated
// toward zero.
func (d Difficulty) String() string {
	truncated := math.Floor(d.Log2Work()*1e4) / 1e4
	return fmt.Sprintf("%.4f", truncated)
}

// MarshalText encodes the raw compact bytes as hex.
func (d Difficulty) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(d[:])), nil
}

// UnmarshalText decodes the hex form produced by MarshalText.
func (d *Difficulty) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != Size {
		return errors.Errorf("difficulty must be %d hex encoded bytes, got %q", Size, text)
	}
	_, err := hex.Decode(d[:], text)
	return errors.Wrap(err, "invalid difficulty")
}

// log2 keeps the 53 most significant bits so the float conversion is exact.
func log2(n *big.Int) float64 {
	bitLen := n.BitLen()
	if bitLen == 0 {
		return math.Inf(-1)
	}
	if bitLen <= 53 {
		return math.Log2(float64(n.Uint64()))
	}
	shift := bitLen - 53
	top := new(big.Int).Rsh(n, uint(shift))
	return float64(shift) + math.Log2(float64(top.Uint64()))
}

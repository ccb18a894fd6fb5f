package difficulty

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKnownVector(t *testing.T) {
	d, err := Encode(big.NewInt(9785))
	require.NoError(t, err)
	assert.Equal(t, "13.2563", d.String())
	assert.Equal(t, uint8(13), d.Exponent())
	assert.Equal(t, int64(9785), d.Work().Int64())
}

func TestEncodeRejectsInvalidWork(t *testing.T) {
	tests := []struct {
		name string
		work *big.Int
	}{
		{"nil", nil},
		{"zero", big.NewInt(0)},
		{"negative", big.NewInt(-5)},
		{"too large", new(big.Int).Lsh(bigOne, 256)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Encode(test.work)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidWork))
		})
	}
}

func TestDecode(t *testing.T) {
	// Exponent zero with an all-ones mantissa is the all-ones target.
	assert.Equal(t, 0, Decode(New(0, 0xffffff)).Cmp(TargetMax))

	// 8 leading zeros, mantissa 0x800000, then ones.
	want := new(big.Int).Lsh(big.NewInt(0x800000), 224)
	want.Or(want, new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne))
	assert.Equal(t, 0, Decode(New(8, 0x800000)).Cmp(want))

	// Fewer than 24 significant bits keep the mantissa's high bits.
	assert.Equal(t, int64(0xff), Decode(New(248, 0xff0000)).Int64())
	assert.Equal(t, int64(1), Decode(New(255, 0x800000)).Int64())
	assert.Equal(t, int64(0), Decode(New(255, 0x000001)).Int64())
}

func TestWorkOfZeroTarget(t *testing.T) {
	assert.Equal(t, 0, Work(New(255, 0)).Cmp(TargetMax))
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	check := func(w *big.Int) {
		d, err := Encode(w)
		require.NoError(t, err)

		// Allow the mantissa's resolution plus one unit of integer flooring.
		tolerance := new(big.Int).Rsh(w, 22)
		tolerance.Add(tolerance, bigOne)

		diff := new(big.Int).Sub(d.Work(), w)
		diff.Abs(diff)
		assert.True(t, diff.Cmp(tolerance) <= 0,
			"work %v round tripped to %v (difficulty %x)", w, d.Work(), d[:])
	}

	for i := int64(1); i < 5000; i++ {
		check(big.NewInt(i))
	}
	for bits := 13; bits <= 200; bits++ {
		for i := 0; i < 20; i++ {
			w := new(big.Int).Rand(rng, new(big.Int).Lsh(bigOne, uint(bits)))
			w.SetBit(w, bits-1, 1)
			check(w)
		}
	}
}

func TestMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randomDifficulty := func() Difficulty {
		return New(uint8(rng.Intn(233)), uint32(rng.Intn(1<<24)))
	}
	for i := 0; i < 2000; i++ {
		d1, d2 := randomDifficulty(), randomDifficulty()
		if i%10 == 0 {
			d2 = New(d1.Exponent(), d1.Mantissa()^uint32(rng.Intn(16)))
		}
		workCmp := Work(d1).Cmp(Work(d2))
		targetCmp := Decode(d1).Cmp(Decode(d2))
		if workCmp > 0 {
			assert.Equal(t, -1, targetCmp, "difficulties %x and %x", d1[:], d2[:])
		}
		if targetCmp < 0 {
			assert.NotEqual(t, -1, workCmp, "difficulties %x and %x", d1[:], d2[:])
		}
	}
}

func TestWorkIncreasesWithEncodedWork(t *testing.T) {
	prev := big.NewInt(0)
	for _, w := range []int64{1 << 10, 1 << 20, 1 << 30, 1 << 40, 1 << 50, 1 << 60} {
		d, err := Encode(big.NewInt(w))
		require.NoError(t, err)
		require.Equal(t, 1, d.Work().Cmp(prev))
		prev = d.Work()
	}
}

func TestCompactConversions(t *testing.T) {
	d := FromUint32(0x0d123456)
	assert.Equal(t, Difficulty{0x0d, 0x12, 0x34, 0x56}, d)
	assert.Equal(t, uint32(0x0d123456), d.Uint32())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0d123456", string(text))

	var decoded Difficulty
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, d, decoded)

	assert.Error(t, decoded.UnmarshalText([]byte("0d12")))
	assert.Error(t, decoded.UnmarshalText([]byte("zz123456")))
}

func TestTargetMin(t *testing.T) {
	assert.Equal(t, 0, TargetMin(0).Cmp(bigOne))
	assert.Equal(t, 201, TargetMin(200).BitLen())
}

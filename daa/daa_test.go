package daa

import (
	"math/big"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dag-ledger/config"
	"dag-ledger/difficulty"
	"dag-ledger/models"
)

type history map[uint64]models.ChainState

func (h history) Window(from, to uint64) ([]models.ChainState, error) {
	window := make([]models.ChainState, 0, to-from+1)
	for height := from; height <= to; height++ {
		s, ok := h[height]
		if !ok {
			return nil, errors.Errorf("no chain state at height %d", height)
		}
		window = append(window, s)
	}
	return window, nil
}

func mustEncode(t *testing.T, work int64) difficulty.Difficulty {
	d, err := difficulty.Encode(big.NewInt(work))
	require.NoError(t, err)
	return d
}

// buildHistory creates states 1..n at difficulty d, with blocksPerView blocks
// finalized by every view.
func buildHistory(d difficulty.Difficulty, n, blocksPerView uint64) history {
	h := make(history)
	for height := uint64(1); height <= n; height++ {
		h[height] = models.ChainState{
			Height:     height,
			Difficulty: d,
			BlockCount: height * blocksPerView,
			Weight:     new(big.Int),
		}
	}
	return h
}

func testParams(startingDifficulty uint) *config.Params {
	params := config.SimNetParams
	params.StartingDifficulty = startingDifficulty
	params.DifficultyLookback = 10
	return &params
}

func TestWindowBounds(t *testing.T) {
	tests := []struct {
		height, lookback uint64
		from, to         uint64
		ok               bool
	}{
		{1, 10, 0, 0, false},
		{2, 10, 0, 0, false},
		{3, 10, 1, 2, true},
		{11, 10, 1, 10, true},
		{12, 10, 2, 11, true},
		{50, 10, 40, 49, true},
		{50, 1, 49, 49, false},
	}
	for _, test := range tests {
		from, to, ok := window(test.height, test.lookback)
		assert.Equal(t, test.ok, ok, "height %d", test.height)
		if test.ok {
			assert.Equal(t, test.from, from, "height %d", test.height)
			assert.Equal(t, test.to, to, "height %d", test.height)
		}
	}
}

func TestNoHistoryKeepsDifficulty(t *testing.T) {
	d := mustEncode(t, 1<<20)
	for _, height := range []uint64{0, 1, 2} {
		current := &models.ChainState{Height: height, Difficulty: d, Weight: new(big.Int)}
		next, err := NextDifficulty(testParams(200), current, 5, history{})
		require.NoError(t, err)
		assert.Equal(t, d, next)
	}
}

func TestMissingStateIsCorruption(t *testing.T) {
	d := mustEncode(t, 1<<20)
	h := buildHistory(d, 9, 2)
	delete(h, 6)

	current := &models.ChainState{Height: 10, Difficulty: d, BlockCount: 20, Weight: new(big.Int)}
	_, err := NextDifficulty(testParams(200), current, 2, h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruption))
}

type shortReader struct{ history }

func (s shortReader) Window(from, to uint64) ([]models.ChainState, error) {
	w, err := s.history.Window(from, to)
	if err != nil {
		return nil, err
	}
	return w[1:], nil
}

func TestShortWindowIsCorruption(t *testing.T) {
	d := mustEncode(t, 1<<20)
	current := &models.ChainState{Height: 10, Difficulty: d, BlockCount: 20, Weight: new(big.Int)}
	_, err := NextDifficulty(testParams(200), current, 2, shortReader{buildHistory(d, 9, 2)})
	assert.True(t, errors.Is(err, ErrCorruption))
}

func TestBalancedWindowKeepsWork(t *testing.T) {
	d := mustEncode(t, 1<<30)
	work := difficulty.Work(d)

	// Window [1, 3]: actual = 2W + 2W, estimated = 2W + W + W.
	current := &models.ChainState{Height: 4, Difficulty: d, BlockCount: 8, Weight: new(big.Int)}
	target, err := nextTarget(testParams(200), current, 2, buildHistory(d, 3, 2))
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, 0, target.Cmp(new(big.Int).Quo(difficulty.TargetMax, work)))

	next, err := NextDifficulty(testParams(200), current, 2, buildHistory(d, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, d.String(), next.String())
}

func TestFastViewsClampTargetStep(t *testing.T) {
	// 4*TargetMin is 1/16 of the current target of about 2^236.
	params := testParams(230)
	d := mustEncode(t, 1<<20)
	currentTarget := difficulty.Decode(d)

	// Many more blocks per view than the estimate of one.
	h := buildHistory(d, 10, 1000)
	current := &models.ChainState{Height: 11, Difficulty: d, BlockCount: 11000, Weight: new(big.Int)}

	target, err := nextTarget(params, current, 1, h)
	require.NoError(t, err)

	floor := new(big.Int).Mul(difficulty.TargetMin(params.StartingDifficulty), big.NewInt(4))
	floor.Sub(currentTarget, floor)
	assert.Equal(t, 0, target.Cmp(floor), "target should be clamped to the step floor")

	next, err := NextDifficulty(params, current, 1, h)
	require.NoError(t, err)
	assert.True(t, next.Work().Cmp(d.Work()) > 0, "difficulty should rise")
}

func TestTargetNeverBelowTargetMin(t *testing.T) {
	params := testParams(230)
	targetMin := difficulty.TargetMin(params.StartingDifficulty)

	// The current target is about 2^232, so the step floor falls under
	// TargetMin and the absolute floor applies.
	d := mustEncode(t, 1<<24)
	h := buildHistory(d, 10, 1000)
	current := &models.ChainState{Height: 11, Difficulty: d, BlockCount: 11000, Weight: new(big.Int)}

	target, err := nextTarget(params, current, 1, h)
	require.NoError(t, err)
	assert.Equal(t, 0, target.Cmp(targetMin))
}

func TestSlowViewsLowerDifficulty(t *testing.T) {
	params := testParams(200)
	d := mustEncode(t, 1<<40)

	// One block every ten views, against an estimate of 100 blocks.
	h := make(history)
	for height := uint64(1); height <= 10; height++ {
		h[height] = models.ChainState{
			Height:     height,
			Difficulty: d,
			BlockCount: height / 10,
			Weight:     new(big.Int),
		}
	}
	current := &models.ChainState{Height: 11, Difficulty: d, BlockCount: 1, Weight: new(big.Int)}

	target, err := nextTarget(params, current, 100, h)
	require.NoError(t, err)
	assert.True(t, target.Cmp(difficulty.TargetMin(params.StartingDifficulty)) >= 0)
	assert.True(t, target.Cmp(difficulty.Decode(d)) > 0)

	next, err := NextDifficulty(params, current, 100, h)
	require.NoError(t, err)
	assert.True(t, next.Work().Cmp(d.Work()) < 0)
}

func TestNoBlocksFallsToEasiest(t *testing.T) {
	params := testParams(200)
	d := mustEncode(t, 1<<20)
	h := buildHistory(d, 10, 0)
	current := &models.ChainState{Height: 11, Difficulty: d, Weight: new(big.Int)}

	target, err := nextTarget(params, current, 0, h)
	require.NoError(t, err)
	assert.Equal(t, 0, target.Cmp(difficulty.TargetMax))
}

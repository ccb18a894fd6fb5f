// Package daa computes the difficulty of the next view from a trailing
// window of chain states.
package daa

import (
	"math/big"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-ledger/config"
	"dag-ledger/difficulty"
	"dag-ledger/logger"
	"dag-ledger/models"
)

// scale is the fixed-point denominator of the actual/estimated work ratio.
const scale = 1_000_000

var (
	bigScale = big.NewInt(scale)
	bigFour  = big.NewInt(4)
)

// ErrCorruption is returned when a chain state inside the adjustment window
// cannot be read. It means the local ledger is damaged and state advancement
// must stop.
var ErrCorruption = errors.New("chain state ledger corrupted")

// WindowReader provides a by-value snapshot of a contiguous height range.
type WindowReader interface {
	Window(from, to uint64) ([]models.ChainState, error)
}

// NextDifficulty returns the difficulty blocks must meet after current,
// given the number of blocks observed in the view that produced it.
func NextDifficulty(params *config.Params, current *models.ChainState,
	blocksInView uint64, history WindowReader) (difficulty.Difficulty, error) {

	target, err := nextTarget(params, current, blocksInView, history)
	if err != nil {
		return difficulty.Difficulty{}, err
	}
	if target == nil {
		return current.Difficulty, nil
	}

	next, err := difficulty.Encode(difficulty.WorkFromTarget(target))
	if err != nil {
		return difficulty.Difficulty{}, err
	}

	logger.Logger.Debug("Difficulty adjusted",
		zap.Uint64("height", current.Height),
		zap.Stringer("from", current.Difficulty),
		zap.Stringer("to", next))
	return next, nil
}

// window returns the height range integrated for a state at height h, and
// false when it holds fewer than two states.
func window(h, lookback uint64) (from, to uint64, ok bool) {
	if h < 3 {
		return 0, 0, false
	}
	from = 1
	if h > lookback+1 {
		from = h - lookback
	}
	to = h - 1
	return from, to, to > from
}

// nextTarget returns the clamped target for the next view, or nil when the
// window carries nothing to scale by.
func nextTarget(params *config.Params, current *models.ChainState,
	blocksInView uint64, history WindowReader) (*big.Int, error) {

	currentWork := difficulty.Work(current.Difficulty)
	estimated := new(big.Int).Mul(currentWork, new(big.Int).SetUint64(blocksInView))
	actual := new(big.Int)

	from, to, ok := window(current.Height, params.DifficultyLookback)
	if !ok {
		return nil, nil
	}

	states, err := history.Window(from, to)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruption, "reading window [%d, %d]: %v", from, to, err)
	}
	if uint64(len(states)) != to-from+1 {
		return nil, errors.Wrapf(ErrCorruption, "window [%d, %d] returned %d states", from, to, len(states))
	}

	tmp := new(big.Int)
	for i := 1; i < len(states); i++ {
		previous, state := &states[i-1], &states[i]
		if previous.Height != from+uint64(i-1) || state.Height != previous.Height+1 {
			return nil, errors.Wrapf(ErrCorruption, "window [%d, %d] is not contiguous at height %d",
				from, to, state.Height)
		}
		if state.BlockCount < previous.BlockCount {
			return nil, errors.Wrapf(ErrCorruption, "block count decreases at height %d", state.Height)
		}

		tmp.SetUint64(state.BlockCount - previous.BlockCount)
		tmp.Mul(tmp, difficulty.Work(previous.Difficulty))
		actual.Add(actual, tmp)
		estimated.Add(estimated, difficulty.Work(state.Difficulty))
	}
	if estimated.Sign() == 0 {
		return nil, nil
	}

	// newWork = currentWork * (actual * K / estimated) / K
	ratio := new(big.Int).Mul(actual, bigScale)
	ratio.Quo(ratio, estimated)
	newWork := new(big.Int).Mul(currentWork, ratio)
	newWork.Quo(newWork, bigScale)
	if newWork.Sign() <= 0 {
		newWork.SetInt64(1)
	}

	newTarget := new(big.Int).Quo(difficulty.TargetMax, newWork)

	targetMin := difficulty.TargetMin(params.StartingDifficulty)
	floor := new(big.Int).Mul(targetMin, bigFour)
	floor.Sub(difficulty.Decode(current.Difficulty), floor)
	if newTarget.Cmp(floor) < 0 {
		newTarget.Set(floor)
	}
	if newTarget.Cmp(targetMin) < 0 {
		newTarget.Set(targetMin)
	}
	return newTarget, nil
}

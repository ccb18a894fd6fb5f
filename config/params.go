package config

import "github.com/pkg/errors"

// Params defines the consensus constants of a network. Two nodes must run
// with identical params to agree on entry identity and chain weight.
type Params struct {
	Name string

	// StartingDifficulty is the exponent of TargetMin = 2^StartingDifficulty,
	// the floor difficulty adjustment clamps targets to.
	StartingDifficulty uint

	// GenesisWork is the work the genesis chain state's difficulty encodes.
	GenesisWork uint64

	// DifficultyLookback is the number of chain states the adjustment
	// integrates over.
	DifficultyLookback uint64

	// GenesisTimestamp is the unix millisecond timestamp of the genesis entry.
	GenesisTimestamp uint64
}

// MainNetParams are the parameters of the main network.
var MainNetParams = Params{
	Name:               "mainnet",
	StartingDifficulty: 200,
	GenesisWork:        1 << 24,
	DifficultyLookback: 10,
	GenesisTimestamp:   1700000000000,
}

// TestNetParams are the parameters of the public test network.
var TestNetParams = Params{
	Name:               "testnet",
	StartingDifficulty: 224,
	GenesisWork:        1 << 16,
	DifficultyLookback: 10,
	GenesisTimestamp:   1700000000000,
}

// SimNetParams are meant for local testing. Roughly every other hash meets
// the genesis difficulty.
var SimNetParams = Params{
	Name:               "simnet",
	StartingDifficulty: 240,
	GenesisWork:        1,
	DifficultyLookback: 5,
	GenesisTimestamp:   1700000000000,
}

// NetworkParams returns the params registered under name.
func NetworkParams(name string) (*Params, error) {
	for _, p := range []*Params{&MainNetParams, &TestNetParams, &SimNetParams} {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, errors.Errorf("unknown network %q", name)
}

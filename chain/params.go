package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/validator-tools/keeper/types"
)

var ErrInvalidConfig = errors.New("invalid blockchain config")

// Global configuration parameters the keeper consumes, by number.
const (
	ParamElectorAddress  uint32 = 1
	ParamElectionTimings uint32 = 15
	ParamValidatorCount  uint32 = 16
	ParamStakeLimits     uint32 = 17
	ParamStoragePrices   uint32 = 18
	ParamCurrentVset     uint32 = 34
)

// ElectionTimings is config param 15.
type ElectionTimings struct {
	ValidatorsElectedFor uint32 `json:"validators_elected_for"`
	ElectionsStartBefore uint32 `json:"elections_start_before"`
	ElectionsEndBefore   uint32 `json:"elections_end_before"`
	StakeHeldFor         uint32 `json:"stake_held_for"`
}

// ValidatorCount is config param 16.
type ValidatorCount struct {
	MaxValidators     uint32 `json:"max_validators"`
	MaxMainValidators uint32 `json:"max_main_validators"`
	MinValidators     uint32 `json:"min_validators"`
}

// StakeLimits is config param 17. Amounts are decimal nanotoken strings.
type StakeLimits struct {
	MinStake       string `json:"min_stake"`
	MaxStake       string `json:"max_stake"`
	MinTotalStake  string `json:"min_total_stake"`
	MaxStakeFactor uint32 `json:"max_stake_factor"`
}

// StoragePrices is one entry of config param 18.
type StoragePrices struct {
	UtimeSince    uint32 `json:"utime_since"`
	BitPricePs    uint64 `json:"bit_price_ps"`
	CellPricePs   uint64 `json:"cell_price_ps"`
	McBitPricePs  uint64 `json:"mc_bit_price_ps"`
	McCellPricePs uint64 `json:"mc_cell_price_ps"`
}

// ValidatorSetInfo is the subset of config param 34 the keeper needs.
type ValidatorSetInfo struct {
	UtimeSince uint32 `json:"utime_since"`
	UtimeUntil uint32 `json:"utime_until"`
	Total      uint32 `json:"total"`
	Main       uint32 `json:"main"`
}

// configParams is the JSON document returned by the node for a config query.
type configParams struct {
	P1  *string           `json:"p1"`
	P15 *ElectionTimings  `json:"p15"`
	P16 *ValidatorCount   `json:"p16"`
	P17 *StakeLimits      `json:"p17"`
	P18 []StoragePrices   `json:"p18"`
	P34 *ValidatorSetInfo `json:"p34"`
}

func parseConfigParams(data []byte) (*configParams, error) {
	params := &configParams{}
	if err := json.Unmarshal(data, params); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return params, nil
}

func (p *configParams) electorAddress() (types.Address, error) {
	if p.P1 == nil {
		return types.Address{}, fmt.Errorf("%w: missing elector address (p1)", ErrInvalidConfig)
	}
	// the elector always lives in the masterchain
	return types.ParseAddress("-1:" + *p.P1)
}

func (p *configParams) minStake() (*uint256.Int, error) {
	if p.P17 == nil {
		return nil, fmt.Errorf("%w: missing stake limits (p17)", ErrInvalidConfig)
	}
	stake, err := uint256.FromDecimal(p.P17.MinStake)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed min stake %q", ErrInvalidConfig, p.P17.MinStake)
	}
	return stake, nil
}

package staking

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/validator-tools/keeper/types"
)

// Single stakes from one validator wallet straight to the elector.
type Single struct {
	wallet        types.Address
	stakePerRound *uint256.Int
}

func NewSingle(wallet types.Address, stakePerRound *uint256.Int) *Single {
	return &Single{wallet: wallet, stakePerRound: stakePerRound}
}

func (s *Single) Kind() string { return "single" }

func (s *Single) WalletAddress() types.Address { return s.wallet }

// Participant is the wallet itself: single staking funds the elector directly.
func (s *Single) Participant(uint32) types.Address { return s.wallet }

// RequiredTransfers emits the stake transfer to the elector, preceded by a
// wallet top-up when the current balance cannot cover stake plus the storage
// fee headroom.
func (s *Single) RequiredTransfers(ctx context.Context, env *Env) ([]StakeRequest, error) {
	state, err := env.Accounts.AccountState(ctx, s.wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to read validator wallet: %w", err)
	}
	if state.Frozen {
		return nil, fmt.Errorf("%w: validator wallet %s", ErrAccountFrozen, s.wallet)
	}

	if s.stakePerRound.Lt(env.Snapshot.Election.MinStake) {
		return nil, fmt.Errorf("configured stake %s is below the chain minimum %s",
			types.Tokens(s.stakePerRound), types.Tokens(env.Snapshot.Election.MinStake))
	}

	fee := EstimateStorageFee(state.Storage, env.Snapshot.StoragePrices, env.Now, s.wallet.IsMasterchain())
	required := new(uint256.Int).Add(s.stakePerRound, storageHeadroom(fee))

	var transfers []StakeRequest
	if state.Balance.Lt(required) {
		transfers = append(transfers, StakeRequest{
			Amount:      new(uint256.Int).Sub(required, state.Balance),
			Destination: s.wallet,
			Purpose:     PurposeTopUp,
		})
	}

	// the stake carries the accrued storage fee on top so the wallet never
	// stakes less than configured after the chain collects its dues
	transfers = append(transfers, StakeRequest{
		Amount:      new(uint256.Int).Add(s.stakePerRound, fee),
		Destination: env.Snapshot.ElectorAddress,
		Purpose:     PurposeStake,
	})
	return transfers, nil
}

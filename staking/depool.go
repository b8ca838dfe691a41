package staking

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/validator-tools/keeper/types"
)

// minimum working balance a proxy keeps on top of its accrued storage fee
const minProxyReserve = 2 * oneToken

// DePool stakes through a pooling contract with intermediary proxy accounts.
// Proxies forward messages between the pool and the elector and must stay
// funded, or the pool's round ticket fails on the forwarded hop.
type DePool struct {
	wallet  types.Address
	pool    types.Address
	proxies []types.Address
}

func NewDePool(wallet, pool types.Address, proxies []types.Address) (*DePool, error) {
	if len(proxies) == 0 {
		return nil, fmt.Errorf("depool requires at least one proxy")
	}
	return &DePool{wallet: wallet, pool: pool, proxies: proxies}, nil
}

func (d *DePool) Kind() string { return "depool" }

func (d *DePool) WalletAddress() types.Address { return d.wallet }

func (d *DePool) PoolAddress() types.Address { return d.pool }

// Participant alternates between the pool proxies round by round, matching
// the pool contract's own rotation.
func (d *DePool) Participant(electionID uint32) types.Address {
	return d.proxies[int(electionID)%len(d.proxies)]
}

// RequiredTransfers tops up every underfunded proxy strictly before the round
// ticket transfer to the pool. The ticket is always last: a proxy funded after
// the ticket would be funded too late.
func (d *DePool) RequiredTransfers(ctx context.Context, env *Env) ([]StakeRequest, error) {
	var transfers []StakeRequest

	for _, proxy := range d.proxies {
		state, err := env.Accounts.AccountState(ctx, proxy)
		if err != nil {
			return nil, fmt.Errorf("failed to read proxy %s: %w", proxy, err)
		}
		if state.Frozen {
			return nil, fmt.Errorf("%w: proxy %s", ErrAccountFrozen, proxy)
		}

		fee := EstimateStorageFee(state.Storage, env.Snapshot.StoragePrices, env.Now, proxy.IsMasterchain())
		required := new(uint256.Int).AddUint64(fee, minProxyReserve)
		if state.Balance.Lt(required) {
			transfers = append(transfers, StakeRequest{
				Amount:      new(uint256.Int).Sub(required, state.Balance),
				Destination: proxy,
				Purpose:     PurposeTopUp,
			})
		}
	}

	// the round ticket itself carries one token for processing
	transfers = append(transfers, StakeRequest{
		Amount:      uint256.NewInt(oneToken),
		Destination: d.pool,
		Purpose:     PurposeStake,
	})
	return transfers, nil
}

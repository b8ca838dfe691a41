package staking

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/validator-tools/keeper/chain"
	"github.com/validator-tools/keeper/types"
)

type fakeAccounts map[string]*chain.AccountState

func (f fakeAccounts) AccountState(_ context.Context, address types.Address) (*chain.AccountState, error) {
	state, ok := f[address.String()]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	return state, nil
}

func addr(t *testing.T, workchain int32, fill byte) types.Address {
	t.Helper()
	a := types.Address{Workchain: workchain}
	for i := range a.Account {
		a.Account[i] = fill
	}
	return a
}

func testEnv(accounts fakeAccounts, elector types.Address) *Env {
	return &Env{
		Snapshot: &chain.Snapshot{
			Election: chain.ElectionParams{
				ElectionID: 1700000000,
				MinStake:   uint256.NewInt(10_000 * oneToken),
			},
			ElectorAddress: elector,
			StoragePrices: []chain.StoragePrices{{
				BitPricePs: 1, CellPricePs: 500, McBitPricePs: 1000, McCellPricePs: 500000,
			}},
		},
		Accounts: accounts,
		Now:      1700000000,
	}
}

func TestSingleStakesWhenFunded(t *testing.T) {
	wallet := addr(t, -1, 0x01)
	elector := addr(t, -1, 0xee)
	stake := uint256.NewInt(20_000 * oneToken)

	// (100*500000 + 40000*1000) * 65536 / 2^16 on the mc price column
	accounts := fakeAccounts{wallet.String(): &chain.AccountState{
		Balance: uint256.NewInt(50_000 * oneToken),
		Storage: chain.StorageStat{Cells: 100, Bits: 40000, LastPaid: 1700000000 - 65536},
	}}
	single := NewSingle(wallet, stake)

	transfers, err := single.RequiredTransfers(context.Background(), testEnv(accounts, elector))
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, PurposeStake, transfers[0].Purpose)
	require.Equal(t, elector, transfers[0].Destination)
	require.Equal(t, uint64(20_000*oneToken+90_000_000), transfers[0].Amount.Uint64(),
		"the stake carries the accrued storage fee on top of the configured amount")
}

func TestSingleTopsUpBeforeStaking(t *testing.T) {
	wallet := addr(t, -1, 0x01)
	elector := addr(t, -1, 0xee)
	stake := uint256.NewInt(20_000 * oneToken)

	accounts := fakeAccounts{wallet.String(): &chain.AccountState{
		Balance: uint256.NewInt(5_000 * oneToken),
		Storage: chain.StorageStat{LastPaid: 1700000000},
	}}
	single := NewSingle(wallet, stake)

	transfers, err := single.RequiredTransfers(context.Background(), testEnv(accounts, elector))
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	require.Equal(t, PurposeTopUp, transfers[0].Purpose)
	require.Equal(t, wallet, transfers[0].Destination)
	// shortfall: stake + 1 token headroom - balance
	require.Equal(t, uint64(15_001*oneToken), transfers[0].Amount.Uint64())

	require.Equal(t, PurposeStake, transfers[1].Purpose, "the stake always comes last")
}

func TestSingleRejectsStakeBelowMinimum(t *testing.T) {
	wallet := addr(t, -1, 0x01)
	accounts := fakeAccounts{wallet.String(): &chain.AccountState{
		Balance: uint256.NewInt(50_000 * oneToken),
	}}
	single := NewSingle(wallet, uint256.NewInt(1*oneToken))

	_, err := single.RequiredTransfers(context.Background(), testEnv(accounts, addr(t, -1, 0xee)))
	require.ErrorContains(t, err, "below the chain minimum")
}

func TestSingleRejectsFrozenWallet(t *testing.T) {
	wallet := addr(t, -1, 0x01)
	accounts := fakeAccounts{wallet.String(): &chain.AccountState{
		Balance: uint256.NewInt(50_000 * oneToken),
		Frozen:  true,
	}}
	single := NewSingle(wallet, uint256.NewInt(20_000*oneToken))

	_, err := single.RequiredTransfers(context.Background(), testEnv(accounts, addr(t, -1, 0xee)))
	require.ErrorIs(t, err, ErrAccountFrozen)
}

func TestDePoolRequiresProxies(t *testing.T) {
	_, err := NewDePool(addr(t, 0, 1), addr(t, 0, 2), nil)
	require.Error(t, err)
}

func TestDePoolTicketOnlyWhenProxiesFunded(t *testing.T) {
	wallet := addr(t, 0, 0x01)
	pool := addr(t, 0, 0x02)
	proxyA := addr(t, -1, 0x0a)
	proxyB := addr(t, -1, 0x0b)

	accounts := fakeAccounts{
		proxyA.String(): {Balance: uint256.NewInt(10 * oneToken), Storage: chain.StorageStat{LastPaid: 1700000000}},
		proxyB.String(): {Balance: uint256.NewInt(10 * oneToken), Storage: chain.StorageStat{LastPaid: 1700000000}},
	}
	depool, err := NewDePool(wallet, pool, []types.Address{proxyA, proxyB})
	require.NoError(t, err)

	transfers, err := depool.RequiredTransfers(context.Background(), testEnv(accounts, addr(t, -1, 0xee)))
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, PurposeStake, transfers[0].Purpose)
	require.Equal(t, pool, transfers[0].Destination)
	require.Equal(t, uint64(oneToken), transfers[0].Amount.Uint64())
}

func TestDePoolTopsUpProxiesBeforeTicket(t *testing.T) {
	wallet := addr(t, 0, 0x01)
	pool := addr(t, 0, 0x02)
	proxyA := addr(t, -1, 0x0a)
	proxyB := addr(t, -1, 0x0b)

	accounts := fakeAccounts{
		proxyA.String(): {Balance: uint256.NewInt(0), Storage: chain.StorageStat{LastPaid: 1700000000}},
		proxyB.String(): {Balance: uint256.NewInt(10 * oneToken), Storage: chain.StorageStat{LastPaid: 1700000000}},
	}
	depool, err := NewDePool(wallet, pool, []types.Address{proxyA, proxyB})
	require.NoError(t, err)

	transfers, err := depool.RequiredTransfers(context.Background(), testEnv(accounts, addr(t, -1, 0xee)))
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	require.Equal(t, PurposeTopUp, transfers[0].Purpose)
	require.Equal(t, proxyA, transfers[0].Destination)
	require.Equal(t, uint64(minProxyReserve), transfers[0].Amount.Uint64())

	require.Equal(t, PurposeStake, transfers[1].Purpose,
		"the round ticket must come strictly after every top-up")
	require.Equal(t, pool, transfers[1].Destination)
}

func TestDePoolRejectsFrozenProxy(t *testing.T) {
	wallet := addr(t, 0, 0x01)
	pool := addr(t, 0, 0x02)
	proxy := addr(t, -1, 0x0a)

	accounts := fakeAccounts{
		proxy.String(): {Balance: uint256.NewInt(10 * oneToken), Frozen: true},
	}
	depool, err := NewDePool(wallet, pool, []types.Address{proxy})
	require.NoError(t, err)

	_, err = depool.RequiredTransfers(context.Background(), testEnv(accounts, addr(t, -1, 0xee)))
	require.ErrorIs(t, err, ErrAccountFrozen)
}

func TestParticipantRotation(t *testing.T) {
	wallet := addr(t, 0, 0x01)
	single := NewSingle(wallet, uint256.NewInt(oneToken))
	require.Equal(t, wallet, single.Participant(1700000000))

	proxyA, proxyB := addr(t, -1, 0x0a), addr(t, -1, 0x0b)
	depool, err := NewDePool(wallet, addr(t, 0, 0x02), []types.Address{proxyA, proxyB})
	require.NoError(t, err)
	require.Equal(t, proxyA, depool.Participant(1700000000))
	require.Equal(t, proxyB, depool.Participant(1700000001))
}
package chain

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/validator-tools/keeper/control"
	"github.com/validator-tools/keeper/types"
)

const testElectorAccount = "3333333333333333333333333333333333333333333333333333333333333333"

// fakeNodeRPC serves canned config params and per-address account states.
type fakeNodeRPC struct {
	blockID  types.BlockID
	params   string
	accounts map[string]string
	stats    *control.NodeStats
}

func (f *fakeNodeRPC) GetConfigParams(context.Context, ...uint32) (types.BlockID, []byte, error) {
	return f.blockID, []byte(f.params), nil
}

func (f *fakeNodeRPC) GetShardAccountState(_ context.Context, address types.Address) ([]byte, bool, error) {
	state, ok := f.accounts[address.String()]
	if !ok {
		return nil, false, nil
	}
	return []byte(state), true, nil
}

func (f *fakeNodeRPC) GetStats(context.Context) (*control.NodeStats, error) {
	return f.stats, nil
}

func testConfigParams(roundEnd uint32) string {
	return fmt.Sprintf(`{
		"p1": %q,
		"p15": {"validators_elected_for": 65536, "elections_start_before": 32768,
		        "elections_end_before": 8192, "stake_held_for": 32768},
		"p16": {"max_validators": 1000, "max_main_validators": 100, "min_validators": 13},
		"p17": {"min_stake": "10000000000000", "max_stake": "10000000000000000",
		        "min_total_stake": "100000000000000", "max_stake_factor": 196608},
		"p18": [{"utime_since": 0, "bit_price_ps": 1, "cell_price_ps": 500,
		         "mc_bit_price_ps": 1000, "mc_cell_price_ps": 500000}],
		"p34": {"utime_since": 1700000000, "utime_until": %d, "total": 400, "main": 100}
	}`, testElectorAccount, roundEnd)
}

func TestPollLatestWindow(t *testing.T) {
	const roundEnd = uint32(1700065536)
	rpc := &fakeNodeRPC{
		blockID: types.BlockID{Workchain: -1, Shard: 0x8000000000000000, Seqno: 99},
		params:  testConfigParams(roundEnd),
	}
	observer := NewObserver(rpc, JSONElectorDecoder{}, zerolog.Nop())

	snapshot, err := observer.PollLatest(context.Background())
	require.NoError(t, err)

	require.Equal(t, roundEnd-32768, snapshot.Election.StartTime)
	require.Equal(t, roundEnd-8192, snapshot.Election.EndTime)
	require.Equal(t, snapshot.Election.StartTime, snapshot.Election.ElectionID,
		"the window start is the election id")
	require.Equal(t, "10000000000000", snapshot.Election.MinStake.Dec())
	require.EqualValues(t, 13, snapshot.Election.MinParticipants)
	require.Equal(t, "-1:"+testElectorAccount, snapshot.ElectorAddress.String())
	require.EqualValues(t, 99, snapshot.BlockID.Seqno)
	require.Len(t, snapshot.StoragePrices, 1)

	require.False(t, snapshot.Election.Open(snapshot.Election.StartTime-1))
	require.True(t, snapshot.Election.Open(snapshot.Election.StartTime))
	require.False(t, snapshot.Election.Open(snapshot.Election.EndTime), "the window is half open")
}

func TestPollLatestEmptyWindow(t *testing.T) {
	// elections_start_before larger than the round end underflows to zero,
	// the window collapses and must be rejected
	rpc := &fakeNodeRPC{params: testConfigParams(100)}
	observer := NewObserver(rpc, JSONElectorDecoder{}, zerolog.Nop())

	_, err := observer.PollLatest(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPollLatestMissingParams(t *testing.T) {
	rpc := &fakeNodeRPC{params: `{"p1": "` + testElectorAccount + `"}`}
	observer := NewObserver(rpc, JSONElectorDecoder{}, zerolog.Nop())

	_, err := observer.PollLatest(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestElectorParticipants(t *testing.T) {
	memberKey := strings.Repeat("ab", 32)
	electorState := `{
		"balance": "500000000000",
		"storage_stat": {"cells": 100, "bits": 2000, "last_paid": 1700000000},
		"data": {
			"current_election": {
				"elect_at": 1700032768,
				"members": [{"pubkey": "` + memberKey + `", "src_addr": "-1:` + strings.Repeat("cd", 32) + `"}]
			},
			"past_elections": [{"id": 1699967232, "unfreeze_at": 1700098304}]
		}
	}`
	rpc := &fakeNodeRPC{accounts: map[string]string{"-1:" + testElectorAccount: electorState}}
	observer := NewObserver(rpc, JSONElectorDecoder{}, zerolog.Nop())

	elector, err := types.ParseAddress("-1:" + testElectorAccount)
	require.NoError(t, err)
	key, err := types.KeyHashFromHex(memberKey)
	require.NoError(t, err)

	participants, err := observer.ElectorParticipants(context.Background(), elector, 1700032768)
	require.NoError(t, err)
	require.Contains(t, participants, key)

	// a mismatched election id means these members belong to another round
	participants, err = observer.ElectorParticipants(context.Background(), elector, 1700032769)
	require.NoError(t, err)
	require.Empty(t, participants)
}

func TestAccountStateNotFound(t *testing.T) {
	rpc := &fakeNodeRPC{accounts: map[string]string{}}
	observer := NewObserver(rpc, JSONElectorDecoder{}, zerolog.Nop())

	missing, err := types.ParseAddress("0:" + strings.Repeat("00", 32))
	require.NoError(t, err)
	_, err = observer.AccountState(context.Background(), missing)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestNodeSynced(t *testing.T) {
	rpc := &fakeNodeRPC{stats: &control.NodeStats{Ready: true, McTimeDiff: 5}}
	observer := NewObserver(rpc, JSONElectorDecoder{}, zerolog.Nop())

	synced, err := observer.NodeSynced(context.Background(), 120, true)
	require.NoError(t, err)
	require.True(t, synced)

	rpc.stats = &control.NodeStats{Ready: false}
	synced, err = observer.NodeSynced(context.Background(), 120, true)
	require.NoError(t, err)
	require.False(t, synced)
}

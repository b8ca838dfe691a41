// Package chain reads election-relevant facts from the node: masterchain
// configuration snapshots, elector state and account balances.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/validator-tools/keeper/control"
	"github.com/validator-tools/keeper/types"
)

var ErrAccountNotFound = errors.New("account not found")

// NodeRPC is what the observer needs from the control client.
type NodeRPC interface {
	GetConfigParams(ctx context.Context, params ...uint32) (types.BlockID, []byte, error)
	GetShardAccountState(ctx context.Context, address types.Address) ([]byte, bool, error)
	GetStats(ctx context.Context) (*control.NodeStats, error)
}

// ElectionParams is the snapshot slice the orchestrator keys its decisions on.
// ElectionID equals StartTime and is the idempotency key for one election.
type ElectionParams struct {
	ElectionID      uint32
	StartTime       uint32
	EndTime         uint32
	MinStake        *uint256.Int
	MinParticipants uint32
}

// Open reports whether now falls inside the election window [start, end).
func (p ElectionParams) Open(now uint32) bool {
	return now >= p.StartTime && now < p.EndTime
}

// Snapshot is one consistent read of the masterchain state.
type Snapshot struct {
	BlockID        types.BlockID
	Election       ElectionParams
	Timings        ElectionTimings
	ValidatorSet   ValidatorSetInfo
	ElectorAddress types.Address
	StoragePrices  []StoragePrices
}

// Observer polls chain facts through the node control channel. It is invoked
// once per orchestrator tick and tolerates a non-advancing chain tip.
type Observer struct {
	rpc     NodeRPC
	decoder ElectorDecoder
	log     zerolog.Logger
}

func NewObserver(rpc NodeRPC, decoder ElectorDecoder, log zerolog.Logger) *Observer {
	return &Observer{rpc: rpc, decoder: decoder, log: log}
}

// PollLatest fetches the newest masterchain block id together with the
// configuration parameters elections depend on.
func (o *Observer) PollLatest(ctx context.Context) (*Snapshot, error) {
	blockID, raw, err := o.rpc.GetConfigParams(ctx,
		ParamElectorAddress,
		ParamElectionTimings,
		ParamValidatorCount,
		ParamStakeLimits,
		ParamStoragePrices,
		ParamCurrentVset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config params: %w", err)
	}

	params, err := parseConfigParams(raw)
	if err != nil {
		return nil, err
	}
	if params.P15 == nil || params.P16 == nil || params.P34 == nil {
		return nil, fmt.Errorf("%w: missing election params", ErrInvalidConfig)
	}

	electorAddress, err := params.electorAddress()
	if err != nil {
		return nil, err
	}
	minStake, err := params.minStake()
	if err != nil {
		return nil, err
	}

	// The election window is anchored to the end of the current validation
	// round; its start doubles as the election id.
	roundEnd := params.P34.UtimeUntil
	start := saturatingSub(roundEnd, params.P15.ElectionsStartBefore)
	end := saturatingSub(roundEnd, params.P15.ElectionsEndBefore)
	if start >= end {
		return nil, fmt.Errorf("%w: empty election window [%d, %d)", ErrInvalidConfig, start, end)
	}

	snapshot := &Snapshot{
		BlockID: blockID,
		Election: ElectionParams{
			ElectionID:      start,
			StartTime:       start,
			EndTime:         end,
			MinStake:        minStake,
			MinParticipants: params.P16.MinValidators,
		},
		Timings:        *params.P15,
		ValidatorSet:   *params.P34,
		ElectorAddress: electorAddress,
		StoragePrices:  params.P18,
	}

	o.log.Debug().
		Stringer("block", blockID).
		Uint32("election_id", snapshot.Election.ElectionID).
		Msg("polled masterchain snapshot")
	return snapshot, nil
}

// ElectorState reads and decodes the elector contract's bookkeeping.
func (o *Observer) ElectorState(ctx context.Context, electorAddress types.Address) (*ElectorData, error) {
	state, err := o.AccountState(ctx, electorAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read elector state: %w", err)
	}
	return o.decoder.DecodeElectorData(state.Data)
}

// ElectorParticipants reads the elector's participant list for the given
// election. Used to make key registration idempotent across restarts.
func (o *Observer) ElectorParticipants(ctx context.Context, electorAddress types.Address, electionID uint32) (map[types.KeyHash]struct{}, error) {
	data, err := o.ElectorState(ctx, electorAddress)
	if err != nil {
		return nil, err
	}

	participants := make(map[types.KeyHash]struct{}, len(data.Members))
	if data.ElectionID == electionID {
		for key := range data.Members {
			participants[key] = struct{}{}
		}
	}
	return participants, nil
}

// AccountState reads and decodes one account's state.
func (o *Observer) AccountState(ctx context.Context, address types.Address) (*AccountState, error) {
	raw, exists, err := o.rpc.GetShardAccountState(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to read account %s: %w", address, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return parseAccountState(raw)
}

func saturatingSub(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

// NodeSynced gates election activity on the node tracking the chain tip.
func (o *Observer) NodeSynced(ctx context.Context, maxTimeDiff int32, masterchainOnly bool) (bool, error) {
	stats, err := o.rpc.GetStats(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read node stats: %w", err)
	}
	return stats.Synced(maxTimeDiff, masterchainOnly), nil
}

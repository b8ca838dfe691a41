// Package staking computes the transfers a staking vehicle needs before and
// during election participation.
package staking

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"github.com/validator-tools/keeper/chain"
	"github.com/validator-tools/keeper/types"
)

// Purpose of a stake request.
const (
	PurposeStake   = "stake"
	PurposeTopUp   = "top-up"
	PurposeRecover = "recover"
)

// one whole token in nanotokens
const oneToken = 1_000_000_000

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountFrozen     = errors.New("account frozen")
)

// StakeRequest is one transfer the orchestrator must submit. Ephemeral:
// produced by a vehicle, consumed once by message submission.
type StakeRequest struct {
	Amount      *uint256.Int
	Destination types.Address
	Purpose     string
}

// AccountReader supplies current account states to the vehicles.
type AccountReader interface {
	AccountState(ctx context.Context, address types.Address) (*chain.AccountState, error)
}

// Env carries the chain facts a transfer computation depends on.
type Env struct {
	Snapshot *chain.Snapshot
	Accounts AccountReader
	Now      uint32
}

// Vehicle abstracts over the two staking variants. RequiredTransfers returns
// the ordered transfer sequence for the current election; order matters, the
// caller must submit them in sequence.
type Vehicle interface {
	Kind() string
	// WalletAddress is the account the transfers are paid from.
	WalletAddress() types.Address
	// Participant is the stake source the elector sees for a given election.
	Participant(electionID uint32) types.Address
	RequiredTransfers(ctx context.Context, env *Env) ([]StakeRequest, error)
}

// RecoverRequest is the transfer that asks the elector to return an unfrozen
// stake to the sender; one token covers the message processing.
func RecoverRequest(elector types.Address) StakeRequest {
	return StakeRequest{
		Amount:      uint256.NewInt(oneToken),
		Destination: elector,
		Purpose:     PurposeRecover,
	}
}

// storageHeadroom pads a computed fee so the estimate never underfunds due to
// time passing between the estimate and the transfer landing on chain.
func storageHeadroom(fee *uint256.Int) *uint256.Int {
	padded := new(uint256.Int).Set(fee)
	return padded.AddUint64(padded, oneToken)
}

package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var ErrInvalidAccountState = errors.New("invalid account state")

// StorageStat is the storage footprint of an account: the inputs of the
// storage fee formula.
type StorageStat struct {
	Cells    uint64 `json:"cells"`
	Bits     uint64 `json:"bits"`
	LastPaid uint32 `json:"last_paid"`
}

// AccountState is the decoded state of an account as rendered by the node:
// balance, storage statistics and the contract data blob.
type AccountState struct {
	Balance *uint256.Int
	Storage StorageStat
	Frozen  bool
	Data    []byte
}

func parseAccountState(raw []byte) (*AccountState, error) {
	var doc struct {
		Balance string          `json:"balance"`
		Storage StorageStat     `json:"storage_stat"`
		Frozen  bool            `json:"frozen"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAccountState, err)
	}

	balance, err := uint256.FromDecimal(doc.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed balance %q", ErrInvalidAccountState, doc.Balance)
	}

	return &AccountState{
		Balance: balance,
		Storage: doc.Storage,
		Frozen:  doc.Frozen,
		Data:    doc.Data,
	}, nil
}

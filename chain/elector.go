package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/validator-tools/keeper/types"
)

var ErrInvalidElectorData = errors.New("invalid elector data")

// ElectorData is the elector contract's bookkeeping relevant to the keeper.
type ElectorData struct {
	// ElectionID of the currently open election; zero when none is open.
	ElectionID uint32
	// Members maps a participant's validator public key to its stake source.
	Members map[types.KeyHash]types.Address
	// UnfreezeAt per past election id.
	UnfreezeAt map[uint32]uint32
	// Credits holds the unfrozen stakes awaiting withdrawal, per source address.
	Credits map[types.Address]*uint256.Int
}

// NearestUnfreezeAt returns the earliest pending unfreeze time that lands
// before the given deadline.
func (d *ElectorData) NearestUnfreezeAt(before uint32) (uint32, bool) {
	var nearest uint32
	found := false
	for _, at := range d.UnfreezeAt {
		if at >= before {
			continue
		}
		if !found || at < nearest {
			nearest = at
			found = true
		}
	}
	return nearest, found
}

// UnfrozenStake returns the stake the elector holds ready for withdrawal by
// the given source address.
func (d *ElectorData) UnfrozenStake(source types.Address) (*uint256.Int, bool) {
	stake, ok := d.Credits[source]
	return stake, ok
}

// ElectorDecoder extracts ElectorData from the elector account's data blob.
// The concrete decoding belongs to the contract ABI layer; the keeper only
// consumes the decoded result.
type ElectorDecoder interface {
	DecodeElectorData(raw []byte) (*ElectorData, error)
}

// JSONElectorDecoder decodes the node's JSON rendering of the elector state.
type JSONElectorDecoder struct{}

func (JSONElectorDecoder) DecodeElectorData(raw []byte) (*ElectorData, error) {
	var doc struct {
		CurrentElection *struct {
			ElectAt uint32 `json:"elect_at"`
			Members []struct {
				PubKey  string `json:"pubkey"`
				SrcAddr string `json:"src_addr"`
			} `json:"members"`
		} `json:"current_election"`
		PastElections []struct {
			ID         uint32 `json:"id"`
			UnfreezeAt uint32 `json:"unfreeze_at"`
		} `json:"past_elections"`
		Credits []struct {
			SrcAddr string `json:"src_addr"`
			Amount  string `json:"amount"`
		} `json:"credits"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidElectorData, err)
	}

	data := &ElectorData{
		Members:    make(map[types.KeyHash]types.Address),
		UnfreezeAt: make(map[uint32]uint32),
		Credits:    make(map[types.Address]*uint256.Int),
	}

	if doc.CurrentElection != nil {
		data.ElectionID = doc.CurrentElection.ElectAt
		for _, member := range doc.CurrentElection.Members {
			key, err := types.KeyHashFromHex(member.PubKey)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidElectorData, err)
			}
			addr, err := types.ParseAddress(member.SrcAddr)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidElectorData, err)
			}
			data.Members[key] = addr
		}
	}
	for _, past := range doc.PastElections {
		data.UnfreezeAt[past.ID] = past.UnfreezeAt
	}
	for _, credit := range doc.Credits {
		addr, err := types.ParseAddress(credit.SrcAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidElectorData, err)
		}
		amount, err := uint256.FromDecimal(credit.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidElectorData, err)
		}
		data.Credits[addr] = amount
	}

	return data, nil
}

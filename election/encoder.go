package election

import (
	"encoding/binary"
	"fmt"

	"github.com/validator-tools/keeper/staking"
	"github.com/validator-tools/keeper/types"
)

// BinaryTransferEncoder renders transfers in the node's raw external message
// form: a fixed big-endian body followed by the length-prefixed wallet
// signature over that body.
type BinaryTransferEncoder struct{}

func (BinaryTransferEncoder) EncodeTransfer(from types.Address, req staking.StakeRequest, payload []byte, sign func(data []byte) ([]byte, error)) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("transfer payload too large: %d bytes", len(payload))
	}
	amount := req.Amount.Bytes32()

	body := make([]byte, 0, 4+32+4+32+32+2+len(payload))
	body = binary.BigEndian.AppendUint32(body, uint32(from.Workchain))
	body = append(body, from.Account[:]...)
	body = binary.BigEndian.AppendUint32(body, uint32(req.Destination.Workchain))
	body = append(body, req.Destination.Account[:]...)
	body = append(body, amount[:]...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(payload)))
	body = append(body, payload...)

	signature, err := sign(body)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer body: %w", err)
	}
	out := make([]byte, 0, len(body)+2+len(signature))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(signature)))
	out = append(out, signature...)
	return out, nil
}

package election

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/validator-tools/keeper/staking"
	"github.com/validator-tools/keeper/types"
)

// MessageEncoder renders a signed wallet transfer into the serialized
// external message the node broadcasts. Contract serialization lives with the
// external ABI collaborator; sign is called exactly once over the canonical
// unsigned body.
type MessageEncoder interface {
	EncodeTransfer(from types.Address, req staking.StakeRequest, payload []byte, sign func(data []byte) ([]byte, error)) ([]byte, error)
}

// messageBroadcaster is the single control operation the sender needs.
type messageBroadcaster interface {
	SendMessage(ctx context.Context, message []byte) error
}

// WalletSender signs wallet transfers with the stored wallet key and
// broadcasts them through the node.
type WalletSender struct {
	node    messageBroadcaster
	encoder MessageEncoder
	key     ed25519.PrivateKey
	log     zerolog.Logger
}

func NewWalletSender(node messageBroadcaster, encoder MessageEncoder, key ed25519.PrivateKey, log zerolog.Logger) *WalletSender {
	return &WalletSender{node: node, encoder: encoder, key: key, log: log}
}

// SubmitTransfer builds, signs and broadcasts one transfer. Broadcasting has
// at-most-once semantics here; dedup on resubmission happens upstream, where
// transfers are recomputed from live balances.
func (s *WalletSender) SubmitTransfer(ctx context.Context, from types.Address, req staking.StakeRequest, payload []byte) error {
	message, err := s.encoder.EncodeTransfer(from, req, payload, func(data []byte) ([]byte, error) {
		return ed25519.Sign(s.key, data), nil
	})
	if err != nil {
		return fmt.Errorf("failed to encode transfer message: %w", err)
	}
	if err := s.node.SendMessage(ctx, message); err != nil {
		return fmt.Errorf("failed to broadcast transfer message: %w", err)
	}
	s.log.Debug().
		Stringer("from", from).
		Stringer("to", req.Destination).
		Int("size", len(message)).
		Msg("transfer message broadcast")
	return nil
}

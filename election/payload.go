package election

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/validator-tools/keeper/types"
)

// participateTag prefixes the blob the validator key signs when registering a
// stake with the elector.
const participateTag uint32 = 0x654C5074

// recoverStakeTag prefixes the elector's stake withdrawal request.
const recoverStakeTag uint32 = 0x47657424

// RecoverStakePayload builds the elector message body that returns an
// unfrozen stake to the sender.
func RecoverStakePayload(queryID uint64) []byte {
	buf := make([]byte, 0, 12)
	buf = binary.BigEndian.AppendUint32(buf, recoverStakeTag)
	buf = binary.BigEndian.AppendUint64(buf, queryID)
	return buf
}

// ParticipantData is everything the elector needs to admit a stake: the
// validator key, the stake source and the node's network address, bound to
// one election id.
type ParticipantData struct {
	ElectionID uint32
	MaxFactor  uint32
	Source     types.Address
	AdnlAddr   types.KeyHash
	PublicKey  []byte
}

// dataToSign is the canonical blob covered by the validator key signature.
// Big-endian fields, fixed layout; the elector verifies the exact same bytes.
func (d *ParticipantData) dataToSign() []byte {
	buf := make([]byte, 0, 4+4+4+32+32)
	buf = binary.BigEndian.AppendUint32(buf, participateTag)
	buf = binary.BigEndian.AppendUint32(buf, d.ElectionID)
	buf = binary.BigEndian.AppendUint32(buf, d.MaxFactor)
	buf = append(buf, d.Source.Account[:]...)
	buf = append(buf, d.AdnlAddr[:]...)
	return buf
}

// signer abstracts the control client's signing operation.
type signer interface {
	Sign(ctx context.Context, keyHash types.KeyHash, data []byte) ([]byte, error)
}

// SignedParticipant is the payload handed to the message layer for the final
// stake transfer.
type SignedParticipant struct {
	Data      ParticipantData
	Signature []byte
}

// Sign produces the signed participation payload using the node-held
// permanent key. An unknown key hash propagates unmodified.
func (d *ParticipantData) Sign(ctx context.Context, s signer, permanentKey types.KeyHash) (*SignedParticipant, error) {
	signature, err := s.Sign(ctx, permanentKey, d.dataToSign())
	if err != nil {
		return nil, fmt.Errorf("failed to sign participation data: %w", err)
	}
	return &SignedParticipant{Data: *d, Signature: signature}, nil
}

// Encode renders the payload for the message layer: the signed blob followed
// by the validator public key and the signature, both length prefixed.
func (p *SignedParticipant) Encode() []byte {
	body := p.Data.dataToSign()
	out := make([]byte, 0, len(body)+2+len(p.Data.PublicKey)+2+len(p.Signature))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.Data.PublicKey)))
	out = append(out, p.Data.PublicKey...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.Signature)))
	out = append(out, p.Signature...)
	return out
}

package control

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse means the payload could not be decoded against the schema.
	ErrMalformedResponse = errors.New("malformed control response")
	// ErrUnexpectedResponse means the payload decoded to an unknown tag.
	ErrUnexpectedResponse = errors.New("unexpected control response")
)

// EncodeRequest produces the deterministic wire form of a request, wrapped in
// the control query envelope the node expects. Two independent implementations
// must produce byte-identical output for the same request.
func EncodeRequest(req Request) []byte {
	inner := writer{}
	inner.writeTag(req.requestTag())

	switch q := req.(type) {
	case GenerateKeyPair, GetStats:
		// no fields
	case ExportPublicKey:
		inner.writeHash(q.KeyHash)
	case Sign:
		inner.writeHash(q.KeyHash)
		inner.writeBytes(q.Data)
	case AddValidatorPermanentKey:
		inner.writeHash(q.KeyHash)
		inner.writeUint32(q.ElectionDate)
		inner.writeUint32(q.TTL)
	case AddValidatorAdnlAddress:
		inner.writeHash(q.PermanentKeyHash)
		inner.writeHash(q.KeyHash)
		inner.writeUint32(q.TTL)
	case SetStatesGcInterval:
		inner.writeUint32(q.IntervalMs)
	case SendMessage:
		inner.writeBytes(q.Body)
	case GetConfigParams:
		inner.writeUint32(uint32(len(q.Params)))
		for _, p := range q.Params {
			inner.writeUint32(p)
		}
	case GetShardAccountState:
		inner.writeBytes([]byte(q.Address.String()))
	default:
		panic(fmt.Sprintf("unsupported request type %T", req))
	}

	outer := writer{}
	outer.writeTag(tagControlQuery)
	outer.writeBytes(inner.buf)
	return outer.buf
}

// DecodeResponse parses a payload against the closed response schema.
// A node-reported error decodes successfully into ControlError; the caller
// decides how to map it.
func DecodeResponse(data []byte) (Response, error) {
	r := reader{buf: data}
	tag, err := r.readUint32()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagSuccess:
		return Success{}, nil

	case tagKeyHash:
		hash, err := r.readHash()
		if err != nil {
			return nil, err
		}
		return KeyHashResponse{KeyHash: hash}, nil

	case tagPublicKey:
		key, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		return PublicKeyResponse{Key: key}, nil

	case tagSignature:
		signature, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		return SignatureResponse{Signature: signature}, nil

	case tagStats:
		count, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		items := make([]StatsItem, 0, count)
		for i := uint32(0); i < count; i++ {
			key, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			value, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			items = append(items, StatsItem{Key: key, Value: value})
		}
		return StatsResponse{Items: items}, nil

	case tagConfigInfo:
		resp := ConfigInfoResponse{}
		if resp.BlockID.Workchain, err = r.readInt32(); err != nil {
			return nil, err
		}
		if resp.BlockID.Shard, err = r.readUint64(); err != nil {
			return nil, err
		}
		if resp.BlockID.Seqno, err = r.readUint32(); err != nil {
			return nil, err
		}
		if resp.BlockID.RootHash, err = r.readHash(); err != nil {
			return nil, err
		}
		if resp.BlockID.FileHash, err = r.readHash(); err != nil {
			return nil, err
		}
		if resp.Params, err = r.readBytes(); err != nil {
			return nil, err
		}
		return resp, nil

	case tagShardAccountState:
		state, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		return ShardAccountResponse{Exists: true, State: state}, nil

	case tagShardAccountNone:
		return ShardAccountResponse{}, nil

	case tagError:
		code, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		message, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		return ControlError{Code: code, Message: string(message)}, nil

	default:
		return nil, fmt.Errorf("%w: tag 0x%08x", ErrUnexpectedResponse, tag)
	}
}

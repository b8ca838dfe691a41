package control

import (
	"encoding/binary"
	"fmt"

	"github.com/validator-tools/keeper/types"
)

// Operation tags of the control schema. The schema is closed: the node and the
// client must agree on these constants, there is no negotiation on the wire.
const (
	tagControlQuery uint32 = 0x84a30fdb

	tagGenerateKeyPair          uint32 = 0x2d8cf0be
	tagExportPublicKey          uint32 = 0x71e3ab14
	tagSign                     uint32 = 0x5a8be261
	tagAddValidatorPermanentKey uint32 = 0xc1297a07
	tagAddValidatorAdnlAddress  uint32 = 0x39b3a150
	tagGetStats                 uint32 = 0xef79b53c
	tagSetStatesGcInterval      uint32 = 0x8e2d9a66
	tagSendMessage              uint32 = 0x690e9e51
	tagGetConfigParams          uint32 = 0x2a7b5d43
	tagGetShardAccountState     uint32 = 0x72f4be86

	tagSuccess           uint32 = 0xe2b59f1a
	tagKeyHash           uint32 = 0xf16b65c9
	tagPublicKey         uint32 = 0x4813b4c6
	tagSignature         uint32 = 0x0abfc662
	tagStats             uint32 = 0xb5e9f2a3
	tagConfigInfo        uint32 = 0x9c3f7e12
	tagShardAccountState uint32 = 0x64d7af90
	tagShardAccountNone  uint32 = 0x13d2e488
	tagError             uint32 = 0xbba9e148
)

type (
	// Request is a typed control request. The set is closed (see the tags above).
	Request interface{ requestTag() uint32 }

	GenerateKeyPair struct{}

	ExportPublicKey struct {
		KeyHash types.KeyHash
	}

	Sign struct {
		KeyHash types.KeyHash
		Data    []byte
	}

	AddValidatorPermanentKey struct {
		KeyHash      types.KeyHash
		ElectionDate uint32
		TTL          uint32
	}

	AddValidatorAdnlAddress struct {
		PermanentKeyHash types.KeyHash
		KeyHash          types.KeyHash
		TTL              uint32
	}

	GetStats struct{}

	SetStatesGcInterval struct {
		IntervalMs uint32
	}

	SendMessage struct {
		Body []byte
	}

	GetConfigParams struct {
		Params []uint32
	}

	GetShardAccountState struct {
		Address types.Address
	}
)

func (GenerateKeyPair) requestTag() uint32          { return tagGenerateKeyPair }
func (ExportPublicKey) requestTag() uint32          { return tagExportPublicKey }
func (Sign) requestTag() uint32                     { return tagSign }
func (AddValidatorPermanentKey) requestTag() uint32 { return tagAddValidatorPermanentKey }
func (AddValidatorAdnlAddress) requestTag() uint32  { return tagAddValidatorAdnlAddress }
func (GetStats) requestTag() uint32                 { return tagGetStats }
func (SetStatesGcInterval) requestTag() uint32      { return tagSetStatesGcInterval }
func (SendMessage) requestTag() uint32              { return tagSendMessage }
func (GetConfigParams) requestTag() uint32          { return tagGetConfigParams }
func (GetShardAccountState) requestTag() uint32     { return tagGetShardAccountState }

type (
	// Response is a typed control response.
	Response interface{ responseTag() uint32 }

	Success struct{}

	KeyHashResponse struct {
		KeyHash types.KeyHash
	}

	PublicKeyResponse struct {
		Key []byte
	}

	SignatureResponse struct {
		Signature []byte
	}

	StatsItem struct {
		Key   []byte
		Value []byte
	}

	StatsResponse struct {
		Items []StatsItem
	}

	ConfigInfoResponse struct {
		BlockID types.BlockID
		// Params carries the requested configuration parameters encoded as JSON.
		Params []byte
	}

	ShardAccountResponse struct {
		Exists bool
		// State carries the serialized account state when Exists is true.
		State []byte
	}

	// ControlError is the node-reported failure variant.
	ControlError struct {
		Code    int32
		Message string
	}
)

func (Success) responseTag() uint32              { return tagSuccess }
func (KeyHashResponse) responseTag() uint32      { return tagKeyHash }
func (PublicKeyResponse) responseTag() uint32    { return tagPublicKey }
func (SignatureResponse) responseTag() uint32    { return tagSignature }
func (StatsResponse) responseTag() uint32        { return tagStats }
func (ConfigInfoResponse) responseTag() uint32   { return tagConfigInfo }
func (ShardAccountResponse) responseTag() uint32 { return tagShardAccountState }
func (ControlError) responseTag() uint32         { return tagError }

func (e ControlError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// Node-reported error codes the client recognizes.
const (
	CodeUnknownKey     int32 = 201
	CodeInvalidRequest int32 = 202
)

// writer builds the deterministic wire encoding: fixed-width little-endian
// integers, raw 256-bit hashes, length-prefixed byte strings padded to a
// 4-byte boundary.
type writer struct {
	buf []byte
}

func (w *writer) writeTag(tag uint32)  { w.writeUint32(tag) }
func (w *writer) writeHash(h [32]byte) { w.buf = append(w.buf, h[:]...) }

func (w *writer) writeUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) writeInt32(v int32) { w.writeUint32(uint32(v)) }

func (w *writer) writeUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) writeBytes(data []byte) {
	n := len(data)
	if n < 0xfe {
		w.buf = append(w.buf, byte(n))
	} else {
		w.buf = append(w.buf, 0xfe, byte(n), byte(n>>8), byte(n>>16))
	}
	w.buf = append(w.buf, data...)
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// reader decodes the same encoding. All methods fail with ErrMalformedResponse
// on truncated input instead of panicking.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrMalformedResponse
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readInt32() (int32, error) {
	v, err := r.readUint32()
	return int32(v), err
}

func (r *reader) readUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrMalformedResponse
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readHash() ([32]byte, error) {
	var h [32]byte
	if r.remaining() < 32 {
		return h, ErrMalformedResponse
	}
	copy(h[:], r.buf[r.pos:])
	r.pos += 32
	return h, nil
}

func (r *reader) readBytes() ([]byte, error) {
	if r.remaining() < 1 {
		return nil, ErrMalformedResponse
	}
	n := int(r.buf[r.pos])
	prefix := 1
	if n == 0xfe {
		if r.remaining() < 4 {
			return nil, ErrMalformedResponse
		}
		n = int(r.buf[r.pos+1]) | int(r.buf[r.pos+2])<<8 | int(r.buf[r.pos+3])<<16
		prefix = 4
	} else if n == 0xff {
		return nil, ErrMalformedResponse
	}
	r.pos += prefix
	if r.remaining() < n {
		return nil, ErrMalformedResponse
	}
	data := make([]byte, n)
	copy(data, r.buf[r.pos:])
	r.pos += n
	// skip the alignment padding
	for pad := (prefix + n) % 4; pad != 0 && pad < 4; pad++ {
		if r.pos >= len(r.buf) {
			return nil, ErrMalformedResponse
		}
		r.pos++
	}
	return data, nil
}

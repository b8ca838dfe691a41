package types

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// KeyHash identifies a key pair held by the node. For network address keys
// the hash doubles as the ADNL address.
type KeyHash [32]byte

func (h KeyHash) String() string {
	return hex.EncodeToString(h[:])
}

func KeyHashFromHex(s string) (KeyHash, error) {
	var h KeyHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid key hash: %w", err)
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("invalid key hash length: %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// BlockID identifies a single block. Totally ordered within a shard by Seqno.
type BlockID struct {
	Workchain int32
	Shard     uint64
	Seqno     uint32
	RootHash  [32]byte
	FileHash  [32]byte
}

func (id BlockID) String() string {
	return fmt.Sprintf("%d:%016x:%d", id.Workchain, id.Shard, id.Seqno)
}

// Address is a raw account address: workchain plus a 256-bit account id.
type Address struct {
	Workchain int32
	Account   [32]byte
}

func (a Address) IsMasterchain() bool { return a.Workchain == -1 }

func (a Address) String() string {
	return fmt.Sprintf("%d:%s", a.Workchain, hex.EncodeToString(a.Account[:]))
}

// ParseAddress parses the "<workchain>:<hex account id>" form.
func ParseAddress(s string) (Address, error) {
	var addr Address
	wc, account, ok := strings.Cut(s, ":")
	if !ok {
		return addr, fmt.Errorf("invalid address %q: missing workchain separator", s)
	}
	w, err := strconv.ParseInt(wc, 10, 32)
	if err != nil {
		return addr, fmt.Errorf("invalid address workchain %q: %w", wc, err)
	}
	raw, err := hex.DecodeString(account)
	if err != nil {
		return addr, fmt.Errorf("invalid address account %q: %w", account, err)
	}
	if len(raw) != 32 {
		return addr, fmt.Errorf("invalid address account length: %d", len(raw))
	}
	addr.Workchain = int32(w)
	copy(addr.Account[:], raw)
	return addr, nil
}

// nanotokens per token
const tokenScale = 1_000_000_000

// Tokens formats a nanotoken amount with 9 decimal places for logging.
func Tokens(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	scale := uint256.NewInt(tokenScale)
	whole, frac := new(uint256.Int), new(uint256.Int)
	whole.DivMod(amount, scale, frac)
	if frac.IsZero() {
		return whole.Dec()
	}
	digits := frac.Dec()
	digits = strings.Repeat("0", 9-len(digits)) + digits
	return whole.Dec() + "." + strings.TrimRight(digits, "0")
}

// TokensFromUint64 is a convenience wrapper for whole nanotoken amounts.
func TokensFromUint64(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

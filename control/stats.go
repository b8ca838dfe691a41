package control

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/validator-tools/keeper/types"
)

// Stat keys reported by the node. Values are JSON encoded.
const (
	statSyncStatus     = "sync_status"
	statMcBlockTime    = "masterchainblocktime"
	statNodeVersion    = "node_version"
	statTimeDiff       = "timediff"
	statShardsTimeDiff = "shards_timediff"
	statInCurrentVset  = "in_current_vset_p34"
	statInNextVset     = "in_next_vset_p36"
	statLastMcBlock    = "last_applied_masterchain_block_id"
)

var ErrInvalidStats = errors.New("invalid node stats")

// NodeStats is the decoded form of the node's key/value statistics.
// Ready is false while the node is still syncing its initial state.
type NodeStats struct {
	Ready         bool
	NodeVersion   string
	McTime        uint32
	McTimeDiff    int32
	ScTimeDiff    int32
	ScTimeKnown   bool
	InCurrentVset bool
	InNextVset    bool
	LastMcBlock   types.BlockID
}

// Synced reports whether the node tracks the chain tip close enough.
func (s *NodeStats) Synced(maxTimeDiff int32, masterchainOnly bool) bool {
	if !s.Ready || s.McTimeDiff >= maxTimeDiff {
		return false
	}
	return masterchainOnly || (s.ScTimeKnown && s.ScTimeDiff < maxTimeDiff)
}

// ParseNodeStats decodes the raw stat items. A node that has not finished
// loading reports sync_status != "synced" and omits most other keys; that is
// not an error, it decodes to Ready == false.
func ParseNodeStats(items []StatsItem) (*NodeStats, error) {
	stats := &NodeStats{Ready: true}

	for _, item := range items {
		switch string(item.Key) {
		case statSyncStatus:
			var status string
			if err := json.Unmarshal(item.Value, &status); err != nil {
				return nil, fmt.Errorf("%w: sync_status: %s", ErrInvalidStats, err)
			}
			if status != "synced" {
				stats.Ready = false
			}
		case statMcBlockTime:
			if err := json.Unmarshal(item.Value, &stats.McTime); err != nil {
				return nil, fmt.Errorf("%w: masterchainblocktime: %s", ErrInvalidStats, err)
			}
		case statNodeVersion:
			if err := json.Unmarshal(item.Value, &stats.NodeVersion); err != nil {
				return nil, fmt.Errorf("%w: node_version: %s", ErrInvalidStats, err)
			}
		case statTimeDiff:
			if err := json.Unmarshal(item.Value, &stats.McTimeDiff); err != nil {
				return nil, fmt.Errorf("%w: timediff: %s", ErrInvalidStats, err)
			}
		case statShardsTimeDiff:
			// reported as "unknown" until shard state is available
			if err := json.Unmarshal(item.Value, &stats.ScTimeDiff); err == nil {
				stats.ScTimeKnown = true
			}
		case statInCurrentVset:
			if err := json.Unmarshal(item.Value, &stats.InCurrentVset); err != nil {
				return nil, fmt.Errorf("%w: in_current_vset: %s", ErrInvalidStats, err)
			}
		case statInNextVset:
			if err := json.Unmarshal(item.Value, &stats.InNextVset); err != nil {
				return nil, fmt.Errorf("%w: in_next_vset: %s", ErrInvalidStats, err)
			}
		case statLastMcBlock:
			block, err := parseBlockStat(item.Value)
			if err != nil {
				return nil, err
			}
			stats.LastMcBlock = block
		}
	}

	return stats, nil
}

func parseBlockStat(value []byte) (types.BlockID, error) {
	var raw struct {
		Shard string `json:"shard"`
		SeqNo uint32 `json:"seq_no"`
		RH    string `json:"rh"`
		FH    string `json:"fh"`
	}
	if err := json.Unmarshal(value, &raw); err != nil {
		return types.BlockID{}, fmt.Errorf("%w: last mc block: %s", ErrInvalidStats, err)
	}

	wc, shard, ok := strings.Cut(raw.Shard, ":")
	if !ok {
		return types.BlockID{}, fmt.Errorf("%w: malformed shard id %q", ErrInvalidStats, raw.Shard)
	}
	workchain, err := strconv.ParseInt(wc, 10, 32)
	if err != nil {
		return types.BlockID{}, fmt.Errorf("%w: malformed workchain %q", ErrInvalidStats, wc)
	}
	shardID, err := strconv.ParseUint(shard, 16, 64)
	if err != nil {
		return types.BlockID{}, fmt.Errorf("%w: malformed shard prefix %q", ErrInvalidStats, shard)
	}

	block := types.BlockID{
		Workchain: int32(workchain),
		Shard:     shardID,
		Seqno:     raw.SeqNo,
	}
	if err := decodeHash(raw.RH, &block.RootHash); err != nil {
		return types.BlockID{}, err
	}
	if err := decodeHash(raw.FH, &block.FileHash); err != nil {
		return types.BlockID{}, err
	}
	return block, nil
}

func decodeHash(s string, out *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: malformed block hash %q", ErrInvalidStats, s)
	}
	copy(out[:], raw)
	return nil
}

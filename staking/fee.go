package staking

import (
	"github.com/holiman/uint256"

	"github.com/validator-tools/keeper/chain"
)

// feeScaleBits: storage prices are fixed point with a 2^16 denominator.
const feeScaleBits = 16

// EstimateStorageFee computes the storage fee an account has accrued since it
// last paid, using the chain's price-per-cell/price-per-bit configuration.
// This tracks the exact chain formula: ceil((cells*cellPrice + bits*bitPrice)
// * elapsed / 2^16), with the masterchain price column for -1 accounts.
func EstimateStorageFee(stat chain.StorageStat, prices []chain.StoragePrices, now uint32, masterchain bool) *uint256.Int {
	fee := new(uint256.Int)
	if len(prices) == 0 || now <= stat.LastPaid {
		return fee
	}

	// price entries are activated by utime_since; pick the latest active one
	var active *chain.StoragePrices
	for i := range prices {
		if prices[i].UtimeSince <= now {
			active = &prices[i]
		}
	}
	if active == nil {
		return fee
	}

	cellPrice, bitPrice := active.CellPricePs, active.BitPricePs
	if masterchain {
		cellPrice, bitPrice = active.McCellPricePs, active.McBitPricePs
	}

	elapsed := uint64(now - stat.LastPaid)

	perSecond := new(uint256.Int).Mul(uint256.NewInt(stat.Cells), uint256.NewInt(cellPrice))
	perSecond.Add(perSecond, new(uint256.Int).Mul(uint256.NewInt(stat.Bits), uint256.NewInt(bitPrice)))
	fee.Mul(perSecond, uint256.NewInt(elapsed))

	// ceil division by 2^16
	rem := new(uint256.Int).And(fee, uint256.NewInt((1<<feeScaleBits)-1))
	fee.Rsh(fee, feeScaleBits)
	if !rem.IsZero() {
		fee.AddUint64(fee, 1)
	}
	return fee
}

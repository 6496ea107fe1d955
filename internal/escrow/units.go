package escrow

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the precision of the ledger's native unit.
const Decimals = 18

// ToWei converts a decimal ether amount into integer wei. Amounts with more
// than 18 fractional digits are rejected instead of rounded.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	shifted := amount.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("escrow: amount %s exceeds %d decimals", amount.String(), Decimals)
	}
	return shifted.BigInt(), nil
}

func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -Decimals)
}

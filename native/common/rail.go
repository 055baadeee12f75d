package common

import "math/big"

// PaymentRail executes the asset movements the core decides on: withdrawals,
// burns, skims and spare routing. Implementations cross the trust boundary to
// the external settlement network.
type PaymentRail interface {
	Transfer(asset string, to [20]byte, amount *big.Int) error
}

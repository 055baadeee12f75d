package swap

import "math/big"

// SwapRequest describes one bounded conversion. Requests are ephemeral: they
// are built per call and never persisted.
type SwapRequest struct {
	TokenIn        string
	TokenOut       string
	PoolFee        uint32
	AmountIn       *big.Int
	ImpactBps      uint64
	SlippageBps    uint64
	PositionRef    uint64
	BurnRecipient  [20]byte
	SpareRecipient [20]byte
}

// SwapResult reports how the request's funds were resolved. Every unit of
// AmountIn is accounted for: AmountSwapped + UsedIn + SpareIn == AmountIn, and
// every unit of AmountOut is accounted for: UsedOut + SpareOut == AmountOut.
type SwapResult struct {
	AmountSwapped  *big.Int
	AmountOut      *big.Int
	LiquidityDelta *big.Int
	UsedIn         *big.Int
	UsedOut        *big.Int
	SpareIn        *big.Int
	SpareOut       *big.Int
}

// Venue is the external swap market consumed by the engine. Quote returns the
// current marginal price of tokenOut per tokenIn together with the reachable
// tokenIn-side depth on the fee path.
type Venue interface {
	Quote(tokenIn, tokenOut string, fee uint32) (price *big.Rat, depth *big.Int, err error)
	Swap(tokenIn, tokenOut string, fee uint32, amountIn, minAmountOut *big.Int) (amountOut *big.Int, err error)
}

// PositionManager manages the existing liquidity position the engine grows.
// IncreaseLiquidity adds at most the desired amounts at the pool's current
// ratio and reports the matched pair it actually consumed.
type PositionManager interface {
	IncreaseLiquidity(positionRef uint64, amountInDesired, amountOutDesired *big.Int) (liquidityDelta, amountInUsed, amountOutUsed *big.Int, err error)
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

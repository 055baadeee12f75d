package swap

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"tidepool/core/events"
	"tidepool/native/common"
)

var (
	// ErrZeroAmount indicates the request carried no funds to convert.
	ErrZeroAmount = errors.New("swap: zero amount")
	// ErrInvalidToken indicates an empty or identical token pair.
	ErrInvalidToken = errors.New("swap: invalid token pair")
	// ErrInvalidPositionRef indicates the liquidity position does not exist or
	// is not managed by this engine's context.
	ErrInvalidPositionRef = errors.New("swap: invalid position reference")
	// ErrSlippageExceeded indicates the venue could not honour the execution
	// price bound; the whole call aborts with no state committed.
	ErrSlippageExceeded = errors.New("swap: slippage exceeded")
	// ErrVenueUnavailable indicates the external venue could not be reached or
	// rejected the call; callers retry with backoff.
	ErrVenueUnavailable = errors.New("swap: venue unavailable")
)

const bpsDenominator = 10_000

// Engine converts a bounded amount of tokenIn into tokenOut against a live
// external pool, greedily grows the referenced liquidity position, then routes
// the leftovers to burn and spare sinks. It holds no financial state of its
// own; all transfers go through the payment rail.
type Engine struct {
	venue     Venue
	positions PositionManager
	rail      common.PaymentRail
	emitter   events.Emitter
}

// NewEngine wires the engine to its external collaborators.
func NewEngine(venue Venue, positions PositionManager, rail common.PaymentRail) *Engine {
	return &Engine{venue: venue, positions: positions, rail: rail, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// MaxAmountInForImpact bounds the swap size so a constant-product pool's
// marginal price moves by at most impactBps. Selling dx into a reserve of
// depth moves the price by ((depth+dx)/depth)^2, so the bound is
// depth * (sqrt(1 + impact) - 1).
func MaxAmountInForImpact(depth *big.Int, impactBps uint64) *big.Int {
	if depth == nil || depth.Sign() <= 0 || impactBps == 0 {
		return big.NewInt(0)
	}
	scaled := uint256.NewInt((bpsDenominator + impactBps) * bpsDenominator)
	root := new(uint256.Int).Sqrt(scaled)
	factor := new(big.Int).SetUint64(root.Uint64())
	factor.Sub(factor, big.NewInt(bpsDenominator))
	if factor.Sign() <= 0 {
		return big.NewInt(0)
	}
	bound := new(big.Int).Mul(depth, factor)
	return bound.Div(bound, big.NewInt(bpsDenominator))
}

// ConvertAndProvision executes the bounded conversion described by the
// request. The call either fully succeeds or aborts with no observable
// mutation: transfers happen only after the venue and position calls land.
//
// Repeated invocation with the returned SpareIn converges: every call with
// non-zero pool depth strictly reduces the unresolved amount.
func (e *Engine) ConvertAndProvision(req SwapRequest) (*SwapResult, error) {
	if e == nil || e.venue == nil || e.positions == nil || e.rail == nil {
		return nil, fmt.Errorf("swap engine not configured")
	}
	tokenIn := strings.ToUpper(strings.TrimSpace(req.TokenIn))
	tokenOut := strings.ToUpper(strings.TrimSpace(req.TokenOut))
	if tokenIn == "" || tokenOut == "" || tokenIn == tokenOut {
		return nil, ErrInvalidToken
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if req.SlippageBps > req.ImpactBps {
		return nil, fmt.Errorf("swap: slippage cap %d exceeds impact ceiling %d", req.SlippageBps, req.ImpactBps)
	}

	price, depth, err := e.venue.Quote(tokenIn, tokenOut, req.PoolFee)
	if err != nil {
		return nil, fmt.Errorf("%w: quote: %v", ErrVenueUnavailable, err)
	}

	amountToSwap := big.NewInt(0)
	if depth != nil && depth.Sign() > 0 {
		maxSafe := MaxAmountInForImpact(depth, req.ImpactBps)
		if req.AmountIn.Cmp(maxSafe) < 0 {
			amountToSwap = copyBigInt(req.AmountIn)
		} else {
			amountToSwap = maxSafe
		}
	}

	amountOut := big.NewInt(0)
	if amountToSwap.Sign() > 0 {
		minOut := minAmountOut(price, amountToSwap, req.SlippageBps)
		amountOut, err = e.venue.Swap(tokenIn, tokenOut, req.PoolFee, amountToSwap, minOut)
		if err != nil {
			if errors.Is(err, ErrSlippageExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: swap: %v", ErrVenueUnavailable, err)
		}
		if amountOut == nil {
			amountOut = big.NewInt(0)
		}
	}

	leftoverIn := new(big.Int).Sub(req.AmountIn, amountToSwap)
	liquidityDelta, usedIn, usedOut, err := e.positions.IncreaseLiquidity(req.PositionRef, copyBigInt(leftoverIn), copyBigInt(amountOut))
	if err != nil {
		if errors.Is(err, ErrInvalidPositionRef) {
			return nil, err
		}
		return nil, fmt.Errorf("swap: increase liquidity: %w", err)
	}
	liquidityDelta = copyBigInt(liquidityDelta)
	usedIn = copyBigInt(usedIn)
	usedOut = copyBigInt(usedOut)
	if usedIn.Cmp(leftoverIn) > 0 || usedOut.Cmp(amountOut) > 0 {
		return nil, fmt.Errorf("swap: position manager consumed more than offered")
	}

	spareIn := new(big.Int).Sub(leftoverIn, usedIn)
	spareOut := new(big.Int).Sub(amountOut, usedOut)
	if spareOut.Sign() > 0 {
		if err := e.rail.Transfer(tokenOut, req.BurnRecipient, copyBigInt(spareOut)); err != nil {
			return nil, fmt.Errorf("swap: burn transfer: %w", err)
		}
	}
	if spareIn.Sign() > 0 {
		if err := e.rail.Transfer(tokenIn, req.SpareRecipient, copyBigInt(spareIn)); err != nil {
			return nil, fmt.Errorf("swap: spare transfer: %w", err)
		}
	}

	result := &SwapResult{
		AmountSwapped:  amountToSwap,
		AmountOut:      amountOut,
		LiquidityDelta: liquidityDelta,
		UsedIn:         usedIn,
		UsedOut:        usedOut,
		SpareIn:        spareIn,
		SpareOut:       spareOut,
	}
	e.emitter.Emit(events.SwapExecuted{
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		AmountIn:       copyBigInt(req.AmountIn),
		AmountSwapped:  copyBigInt(result.AmountSwapped),
		AmountOut:      copyBigInt(result.AmountOut),
		LiquidityDelta: copyBigInt(result.LiquidityDelta),
		SpareIn:        copyBigInt(result.SpareIn),
		SpareOut:       copyBigInt(result.SpareOut),
	})
	return result, nil
}

// minAmountOut derives the execution-price floor from the quoted price. The
// cap guards per-swap drift between quoting and execution, independently of
// the batch-level impact ceiling.
func minAmountOut(price *big.Rat, amountIn *big.Int, slippageBps uint64) *big.Int {
	if price == nil || price.Sign() <= 0 || amountIn == nil || amountIn.Sign() <= 0 {
		return big.NewInt(0)
	}
	quoted := new(big.Rat).Mul(price, new(big.Rat).SetInt(amountIn))
	floor := new(big.Int).Div(quoted.Num(), quoted.Denom())
	if floor.Sign() <= 0 {
		return big.NewInt(0)
	}
	if slippageBps >= bpsDenominator {
		return big.NewInt(0)
	}
	bounded := new(big.Int).Mul(floor, big.NewInt(bpsDenominator-int64(slippageBps)))
	return bounded.Div(bounded, big.NewInt(bpsDenominator))
}

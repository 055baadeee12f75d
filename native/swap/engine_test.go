package swap

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
)

// mockVenue simulates a fee-less constant-product pool.
type mockVenue struct {
	reserveIn  *big.Int
	reserveOut *big.Int
	// executionPenaltyBps worsens realised output relative to the quote to
	// simulate drift between quoting and execution.
	executionPenaltyBps int64
	unavailable         bool
}

func (v *mockVenue) Quote(tokenIn, tokenOut string, fee uint32) (*big.Rat, *big.Int, error) {
	if v.unavailable {
		return nil, nil, fmt.Errorf("connection refused")
	}
	if v.reserveIn.Sign() == 0 || v.reserveOut.Sign() == 0 {
		return new(big.Rat), big.NewInt(0), nil
	}
	price := new(big.Rat).SetFrac(new(big.Int).Set(v.reserveOut), new(big.Int).Set(v.reserveIn))
	return price, new(big.Int).Set(v.reserveIn), nil
}

func (v *mockVenue) Swap(tokenIn, tokenOut string, fee uint32, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if v.unavailable {
		return nil, fmt.Errorf("connection refused")
	}
	newReserveIn := new(big.Int).Add(v.reserveIn, amountIn)
	amountOut := new(big.Int).Mul(v.reserveOut, amountIn)
	amountOut.Div(amountOut, newReserveIn)
	if v.executionPenaltyBps > 0 {
		amountOut.Mul(amountOut, big.NewInt(10_000-v.executionPenaltyBps))
		amountOut.Div(amountOut, big.NewInt(10_000))
	}
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, ErrSlippageExceeded
	}
	v.reserveIn = newReserveIn
	v.reserveOut = new(big.Int).Sub(v.reserveOut, amountOut)
	return amountOut, nil
}

// mockPositions pairs liquidity at a fixed in-per-out ratio; the out side is
// typically the binding constraint.
type mockPositions struct {
	ref        uint64
	inPerOutN  int64
	inPerOutD  int64
	rejectRefs bool
}

func (p *mockPositions) IncreaseLiquidity(positionRef uint64, inDesired, outDesired *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	if p.rejectRefs || positionRef != p.ref {
		return nil, nil, nil, ErrInvalidPositionRef
	}
	if inDesired.Sign() == 0 || outDesired.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0), big.NewInt(0), nil
	}
	// Out the pool can match given the in side on offer.
	matchableOut := new(big.Int).Mul(inDesired, big.NewInt(p.inPerOutD))
	matchableOut.Div(matchableOut, big.NewInt(p.inPerOutN))
	usedOut := new(big.Int).Set(outDesired)
	if matchableOut.Cmp(usedOut) < 0 {
		usedOut = matchableOut
	}
	usedIn := new(big.Int).Mul(usedOut, big.NewInt(p.inPerOutN))
	usedIn.Div(usedIn, big.NewInt(p.inPerOutD))
	return new(big.Int).Set(usedOut), usedIn, usedOut, nil
}

type railCall struct {
	asset  string
	to     [20]byte
	amount *big.Int
}

type mockRail struct {
	calls []railCall
	fail  bool
}

func (r *mockRail) Transfer(asset string, to [20]byte, amount *big.Int) error {
	if r.fail {
		return fmt.Errorf("rail offline")
	}
	r.calls = append(r.calls, railCall{asset: asset, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func sink(index byte) [20]byte {
	var out [20]byte
	out[19] = index
	return out
}

func testRequest(amountIn int64) SwapRequest {
	return SwapRequest{
		TokenIn:        "TIDE",
		TokenOut:       "TUSD",
		PoolFee:        3000,
		AmountIn:       big.NewInt(amountIn),
		ImpactBps:      200,
		SlippageBps:    100,
		PositionRef:    42,
		BurnRecipient:  sink(1),
		SpareRecipient: sink(2),
	}
}

func TestMaxAmountInForImpact(t *testing.T) {
	// sqrt(1.02) ~ 1.00995 -> 99 bps of depth.
	got := MaxAmountInForImpact(big.NewInt(10_000), 200)
	if got.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("expected 99, got %s", got)
	}
	if MaxAmountInForImpact(big.NewInt(10_000), 0).Sign() != 0 {
		t.Fatalf("expected zero bound for zero ceiling")
	}
	if MaxAmountInForImpact(nil, 200).Sign() != 0 {
		t.Fatalf("expected zero bound for nil depth")
	}
}

func TestConvertAndProvisionZeroAmount(t *testing.T) {
	engine := NewEngine(&mockVenue{reserveIn: big.NewInt(1000), reserveOut: big.NewInt(1000)}, &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 1}, &mockRail{})
	if _, err := engine.ConvertAndProvision(testRequest(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestConvertAndProvisionZeroDepth(t *testing.T) {
	rail := &mockRail{}
	engine := NewEngine(&mockVenue{reserveIn: big.NewInt(0), reserveOut: big.NewInt(0)}, &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 1}, rail)
	result, err := engine.ConvertAndProvision(testRequest(500))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if result.AmountSwapped.Sign() != 0 {
		t.Fatalf("expected no swap against empty pool, got %s", result.AmountSwapped)
	}
	if result.SpareIn.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected whole amount spare, got %s", result.SpareIn)
	}
	if len(rail.calls) != 1 || rail.calls[0].to != sink(2) {
		t.Fatalf("expected single spare transfer, got %d calls", len(rail.calls))
	}
}

func TestConvertAndProvisionConservation(t *testing.T) {
	venue := &mockVenue{reserveIn: big.NewInt(1_000_000), reserveOut: big.NewInt(2_000_000)}
	positions := &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 2}
	rail := &mockRail{}
	engine := NewEngine(venue, positions, rail)

	req := testRequest(100_000)
	result, err := engine.ConvertAndProvision(req)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	maxSafe := MaxAmountInForImpact(big.NewInt(1_000_000), req.ImpactBps)
	if result.AmountSwapped.Cmp(maxSafe) != 0 {
		t.Fatalf("expected swap bounded at %s, got %s", maxSafe, result.AmountSwapped)
	}
	inTotal := new(big.Int).Add(result.AmountSwapped, result.UsedIn)
	inTotal.Add(inTotal, result.SpareIn)
	if inTotal.Cmp(req.AmountIn) != 0 {
		t.Fatalf("input not conserved: swapped %s used %s spare %s vs in %s",
			result.AmountSwapped, result.UsedIn, result.SpareIn, req.AmountIn)
	}
	outTotal := new(big.Int).Add(result.UsedOut, result.SpareOut)
	if outTotal.Cmp(result.AmountOut) != 0 {
		t.Fatalf("output not conserved: used %s spare %s vs out %s", result.UsedOut, result.SpareOut, result.AmountOut)
	}
}

func TestConvertAndProvisionConvergence(t *testing.T) {
	venue := &mockVenue{reserveIn: big.NewInt(50_000), reserveOut: big.NewInt(50_000)}
	positions := &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 1}
	engine := NewEngine(venue, positions, &mockRail{})

	remaining := big.NewInt(10_000)
	prev := new(big.Int).Add(remaining, big.NewInt(1))
	for i := 0; i < 64 && remaining.Sign() > 0; i++ {
		if remaining.Cmp(prev) >= 0 {
			t.Fatalf("spareIn did not strictly decrease: %s -> %s", prev, remaining)
		}
		prev = new(big.Int).Set(remaining)
		req := testRequest(0)
		req.AmountIn = new(big.Int).Set(remaining)
		result, err := engine.ConvertAndProvision(req)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		remaining = result.SpareIn
	}
	if remaining.Sign() != 0 {
		t.Fatalf("draining did not converge, %s left", remaining)
	}
}

func TestConvertAndProvisionSlippageAborts(t *testing.T) {
	venue := &mockVenue{reserveIn: big.NewInt(1_000_000), reserveOut: big.NewInt(1_000_000), executionPenaltyBps: 500}
	rail := &mockRail{}
	engine := NewEngine(venue, &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 1}, rail)
	if _, err := engine.ConvertAndProvision(testRequest(5_000)); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if len(rail.calls) != 0 {
		t.Fatalf("expected no transfers after aborted swap, got %d", len(rail.calls))
	}
}

func TestConvertAndProvisionVenueUnavailable(t *testing.T) {
	engine := NewEngine(&mockVenue{reserveIn: big.NewInt(1), reserveOut: big.NewInt(1), unavailable: true}, &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 1}, &mockRail{})
	if _, err := engine.ConvertAndProvision(testRequest(10)); !errors.Is(err, ErrVenueUnavailable) {
		t.Fatalf("expected ErrVenueUnavailable, got %v", err)
	}
}

func TestConvertAndProvisionInvalidPosition(t *testing.T) {
	engine := NewEngine(&mockVenue{reserveIn: big.NewInt(1_000_000), reserveOut: big.NewInt(1_000_000)}, &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 1, rejectRefs: true}, &mockRail{})
	if _, err := engine.ConvertAndProvision(testRequest(10)); !errors.Is(err, ErrInvalidPositionRef) {
		t.Fatalf("expected ErrInvalidPositionRef, got %v", err)
	}
}

func TestConvertAndProvisionSlippageTighterThanImpact(t *testing.T) {
	engine := NewEngine(&mockVenue{reserveIn: big.NewInt(1), reserveOut: big.NewInt(1)}, &mockPositions{ref: 42, inPerOutN: 1, inPerOutD: 1}, &mockRail{})
	req := testRequest(10)
	req.SlippageBps = req.ImpactBps + 1
	if _, err := engine.ConvertAndProvision(req); err == nil {
		t.Fatalf("expected rejection when slippage cap exceeds impact ceiling")
	}
}

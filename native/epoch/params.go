package epoch

import (
	"fmt"
	"time"
)

// PermilleDenominator is the fixed denominator for protocol and skim shares.
const PermilleDenominator = 1000

// Params are the governance-controlled settlement parameters. They are
// validated at the update boundary, never at execution time.
type Params struct {
	// ProtocolSharePermille is the cut of every inbound payment routed to the
	// protocol account.
	ProtocolSharePermille uint64

	// SkimSharePermille is the sub-share of the protocol's native cut routed
	// to the staking sink before the remainder is burned.
	SkimSharePermille uint64

	// Cadence is the minimum interval between successive executions.
	Cadence time.Duration

	// PriceImpactBps bounds how far a settlement batch may move the venue's
	// quoted price.
	PriceImpactBps uint64

	// SlippageBps bounds the realised execution drift of each individual
	// swap. It must not exceed PriceImpactBps.
	SlippageBps uint64
}

// DefaultParams returns a conservative configuration: 20% protocol share, 5%
// skim, daily cadence, 2% impact ceiling, 1% slippage cap.
func DefaultParams() Params {
	return Params{
		ProtocolSharePermille: 200,
		SkimSharePermille:     50,
		Cadence:               24 * time.Hour,
		PriceImpactBps:        200,
		SlippageBps:           100,
	}
}

// Validate ensures the parameters fall within acceptable bounds.
func (p Params) Validate() error {
	if p.ProtocolSharePermille > PermilleDenominator {
		return fmt.Errorf("epoch: protocol share must be <= %d permille", PermilleDenominator)
	}
	if p.SkimSharePermille > PermilleDenominator {
		return fmt.Errorf("epoch: skim share must be <= %d permille", PermilleDenominator)
	}
	if p.Cadence <= 0 {
		return fmt.Errorf("epoch: cadence must be positive")
	}
	if p.PriceImpactBps == 0 || p.PriceImpactBps > 10_000 {
		return fmt.Errorf("epoch: price impact ceiling must be within (0, 10000] bps")
	}
	if p.SlippageBps > p.PriceImpactBps {
		return fmt.Errorf("epoch: slippage cap %d exceeds impact ceiling %d", p.SlippageBps, p.PriceImpactBps)
	}
	return nil
}

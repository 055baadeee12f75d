package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"tidepool/native/swap"
)

// Positions talks to the external liquidity position service.
type Positions struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

type increasePayload struct {
	AmountInDesired  string `json:"amountInDesired"`
	AmountOutDesired string `json:"amountOutDesired"`
}

type increaseResponse struct {
	LiquidityDelta string `json:"liquidityDelta"`
	AmountInUsed   string `json:"amountInUsed"`
	AmountOutUsed  string `json:"amountOutUsed"`
}

// NewPositions constructs a position-service client rooted at baseURL.
func NewPositions(baseURL string, timeout time.Duration) *Positions {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Positions{base: baseURL, http: &http.Client{Timeout: timeout}, timeout: timeout}
}

// IncreaseLiquidity implements swap.PositionManager. A 404 maps to the
// engine's invalid-position sentinel.
func (p *Positions) IncreaseLiquidity(positionRef uint64, amountInDesired, amountOutDesired *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	body, err := json.Marshal(increasePayload{
		AmountInDesired:  amountInDesired.String(),
		AmountOutDesired: amountOutDesired.String(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	target := p.base + "/v1/positions/" + strconv.FormatUint(positionRef, 10) + "/increase"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, nil, swap.ErrInvalidPositionRef
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, nil, fmt.Errorf("venue: increase liquidity status %d", resp.StatusCode)
	}
	var payload increaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, nil, err
	}
	delta, ok := new(big.Int).SetString(payload.LiquidityDelta, 10)
	if !ok || delta.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("venue: invalid liquidity delta %q", payload.LiquidityDelta)
	}
	usedIn, ok := new(big.Int).SetString(payload.AmountInUsed, 10)
	if !ok || usedIn.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("venue: invalid amount in used %q", payload.AmountInUsed)
	}
	usedOut, ok := new(big.Int).SetString(payload.AmountOutUsed, 10)
	if !ok || usedOut.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("venue: invalid amount out used %q", payload.AmountOutUsed)
	}
	return delta, usedIn, usedOut, nil
}

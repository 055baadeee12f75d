// Package venue provides an HTTP client for an external swap venue, adapting
// it to the engine's Venue interface.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"tidepool/native/swap"
)

// Client talks to a swap venue over HTTP. Quote calls are rate limited so a
// hot settlement loop cannot hammer the venue.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

type quoteResponse struct {
	PriceNumerator   string `json:"priceNumerator"`
	PriceDenominator string `json:"priceDenominator"`
	Depth            string `json:"depth"`
}

type swapPayload struct {
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	Fee          uint32 `json:"fee"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
}

type swapResponse struct {
	AmountOut string `json:"amountOut"`
}

// New constructs a client for the venue at baseURL. ratePerSecond bounds
// quote calls; timeout bounds every request.
func New(baseURL string, timeout time.Duration, ratePerSecond int) *Client {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:    baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		timeout: timeout,
	}
}

// Quote implements swap.Venue.
func (c *Client) Quote(tokenIn, tokenOut string, fee uint32) (*big.Rat, *big.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	query := url.Values{}
	query.Set("tokenIn", tokenIn)
	query.Set("tokenOut", tokenOut)
	query.Set("fee", strconv.FormatUint(uint64(fee), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/quote?"+query.Encode(), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("venue: quote status %d", resp.StatusCode)
	}
	var payload quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, err
	}
	num, ok := new(big.Int).SetString(payload.PriceNumerator, 10)
	if !ok {
		return nil, nil, fmt.Errorf("venue: invalid price numerator %q", payload.PriceNumerator)
	}
	den, ok := new(big.Int).SetString(payload.PriceDenominator, 10)
	if !ok || den.Sign() <= 0 {
		return nil, nil, fmt.Errorf("venue: invalid price denominator %q", payload.PriceDenominator)
	}
	depth, ok := new(big.Int).SetString(payload.Depth, 10)
	if !ok || depth.Sign() < 0 {
		return nil, nil, fmt.Errorf("venue: invalid depth %q", payload.Depth)
	}
	return new(big.Rat).SetFrac(num, den), depth, nil
}

// Swap implements swap.Venue. A 409 from the venue maps to the engine's
// slippage sentinel so callers can distinguish it from an outage.
func (c *Client) Swap(tokenIn, tokenOut string, fee uint32, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	body, err := json.Marshal(swapPayload{
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		Fee:          fee,
		AmountIn:     amountIn.String(),
		MinAmountOut: minAmountOut.String(),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/swap", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return nil, swap.ErrSlippageExceeded
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue: swap status %d", resp.StatusCode)
	}
	var payload swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	amountOut, ok := new(big.Int).SetString(payload.AmountOut, 10)
	if !ok || amountOut.Sign() < 0 {
		return nil, fmt.Errorf("venue: invalid amount out %q", payload.AmountOut)
	}
	return amountOut, nil
}

// Package rail provides an HTTP client for the external payment rail used to
// execute withdrawals, burns and skims.
package rail

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// Client implements common.PaymentRail over HTTP.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

type transferPayload struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// New constructs a payment-rail client rooted at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: baseURL, http: &http.Client{Timeout: timeout}, timeout: timeout}
}

// Transfer submits an asset movement to the rail.
func (c *Client) Transfer(asset string, to [20]byte, amount *big.Int) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	body, err := json.Marshal(transferPayload{
		Asset:  asset,
		To:     "0x" + hex.EncodeToString(to[:]),
		Amount: amount.String(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("rail: transfer status %d", resp.StatusCode)
	}
	return nil
}

package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
)

const (
	// TypeDeposit marks a participant balance credit on the asset ledger.
	TypeDeposit = "ledger.deposit"
	// TypeWithdraw marks a participant balance debit destined for the payment rail.
	TypeWithdraw = "ledger.withdraw"
	// TypeDistribution marks a proportional distribution across a contribution cohort.
	TypeDistribution = "ledger.distribution"
	// TypeFundsReceived marks an inbound payment split between protocol and participant.
	TypeFundsReceived = "epoch.funds_received"
	// TypeEpochSettled marks a completed epoch execution.
	TypeEpochSettled = "epoch.settled"
	// TypeSwapExecuted marks a bounded conversion against the external venue.
	TypeSwapExecuted = "swap.executed"
)

// Deposit records a credit applied to a participant account.
type Deposit struct {
	JournalID     string
	ParticipantID string
	Asset         string
	Amount        *big.Int
}

// EventType satisfies the Event interface.
func (Deposit) EventType() string { return TypeDeposit }

// Attributes flattens the payload for broadcast.
func (e Deposit) Attributes() map[string]string {
	attrs := map[string]string{}
	if id := strings.TrimSpace(e.JournalID); id != "" {
		attrs["journalId"] = id
	}
	if id := strings.TrimSpace(e.ParticipantID); id != "" {
		attrs["participant"] = id
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	return attrs
}

// Withdraw records a debit released to the payment rail.
type Withdraw struct {
	JournalID     string
	ParticipantID string
	Asset         string
	Amount        *big.Int
	Recipient     [20]byte
}

// EventType satisfies the Event interface.
func (Withdraw) EventType() string { return TypeWithdraw }

// Attributes flattens the payload for broadcast.
func (e Withdraw) Attributes() map[string]string {
	attrs := map[string]string{}
	if id := strings.TrimSpace(e.JournalID); id != "" {
		attrs["journalId"] = id
	}
	if id := strings.TrimSpace(e.ParticipantID); id != "" {
		attrs["participant"] = id
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	if e.Recipient != ([20]byte{}) {
		attrs["recipient"] = hex.EncodeToString(e.Recipient[:])
	}
	return attrs
}

// Distribution records a proportional payout across the contribution cohort.
type Distribution struct {
	Cohort          uint64
	TotalNative     *big.Int
	TotalStableUsed *big.Int
	DustNative      *big.Int
	DustStable      *big.Int
}

// EventType satisfies the Event interface.
func (Distribution) EventType() string { return TypeDistribution }

// Attributes flattens the payload for broadcast.
func (e Distribution) Attributes() map[string]string {
	attrs := map[string]string{
		"cohortSize": strconv.FormatUint(e.Cohort, 10),
	}
	if e.TotalNative != nil {
		attrs["totalNative"] = e.TotalNative.String()
	}
	if e.TotalStableUsed != nil {
		attrs["totalStableUsed"] = e.TotalStableUsed.String()
	}
	if e.DustNative != nil && e.DustNative.Sign() > 0 {
		attrs["dustNative"] = e.DustNative.String()
	}
	if e.DustStable != nil && e.DustStable.Sign() > 0 {
		attrs["dustStable"] = e.DustStable.String()
	}
	return attrs
}

// FundsReceived records the protocol/participant split of an inbound payment.
type FundsReceived struct {
	ParticipantID  string
	Asset          string
	Amount         *big.Int
	ProtocolCut    *big.Int
	ParticipantCut *big.Int
}

// EventType satisfies the Event interface.
func (FundsReceived) EventType() string { return TypeFundsReceived }

// Attributes flattens the payload for broadcast.
func (e FundsReceived) Attributes() map[string]string {
	attrs := map[string]string{}
	if id := strings.TrimSpace(e.ParticipantID); id != "" {
		attrs["participant"] = id
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	if e.ProtocolCut != nil {
		attrs["protocolCut"] = e.ProtocolCut.String()
	}
	if e.ParticipantCut != nil {
		attrs["participantCut"] = e.ParticipantCut.String()
	}
	return attrs
}

// EpochSettled summarises a completed execution window.
type EpochSettled struct {
	Mark    int64
	Skimmed *big.Int
	Burned  *big.Int
	Configs uint64
}

// EventType satisfies the Event interface.
func (EpochSettled) EventType() string { return TypeEpochSettled }

// Attributes flattens the payload for broadcast.
func (e EpochSettled) Attributes() map[string]string {
	attrs := map[string]string{
		"mark":    strconv.FormatInt(e.Mark, 10),
		"configs": strconv.FormatUint(e.Configs, 10),
	}
	if e.Skimmed != nil {
		attrs["skimmed"] = e.Skimmed.String()
	}
	if e.Burned != nil {
		attrs["burned"] = e.Burned.String()
	}
	return attrs
}

// SwapExecuted records a bounded conversion and its leftover routing.
type SwapExecuted struct {
	TokenIn        string
	TokenOut       string
	AmountIn       *big.Int
	AmountSwapped  *big.Int
	AmountOut      *big.Int
	LiquidityDelta *big.Int
	SpareIn        *big.Int
	SpareOut       *big.Int
}

// EventType satisfies the Event interface.
func (SwapExecuted) EventType() string { return TypeSwapExecuted }

// Attributes flattens the payload for broadcast.
func (e SwapExecuted) Attributes() map[string]string {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.TokenIn); asset != "" {
		attrs["tokenIn"] = asset
	}
	if asset := normalizeAsset(e.TokenOut); asset != "" {
		attrs["tokenOut"] = asset
	}
	for key, value := range map[string]*big.Int{
		"amountIn":       e.AmountIn,
		"amountSwapped":  e.AmountSwapped,
		"amountOut":      e.AmountOut,
		"liquidityDelta": e.LiquidityDelta,
		"spareIn":        e.SpareIn,
		"spareOut":       e.SpareOut,
	} {
		if value != nil {
			attrs[key] = value.String()
		}
	}
	return attrs
}

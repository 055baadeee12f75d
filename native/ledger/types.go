package ledger

import (
	"math/big"
	"strings"
)

// Asset symbols recognised by a freshly initialised ledger. Further assets can
// be whitelisted through governance.
const (
	// AssetNative is the protocol's burnable utility token.
	AssetNative = "TIDE"
	// AssetStable is the external reference-value payment token.
	AssetStable = "TUSD"
)

// NormalizeAsset canonicalises asset symbols for whitelist lookups.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// ParticipantAccount is the authoritative balance record for one registered
// entity. Accounts are created on first fund allocation and never deleted.
type ParticipantAccount struct {
	ID                    string
	StableBalance         *big.Int
	NativeBalance         *big.Int
	LiquidityContribution *big.Int
	CumulativeStable      *big.Int
}

// Copy returns a deep copy so callers cannot mutate shared big.Int pointers.
func (a *ParticipantAccount) Copy() *ParticipantAccount {
	if a == nil {
		return nil
	}
	return &ParticipantAccount{
		ID:                    a.ID,
		StableBalance:         copyBigInt(a.StableBalance),
		NativeBalance:         copyBigInt(a.NativeBalance),
		LiquidityContribution: copyBigInt(a.LiquidityContribution),
		CumulativeStable:      copyBigInt(a.CumulativeStable),
	}
}

// ProtocolAccount holds funds earmarked for protocol-level disposition.
type ProtocolAccount struct {
	PendingStable *big.Int
	PendingNative *big.Int
}

// Copy returns a deep copy of the protocol account.
func (p *ProtocolAccount) Copy() *ProtocolAccount {
	if p == nil {
		return nil
	}
	return &ProtocolAccount{
		PendingStable: copyBigInt(p.PendingStable),
		PendingNative: copyBigInt(p.PendingNative),
	}
}

// TransferInstruction signals a transfer-out side effect to the caller. The
// ledger never moves assets itself; the payment rail does.
type TransferInstruction struct {
	Asset  string
	To     [20]byte
	Amount *big.Int
}

// Distribution summarises a proportional payout across the contribution cohort.
type Distribution struct {
	Shares     []Share
	DustNative *big.Int
	DustStable *big.Int
}

// Share captures a single participant's slice of a distribution.
type Share struct {
	ParticipantID string
	Native        *big.Int
	StableUsed    *big.Int
}

type storedAccount struct {
	ID                    string
	StableBalance         *big.Int
	NativeBalance         *big.Int
	LiquidityContribution *big.Int
	CumulativeStable      *big.Int
}

type storedProtocolAccount struct {
	PendingStable *big.Int
	PendingNative *big.Int
}

func toStoredAccount(account *ParticipantAccount) storedAccount {
	if account == nil {
		return storedAccount{}
	}
	return storedAccount{
		ID:                    account.ID,
		StableBalance:         copyBigInt(account.StableBalance),
		NativeBalance:         copyBigInt(account.NativeBalance),
		LiquidityContribution: copyBigInt(account.LiquidityContribution),
		CumulativeStable:      copyBigInt(account.CumulativeStable),
	}
}

func fromStoredAccount(stored *storedAccount) *ParticipantAccount {
	if stored == nil {
		return nil
	}
	return &ParticipantAccount{
		ID:                    stored.ID,
		StableBalance:         copyBigInt(stored.StableBalance),
		NativeBalance:         copyBigInt(stored.NativeBalance),
		LiquidityContribution: copyBigInt(stored.LiquidityContribution),
		CumulativeStable:      copyBigInt(stored.CumulativeStable),
	}
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

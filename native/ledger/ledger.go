package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"tidepool/core/events"
)

var (
	// ErrInvalidAsset indicates the asset symbol is empty or not whitelisted.
	ErrInvalidAsset = errors.New("ledger: invalid asset")
	// ErrInvalidAmount indicates a nil, zero or negative amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInvalidParticipant indicates an empty participant identifier.
	ErrInvalidParticipant = errors.New("ledger: invalid participant")
	// ErrInsufficientBalance indicates a debit exceeding the available balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrEmptyCohort indicates a distribution over zero summed contribution.
	ErrEmptyCohort = errors.New("ledger: empty cohort")
)

var (
	participantPrefix  = []byte("ledger/participant/")
	participantIndex   = []byte("ledger/participants")
	protocolAccountKey = []byte("ledger/protocol")
	assetWhitelistKey  = []byte("ledger/assets")
)

// Storage abstracts the subset of state manager functionality required by the
// asset ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Ledger is the sole owner and sole mutator of all balance state. It performs
// no external calls: asset movement is signalled to the caller through
// TransferInstruction values.
//
// The ledger is not safe for concurrent use. The epoch orchestrator guards
// every mutating entry point with a single mutex; callers bypassing the
// orchestrator must provide equivalent serialisation.
type Ledger struct {
	store   Storage
	emitter events.Emitter
	journal *Journal
}

// NewLedger constructs a ledger bound to the provided storage backend. The
// default asset whitelist (native + stable) is installed on first use.
func NewLedger(store Storage) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: storage not configured")
	}
	l := &Ledger{store: store, emitter: events.NoopEmitter{}, journal: NewJournal(store)}
	var assets []string
	ok, err := store.KVGet(assetWhitelistKey, &assets)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := store.KVPut(assetWhitelistKey, []string{AssetNative, AssetStable}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// Journal exposes the deposit/withdrawal journal for audit listings.
func (l *Ledger) Journal() *Journal {
	if l == nil {
		return nil
	}
	return l.journal
}

// AssetWhitelisted reports whether the supplied asset may be deposited.
func (l *Ledger) AssetWhitelisted(asset string) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("ledger not initialised")
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return false, nil
	}
	var assets []string
	if _, err := l.store.KVGet(assetWhitelistKey, &assets); err != nil {
		return false, err
	}
	for _, entry := range assets {
		if entry == normalized {
			return true, nil
		}
	}
	return false, nil
}

// SetAssetWhitelisted toggles an asset on or off the whitelist. Balances in a
// de-whitelisted asset remain withdrawable; only new deposits are refused.
func (l *Ledger) SetAssetWhitelisted(asset string, allowed bool) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return ErrInvalidAsset
	}
	var assets []string
	if _, err := l.store.KVGet(assetWhitelistKey, &assets); err != nil {
		return err
	}
	next := make([]string, 0, len(assets)+1)
	present := false
	for _, entry := range assets {
		if entry == normalized {
			present = true
			if !allowed {
				continue
			}
		}
		next = append(next, entry)
	}
	if allowed && !present {
		next = append(next, normalized)
	}
	return l.store.KVPut(assetWhitelistKey, next)
}

// Deposit credits the participant's balance for the supplied asset and appends
// a journal record.
func (l *Ledger) Deposit(participantID, asset string, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	id := strings.TrimSpace(participantID)
	if id == "" {
		return ErrInvalidParticipant
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	normalized := NormalizeAsset(asset)
	allowed, err := l.AssetWhitelisted(normalized)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrInvalidAsset
	}
	account, err := l.loadOrCreateAccount(id)
	if err != nil {
		return err
	}
	switch normalized {
	case AssetStable:
		account.StableBalance = new(big.Int).Add(account.StableBalance, amount)
		account.CumulativeStable = new(big.Int).Add(account.CumulativeStable, amount)
	case AssetNative:
		account.NativeBalance = new(big.Int).Add(account.NativeBalance, amount)
	default:
		return ErrInvalidAsset
	}
	if err := l.putAccount(account); err != nil {
		return err
	}
	record, err := l.journal.Append(KindDeposit, id, normalized, amount)
	if err != nil {
		return err
	}
	l.emitter.Emit(events.Deposit{
		JournalID:     record.ID,
		ParticipantID: id,
		Asset:         normalized,
		Amount:        copyBigInt(amount),
	})
	return nil
}

// Withdraw debits the participant's balance and returns the transfer
// instruction for the payment rail. No asset moves until the caller executes
// the instruction.
func (l *Ledger) Withdraw(participantID, asset string, amount *big.Int, recipient [20]byte) (*TransferInstruction, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	id := strings.TrimSpace(participantID)
	if id == "" {
		return nil, ErrInvalidParticipant
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	normalized := NormalizeAsset(asset)
	account, ok, err := l.loadAccount(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientBalance
	}
	var balance *big.Int
	switch normalized {
	case AssetStable:
		balance = account.StableBalance
	case AssetNative:
		balance = account.NativeBalance
	default:
		return nil, ErrInvalidAsset
	}
	if balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	if err := l.putAccount(account); err != nil {
		return nil, err
	}
	record, err := l.journal.Append(KindWithdraw, id, normalized, amount)
	if err != nil {
		return nil, err
	}
	l.emitter.Emit(events.Withdraw{
		JournalID:     record.ID,
		ParticipantID: id,
		Asset:         normalized,
		Amount:        copyBigInt(amount),
		Recipient:     recipient,
	})
	return &TransferInstruction{Asset: normalized, To: recipient, Amount: copyBigInt(amount)}, nil
}

// RecordLiquidityContribution increases the participant's distribution weight.
// Contributions are recorded in native-asset units already paired into pools.
func (l *Ledger) RecordLiquidityContribution(participantID string, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	id := strings.TrimSpace(participantID)
	if id == "" {
		return ErrInvalidParticipant
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	account, err := l.loadOrCreateAccount(id)
	if err != nil {
		return err
	}
	account.LiquidityContribution = new(big.Int).Add(account.LiquidityContribution, amount)
	return l.putAccount(account)
}

// DistributeProportionally splits totalNative across the cohort weighted by
// liquidity contribution and debits the matching stable consumption. Integer
// division truncates toward zero; native dust stays in the protocol account.
// Contributions are fully spent: every cohort member's weight resets to zero.
//
// The native side is funded from the protocol account's pending balance, which
// must cover totalNative; the stable debited from participants is credited to
// the protocol account so no value leaves the ledger.
func (l *Ledger) DistributeProportionally(participantIDs []string, totalNative, totalStableConsumed *big.Int) (*Distribution, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	if totalNative == nil || totalNative.Sign() < 0 || totalStableConsumed == nil || totalStableConsumed.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	accounts := make([]*ParticipantAccount, 0, len(participantIDs))
	contributionSum := big.NewInt(0)
	for _, rawID := range participantIDs {
		id := strings.TrimSpace(rawID)
		if id == "" {
			return nil, ErrInvalidParticipant
		}
		account, ok, err := l.loadAccount(id)
		if err != nil {
			return nil, err
		}
		if !ok || account.LiquidityContribution.Sign() <= 0 {
			continue
		}
		accounts = append(accounts, account)
		contributionSum.Add(contributionSum, account.LiquidityContribution)
	}
	if contributionSum.Sign() == 0 {
		return nil, ErrEmptyCohort
	}

	protocol, err := l.loadProtocolAccount()
	if err != nil {
		return nil, err
	}
	if protocol.PendingNative.Cmp(totalNative) < 0 {
		return nil, ErrInsufficientBalance
	}

	// Validate before mutating: every stable debit must be covered.
	shares := make([]Share, 0, len(accounts))
	paidNative := big.NewInt(0)
	usedStable := big.NewInt(0)
	for _, account := range accounts {
		shareNative := new(big.Int).Mul(totalNative, account.LiquidityContribution)
		shareNative.Div(shareNative, contributionSum)
		shareStable := new(big.Int).Mul(totalStableConsumed, account.LiquidityContribution)
		shareStable.Div(shareStable, contributionSum)
		if account.StableBalance.Cmp(shareStable) < 0 {
			return nil, ErrInsufficientBalance
		}
		shares = append(shares, Share{ParticipantID: account.ID, Native: shareNative, StableUsed: shareStable})
		paidNative.Add(paidNative, shareNative)
		usedStable.Add(usedStable, shareStable)
	}

	for i, account := range accounts {
		account.NativeBalance = new(big.Int).Add(account.NativeBalance, shares[i].Native)
		account.StableBalance = new(big.Int).Sub(account.StableBalance, shares[i].StableUsed)
		account.LiquidityContribution = big.NewInt(0)
		if err := l.putAccount(account); err != nil {
			return nil, err
		}
	}
	// Native dust never vanishes: only the paid sum leaves the protocol pool.
	protocol.PendingNative = new(big.Int).Sub(protocol.PendingNative, paidNative)
	protocol.PendingStable = new(big.Int).Add(protocol.PendingStable, usedStable)
	if err := l.putProtocolAccount(protocol); err != nil {
		return nil, err
	}

	dustNative := new(big.Int).Sub(totalNative, paidNative)
	dustStable := new(big.Int).Sub(totalStableConsumed, usedStable)
	l.emitter.Emit(events.Distribution{
		Cohort:          uint64(len(shares)),
		TotalNative:     copyBigInt(totalNative),
		TotalStableUsed: copyBigInt(usedStable),
		DustNative:      copyBigInt(dustNative),
		DustStable:      copyBigInt(dustStable),
	})
	return &Distribution{Shares: shares, DustNative: dustNative, DustStable: dustStable}, nil
}

// CreditProtocol adds pending funds to the protocol account.
func (l *Ledger) CreditProtocol(asset string, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	protocol, err := l.loadProtocolAccount()
	if err != nil {
		return err
	}
	switch NormalizeAsset(asset) {
	case AssetStable:
		protocol.PendingStable = new(big.Int).Add(protocol.PendingStable, amount)
	case AssetNative:
		protocol.PendingNative = new(big.Int).Add(protocol.PendingNative, amount)
	default:
		return ErrInvalidAsset
	}
	return l.putProtocolAccount(protocol)
}

// DebitProtocol removes pending funds from the protocol account.
func (l *Ledger) DebitProtocol(asset string, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	protocol, err := l.loadProtocolAccount()
	if err != nil {
		return err
	}
	var pending *big.Int
	switch NormalizeAsset(asset) {
	case AssetStable:
		pending = protocol.PendingStable
	case AssetNative:
		pending = protocol.PendingNative
	default:
		return ErrInvalidAsset
	}
	if pending.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	pending.Sub(pending, amount)
	return l.putProtocolAccount(protocol)
}

// BalanceOf returns the participant's balance for the supplied asset. Unknown
// participants report zero.
func (l *Ledger) BalanceOf(participantID, asset string) (*big.Int, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	account, ok, err := l.loadAccount(strings.TrimSpace(participantID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	switch NormalizeAsset(asset) {
	case AssetStable:
		return copyBigInt(account.StableBalance), nil
	case AssetNative:
		return copyBigInt(account.NativeBalance), nil
	default:
		return nil, ErrInvalidAsset
	}
}

// Account returns a deep copy of the participant's record.
func (l *Ledger) Account(participantID string) (*ParticipantAccount, bool, error) {
	if l == nil {
		return nil, false, fmt.Errorf("ledger not initialised")
	}
	account, ok, err := l.loadAccount(strings.TrimSpace(participantID))
	if err != nil || !ok {
		return nil, ok, err
	}
	return account.Copy(), true, nil
}

// ProtocolAccount returns a deep copy of the protocol pending balances.
func (l *Ledger) ProtocolAccount() (*ProtocolAccount, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	protocol, err := l.loadProtocolAccount()
	if err != nil {
		return nil, err
	}
	return protocol.Copy(), nil
}

// Participants lists every registered participant identifier.
func (l *Ledger) Participants() ([]string, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	var raw [][]byte
	if err := l.store.KVGetList(participantIndex, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		if len(entry) == 0 {
			continue
		}
		ids = append(ids, string(entry))
	}
	return ids, nil
}

func (l *Ledger) loadAccount(id string) (*ParticipantAccount, bool, error) {
	var stored storedAccount
	ok, err := l.store.KVGet(participantKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return fromStoredAccount(&stored), true, nil
}

func (l *Ledger) loadOrCreateAccount(id string) (*ParticipantAccount, error) {
	account, ok, err := l.loadAccount(id)
	if err != nil {
		return nil, err
	}
	if ok {
		return account, nil
	}
	account = &ParticipantAccount{
		ID:                    id,
		StableBalance:         big.NewInt(0),
		NativeBalance:         big.NewInt(0),
		LiquidityContribution: big.NewInt(0),
		CumulativeStable:      big.NewInt(0),
	}
	if err := l.store.KVAppend(participantIndex, []byte(id)); err != nil {
		return nil, err
	}
	return account, nil
}

func (l *Ledger) putAccount(account *ParticipantAccount) error {
	if account == nil {
		return fmt.Errorf("ledger: nil account")
	}
	return l.store.KVPut(participantKey(account.ID), toStoredAccount(account))
}

func (l *Ledger) loadProtocolAccount() (*ProtocolAccount, error) {
	var stored storedProtocolAccount
	ok, err := l.store.KVGet(protocolAccountKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ProtocolAccount{PendingStable: big.NewInt(0), PendingNative: big.NewInt(0)}, nil
	}
	return &ProtocolAccount{
		PendingStable: copyBigInt(stored.PendingStable),
		PendingNative: copyBigInt(stored.PendingNative),
	}, nil
}

func (l *Ledger) putProtocolAccount(protocol *ProtocolAccount) error {
	if protocol == nil {
		return fmt.Errorf("ledger: nil protocol account")
	}
	return l.store.KVPut(protocolAccountKey, storedProtocolAccount{
		PendingStable: copyBigInt(protocol.PendingStable),
		PendingNative: copyBigInt(protocol.PendingNative),
	})
}

func participantKey(id string) []byte {
	buf := make([]byte, len(participantPrefix)+len(id))
	copy(buf, participantPrefix)
	copy(buf[len(participantPrefix):], id)
	return buf
}

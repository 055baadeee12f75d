package epoch

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"tidepool/core/events"
	"tidepool/native/common"
	"tidepool/native/ledger"
	"tidepool/native/swap"
)

// PauseModule is the pause-toggle name guarding every mutating entry point.
const PauseModule = "treasury"

var (
	// ErrEpochNotReady indicates the cadence window has not elapsed yet.
	ErrEpochNotReady = errors.New("epoch: not ready")
	// ErrUnknownParticipant indicates a payout target without a registered address.
	ErrUnknownParticipant = errors.New("epoch: unknown participant")
)

var epochStateKey = []byte("epoch/state")

// Storage abstracts the state access required to persist the epoch window.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// AddressResolver maps participant identifiers to payout addresses. It is
// consulted only for routing, never for ledger keys.
type AddressResolver interface {
	Resolve(participantID string) ([20]byte, bool, error)
}

// Sinks are the fixed routing targets of an execution.
type Sinks struct {
	// Staking receives the skim share of the protocol's native cut.
	Staking [20]byte
	// Burn is the irrecoverable native sink.
	Burn [20]byte
	// Spare is the protocol treasury holding account for recyclable leftovers.
	Spare [20]byte
	// Venue is the operational account funding conversions.
	Venue [20]byte
}

// PayoutConfig is one per-participant settlement instruction supplied to
// Execute. A zero ShareAmount is an explicit no-op.
type PayoutConfig struct {
	ParticipantID string
	Token         string
	ShareAmount   *big.Int
	PositionRef   uint64
	PoolFee       uint32
}

// State names reported by Status.
const (
	StateAccumulating = "accumulating"
	StateReady        = "ready"
)

type storedEpochState struct {
	LastExecutionMark     uint64
	ProtocolSharePermille uint64
	SkimSharePermille     uint64
	CadenceSeconds        uint64
	PriceImpactBps        uint64
	SlippageBps           uint64
}

// Orchestrator accumulates incoming funds into the ledger, gates settlement by
// elapsed time, and on each execution fans funds out to the protocol sinks and
// per-participant configurations.
//
// A single mutex serialises every mutating entry point across the orchestrator
// and the ledger it owns; conservation invariants depend on this single-writer
// discipline. Read-only queries take the read lock and return deep copies.
type Orchestrator struct {
	mu       sync.RWMutex
	store    Storage
	ledger   *ledger.Ledger
	engine   *swap.Engine
	rail     common.PaymentRail
	registry AddressResolver
	pauses   common.PauseView
	emitter  events.Emitter
	sinks    Sinks
	params   Params
	lastMark int64
	now      func() time.Time
}

// NewOrchestrator loads (or initialises) the persisted epoch state and wires
// the orchestrator to its collaborators.
func NewOrchestrator(store Storage, lgr *ledger.Ledger, engine *swap.Engine, rail common.PaymentRail, registry AddressResolver, sinks Sinks) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("epoch: storage not configured")
	}
	if lgr == nil {
		return nil, fmt.Errorf("epoch: ledger not configured")
	}
	if rail == nil {
		return nil, fmt.Errorf("epoch: payment rail not configured")
	}
	o := &Orchestrator{
		store:    store,
		ledger:   lgr,
		engine:   engine,
		rail:     rail,
		registry: registry,
		emitter:  events.NoopEmitter{},
		sinks:    sinks,
		params:   DefaultParams(),
		now:      time.Now,
	}
	var stored storedEpochState
	ok, err := store.KVGet(epochStateKey, &stored)
	if err != nil {
		return nil, err
	}
	if ok {
		o.lastMark = int64(stored.LastExecutionMark)
		o.params = Params{
			ProtocolSharePermille: stored.ProtocolSharePermille,
			SkimSharePermille:     stored.SkimSharePermille,
			Cadence:               time.Duration(stored.CadenceSeconds) * time.Second,
			PriceImpactBps:        stored.PriceImpactBps,
			SlippageBps:           stored.SlippageBps,
		}
	} else if err := o.persistState(); err != nil {
		return nil, err
	}
	return o, nil
}

// SetClock overrides the time source, primarily for deterministic testing.
func (o *Orchestrator) SetClock(now func() time.Time) {
	if o == nil || now == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (o *Orchestrator) SetEmitter(emitter events.Emitter) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if emitter == nil {
		o.emitter = events.NoopEmitter{}
		return
	}
	o.emitter = emitter
	o.ledger.SetEmitter(emitter)
	if o.engine != nil {
		o.engine.SetEmitter(emitter)
	}
}

// SetPauseView configures the pause toggles consulted before mutation.
func (o *Orchestrator) SetPauseView(view common.PauseView) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauses = view
}

// Pause suspends every mutating entry point. The view configured through
// SetPauseView must be a toggleable registry.
func (o *Orchestrator) Pause(caller common.Caller) error {
	return o.setPaused(caller, true)
}

// Unpause resumes mutating entry points.
func (o *Orchestrator) Unpause(caller common.Caller) error {
	return o.setPaused(caller, false)
}

func (o *Orchestrator) setPaused(caller common.Caller, paused bool) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := caller.RequireRole(common.RoleTreasurer); err != nil {
		return err
	}
	registry, ok := o.pauses.(*common.PauseRegistry)
	if !ok || registry == nil {
		return fmt.Errorf("epoch: pause registry not configured")
	}
	registry.SetPaused(PauseModule, paused)
	return nil
}

// Ledger exposes the underlying asset ledger for read-side queries.
func (o *Orchestrator) Ledger() *ledger.Ledger {
	if o == nil {
		return nil
	}
	return o.ledger
}

// Params returns the active settlement parameters.
func (o *Orchestrator) Params() Params {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.params
}

// Status reports the current window state and the earliest Ready instant.
func (o *Orchestrator) Status() (string, time.Time) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	nextReady := time.Unix(o.lastMark, 0).Add(o.params.Cadence)
	if !o.now().Before(nextReady) {
		return StateReady, nextReady
	}
	return StateAccumulating, nextReady
}

// ReceiveFunds splits an inbound payment by the protocol share and credits the
// protocol account and the participant through the ledger. It is callable in
// any window state and never triggers conversion.
func (o *Orchestrator) ReceiveFunds(caller common.Caller, asset string, amount *big.Int, participantID string) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := common.Guard(o.pauses, PauseModule); err != nil {
		return err
	}
	if err := caller.RequireRole(common.RoleSettler); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ledger.ErrInvalidAmount
	}
	normalized := ledger.NormalizeAsset(asset)
	allowed, err := o.ledger.AssetWhitelisted(normalized)
	if err != nil {
		return err
	}
	if !allowed {
		return ledger.ErrInvalidAsset
	}
	protocolCut := new(big.Int).Mul(amount, new(big.Int).SetUint64(o.params.ProtocolSharePermille))
	protocolCut.Div(protocolCut, big.NewInt(PermilleDenominator))
	participantCut := new(big.Int).Sub(amount, protocolCut)
	if protocolCut.Sign() > 0 {
		if err := o.ledger.CreditProtocol(normalized, protocolCut); err != nil {
			return err
		}
	}
	if participantCut.Sign() > 0 {
		if err := o.ledger.Deposit(participantID, normalized, participantCut); err != nil {
			return err
		}
	}
	o.emitter.Emit(events.FundsReceived{
		ParticipantID:  strings.TrimSpace(participantID),
		Asset:          normalized,
		Amount:         new(big.Int).Set(amount),
		ProtocolCut:    protocolCut,
		ParticipantCut: participantCut,
	})
	return nil
}

// Execute settles the pending window: the protocol's native cut is split into
// a staking skim and an irrecoverable burn, then each payout configuration is
// settled either by direct transfer or through the swap engine.
//
// Unswapped protocol pending stable is deliberately left pending; it rolls
// into later windows until governance routes it.
//
// Each configuration is an atomic sub-settlement: external transfers precede
// the matching ledger debit, so a failed configuration aborts the remainder
// with the ledger untouched for it. The execution mark only advances when the
// whole fan-out succeeds, keeping lastExecutionMark monotonic.
func (o *Orchestrator) Execute(caller common.Caller, configs []PayoutConfig) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := common.Guard(o.pauses, PauseModule); err != nil {
		return err
	}
	if err := caller.RequireRole(common.RoleSettler); err != nil {
		return err
	}
	now := o.now()
	if err := o.requireReady(now); err != nil {
		return err
	}

	protocol, err := o.ledger.ProtocolAccount()
	if err != nil {
		return err
	}
	skimmed := big.NewInt(0)
	burned := big.NewInt(0)
	if protocol.PendingNative.Sign() > 0 {
		skimmed = new(big.Int).Mul(protocol.PendingNative, new(big.Int).SetUint64(o.params.SkimSharePermille))
		skimmed.Div(skimmed, big.NewInt(PermilleDenominator))
		burned = new(big.Int).Sub(protocol.PendingNative, skimmed)
		if skimmed.Sign() > 0 {
			if err := o.rail.Transfer(ledger.AssetNative, o.sinks.Staking, skimmed); err != nil {
				return fmt.Errorf("epoch: skim transfer: %w", err)
			}
		}
		if burned.Sign() > 0 {
			if err := o.rail.Transfer(ledger.AssetNative, o.sinks.Burn, burned); err != nil {
				return fmt.Errorf("epoch: burn transfer: %w", err)
			}
		}
		if err := o.ledger.DebitProtocol(ledger.AssetNative, protocol.PendingNative); err != nil {
			return err
		}
	}

	for _, cfg := range configs {
		if cfg.ShareAmount == nil || cfg.ShareAmount.Sign() == 0 {
			continue
		}
		if cfg.ShareAmount.Sign() < 0 {
			return ledger.ErrInvalidAmount
		}
		if err := o.settleConfig(cfg); err != nil {
			return err
		}
	}

	o.lastMark = now.Unix()
	if err := o.persistState(); err != nil {
		return err
	}
	o.emitter.Emit(events.EpochSettled{
		Mark:    o.lastMark,
		Skimmed: skimmed,
		Burned:  burned,
		Configs: uint64(len(configs)),
	})
	return nil
}

// AdvanceEpoch closes the window without settling any conversions. It shares
// the Ready gate with Execute.
func (o *Orchestrator) AdvanceEpoch(caller common.Caller) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := common.Guard(o.pauses, PauseModule); err != nil {
		return err
	}
	if err := caller.RequireRole(common.RoleSettler); err != nil {
		return err
	}
	now := o.now()
	if err := o.requireReady(now); err != nil {
		return err
	}
	o.lastMark = now.Unix()
	return o.persistState()
}

// Withdraw debits the participant's balance and executes the transfer through
// the payment rail, under the orchestrator's single-writer lock.
func (o *Orchestrator) Withdraw(caller common.Caller, participantID, asset string, amount *big.Int, recipient [20]byte) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := common.Guard(o.pauses, PauseModule); err != nil {
		return err
	}
	if err := caller.RequireRole(common.RoleSettler); err != nil {
		return err
	}
	instruction, err := o.ledger.Withdraw(participantID, asset, amount, recipient)
	if err != nil {
		return err
	}
	if err := o.rail.Transfer(instruction.Asset, instruction.To, instruction.Amount); err != nil {
		// Undo the debit so a rail outage cannot strand the balance.
		if depositErr := o.ledger.Deposit(participantID, asset, amount); depositErr != nil {
			return fmt.Errorf("epoch: withdraw transfer failed (%v) and redeposit failed: %w", err, depositErr)
		}
		return fmt.Errorf("epoch: withdraw transfer: %w", err)
	}
	return nil
}

// Distribute pays the cohort proportionally to recorded liquidity
// contributions under the single-writer lock. The native side is funded from
// the protocol pending balance; consumed stable flows back to it.
func (o *Orchestrator) Distribute(caller common.Caller, participantIDs []string, totalNative, totalStableConsumed *big.Int) (*ledger.Distribution, error) {
	if o == nil {
		return nil, fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := common.Guard(o.pauses, PauseModule); err != nil {
		return nil, err
	}
	if err := caller.RequireRole(common.RoleSettler); err != nil {
		return nil, err
	}
	return o.ledger.DistributeProportionally(participantIDs, totalNative, totalStableConsumed)
}

// Deposit credits a participant balance under the single-writer lock.
func (o *Orchestrator) Deposit(caller common.Caller, participantID, asset string, amount *big.Int) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := common.Guard(o.pauses, PauseModule); err != nil {
		return err
	}
	if err := caller.RequireRole(common.RoleSettler); err != nil {
		return err
	}
	return o.ledger.Deposit(participantID, asset, amount)
}

// SetParams replaces the settlement parameters after validation.
func (o *Orchestrator) SetParams(caller common.Caller, params Params) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := caller.RequireRole(common.RoleTreasurer); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	o.params = params
	return o.persistState()
}

// SetAssetWhitelisted toggles deposit eligibility for an asset.
func (o *Orchestrator) SetAssetWhitelisted(caller common.Caller, asset string, allowed bool) error {
	if o == nil {
		return fmt.Errorf("orchestrator not initialised")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := caller.RequireRole(common.RoleTreasurer); err != nil {
		return err
	}
	return o.ledger.SetAssetWhitelisted(asset, allowed)
}

func (o *Orchestrator) requireReady(now time.Time) error {
	if now.Sub(time.Unix(o.lastMark, 0)) < o.params.Cadence {
		return ErrEpochNotReady
	}
	return nil
}

// settleConfig resolves one payout configuration: native shares transfer
// directly to the participant, other tokens route through the swap engine.
func (o *Orchestrator) settleConfig(cfg PayoutConfig) error {
	token := ledger.NormalizeAsset(cfg.Token)
	balance, err := o.ledger.BalanceOf(cfg.ParticipantID, ledger.AssetNative)
	if err != nil {
		return err
	}
	if balance.Cmp(cfg.ShareAmount) < 0 {
		return ledger.ErrInsufficientBalance
	}

	if token == ledger.AssetNative {
		if o.registry == nil {
			return fmt.Errorf("epoch: registry not configured")
		}
		addr, ok, err := o.registry.Resolve(cfg.ParticipantID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownParticipant
		}
		if err := o.rail.Transfer(ledger.AssetNative, addr, cfg.ShareAmount); err != nil {
			return fmt.Errorf("epoch: payout transfer: %w", err)
		}
		_, err = o.ledger.Withdraw(cfg.ParticipantID, ledger.AssetNative, cfg.ShareAmount, addr)
		return err
	}

	if o.engine == nil {
		return fmt.Errorf("epoch: swap engine not configured")
	}
	result, err := o.engine.ConvertAndProvision(swap.SwapRequest{
		TokenIn:        ledger.AssetNative,
		TokenOut:       token,
		PoolFee:        cfg.PoolFee,
		AmountIn:       cfg.ShareAmount,
		ImpactBps:      o.params.PriceImpactBps,
		SlippageBps:    o.params.SlippageBps,
		PositionRef:    cfg.PositionRef,
		BurnRecipient:  o.sinks.Burn,
		SpareRecipient: o.sinks.Spare,
	})
	if err != nil {
		return err
	}
	if _, err := o.ledger.Withdraw(cfg.ParticipantID, ledger.AssetNative, cfg.ShareAmount, o.sinks.Venue); err != nil {
		return err
	}
	// The spare input landed at the protocol treasury; mirror it on the
	// ledger so the recyclable balance stays visible.
	if result.SpareIn.Sign() > 0 {
		if err := o.ledger.CreditProtocol(ledger.AssetNative, result.SpareIn); err != nil {
			return err
		}
	}
	if result.LiquidityDelta.Sign() > 0 {
		if err := o.ledger.RecordLiquidityContribution(cfg.ParticipantID, result.LiquidityDelta); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) persistState() error {
	mark := uint64(0)
	if o.lastMark > 0 {
		mark = uint64(o.lastMark)
	}
	cadence := uint64(0)
	if o.params.Cadence > 0 {
		cadence = uint64(o.params.Cadence / time.Second)
	}
	return o.store.KVPut(epochStateKey, storedEpochState{
		LastExecutionMark:     mark,
		ProtocolSharePermille: o.params.ProtocolSharePermille,
		SkimSharePermille:     o.params.SkimSharePermille,
		CadenceSeconds:        cadence,
		PriceImpactBps:        o.params.PriceImpactBps,
		SlippageBps:           o.params.SlippageBps,
	})
}

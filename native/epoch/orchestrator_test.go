package epoch

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"tidepool/native/common"
	"tidepool/native/ledger"
	"tidepool/native/swap"
	"tidepool/storage"
)

type constantProductVenue struct {
	reserveIn  *big.Int
	reserveOut *big.Int
}

func (v *constantProductVenue) Quote(tokenIn, tokenOut string, fee uint32) (*big.Rat, *big.Int, error) {
	if v.reserveIn.Sign() == 0 || v.reserveOut.Sign() == 0 {
		return new(big.Rat), big.NewInt(0), nil
	}
	price := new(big.Rat).SetFrac(new(big.Int).Set(v.reserveOut), new(big.Int).Set(v.reserveIn))
	return price, new(big.Int).Set(v.reserveIn), nil
}

func (v *constantProductVenue) Swap(tokenIn, tokenOut string, fee uint32, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	newReserveIn := new(big.Int).Add(v.reserveIn, amountIn)
	amountOut := new(big.Int).Mul(v.reserveOut, amountIn)
	amountOut.Div(amountOut, newReserveIn)
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, swap.ErrSlippageExceeded
	}
	v.reserveIn = newReserveIn
	v.reserveOut = new(big.Int).Sub(v.reserveOut, amountOut)
	return amountOut, nil
}

type pairAllPositions struct{}

func (pairAllPositions) IncreaseLiquidity(ref uint64, inDesired, outDesired *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	// The out side binds: pair it one-to-one against the in side on offer.
	usedOut := new(big.Int).Set(outDesired)
	if inDesired.Cmp(usedOut) < 0 {
		usedOut = new(big.Int).Set(inDesired)
	}
	return new(big.Int).Set(usedOut), new(big.Int).Set(usedOut), new(big.Int).Set(usedOut), nil
}

type recordingRail struct {
	transfers map[string]map[[20]byte]*big.Int
}

func newRecordingRail() *recordingRail {
	return &recordingRail{transfers: make(map[string]map[[20]byte]*big.Int)}
}

func (r *recordingRail) Transfer(asset string, to [20]byte, amount *big.Int) error {
	byAsset, ok := r.transfers[asset]
	if !ok {
		byAsset = make(map[[20]byte]*big.Int)
		r.transfers[asset] = byAsset
	}
	total, ok := byAsset[to]
	if !ok {
		total = big.NewInt(0)
		byAsset[to] = total
	}
	total.Add(total, amount)
	return nil
}

func (r *recordingRail) total(asset string, to [20]byte) *big.Int {
	byAsset, ok := r.transfers[asset]
	if !ok {
		return big.NewInt(0)
	}
	total, ok := byAsset[to]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(total)
}

type staticRegistry map[string][20]byte

func (r staticRegistry) Resolve(id string) ([20]byte, bool, error) {
	addr, ok := r[id]
	return addr, ok, nil
}

func sinkAddr(index byte) [20]byte {
	var out [20]byte
	out[19] = index
	return out
}

var testSinks = Sinks{
	Staking: sinkAddr(10),
	Burn:    sinkAddr(11),
	Spare:   sinkAddr(12),
	Venue:   sinkAddr(13),
}

type fixture struct {
	orchestrator *Orchestrator
	ledger       *ledger.Ledger
	rail         *recordingRail
	registry     staticRegistry
	now          time.Time
	clockPtr     *time.Time
}

func settler() common.Caller {
	return common.NewCaller("ops", common.RoleSettler)
}

func treasurer() common.Caller {
	return common.NewCaller("gov", common.RoleTreasurer)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := storage.NewManager(storage.NewMemDB())
	lgr, err := ledger.NewLedger(manager)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	rail := newRecordingRail()
	venue := &constantProductVenue{reserveIn: big.NewInt(1_000_000), reserveOut: big.NewInt(1_000_000)}
	engine := swap.NewEngine(venue, pairAllPositions{}, rail)
	registry := staticRegistry{"alice": sinkAddr(1), "bob": sinkAddr(2)}
	orchestrator, err := NewOrchestrator(manager, lgr, engine, rail, registry, testSinks)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f := &fixture{orchestrator: orchestrator, ledger: lgr, rail: rail, registry: registry}
	f.now = time.Unix(1_700_000_000, 0)
	f.clockPtr = &f.now
	orchestrator.SetClock(func() time.Time { return *f.clockPtr })
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clockPtr = f.clockPtr.Add(d)
}

func TestReceiveFundsSplitsByProtocolShare(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetStable, big.NewInt(100), "alice"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	protocol, err := f.ledger.ProtocolAccount()
	if err != nil {
		t.Fatalf("protocol account: %v", err)
	}
	if protocol.PendingStable.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected protocol pending stable 20, got %s", protocol.PendingStable)
	}
	balance, err := f.ledger.BalanceOf("alice", ledger.AssetStable)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("expected participant stable 80, got %s", balance)
	}
}

func TestReceiveFundsValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), "DOGE", big.NewInt(1), "alice"); !errors.Is(err, ledger.ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetStable, big.NewInt(0), "alice"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.orchestrator.ReceiveFunds(common.NewCaller("nobody"), ledger.AssetStable, big.NewInt(1), "alice"); !errors.Is(err, common.ErrRoleMissing) {
		t.Fatalf("expected ErrRoleMissing, got %v", err)
	}
}

func TestExecuteSkimAndBurn(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetNative, big.NewInt(100), "alice"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	// Protocol native cut is 20; skim 50 permille of it -> 1, burn 19.
	if err := f.orchestrator.Execute(settler(), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.rail.total(ledger.AssetNative, testSinks.Staking); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected skim 1, got %s", got)
	}
	if got := f.rail.total(ledger.AssetNative, testSinks.Burn); got.Cmp(big.NewInt(19)) != 0 {
		t.Fatalf("expected burn 19, got %s", got)
	}
	protocol, err := f.ledger.ProtocolAccount()
	if err != nil {
		t.Fatalf("protocol account: %v", err)
	}
	if protocol.PendingNative.Sign() != 0 {
		t.Fatalf("expected pending native reset, got %s", protocol.PendingNative)
	}
}

func TestExecuteLeavesStablePending(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetStable, big.NewInt(100), "alice"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	if err := f.orchestrator.Execute(settler(), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	protocol, err := f.ledger.ProtocolAccount()
	if err != nil {
		t.Fatalf("protocol account: %v", err)
	}
	// Unswapped stable rolls into the next window instead of being force-converted.
	if protocol.PendingStable.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected pending stable carried at 20, got %s", protocol.PendingStable)
	}
}

func TestEpochGating(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.Execute(settler(), nil); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if err := f.orchestrator.Execute(settler(), nil); !errors.Is(err, ErrEpochNotReady) {
		t.Fatalf("expected ErrEpochNotReady, got %v", err)
	}
	state, _ := f.orchestrator.Status()
	if state != StateAccumulating {
		t.Fatalf("expected accumulating, got %s", state)
	}
	f.advance(f.orchestrator.Params().Cadence)
	state, _ = f.orchestrator.Status()
	if state != StateReady {
		t.Fatalf("expected ready, got %s", state)
	}
	if err := f.orchestrator.Execute(settler(), nil); err != nil {
		t.Fatalf("execute after cadence: %v", err)
	}
}

func TestAdvanceEpochSharesGate(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.AdvanceEpoch(settler()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := f.orchestrator.AdvanceEpoch(settler()); !errors.Is(err, ErrEpochNotReady) {
		t.Fatalf("expected ErrEpochNotReady, got %v", err)
	}
}

func TestExecuteZeroShareSkipped(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetNative, big.NewInt(1000), "alice"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	before, _ := f.ledger.BalanceOf("alice", ledger.AssetNative)
	configs := []PayoutConfig{{ParticipantID: "alice", Token: ledger.AssetNative, ShareAmount: big.NewInt(0)}}
	if err := f.orchestrator.Execute(settler(), configs); err != nil {
		t.Fatalf("execute: %v", err)
	}
	after, _ := f.ledger.BalanceOf("alice", ledger.AssetNative)
	if before.Cmp(after) != 0 {
		t.Fatalf("zero-share config changed balance: %s -> %s", before, after)
	}
}

func TestExecuteDirectNativePayout(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetNative, big.NewInt(1000), "alice"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	configs := []PayoutConfig{{ParticipantID: "alice", Token: ledger.AssetNative, ShareAmount: big.NewInt(500)}}
	if err := f.orchestrator.Execute(settler(), configs); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.rail.total(ledger.AssetNative, f.registry["alice"]); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected payout 500, got %s", got)
	}
	balance, _ := f.ledger.BalanceOf("alice", ledger.AssetNative)
	if balance.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected remaining native 300, got %s", balance)
	}
}

func TestExecuteSwapPathRecordsContribution(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetNative, big.NewInt(100_000), "alice"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	share := big.NewInt(50_000)
	configs := []PayoutConfig{{ParticipantID: "alice", Token: ledger.AssetStable, ShareAmount: share, PositionRef: 7, PoolFee: 3000}}
	if err := f.orchestrator.Execute(settler(), configs); err != nil {
		t.Fatalf("execute: %v", err)
	}
	account, ok, err := f.ledger.Account("alice")
	if err != nil || !ok {
		t.Fatalf("account: ok=%v err=%v", ok, err)
	}
	if account.LiquidityContribution.Sign() <= 0 {
		t.Fatalf("expected positive liquidity contribution, got %s", account.LiquidityContribution)
	}
	if account.NativeBalance.Cmp(big.NewInt(30_000)) != 0 {
		t.Fatalf("expected native debited to 30000, got %s", account.NativeBalance)
	}
}

func TestExecuteUnknownParticipant(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetNative, big.NewInt(1000), "mallory"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	configs := []PayoutConfig{{ParticipantID: "mallory", Token: ledger.AssetNative, ShareAmount: big.NewInt(1)}}
	if err := f.orchestrator.Execute(settler(), configs); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestPauseGatesMutatingEntryPoints(t *testing.T) {
	f := newFixture(t)
	pauses := common.NewPauseRegistry()
	f.orchestrator.SetPauseView(pauses)
	if err := f.orchestrator.Pause(treasurer()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetStable, big.NewInt(1), "alice"); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on receive, got %v", err)
	}
	if err := f.orchestrator.Execute(settler(), nil); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on execute, got %v", err)
	}
	if err := f.orchestrator.Pause(settler()); !errors.Is(err, common.ErrRoleMissing) {
		t.Fatalf("expected ErrRoleMissing for non-treasurer pause, got %v", err)
	}
	if err := f.orchestrator.Unpause(treasurer()); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetStable, big.NewInt(1), "alice"); err != nil {
		t.Fatalf("receive after unpause: %v", err)
	}
}

func TestSetParamsValidatesAtBoundary(t *testing.T) {
	f := newFixture(t)
	bad := DefaultParams()
	bad.ProtocolSharePermille = 1001
	if err := f.orchestrator.SetParams(treasurer(), bad); err == nil {
		t.Fatalf("expected rejection of >1000 permille share")
	}
	bad = DefaultParams()
	bad.SlippageBps = bad.PriceImpactBps + 1
	if err := f.orchestrator.SetParams(treasurer(), bad); err == nil {
		t.Fatalf("expected rejection of slippage above impact ceiling")
	}
	if err := f.orchestrator.SetParams(settler(), DefaultParams()); !errors.Is(err, common.ErrRoleMissing) {
		t.Fatalf("expected ErrRoleMissing, got %v", err)
	}
	good := DefaultParams()
	good.Cadence = time.Hour
	if err := f.orchestrator.SetParams(treasurer(), good); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if f.orchestrator.Params().Cadence != time.Hour {
		t.Fatalf("params not applied")
	}
}

func TestParamsPersistAcrossRestart(t *testing.T) {
	manager := storage.NewManager(storage.NewMemDB())
	lgr, err := ledger.NewLedger(manager)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	rail := newRecordingRail()
	first, err := NewOrchestrator(manager, lgr, nil, rail, nil, testSinks)
	if err != nil {
		t.Fatalf("first orchestrator: %v", err)
	}
	params := DefaultParams()
	params.Cadence = 2 * time.Hour
	params.SkimSharePermille = 75
	if err := first.SetParams(treasurer(), params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	second, err := NewOrchestrator(manager, lgr, nil, rail, nil, testSinks)
	if err != nil {
		t.Fatalf("second orchestrator: %v", err)
	}
	if got := second.Params(); got.Cadence != 2*time.Hour || got.SkimSharePermille != 75 {
		t.Fatalf("params not restored: %+v", got)
	}
}

func TestWithdrawThroughOrchestrator(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.Deposit(settler(), "alice", ledger.AssetStable, big.NewInt(40)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	to := sinkAddr(9)
	if err := f.orchestrator.Withdraw(settler(), "alice", ledger.AssetStable, big.NewInt(25), to); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.rail.total(ledger.AssetStable, to); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("expected transfer 25, got %s", got)
	}
	balance, _ := f.ledger.BalanceOf("alice", ledger.AssetStable)
	if balance.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("expected balance 15, got %s", balance)
	}
}

func TestDistributeThroughOrchestrator(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.ReceiveFunds(settler(), ledger.AssetNative, big.NewInt(1500), "alice"); err != nil {
		t.Fatalf("receive funds: %v", err)
	}
	// Protocol pending native is 300 after the 200 permille split.
	if err := f.ledger.RecordLiquidityContribution("alice", big.NewInt(1000)); err != nil {
		t.Fatalf("record contribution: %v", err)
	}
	dist, err := f.orchestrator.Distribute(settler(), []string{"alice"}, big.NewInt(300), big.NewInt(0))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(dist.Shares) != 1 || dist.Shares[0].Native.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected distribution: %+v", dist)
	}
	if _, err := f.orchestrator.Distribute(treasurer(), []string{"alice"}, big.NewInt(1), big.NewInt(0)); !errors.Is(err, common.ErrRoleMissing) {
		t.Fatalf("expected ErrRoleMissing, got %v", err)
	}
}

func TestStatusReportsNextReady(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.AdvanceEpoch(settler()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	state, nextReady := f.orchestrator.Status()
	if state != StateAccumulating {
		t.Fatalf("expected accumulating, got %s", state)
	}
	want := f.now.Add(f.orchestrator.Params().Cadence)
	if !nextReady.Equal(want) {
		t.Fatalf("expected next ready %s, got %s", want, nextReady)
	}
}

// failingRail rejects every transfer to exercise the withdraw undo path.
type failingRail struct{}

func (failingRail) Transfer(asset string, to [20]byte, amount *big.Int) error {
	return fmt.Errorf("rail offline")
}

func TestWithdrawUndoOnRailFailure(t *testing.T) {
	manager := storage.NewManager(storage.NewMemDB())
	lgr, err := ledger.NewLedger(manager)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	orchestrator, err := NewOrchestrator(manager, lgr, nil, failingRail{}, nil, testSinks)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orchestrator.Deposit(settler(), "alice", ledger.AssetStable, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := orchestrator.Withdraw(settler(), "alice", ledger.AssetStable, big.NewInt(10), sinkAddr(3)); err == nil {
		t.Fatalf("expected withdraw failure")
	}
	balance, _ := lgr.BalanceOf("alice", ledger.AssetStable)
	if balance.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected balance restored to 10, got %s", balance)
	}
}

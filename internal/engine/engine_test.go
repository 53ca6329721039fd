package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aethercycle/aethercycle-engine/internal/endowment"
	"github.com/aethercycle/aethercycle-engine/internal/ledger"
	"github.com/aethercycle/aethercycle-engine/internal/market"
	"github.com/aethercycle/aethercycle-engine/internal/model"
	"github.com/aethercycle/aethercycle-engine/internal/staking"
)

const (
	genesisAddr   model.Address = "test:genesis"
	engineAddr    model.Address = "test:engine"
	taxAddr       model.Address = "test:tax"
	callerAddr    model.Address = "test:caller"
	venueAddr     model.Address = "test:venue"
	endowAddr     model.Address = "test:endowment"
	custodianAddr model.Address = "test:custodian"
	lpPoolAddr    model.Address = "test:pool-lp"
	tokenPoolAddr model.Address = "test:pool-token"
	nftPoolAddr   model.Address = "test:pool-nft"
)

// deciTokens builds an amount in tenths of a token, for the split shares
// that land on a half-token boundary.
func deciTokens(n uint64) *uint256.Int {
	v := uint256.NewInt(n)
	return v.Mul(v, uint256.NewInt(1e17))
}

// stubMarket is a fixed-rate venue (20 base : 1 paired) with failure
// injection knobs. Swaps and deposits move real ledger balances so the
// conservation checks see the same flows a live venue would produce.
type stubMarket struct {
	base, paired, lp *ledger.Ledger
	addr             model.Address

	quoteErr error
	swapErr  error
	addErr   error
	addFails int // AddLiquidity rejections before accepting
}

func (m *stubMarket) Name() string { return "stub" }

func (m *stubMarket) Quote(amountIn *uint256.Int) (*uint256.Int, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	if amountIn.IsZero() {
		return nil, market.ErrZeroAmount
	}
	return new(uint256.Int).Div(amountIn, uint256.NewInt(20)), nil
}

func (m *stubMarket) Swap(from model.Address, amountIn, minOut *uint256.Int, to model.Address) (*uint256.Int, error) {
	if m.swapErr != nil {
		return nil, m.swapErr
	}
	out, err := m.Quote(amountIn)
	if err != nil {
		return nil, err
	}
	if out.Lt(minOut) {
		return nil, market.ErrInsufficientOutput
	}
	if err := m.base.Transfer(from, m.addr, amountIn); err != nil {
		return nil, err
	}
	if err := m.paired.Transfer(m.addr, to, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *stubMarket) AddLiquidity(from model.Address, desiredBase, desiredPaired, minBase, minPaired *uint256.Int, to model.Address) (*uint256.Int, *uint256.Int, *uint256.Int, error) {
	if m.addErr != nil {
		return nil, nil, nil, m.addErr
	}
	if m.addFails > 0 {
		m.addFails--
		return nil, nil, nil, market.ErrInsufficientInputMin
	}
	if err := m.base.Transfer(from, m.addr, desiredBase); err != nil {
		return nil, nil, nil, err
	}
	if err := m.paired.Transfer(from, m.addr, desiredPaired); err != nil {
		return nil, nil, nil, err
	}
	minted := new(uint256.Int).Set(desiredBase)
	if err := m.lp.Mint(m.addr, to, minted); err != nil {
		return nil, nil, nil, err
	}
	return new(uint256.Int).Set(desiredBase), new(uint256.Int).Set(desiredPaired), minted, nil
}

type engineFixture struct {
	eng    *Engine
	base   *ledger.Ledger
	paired *ledger.Ledger
	mkt    *stubMarket
	endow  *endowment.Endowment

	lpPool    *staking.Pool
	tokenPool *staking.Pool
	nftPool   *staking.Pool

	now time.Time
}

func (f *engineFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *engineFixture) fundTax(t *testing.T, tokens uint64) {
	t.Helper()
	require.NoError(t, f.base.Mint(genesisAddr, taxAddr, model.Tokens(tokens)))
}

func newEngineFixture(t *testing.T, withEndowment bool) *engineFixture {
	t.Helper()
	base := ledger.New("AEC", ledger.WithMinters(genesisAddr), ledger.WithBurners(engineAddr))
	paired := ledger.New("USDC", ledger.WithMinters(genesisAddr))
	lpTok := ledger.New("AEC-LP", ledger.WithMinters(venueAddr))
	nftTok := ledger.New("AEC-NFT", ledger.WithMinters(genesisAddr))

	require.NoError(t, paired.Mint(genesisAddr, venueAddr, model.Tokens(1_000_000)))
	require.NoError(t, base.Approve(taxAddr, engineAddr, new(uint256.Int).SetAllOne()))

	mkt := &stubMarket{base: base, paired: paired, lp: lpTok, addr: venueAddr}

	f := &engineFixture{
		base:   base,
		paired: paired,
		mkt:    mkt,
		now:    time.Unix(1_700_000_000, 0),
	}

	var endow *endowment.Endowment
	if withEndowment {
		require.NoError(t, base.Mint(genesisAddr, endowAddr, model.Tokens(1_000_000)))
		var err error
		endow, err = endowment.New(endowment.Config{
			Address:       endowAddr,
			Engine:        engineAddr,
			Custodian:     custodianAddr,
			EmergencyOut:  custodianAddr,
			RequiredSeed:  model.Tokens(1_000_000),
			Interval:      24 * time.Hour,
			RetentionBps:  9950,
			DustThreshold: model.Tokens(1),
			CallCost:      model.Tokens(100),
			Compounding:   true,
		}, base, zerolog.Nop())
		require.NoError(t, err)
		endow.SetClock(func() time.Time { return f.now })
		require.NoError(t, endow.Seal())
		f.endow = endow
	}

	eng, err := New(Config{
		Address:            engineAddr,
		TaxCollector:       taxAddr,
		BurnBps:            2000,
		LpBps:              4000,
		RefillBps:          4000,
		CallerBps:          10,
		SlippageBps:        300,
		MinProcessAmount:   model.Tokens(1_000),
		Cooldown:           time.Hour,
		RefillLpBps:        5000,
		RefillTokenBps:     3750,
		RefillNftBps:       1250,
		EfficiencyFloorBps: 10000,
	}, base, paired, mkt, endow, zerolog.Nop())
	require.NoError(t, err)
	eng.SetClock(func() time.Time { return f.now })
	f.eng = eng
	if endow != nil {
		endow.SetNotify(eng.NotifyEndowmentRelease)
	}

	newPool := func(name string, addr model.Address, stakeLedger *ledger.Ledger, engineReturn bool) *staking.Pool {
		p, err := staking.NewPool(staking.Config{
			Name:            name,
			Address:         addr,
			Engine:          engineAddr,
			StakeLedger:     stakeLedger,
			RewardLedger:    base,
			Tiers:           staking.DefaultTiers,
			InitialEmission: uint256.NewInt(0),
			EmissionPeriod:  1000 * time.Second,
			DecayBps:        50,
			BonusDuration:   100 * time.Second,
			EngineReturn:    engineReturn,
		}, zerolog.Nop())
		require.NoError(t, err)
		return p
	}
	f.lpPool = newPool("lp", lpPoolAddr, lpTok, true)
	f.tokenPool = newPool("token", tokenPoolAddr, base, false)
	f.nftPool = newPool("nft", nftPoolAddr, nftTok, false)
	require.NoError(t, eng.SetStakingTargets(f.lpPool, f.tokenPool, f.nftPool))
	return f
}

func TestRunCycle_ZeroCallerRejected(t *testing.T) {
	f := newEngineFixture(t, false)
	_, err := f.eng.RunCycle(model.ZeroAddress)
	require.ErrorIs(t, err, ErrZeroCaller)
}

func TestRunCycle_GuardRejectsReentry(t *testing.T) {
	f := newEngineFixture(t, false)
	f.eng.running.Store(true)
	_, err := f.eng.RunCycle(callerAddr)
	require.ErrorIs(t, err, ErrCycleInProgress)
}

func TestRunCycle_CooldownSkipMutatesNothing(t *testing.T) {
	f := newEngineFixture(t, false)
	f.fundTax(t, 10_000)

	res, err := f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	f.fundTax(t, 5_000)
	taxBefore := f.base.BalanceOf(taxAddr)
	stBefore := f.eng.Status()

	res, err = f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	require.Equal(t, SkipCooldown, res.SkipReason)

	// The skip touches nothing except the skip counter: no tax pulled, no
	// totals moved, the cooldown clock untouched.
	st := f.eng.Status()
	require.Equal(t, taxBefore, f.base.BalanceOf(taxAddr))
	require.Equal(t, stBefore.TotalCycles, st.TotalCycles)
	require.Equal(t, stBefore.TotalInflow, st.TotalInflow)
	require.Equal(t, stBefore.LastProcessTime, st.LastProcessTime)
	require.Equal(t, stBefore.TotalSkips+1, st.TotalSkips)

	f.advance(time.Hour)
	res, err = f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestRunCycle_BelowThresholdStillCountsInflow(t *testing.T) {
	f := newEngineFixture(t, false)
	f.fundTax(t, 500) // under the 1000-token processing floor

	res, err := f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	require.Equal(t, SkipBelowThreshold, res.SkipReason)
	require.Equal(t, model.Tokens(500), res.NewTax)

	// The pulled tax sits on the engine balance; the conservation audit
	// must still close.
	st := f.eng.Status()
	require.Equal(t, model.Tokens(500), st.TotalInflow)
	require.Equal(t, model.Tokens(500), st.EngineBalance)
	require.True(t, st.Conserved)
}

func TestRunCycle_NoCallerRewardWithoutNewTax(t *testing.T) {
	f := newEngineFixture(t, false)

	// Carried-over balance well above the floor, but zero fresh tax.
	require.NoError(t, f.base.Mint(genesisAddr, engineAddr, model.Tokens(5_000)))

	res, err := f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.True(t, res.NewTax.IsZero())
	require.True(t, res.CallerPaid.IsZero())
	require.True(t, f.base.BalanceOf(callerAddr).IsZero())
	require.Equal(t, model.Tokens(5_000), res.Processed)
}

func TestRunCycle_SplitPayoutAndConservation(t *testing.T) {
	f := newEngineFixture(t, false)
	f.fundTax(t, 10_000)

	res, err := f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	// caller 0.1% of 10000 = 10; processable 9990 splits 20/40/40.
	require.Equal(t, model.Tokens(10_000), res.NewTax)
	require.Equal(t, model.Tokens(9_990), res.Processed)
	require.Equal(t, model.Tokens(1_998), res.Burned)
	require.Equal(t, model.Tokens(10), res.CallerPaid)
	require.Equal(t, model.Tokens(10), f.base.BalanceOf(callerAddr))
	require.Equal(t, model.Tokens(1_998), f.base.TotalBurned())

	// The whole LP budget deploys: the halving loop sells what it can and
	// the remainder pairs in full against the stub venue.
	require.Equal(t, model.Tokens(3_996), res.LPBaseDeployed)
	require.True(t, res.LPPreserved.IsZero())
	require.False(t, res.LPMinted.IsZero())

	// The LP pool's bonus comes straight back to the sole (engine) staker,
	// so its delivered refill nets to zero; the other pools take theirs.
	require.True(t, res.RefillLP.IsZero())
	require.Equal(t, deciTokens(14_985), res.RefillToken) // 3750 bps of 3996
	require.Equal(t, deciTokens(4_995), res.RefillNFT)    // 1250 bps of 3996

	// Engine LP stake is live.
	pos := f.lpPool.PositionOf(engineAddr)
	require.NotNil(t, pos)
	require.Equal(t, res.LPMinted, pos.Principal)

	st := f.eng.Status()
	require.True(t, st.Conserved)
	require.Equal(t, model.Tokens(10_000), st.TotalInflow)
}

func TestRunCycle_ConservationHoldsAcrossCycles(t *testing.T) {
	f := newEngineFixture(t, false)

	for i := 0; i < 4; i++ {
		f.fundTax(t, 7_777)
		res, err := f.eng.RunCycle(callerAddr)
		require.NoError(t, err)
		require.Equal(t, OutcomeCompleted, res.Outcome)
		require.True(t, f.eng.Status().Conserved)
		f.advance(time.Hour)
	}
}

func TestRunCycle_EndowmentReleaseCountsAsInflow(t *testing.T) {
	f := newEngineFixture(t, true)
	f.advance(24 * time.Hour)

	res, err := f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	// 0.5% of the 1,000,000 reserve. The release's push callback re-enters
	// RunCycle and must bounce off the running guard without harm.
	require.Equal(t, model.Tokens(5_000), res.EndowmentIn)
	require.True(t, res.NewTax.IsZero())
	require.True(t, res.CallerPaid.IsZero())

	st := f.eng.Status()
	require.Equal(t, model.Tokens(5_000), st.TotalInflow)
	require.True(t, st.Conserved)
}

func TestRunCycle_SkipsPersistImmediately(t *testing.T) {
	base := ledger.New("AEC", ledger.WithMinters(genesisAddr), ledger.WithBurners(engineAddr))
	paired := ledger.New("USDC", ledger.WithMinters(genesisAddr))
	require.NoError(t, base.Approve(taxAddr, engineAddr, new(uint256.Int).SetAllOne()))
	require.NoError(t, base.Mint(genesisAddr, taxAddr, model.Tokens(10_000)))

	statePath := filepath.Join(t.TempDir(), "state.json")
	eng, err := New(Config{
		Address:          engineAddr,
		TaxCollector:     taxAddr,
		BurnBps:          2000,
		LpBps:            4000,
		RefillBps:        4000,
		CallerBps:        10,
		SlippageBps:      300,
		MinProcessAmount: model.Tokens(1_000),
		Cooldown:         time.Hour,
		RefillLpBps:      5000,
		RefillTokenBps:   3750,
		RefillNftBps:     1250,
		StateFile:        statePath,
	}, base, paired, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	eng.SetClock(func() time.Time { return now })

	res, err := eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	res, err = eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	require.Equal(t, SkipCooldown, res.SkipReason)

	// A restart right after the skip must see the same counters.
	persisted, err := LoadState(statePath)
	require.NoError(t, err)
	require.Equal(t, uint64(1), persisted.TotalCycles)
	require.Equal(t, uint64(1), persisted.TotalSkips)
}

func TestSwapHalving_AllFailuresShrinkToBudgetOver32(t *testing.T) {
	f := newEngineFixture(t, false)
	f.mkt.swapErr = market.ErrInsufficientOutput

	res := newCycleResult("test", f.now, callerAddr)
	swapped, received, remaining := f.eng.swapHalving(model.Tokens(3_200), res)

	require.True(t, swapped.IsZero())
	require.True(t, received.IsZero())
	require.Equal(t, model.Tokens(100), remaining) // 3200 / 2^5
	require.Len(t, res.Diagnostics, maxSwapRounds)
}

func TestSwapHalving_StopsAtOneTokenUnit(t *testing.T) {
	f := newEngineFixture(t, false)
	f.mkt.quoteErr = market.ErrNoLiquidity

	res := newCycleResult("test", f.now, callerAddr)
	_, _, remaining := f.eng.swapHalving(model.Tokens(8), res)

	// 8 -> 4 -> 2 -> 1: within a token unit after three failed rounds.
	require.Equal(t, model.Tokens(1), remaining)
	require.Len(t, res.Diagnostics, 3)
}

func TestDeployLiquidity_StrategyLadderFallsThrough(t *testing.T) {
	f := newEngineFixture(t, false)
	require.NoError(t, f.base.Mint(genesisAddr, engineAddr, model.Tokens(1_000)))
	f.mkt.addFails = 2 // conservative and base-heavy rejected

	res := newCycleResult("test", f.now, callerAddr)
	f.eng.deployLiquidity(model.Tokens(1_000), res)

	require.False(t, res.LPMinted.IsZero())
	require.Len(t, res.Diagnostics, 2)
	require.Contains(t, res.Diagnostics[0], "conservative")
	require.Contains(t, res.Diagnostics[1], "base-heavy")
}

func TestDeployLiquidity_OverDeployClampsPreserved(t *testing.T) {
	f := newEngineFixture(t, false)
	// Carried-over balance beyond the earmark lets the base-heavy rung
	// offer 120% of the unswapped remainder.
	require.NoError(t, f.base.Mint(genesisAddr, engineAddr, model.Tokens(2_000)))
	f.mkt.addFails = 1 // conservative rejected, base-heavy accepted

	res := newCycleResult("test", f.now, callerAddr)
	budget := model.Tokens(1_000)
	f.eng.deployLiquidity(budget, res)

	// 968.75 swapped plus 1.2 * 31.25 paired in: 1006.25 deployed.
	want := new(uint256.Int).Mul(uint256.NewInt(100_625), uint256.NewInt(1e16))
	require.Equal(t, want, res.LPBaseDeployed)
	require.True(t, res.LPBaseDeployed.Gt(budget))
	// Preserved never wraps past zero when the deposit exceeds the budget.
	require.True(t, res.LPPreserved.IsZero())
	require.False(t, res.LPPreserved.Gt(budget))
}

func TestDeployLiquidity_AllStrategiesFailPreservesBudget(t *testing.T) {
	f := newEngineFixture(t, false)
	require.NoError(t, f.base.Mint(genesisAddr, engineAddr, model.Tokens(1_000)))
	f.mkt.addErr = market.ErrInsufficientInputMin

	res := newCycleResult("test", f.now, callerAddr)
	f.eng.deployLiquidity(model.Tokens(1_000), res)

	// The swapped portion is spent, but the unpaired earmark never leaves.
	require.True(t, res.LPMinted.IsZero())
	require.True(t, res.LPPairedDeployed.IsZero())
	want := new(uint256.Int).Sub(model.Tokens(1_000), res.LPBaseDeployed)
	require.Equal(t, want, res.LPPreserved)
}

func TestRefillPools_FailureDefersShare(t *testing.T) {
	f := newEngineFixture(t, false)

	// Rebuild the NFT pool bound to a different engine so its notify call
	// is rejected.
	bad, err := staking.NewPool(staking.Config{
		Name:            "nft",
		Address:         nftPoolAddr,
		Engine:          custodianAddr,
		StakeLedger:     f.base,
		RewardLedger:    f.base,
		Tiers:           staking.DefaultTiers,
		InitialEmission: uint256.NewInt(0),
		EmissionPeriod:  1000 * time.Second,
		DecayBps:        50,
		BonusDuration:   100 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	f.eng.nftPool = bad

	f.fundTax(t, 10_000)
	res, err := f.eng.RunCycle(callerAddr)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	require.True(t, res.RefillNFT.IsZero())
	require.Equal(t, deciTokens(4_995), res.RefillDeferred)
	require.True(t, f.eng.Status().Conserved)
}

func TestSetStakingTargets_ExactlyOnce(t *testing.T) {
	f := newEngineFixture(t, false)
	require.ErrorIs(t, f.eng.SetStakingTargets(f.lpPool, f.tokenPool, f.nftPool), ErrTargetsSet)

	bare, err := New(Config{
		Address:          engineAddr,
		TaxCollector:     taxAddr,
		BurnBps:          2000,
		LpBps:            4000,
		RefillBps:        4000,
		SlippageBps:      300,
		MinProcessAmount: model.Tokens(1_000),
		Cooldown:         time.Hour,
		RefillLpBps:      5000,
		RefillTokenBps:   3750,
		RefillNftBps:     1250,
	}, f.base, f.paired, f.mkt, nil, zerolog.Nop())
	require.NoError(t, err)
	require.ErrorIs(t, bare.SetStakingTargets(nil, nil, nil), ErrTargetsMissing)
}

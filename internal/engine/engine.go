// Package engine orchestrates the cycle: collect tax and endowment inflows,
// split into burn / liquidity / refill buckets, deploy liquidity adaptively,
// refill the staking pools, and pay the permissionless caller. Every
// external interaction is fail-soft: a failed sub-step defers its funds to
// the next cycle instead of aborting the run.
package engine

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/aethercycle/aethercycle-engine/internal/endowment"
	"github.com/aethercycle/aethercycle-engine/internal/ledger"
	"github.com/aethercycle/aethercycle-engine/internal/market"
	"github.com/aethercycle/aethercycle-engine/internal/model"
	"github.com/aethercycle/aethercycle-engine/internal/staking"
)

var (
	ErrCycleInProgress = errors.New("engine: cycle already in progress")
	ErrZeroCaller      = errors.New("engine: zero caller address")
	ErrTargetsSet      = errors.New("engine: staking targets already set")
	ErrTargetsMissing  = errors.New("engine: staking targets not set")
)

// Engine is the only component permissionless callers invoke.
type Engine struct {
	log zerolog.Logger
	cfg Config

	base   *ledger.Ledger
	paired *ledger.Ledger
	market market.Market
	endow  *endowment.Endowment

	lpPool    *staking.Pool
	tokenPool *staking.Pool
	nftPool   *staking.Pool

	// The only mutual exclusion in the system: one boolean guard around the
	// whole cycle and a second around the swap sub-routine, which calls out
	// to a venue that could re-enter.
	running  atomic.Bool
	swapping atomic.Bool

	state *State
	clock func() time.Time
}

// New constructs the engine. Staking targets are wired afterwards, once,
// via SetStakingTargets.
func New(cfg Config, base, paired *ledger.Ledger, mkt market.Market, endow *endowment.Endowment, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state, err := LoadState(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:    log.With().Str("component", "engine").Logger(),
		cfg:    cfg,
		base:   base,
		paired: paired,
		market: mkt,
		endow:  endow,
		state:  state,
		clock:  time.Now,
	}, nil
}

// SetStakingTargets wires the three pools. Settable exactly once.
func (e *Engine) SetStakingTargets(lp, token, nft *staking.Pool) error {
	if e.lpPool != nil || e.tokenPool != nil || e.nftPool != nil {
		return ErrTargetsSet
	}
	if lp == nil || token == nil || nft == nil {
		return ErrTargetsMissing
	}
	e.lpPool = lp
	e.tokenPool = token
	e.nftPool = nft
	return nil
}

// Address returns the engine's ledger address.
func (e *Engine) Address() model.Address { return e.cfg.Address }

// RunCycle executes one full cycle on behalf of caller. Anyone may call it;
// the cooldown and the processing guard are the only gates. A skip is a
// normal outcome carried in the result, not an error.
func (e *Engine) RunCycle(caller model.Address) (*CycleResult, error) {
	if caller.IsZero() {
		return nil, ErrZeroCaller
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer e.running.Store(false)

	now := e.clock()
	res := newCycleResult(uuid.NewString(), now, caller)

	if !e.state.LastProcessTime.IsZero() && now.Before(e.state.LastProcessTime.Add(e.cfg.Cooldown)) {
		res.Outcome = OutcomeSkipped
		res.SkipReason = SkipCooldown
		e.state.TotalSkips++
		e.saveState()
		e.emit(res)
		return res, nil
	}

	// Step 1: endowment pull. Never allowed to block the rest of the cycle.
	e.pullEndowment(res)

	// Step 2: new tax, plus best-effort claim of the engine's own LP-stake
	// rewards.
	e.pullTax(res)
	e.claimEngineRewards(res)

	// Step 3: threshold gate.
	balance := e.base.BalanceOf(e.cfg.Address)
	if balance.Lt(e.cfg.MinProcessAmount) {
		res.Outcome = OutcomeSkipped
		res.SkipReason = SkipBelowThreshold
		e.state.TotalSkips++
		// Inflows pulled this far sit on the balance until the next cycle;
		// count them now so the conservation equation holds across skips.
		inflow := new(uint256.Int).Add(res.NewTax, res.EndowmentIn)
		inflow.Add(inflow, res.RewardsIn)
		if !inflow.IsZero() {
			e.state.TotalInflow.Add(e.state.TotalInflow, inflow)
		}
		e.saveState()
		e.emit(res)
		return res, nil
	}

	// Step 4: split. The caller incentive comes out of newly collected tax
	// only, never out of endowment or carried-over balance.
	callerReward := model.MulBps(res.NewTax, e.cfg.CallerBps)
	processable := new(uint256.Int).Sub(balance, callerReward)
	burnAmt := model.MulBps(processable, e.cfg.BurnBps)
	lpBudget := model.MulBps(processable, e.cfg.LpBps)
	refillAmt := new(uint256.Int).Sub(processable, burnAmt)
	refillAmt.Sub(refillAmt, lpBudget)
	res.Processed.Set(processable)

	// Effects before interactions: the cooldown clock advances before any
	// tokens leave the engine.
	e.state.LastProcessTime = now
	e.state.TotalCycles++
	e.saveState()

	// Step 5: burn, best-effort; a failure retains the bucket.
	if !burnAmt.IsZero() {
		if err := e.base.Burn(e.cfg.Address, burnAmt); err != nil {
			res.BurnDeferred.Set(burnAmt)
			res.diag("burn failed, %s retained: %v", burnAmt.Dec(), err)
		} else {
			res.Burned.Set(burnAmt)
		}
	}

	// Step 6: adaptive liquidity deployment.
	e.deployLiquidity(lpBudget, res)

	// Step 7: refill the three pools.
	e.refillPools(refillAmt, res)

	// Step 8: caller payout, last, behind a final balance check.
	if !callerReward.IsZero() {
		if e.base.BalanceOf(e.cfg.Address).Lt(callerReward) {
			res.diag("caller reward %s exceeds final balance, withheld", callerReward.Dec())
		} else if err := e.base.Transfer(e.cfg.Address, caller, callerReward); err != nil {
			res.diag("caller payout failed: %v", err)
		} else {
			res.CallerPaid.Set(callerReward)
		}
	}

	// Step 9: one structured completion record.
	res.Outcome = OutcomeCompleted
	e.accumulateTotals(res)
	e.saveState()
	e.emit(res)
	return res, nil
}

// pullEndowment decides against the suggestion heuristics and pulls a
// release when worthwhile. Failures become diagnostics, never aborts.
func (e *Engine) pullEndowment(res *CycleResult) {
	if e.endow == nil {
		return
	}
	sug := e.endow.SuggestOptimalRelease()
	if !sug.ShouldRelease {
		return
	}
	if sug.EfficiencyBps < e.cfg.EfficiencyFloorBps {
		res.diag("endowment release skipped: efficiency %d bps below floor", sug.EfficiencyBps)
		return
	}
	dust := new(uint256.Int).Div(e.cfg.MinProcessAmount, uint256.NewInt(dustDivisor))
	if !sug.Amount.Gt(dust) {
		res.diag("endowment release skipped: %s below dust threshold", sug.Amount.Dec())
		return
	}
	amount, err := e.endow.Release(e.cfg.Address)
	if err != nil {
		res.diag("endowment release failed: %v", err)
		return
	}
	res.EndowmentIn.Set(amount)
}

// pullTax drains the pre-approved tax accumulator into the engine.
func (e *Engine) pullTax(res *CycleResult) {
	taxBal := e.base.BalanceOf(e.cfg.TaxCollector)
	if taxBal.IsZero() {
		return
	}
	if err := e.base.TransferFrom(e.cfg.Address, e.cfg.TaxCollector, e.cfg.Address, taxBal); err != nil {
		res.diag("tax pull failed: %v", err)
		return
	}
	res.NewTax.Set(taxBal)
}

// claimEngineRewards claims the engine's accrued LP-stake rewards.
// Best-effort; a missing position early in the protocol's life is normal.
func (e *Engine) claimEngineRewards(res *CycleResult) {
	if e.lpPool == nil {
		return
	}
	claimed, err := e.lpPool.ClaimReward(e.cfg.Address)
	if err != nil {
		if !errors.Is(err, staking.ErrNoPosition) {
			res.diag("lp reward claim failed: %v", err)
		}
		return
	}
	res.RewardsIn.Set(claimed)
}

// refillPools splits the refill bucket by the fixed sub-ratios and notifies
// each pool. A failed notify leaves the share in the engine for next cycle.
// Delivered amounts are measured by balance delta so the LP pool's automatic
// engine return is netted out.
func (e *Engine) refillPools(refillAmt *uint256.Int, res *CycleResult) {
	if refillAmt.IsZero() {
		return
	}
	if e.lpPool == nil || e.tokenPool == nil || e.nftPool == nil {
		res.RefillDeferred.Set(refillAmt)
		res.diag("staking targets not set, refill %s deferred", refillAmt.Dec())
		return
	}

	lpShare := model.MulBps(refillAmt, e.cfg.RefillLpBps)
	tokenShare := model.MulBps(refillAmt, e.cfg.RefillTokenBps)
	nftShare := new(uint256.Int).Sub(refillAmt, lpShare)
	nftShare.Sub(nftShare, tokenShare)

	deliver := func(pool *staking.Pool, share *uint256.Int, into *uint256.Int) {
		if share.IsZero() {
			return
		}
		before := e.base.BalanceOf(e.cfg.Address)
		if err := pool.NotifyRewardAmount(e.cfg.Address, share); err != nil {
			res.RefillDeferred.Add(res.RefillDeferred, share)
			res.diag("refill %s failed, %s retained: %v", pool.Name(), share.Dec(), err)
			return
		}
		after := e.base.BalanceOf(e.cfg.Address)
		into.Set(before.Sub(before, after))
	}
	deliver(e.lpPool, lpShare, res.RefillLP)
	deliver(e.tokenPool, tokenShare, res.RefillToken)
	deliver(e.nftPool, nftShare, res.RefillNFT)
}

// NotifyEndowmentRelease is the endowment's push callback. It best-effort
// triggers a cycle so pushed funds are processed promptly; if a cycle is
// already running or the cooldown has not elapsed, the funds simply wait.
func (e *Engine) NotifyEndowmentRelease(amount *uint256.Int) {
	e.log.Debug().Str("amount", amount.Dec()).Msg("endowment release notified")
	if _, err := e.RunCycle(e.cfg.Address); err != nil && !errors.Is(err, ErrCycleInProgress) {
		e.log.Debug().Err(err).Msg("auto-cycle after endowment release not run")
	}
}

// Status is the read-only health view.
type Status struct {
	EngineBalance   *uint256.Int
	PairedBalance   *uint256.Int
	LastProcessTime time.Time
	TotalCycles     uint64
	TotalSkips      uint64
	TotalInflow     *uint256.Int
	TotalBurned     *uint256.Int
	TotalLPDeployed *uint256.Int
	TotalRefilled   *uint256.Int
	TotalCallerPaid *uint256.Int
	// Conserved verifies the token-conservation equation over the engine's
	// lifetime: inflows == burned + lp + refills + caller + balance.
	Conserved bool
}

// Status reports balances, lifetime totals, and the conservation check.
func (e *Engine) Status() Status {
	balance := e.base.BalanceOf(e.cfg.Address)
	outflows := new(uint256.Int).Add(e.state.TotalBurned, e.state.TotalLPDeployed)
	outflows.Add(outflows, e.state.TotalRefilled)
	outflows.Add(outflows, e.state.TotalCallerPaid)
	outflows.Add(outflows, balance)
	return Status{
		EngineBalance:   balance,
		PairedBalance:   e.paired.BalanceOf(e.cfg.Address),
		LastProcessTime: e.state.LastProcessTime,
		TotalCycles:     e.state.TotalCycles,
		TotalSkips:      e.state.TotalSkips,
		TotalInflow:     new(uint256.Int).Set(e.state.TotalInflow),
		TotalBurned:     new(uint256.Int).Set(e.state.TotalBurned),
		TotalLPDeployed: new(uint256.Int).Set(e.state.TotalLPDeployed),
		TotalRefilled:   new(uint256.Int).Set(e.state.TotalRefilled),
		TotalCallerPaid: new(uint256.Int).Set(e.state.TotalCallerPaid),
		Conserved:       e.state.TotalInflow.Eq(outflows),
	}
}

func (e *Engine) accumulateTotals(res *CycleResult) {
	inflow := new(uint256.Int).Add(res.NewTax, res.EndowmentIn)
	inflow.Add(inflow, res.RewardsIn)
	e.state.TotalInflow.Add(e.state.TotalInflow, inflow)
	e.state.TotalBurned.Add(e.state.TotalBurned, res.Burned)
	e.state.TotalLPDeployed.Add(e.state.TotalLPDeployed, res.LPBaseDeployed)
	refilled := new(uint256.Int).Add(res.RefillLP, res.RefillToken)
	refilled.Add(refilled, res.RefillNFT)
	e.state.TotalRefilled.Add(e.state.TotalRefilled, refilled)
	e.state.TotalCallerPaid.Add(e.state.TotalCallerPaid, res.CallerPaid)
}

func (e *Engine) saveState() {
	if err := SaveState(e.cfg.StateFile, e.state); err != nil {
		e.log.Error().Err(err).Msg("save engine state")
	}
}

func (e *Engine) emit(res *CycleResult) {
	ev := e.log.Info().
		Str("cycle_id", res.ID).
		Str("caller", string(res.Caller)).
		Str("outcome", string(res.Outcome))
	if res.Outcome == OutcomeSkipped {
		ev.Str("skip_reason", res.SkipReason).Msg("cycle skipped")
		return
	}
	ev.Str("new_tax", res.NewTax.Dec()).
		Str("endowment_in", res.EndowmentIn.Dec()).
		Str("rewards_in", res.RewardsIn.Dec()).
		Str("processed", res.Processed.Dec()).
		Str("burned", res.Burned.Dec()).
		Str("lp_base", res.LPBaseDeployed.Dec()).
		Str("lp_paired", res.LPPairedDeployed.Dec()).
		Str("lp_minted", res.LPMinted.Dec()).
		Str("lp_preserved", res.LPPreserved.Dec()).
		Str("refill_lp", res.RefillLP.Dec()).
		Str("refill_token", res.RefillToken.Dec()).
		Str("refill_nft", res.RefillNFT.Dec()).
		Str("caller_paid", res.CallerPaid.Dec()).
		Int("diagnostics", len(res.Diagnostics)).
		Msg("cycle completed")
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(fn func() time.Time) { e.clock = fn }

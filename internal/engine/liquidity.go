package engine

import (
	"github.com/holiman/uint256"

	"github.com/aethercycle/aethercycle-engine/internal/model"
)

// lpStrategy is one rung of the ordered liquidity-addition ladder. Offered
// amounts scale the swapped pair; mins scale the offered amounts. The first
// strategy the venue accepts wins.
type lpStrategy struct {
	name      string
	baseBps   uint64 // applied to the unswapped base earmark
	pairedBps uint64 // applied to the received paired amount
	minBps    uint64 // acceptance floor, applied to the offered amounts
}

// The ladder degrades from strict to permissive; if every rung fails the
// budget stays in the engine for the next cycle. Funds are deferred, never
// lost.
var lpStrategies = []lpStrategy{
	{name: "conservative", baseBps: 10000, pairedBps: 10000, minBps: 8000},
	{name: "base-heavy", baseBps: 12000, pairedBps: 10000, minBps: 5000},
	{name: "paired-heavy", baseBps: 10000, pairedBps: 12000, minBps: 5000},
	{name: "minimal", baseBps: 2500, pairedBps: 2500, minBps: 250},
}

// deployLiquidity converts lpBudget of base token into staked LP: an
// adaptive halving swap finds a sellable size under unknown depth, then the
// strategy ladder pairs the proceeds. Minted LP goes straight to the LP
// pool's custody and is staked for the engine in the same call.
func (e *Engine) deployLiquidity(lpBudget *uint256.Int, res *CycleResult) {
	if lpBudget.IsZero() {
		return
	}
	if e.market == nil || e.lpPool == nil {
		res.LPPreserved.Set(lpBudget)
		res.diag("liquidity deployment unavailable, %s preserved", lpBudget.Dec())
		return
	}
	if !e.swapping.CompareAndSwap(false, true) {
		res.LPPreserved.Set(lpBudget)
		res.diag("swap routine re-entered, %s preserved", lpBudget.Dec())
		return
	}
	defer e.swapping.Store(false)

	swapped, received, remaining := e.swapHalving(lpBudget, res)

	// The halved-away portion never left the engine; report it preserved.
	unutilized := new(uint256.Int).Sub(lpBudget, swapped)
	unutilized.Sub(unutilized, remaining)
	if !unutilized.IsZero() {
		res.diag("swap loop left %s unutilized, preserved", unutilized.Dec())
	}

	usedBase := uint256.NewInt(0)
	usedPaired := uint256.NewInt(0)
	minted := uint256.NewInt(0)
	if !received.IsZero() && !remaining.IsZero() {
		usedBase, usedPaired, minted = e.pairWithFallback(remaining, received, res)
	}

	res.LPBaseDeployed.Add(swapped, usedBase)
	res.LPPairedDeployed.Set(usedPaired)
	res.LPMinted.Set(minted)
	// The base-heavy rung may top up the deposit from carried-over balance
	// beyond the earmark, so the deployed total can exceed the budget.
	if lpBudget.Gt(res.LPBaseDeployed) {
		res.LPPreserved.Set(new(uint256.Int).Sub(lpBudget, res.LPBaseDeployed))
	} else {
		res.LPPreserved.Clear()
	}

	if !minted.IsZero() {
		if err := e.lpPool.StakeForEngine(e.cfg.Address, minted); err != nil {
			res.diag("engine LP stake failed: %v", err)
		}
	}
}

// swapHalving runs up to maxSwapRounds attempts to sell remaining/2 for the
// paired asset. Success subtracts the chunk from remaining; failure halves
// remaining itself, so a repeatedly failing oversized chunk shrinks fast.
// Stops early once remaining is within one token unit.
func (e *Engine) swapHalving(lpBudget *uint256.Int, res *CycleResult) (swapped, received, remaining *uint256.Int) {
	swapped = uint256.NewInt(0)
	received = uint256.NewInt(0)
	remaining = new(uint256.Int).Set(lpBudget)
	two := uint256.NewInt(2)

	for round := 0; round < maxSwapRounds; round++ {
		if !remaining.Gt(model.TokenUnit) {
			break
		}
		chunk := new(uint256.Int).Div(remaining, two)

		quoted, err := e.market.Quote(chunk)
		if err != nil {
			remaining.Div(remaining, two)
			res.diag("swap round %d quote failed: %v", round, err)
			continue
		}
		minOut := model.MulBps(quoted, model.BpsDenom-e.cfg.SlippageBps)
		out, err := e.market.Swap(e.cfg.Address, chunk, minOut, e.cfg.Address)
		if err != nil {
			remaining.Div(remaining, two)
			res.diag("swap round %d failed: %v", round, err)
			continue
		}
		swapped.Add(swapped, chunk)
		received.Add(received, out)
		remaining.Sub(remaining, chunk)
	}
	return swapped, received, remaining
}

// pairWithFallback walks the strategy ladder until the venue accepts a
// deposit. Offered amounts are capped at actual balances; carried-over
// paired-asset balance from earlier cycles may top up the paired side.
func (e *Engine) pairWithFallback(earmarkBase, receivedPaired *uint256.Int, res *CycleResult) (usedBase, usedPaired, minted *uint256.Int) {
	zero := uint256.NewInt(0)
	baseBal := e.base.BalanceOf(e.cfg.Address)
	pairedBal := e.paired.BalanceOf(e.cfg.Address)

	for _, s := range lpStrategies {
		desiredBase := capAt(model.MulBps(earmarkBase, s.baseBps), baseBal)
		desiredPaired := capAt(model.MulBps(receivedPaired, s.pairedBps), pairedBal)
		if desiredBase.IsZero() || desiredPaired.IsZero() {
			continue
		}
		minBase := model.MulBps(desiredBase, s.minBps)
		minPaired := model.MulBps(desiredPaired, s.minBps)

		ub, up, lp, err := e.market.AddLiquidity(e.cfg.Address, desiredBase, desiredPaired, minBase, minPaired, e.lpPool.Address())
		if err != nil {
			res.diag("liquidity strategy %s rejected: %v", s.name, err)
			continue
		}
		e.log.Debug().Str("strategy", s.name).Str("lp", lp.Dec()).Msg("liquidity added")
		return ub, up, lp
	}
	res.diag("all liquidity strategies failed, base earmark preserved")
	return zero, zero, zero
}

func capAt(v, limit *uint256.Int) *uint256.Int {
	if v.Gt(limit) {
		return new(uint256.Int).Set(limit)
	}
	return v
}

// Package staking implements the weighted, tiered reward ledgers. One Pool
// type backs all three instances (LP token, base token, NFT units); they
// differ only in stake denomination and base-emission sizing.
//
// Reward accounting is a reward-per-share accumulator: every state-mutating
// call first folds elapsed emission into rewardPerShare, then settles the
// caller's position against its checkpoint. Emission is the sum of a
// stepped-geometric base rate (recomputed once per period boundary from a
// decaying reservoir) and a linear bonus drip injected by the engine.
package staking

import (
	"errors"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/aethercycle/aethercycle-engine/internal/ledger"
	"github.com/aethercycle/aethercycle-engine/internal/model"
)

var (
	ErrNotEngine      = errors.New("staking: caller is not the engine")
	ErrZeroAmount     = errors.New("staking: zero amount")
	ErrNoPosition     = errors.New("staking: no position")
	ErrBadTier        = errors.New("staking: invalid tier")
	ErrTierDowngrade  = errors.New("staking: tier cannot decrease")
	ErrLockActive     = errors.New("staking: lock has not expired")
	ErrPermanentStake = errors.New("staking: engine stake is permanent")
	ErrExceedsStake   = errors.New("staking: amount exceeds principal")
)

// Position tracks one staker in one pool.
type Position struct {
	Principal  *uint256.Int
	Weighted   *uint256.Int
	TierID     int
	UnlockTime time.Time
	Checkpoint *uint256.Int // rewardPerShare at last settlement
	Pending    *uint256.Int // settled but unclaimed rewards
}

// Config fixes a pool's identity and emission schedule.
type Config struct {
	Name    string
	Address model.Address // pool custody
	Engine  model.Address

	StakeLedger  *ledger.Ledger // LP token, base token, or NFT units
	RewardLedger *ledger.Ledger // always the base token

	Tiers []Tier

	// Base emission reservoir and its stepped-geometric schedule.
	InitialEmission *uint256.Int
	EmissionPeriod  time.Duration
	DecayBps        uint64 // released per period = remaining * DecayBps / 10000

	// Bonus drip duration used by NotifyRewardAmount.
	BonusDuration time.Duration

	// EngineReturn enables the LP pool's automatic proportional return of
	// injected bonuses to the engine's permanent stake.
	EngineReturn bool
}

// Validate applies the hard preconditions.
func (c Config) Validate() error {
	if c.Name == "" || c.Address.IsZero() || c.Engine.IsZero() {
		return errors.New("staking: name and addresses required")
	}
	if c.StakeLedger == nil || c.RewardLedger == nil {
		return errors.New("staking: ledgers required")
	}
	if len(c.Tiers) < 2 {
		return errors.New("staking: need at least one public tier plus engine tier")
	}
	for _, t := range c.Tiers {
		if t.MultiplierBps < model.BpsDenom {
			return errors.New("staking: tier multiplier below 1.0")
		}
	}
	if c.DecayBps == 0 || c.DecayBps >= model.BpsDenom {
		return errors.New("staking: decay bps must be in (0, 10000)")
	}
	// Rates are derived in whole seconds; sub-second windows would divide
	// the reservoir by zero and silently emit nothing.
	if c.EmissionPeriod < time.Second || c.BonusDuration < time.Second {
		return errors.New("staking: emission period and bonus duration must be at least one second")
	}
	return nil
}

// Pool is one staking reward ledger.
type Pool struct {
	mu  sync.Mutex
	log zerolog.Logger

	cfg       Config
	engineTie int // index of the distinguished engine tier

	positions      map[model.Address]*Position
	totalPrincipal *uint256.Int
	totalWeighted  *uint256.Int

	rewardPerShare *uint256.Int
	lastUpdate     time.Time

	baseRemaining *uint256.Int
	baseRate      *uint256.Int // tokens per second
	basePeriodEnd time.Time

	bonusRate      *uint256.Int
	bonusPeriodEnd time.Time

	clock func() time.Time
}

// NewPool constructs a pool and rolls the first base-emission period so the
// initial rate is live immediately.
func NewPool(cfg Config, log zerolog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		log:            log.With().Str("component", "staking").Str("pool", cfg.Name).Logger(),
		cfg:            cfg,
		engineTie:      len(cfg.Tiers) - 1,
		positions:      make(map[model.Address]*Position),
		totalPrincipal: uint256.NewInt(0),
		totalWeighted:  uint256.NewInt(0),
		rewardPerShare: uint256.NewInt(0),
		baseRemaining:  uint256.NewInt(0),
		baseRate:       uint256.NewInt(0),
		bonusRate:      uint256.NewInt(0),
		clock:          time.Now,
	}
	if cfg.InitialEmission != nil {
		p.baseRemaining.Set(cfg.InitialEmission)
	}
	now := p.clock()
	p.lastUpdate = now
	p.rollBasePeriod(now)
	return p, nil
}

// rollBasePeriod releases the next slice of the base reservoir and derives
// the per-second rate for the period starting at from.
func (p *Pool) rollBasePeriod(from time.Time) {
	released := model.MulBps(p.baseRemaining, p.cfg.DecayBps)
	p.baseRemaining.Sub(p.baseRemaining, released)
	seconds := uint64(p.cfg.EmissionPeriod / time.Second)
	p.baseRate = new(uint256.Int).Div(released, uint256.NewInt(seconds))
	p.basePeriodEnd = from.Add(p.cfg.EmissionPeriod)
}

// updateReward folds elapsed emission into rewardPerShare, walking segment
// by segment so base-period steps and bonus expiry land on their exact
// boundaries. Runs first in every state-mutating call.
func (p *Pool) updateReward(now time.Time) {
	for p.lastUpdate.Before(now) {
		segEnd := now
		if p.basePeriodEnd.Before(segEnd) {
			segEnd = p.basePeriodEnd
		}
		if !p.bonusRate.IsZero() && p.bonusPeriodEnd.After(p.lastUpdate) && p.bonusPeriodEnd.Before(segEnd) {
			segEnd = p.bonusPeriodEnd
		}

		elapsed := uint64(segEnd.Sub(p.lastUpdate) / time.Second)
		if elapsed > 0 && !p.totalWeighted.IsZero() {
			rate := new(uint256.Int).Set(p.baseRate)
			if !p.bonusRate.IsZero() && p.bonusPeriodEnd.After(p.lastUpdate) {
				rate.Add(rate, p.bonusRate)
			}
			accrued := new(uint256.Int).Mul(rate, uint256.NewInt(elapsed))
			accrued.Mul(accrued, model.Precision)
			accrued.Div(accrued, p.totalWeighted)
			p.rewardPerShare.Add(p.rewardPerShare, accrued)
		}

		p.lastUpdate = segEnd
		if !segEnd.Before(p.basePeriodEnd) {
			p.rollBasePeriod(p.basePeriodEnd)
		}
		if !p.bonusRate.IsZero() && !segEnd.Before(p.bonusPeriodEnd) {
			p.bonusRate = uint256.NewInt(0)
		}
	}
}

// settle moves a position's newly accrued rewards into Pending and advances
// its checkpoint.
func (p *Pool) settle(pos *Position) {
	delta := new(uint256.Int).Sub(p.rewardPerShare, pos.Checkpoint)
	if !delta.IsZero() && !pos.Weighted.IsZero() {
		earned := new(uint256.Int).Mul(pos.Weighted, delta)
		earned.Div(earned, model.Precision)
		pos.Pending.Add(pos.Pending, earned)
	}
	pos.Checkpoint.Set(p.rewardPerShare)
}

func (p *Pool) weightedFor(principal *uint256.Int, tierID int) *uint256.Int {
	return model.MulBps(principal, p.cfg.Tiers[tierID].MultiplierBps)
}

// Stake adds principal at the given public tier. Repeat stakes may keep or
// raise the tier; raising requires the prior lock to have expired. The lock
// window restarts on every stake.
func (p *Pool) Stake(caller model.Address, amount *uint256.Int, tierID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if tierID < 0 || tierID >= p.engineTie {
		return ErrBadTier
	}
	now := p.clock()
	p.updateReward(now)

	pos, exists := p.positions[caller]
	if exists {
		if tierID < pos.TierID {
			return ErrTierDowngrade
		}
		if tierID != pos.TierID && now.Before(pos.UnlockTime) {
			return ErrLockActive
		}
		p.settle(pos)
	} else {
		pos = &Position{
			Principal:  uint256.NewInt(0),
			Weighted:   uint256.NewInt(0),
			TierID:     tierID,
			Checkpoint: new(uint256.Int).Set(p.rewardPerShare),
			Pending:    uint256.NewInt(0),
		}
		p.positions[caller] = pos
	}

	if err := p.cfg.StakeLedger.Transfer(caller, p.cfg.Address, amount); err != nil {
		if !exists {
			delete(p.positions, caller)
		}
		return err
	}

	pos.TierID = tierID
	pos.Principal.Add(pos.Principal, amount)
	oldWeighted := pos.Weighted
	pos.Weighted = p.weightedFor(pos.Principal, tierID)
	pos.UnlockTime = now.Add(p.cfg.Tiers[tierID].LockDuration)

	p.totalPrincipal.Add(p.totalPrincipal, amount)
	p.totalWeighted.Sub(p.totalWeighted, oldWeighted)
	p.totalWeighted.Add(p.totalWeighted, pos.Weighted)
	return nil
}

// StakeForEngine records the engine's permanent position. Engine-only. The
// staked tokens must already sit in pool custody (the market mints LP
// directly to the pool), so no transfer happens here; the pool only checks
// that custody covers the new principal.
func (p *Pool) StakeForEngine(caller model.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.Engine {
		return ErrNotEngine
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	custody := p.cfg.StakeLedger.BalanceOf(p.cfg.Address)
	need := new(uint256.Int).Add(p.totalPrincipal, amount)
	if custody.Lt(need) {
		return ledger.ErrInsufficientBalance
	}

	now := p.clock()
	p.updateReward(now)

	pos, exists := p.positions[p.cfg.Engine]
	if !exists {
		pos = &Position{
			Principal:  uint256.NewInt(0),
			Weighted:   uint256.NewInt(0),
			TierID:     p.engineTie,
			UnlockTime: permanentUnlock,
			Checkpoint: new(uint256.Int).Set(p.rewardPerShare),
			Pending:    uint256.NewInt(0),
		}
		p.positions[p.cfg.Engine] = pos
	} else {
		p.settle(pos)
	}

	pos.Principal.Add(pos.Principal, amount)
	oldWeighted := pos.Weighted
	pos.Weighted = p.weightedFor(pos.Principal, p.engineTie)

	p.totalPrincipal.Add(p.totalPrincipal, amount)
	p.totalWeighted.Sub(p.totalWeighted, oldWeighted)
	p.totalWeighted.Add(p.totalWeighted, pos.Weighted)
	return nil
}

// Withdraw returns principal to the caller once the lock has expired. The
// engine position is rejected unconditionally. A withdrawal to zero settles
// outstanding rewards and deletes the position.
func (p *Pool) Withdraw(caller model.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.withdraw(caller, amount)
}

func (p *Pool) withdraw(caller model.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	pos, ok := p.positions[caller]
	if !ok {
		return ErrNoPosition
	}
	if pos.TierID == p.engineTie || pos.UnlockTime.Equal(permanentUnlock) {
		return ErrPermanentStake
	}
	now := p.clock()
	if now.Before(pos.UnlockTime) {
		return ErrLockActive
	}
	if amount.Gt(pos.Principal) {
		return ErrExceedsStake
	}

	p.updateReward(now)
	p.settle(pos)

	if err := p.cfg.StakeLedger.Transfer(p.cfg.Address, caller, amount); err != nil {
		return err
	}

	pos.Principal.Sub(pos.Principal, amount)
	oldWeighted := pos.Weighted
	pos.Weighted = p.weightedFor(pos.Principal, pos.TierID)
	p.totalPrincipal.Sub(p.totalPrincipal, amount)
	p.totalWeighted.Sub(p.totalWeighted, oldWeighted)
	p.totalWeighted.Add(p.totalWeighted, pos.Weighted)

	if pos.Principal.IsZero() {
		if err := p.payReward(caller, pos); err != nil {
			p.log.Warn().Err(err).Str("staker", string(caller)).Msg("final reward payout failed; position retained")
			// Keep the emptied position so the pending rewards survive.
			return nil
		}
		delete(p.positions, caller)
	}
	return nil
}

// payReward transfers a position's pending rewards. Caller holds the lock.
func (p *Pool) payReward(to model.Address, pos *Position) error {
	if pos.Pending.IsZero() {
		return nil
	}
	amount := new(uint256.Int).Set(pos.Pending)
	if err := p.cfg.RewardLedger.Transfer(p.cfg.Address, to, amount); err != nil {
		return err
	}
	pos.Pending = uint256.NewInt(0)
	return nil
}

// ClaimReward pays out everything the caller has accrued.
func (p *Pool) ClaimReward(caller model.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[caller]
	if !ok {
		return nil, ErrNoPosition
	}
	p.updateReward(p.clock())
	p.settle(pos)

	amount := new(uint256.Int).Set(pos.Pending)
	if err := p.payReward(caller, pos); err != nil {
		return nil, err
	}
	return amount, nil
}

// Exit withdraws the full principal and claims rewards in one call.
func (p *Pool) Exit(caller model.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[caller]
	if !ok {
		return ErrNoPosition
	}
	return p.withdraw(caller, new(uint256.Int).Set(pos.Principal))
}

// NotifyRewardAmount injects a bonus. Engine-only. The amount is pulled from
// the engine's balance; on the LP pool the engine's weighted share of the
// bonus goes straight back to the engine before the remainder streams, so
// the permanent protocol stake never dilutes public APY. If a drip is still
// active its undistributed remainder merges into the new rate.
func (p *Pool) NotifyRewardAmount(caller model.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.Engine {
		return ErrNotEngine
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	now := p.clock()
	p.updateReward(now)

	if err := p.cfg.RewardLedger.Transfer(p.cfg.Engine, p.cfg.Address, amount); err != nil {
		return err
	}

	stream := new(uint256.Int).Set(amount)
	if p.cfg.EngineReturn && !p.totalWeighted.IsZero() {
		if pos, ok := p.positions[p.cfg.Engine]; ok && !pos.Weighted.IsZero() {
			engineShare := model.MulDiv(amount, pos.Weighted, p.totalWeighted)
			if !engineShare.IsZero() {
				if err := p.cfg.RewardLedger.Transfer(p.cfg.Address, p.cfg.Engine, engineShare); err == nil {
					stream.Sub(stream, engineShare)
				}
			}
		}
	}

	if p.bonusPeriodEnd.After(now) && !p.bonusRate.IsZero() {
		leftSec := uint64(p.bonusPeriodEnd.Sub(now) / time.Second)
		leftover := new(uint256.Int).Mul(p.bonusRate, uint256.NewInt(leftSec))
		stream.Add(stream, leftover)
	}
	durSec := uint64(p.cfg.BonusDuration / time.Second)
	p.bonusRate = new(uint256.Int).Div(stream, uint256.NewInt(durSec))
	p.bonusPeriodEnd = now.Add(p.cfg.BonusDuration)

	p.log.Debug().
		Str("amount", amount.Dec()).
		Str("rate", p.bonusRate.Dec()).
		Msg("bonus reward notified")
	return nil
}

// Earned returns what addr could claim right now, without mutating state.
func (p *Pool) Earned(addr model.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[addr]
	if !ok {
		return uint256.NewInt(0)
	}
	// Simulate accrual on copies; updateReward mutates, so replay on a
	// snapshot of the accumulator instead.
	rpsBefore := new(uint256.Int).Set(p.rewardPerShare)
	lastBefore := p.lastUpdate
	baseRemBefore := new(uint256.Int).Set(p.baseRemaining)
	baseRateBefore := new(uint256.Int).Set(p.baseRate)
	basePEBefore := p.basePeriodEnd
	bonusRateBefore := new(uint256.Int).Set(p.bonusRate)

	p.updateReward(p.clock())
	earned := new(uint256.Int).Sub(p.rewardPerShare, pos.Checkpoint)
	earned.Mul(earned, pos.Weighted)
	earned.Div(earned, model.Precision)
	earned.Add(earned, pos.Pending)

	p.rewardPerShare = rpsBefore
	p.lastUpdate = lastBefore
	p.baseRemaining = baseRemBefore
	p.baseRate = baseRateBefore
	p.basePeriodEnd = basePEBefore
	p.bonusRate = bonusRateBefore
	return earned
}

// PositionOf returns a copy of addr's position, or nil.
func (p *Pool) PositionOf(addr model.Address) *Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[addr]
	if !ok {
		return nil
	}
	cp := *pos
	cp.Principal = new(uint256.Int).Set(pos.Principal)
	cp.Weighted = new(uint256.Int).Set(pos.Weighted)
	cp.Checkpoint = new(uint256.Int).Set(pos.Checkpoint)
	cp.Pending = new(uint256.Int).Set(pos.Pending)
	return &cp
}

// Stats is a read-only snapshot of pool totals.
type Stats struct {
	Name           string
	TotalPrincipal *uint256.Int
	TotalWeighted  *uint256.Int
	RewardPerShare *uint256.Int
	BaseRemaining  *uint256.Int
	BaseRate       *uint256.Int
	BonusRate      *uint256.Int
	BonusPeriodEnd time.Time
}

// StatsSnapshot returns current pool totals.
func (p *Pool) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:           p.cfg.Name,
		TotalPrincipal: new(uint256.Int).Set(p.totalPrincipal),
		TotalWeighted:  new(uint256.Int).Set(p.totalWeighted),
		RewardPerShare: new(uint256.Int).Set(p.rewardPerShare),
		BaseRemaining:  new(uint256.Int).Set(p.baseRemaining),
		BaseRate:       new(uint256.Int).Set(p.baseRate),
		BonusRate:      new(uint256.Int).Set(p.bonusRate),
		BonusPeriodEnd: p.bonusPeriodEnd,
	}
}

// Address returns the pool custody address.
func (p *Pool) Address() model.Address { return p.cfg.Address }

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// SetClock overrides the time source. Test hook.
func (p *Pool) SetClock(fn func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = fn
}

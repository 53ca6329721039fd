// Package endowment holds the sealed reserve that guarantees the cycle
// engine a funding floor. Releases follow a per-period decay against the
// remaining reserve, so the reserve approaches zero but never reaches it.
package endowment

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
	ErrNotSealed        = errors.New("endowment: not sealed")
	ErrAlreadySealed    = errors.New("endowment: already sealed")
	ErrSeedShort        = errors.New("endowment: reserve below required seed")
	ErrNotEngine        = errors.New("endowment: caller is not the engine")
	ErrNotCustodian     = errors.New("endowment: caller is not the custodian")
	ErrNothingDue       = errors.New("endowment: no full period elapsed")
	ErrDustRelease      = errors.New("endowment: computed release below dust threshold")
	ErrIntervalBounds   = errors.New("endowment: interval out of bounds")
	ErrEngineStillAlive = errors.New("endowment: inactivity window not reached")
)

// Interval bounds and catch-up policy.
const (
	MinInterval      = 24 * time.Hour
	MaxInterval      = 90 * 24 * time.Hour
	MaxCatchUp       = 6
	emergencyWindow  = 180 * 24 * time.Hour
	emergencyRateBps = 100 // flat 1% of reserve
)

// Config fixes the endowment's identity and decay parameters.
type Config struct {
	Address      model.Address
	Engine       model.Address
	Custodian    model.Address
	EmergencyOut model.Address

	RequiredSeed  *uint256.Int
	Interval      time.Duration
	RetentionBps  uint64 // per-period retained fraction, e.g. 9950 = keep 99.5%
	DustThreshold *uint256.Int
	CallCost      *uint256.Int // estimated cost of one release call, in tokens
	Compounding   bool
}

// Validate applies the hard preconditions; a bad config aborts construction.
func (c Config) Validate() error {
	if c.Address.IsZero() || c.Engine.IsZero() || c.Custodian.IsZero() || c.EmergencyOut.IsZero() {
		return errors.New("endowment: zero address in config")
	}
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		return ErrIntervalBounds
	}
	if c.RetentionBps == 0 || c.RetentionBps >= model.BpsDenom {
		return errors.New("endowment: retention bps must be in (0, 10000)")
	}
	if c.RequiredSeed == nil || c.RequiredSeed.IsZero() {
		return errors.New("endowment: required seed must be positive")
	}
	if c.DustThreshold == nil || c.CallCost == nil || c.CallCost.IsZero() {
		return errors.New("endowment: dust threshold and call cost required")
	}
	return nil
}

// Suggestion is the public view callers use to decide whether pulling a
// release is worth the call cost.
type Suggestion struct {
	ShouldRelease  bool
	Amount         *uint256.Int
	PeriodsWaiting uint64
	// EfficiencyBps is the potential amount relative to the estimated call
	// cost, in basis points. 10000 means the release just covers the call.
	EfficiencyBps uint64
}

// Endowment is Unsealed until the reserve covers the required seed, then
// Sealed forever; only the engine can pull periodic releases after that.
type Endowment struct {
	mu  sync.Mutex
	log zerolog.Logger

	cfg    Config
	ledger *ledger.Ledger

	sealed          bool
	compounding     bool
	interval        time.Duration
	lastReleaseTime time.Time
	totalReleased   *uint256.Int
	releaseCount    uint64

	notifyEngine func(amount *uint256.Int)

	clock func() time.Time
}

// New constructs an unsealed endowment.
func New(cfg Config, l *ledger.Ledger, log zerolog.Logger) (*Endowment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Endowment{
		log:           log.With().Str("component", "endowment").Logger(),
		cfg:           cfg,
		ledger:        l,
		compounding:   cfg.Compounding,
		interval:      cfg.Interval,
		totalReleased: uint256.NewInt(0),
		clock:         time.Now,
	}, nil
}

// SetNotify wires the engine callback invoked after each release. Set once
// during deployment wiring.
func (e *Endowment) SetNotify(fn func(amount *uint256.Int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyEngine = fn
}

// Seal transitions Unsealed -> Sealed once the reserve covers the seed.
// One-way; the release clock starts here.
func (e *Endowment) Seal() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return ErrAlreadySealed
	}
	if e.ledger.BalanceOf(e.cfg.Address).Lt(e.cfg.RequiredSeed) {
		return ErrSeedShort
	}
	e.sealed = true
	e.lastReleaseTime = e.clock()
	e.log.Info().Str("reserve", e.ledger.BalanceOf(e.cfg.Address).Dec()).Msg("endowment sealed")
	return nil
}

// Reserve returns the current reserve balance.
func (e *Endowment) Reserve() *uint256.Int {
	return e.ledger.BalanceOf(e.cfg.Address)
}

// Sealed reports whether the endowment has been sealed.
func (e *Endowment) Sealed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sealed
}

// LastReleaseTime returns the timestamp of the last period boundary settled.
func (e *Endowment) LastReleaseTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReleaseTime
}

// TotalReleased returns the cumulative released amount.
func (e *Endowment) TotalReleased() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(uint256.Int).Set(e.totalReleased)
}

// ReleaseCount returns how many releases have been executed.
func (e *Endowment) ReleaseCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseCount
}

// elapsedPeriods returns full periods since lastReleaseTime, capped so a
// long-dormant endowment cannot force an unbounded catch-up in one call.
func (e *Endowment) elapsedPeriods(now time.Time) uint64 {
	if !e.sealed || now.Before(e.lastReleaseTime) {
		return 0
	}
	periods := uint64(now.Sub(e.lastReleaseTime) / e.interval)
	if periods > MaxCatchUp {
		periods = MaxCatchUp
	}
	return periods
}

// releaseAmount computes the due amount for n periods against reserve.
//
// Compounding: reserve*(1 - d^n), evaluated by multiplying the retained
// fraction per period with floor division, which matches the closed form
// within integer rounding. Simple: the same per-period deduction loop,
// summing each period's release explicitly.
func (e *Endowment) releaseAmount(reserve *uint256.Int, periods uint64) *uint256.Int {
	if periods == 0 || reserve.IsZero() {
		return uint256.NewInt(0)
	}
	if e.compounding {
		retained := new(uint256.Int).Set(reserve)
		for i := uint64(0); i < periods; i++ {
			retained = model.MulBps(retained, e.cfg.RetentionBps)
		}
		return new(uint256.Int).Sub(reserve, retained)
	}
	total := uint256.NewInt(0)
	remaining := new(uint256.Int).Set(reserve)
	releaseBps := uint64(model.BpsDenom) - e.cfg.RetentionBps
	for i := uint64(0); i < periods; i++ {
		step := model.MulBps(remaining, releaseBps)
		total.Add(total, step)
		remaining.Sub(remaining, step)
	}
	return total
}

// SuggestOptimalRelease is a pure view: what Release would pay right now,
// and whether it clears the dust and efficiency bars.
func (e *Endowment) SuggestOptimalRelease() Suggestion {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	periods := e.elapsedPeriods(now)
	amount := e.releaseAmount(e.ledger.BalanceOf(e.cfg.Address), periods)

	eff := uint64(0)
	if !amount.IsZero() {
		scaled := new(uint256.Int).Mul(amount, uint256.NewInt(model.BpsDenom))
		scaled.Div(scaled, e.cfg.CallCost)
		if scaled.IsUint64() {
			eff = scaled.Uint64()
		} else {
			eff = ^uint64(0)
		}
	}
	return Suggestion{
		ShouldRelease:  e.sealed && periods > 0 && amount.Gt(e.cfg.DustThreshold),
		Amount:         amount,
		PeriodsWaiting: periods,
		EfficiencyBps:  eff,
	}
}

// Release pays the due amount to the engine. Engine-only. The release clock
// advances by exactly periods*interval so partial-period drift neither
// accumulates nor is lost. The post-transfer engine notification is
// best-effort and never fails the release.
func (e *Endowment) Release(caller model.Address) (*uint256.Int, error) {
	e.mu.Lock()
	if caller != e.cfg.Engine {
		e.mu.Unlock()
		return nil, ErrNotEngine
	}
	if !e.sealed {
		e.mu.Unlock()
		return nil, ErrNotSealed
	}

	now := e.clock()
	periods := e.elapsedPeriods(now)
	if periods == 0 {
		e.mu.Unlock()
		return nil, ErrNothingDue
	}
	reserve := e.ledger.BalanceOf(e.cfg.Address)
	amount := e.releaseAmount(reserve, periods)
	if !amount.Gt(e.cfg.DustThreshold) {
		e.mu.Unlock()
		return nil, ErrDustRelease
	}
	if amount.Gt(reserve) {
		// Logic defect guard; must never happen with retention < 100%.
		e.mu.Unlock()
		return nil, ledger.ErrInsufficientBalance
	}

	if err := e.ledger.Transfer(e.cfg.Address, e.cfg.Engine, amount); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.lastReleaseTime = e.lastReleaseTime.Add(time.Duration(periods) * e.interval)
	e.totalReleased.Add(e.totalReleased, amount)
	e.releaseCount++
	notify := e.notifyEngine
	e.log.Info().
		Uint64("periods", periods).
		Str("amount", amount.Dec()).
		Str("reserve_after", e.ledger.BalanceOf(e.cfg.Address).Dec()).
		Msg("endowment release")
	e.mu.Unlock()

	if notify != nil {
		notify(new(uint256.Int).Set(amount))
	}
	return amount, nil
}

// UpdateReleaseInterval retunes the release cadence. Engine-only, bounded.
func (e *Endowment) UpdateReleaseInterval(caller model.Address, interval time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.cfg.Engine {
		return ErrNotEngine
	}
	if interval < MinInterval || interval > MaxInterval {
		return ErrIntervalBounds
	}
	e.interval = interval
	return nil
}

// SetCompounding switches between compound and simple decay. Engine-only.
func (e *Endowment) SetCompounding(caller model.Address, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.cfg.Engine {
		return ErrNotEngine
	}
	e.compounding = enabled
	return nil
}

// EmergencyRelease is the only human-triggerable path: after the engine has
// been provably dead for the inactivity window, the custodian may pull one
// flat-rate release to the emergency address. Pulling advances the release
// clock, so repeated pulls each require a fresh dormancy window.
func (e *Endowment) EmergencyRelease(caller model.Address) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.cfg.Custodian {
		return nil, ErrNotCustodian
	}
	if !e.sealed {
		return nil, ErrNotSealed
	}
	now := e.clock()
	if now.Sub(e.lastReleaseTime) < emergencyWindow {
		return nil, ErrEngineStillAlive
	}
	amount := model.MulBps(e.ledger.BalanceOf(e.cfg.Address), emergencyRateBps)
	if amount.IsZero() {
		return nil, ErrDustRelease
	}
	if err := e.ledger.Transfer(e.cfg.Address, e.cfg.EmergencyOut, amount); err != nil {
		return nil, err
	}
	e.lastReleaseTime = now
	e.totalReleased.Add(e.totalReleased, amount)
	e.releaseCount++
	e.log.Warn().Str("amount", amount.Dec()).Msg("emergency release executed")
	return amount, nil
}

// SetClock overrides the time source. Test hook.
func (e *Endowment) SetClock(fn func() time.Time) { e.clock = fn }

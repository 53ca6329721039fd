package market

import (
	"sync"

	"github.com/holiman/uint256"

	"github.com/aethercycle/aethercycle-engine/internal/ledger"
	"github.com/aethercycle/aethercycle-engine/internal/model"
)

const swapFeeBps = 30 // 0.30% taken on the input side

// PairPool is an x*y=k pair over two ledgers. Reserves are the pool custody
// address's balances on each ledger; LP shares live on their own ledger with
// the pool as sole minter.
type PairPool struct {
	mu sync.Mutex

	name string
	addr model.Address

	base   *ledger.Ledger
	paired *ledger.Ledger
	lp     *ledger.Ledger
}

// NewPairPool creates a pair with custody at addr. The lp ledger must list
// addr as a minter.
func NewPairPool(name string, addr model.Address, base, paired, lp *ledger.Ledger) *PairPool {
	return &PairPool{name: name, addr: addr, base: base, paired: paired, lp: lp}
}

func (p *PairPool) Name() string { return p.name }

// Address returns the pool custody address.
func (p *PairPool) Address() model.Address { return p.addr }

// LPLedger returns the ledger tracking LP shares.
func (p *PairPool) LPLedger() *ledger.Ledger { return p.lp }

// Reserves returns the current base and paired reserves.
func (p *PairPool) Reserves() (*uint256.Int, *uint256.Int) {
	return p.base.BalanceOf(p.addr), p.paired.BalanceOf(p.addr)
}

// Quote prices amountIn of base against current reserves, fee included:
// out = reserveOut * inAfterFee / (reserveIn + inAfterFee).
func (p *PairPool) Quote(amountIn *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quote(amountIn)
}

func (p *PairPool) quote(amountIn *uint256.Int) (*uint256.Int, error) {
	if amountIn.IsZero() {
		return nil, ErrZeroAmount
	}
	reserveIn := p.base.BalanceOf(p.addr)
	reserveOut := p.paired.BalanceOf(p.addr)
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrNoLiquidity
	}
	inAfterFee := model.MulBps(amountIn, model.BpsDenom-swapFeeBps)
	num := new(uint256.Int).Mul(reserveOut, inAfterFee)
	den := new(uint256.Int).Add(reserveIn, inAfterFee)
	return num.Div(num, den), nil
}

// Swap executes Quote at current reserves and settles both legs. The output
// is computed before any balance moves, so a failure is a pure no-op.
func (p *PairPool) Swap(from model.Address, amountIn, minOut *uint256.Int, to model.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out, err := p.quote(amountIn)
	if err != nil {
		return nil, err
	}
	if out.Lt(minOut) {
		return nil, ErrInsufficientOutput
	}
	if err := p.base.TransferFrom(p.addr, from, p.addr, amountIn); err != nil {
		return nil, err
	}
	if err := p.paired.Transfer(p.addr, to, out); err != nil {
		// Undo the input leg so a paired-side failure cannot strand funds.
		_ = p.base.Transfer(p.addr, from, amountIn)
		return nil, err
	}
	return out, nil
}

// AddLiquidity follows the v2 router shape: compute the optimal counterpart
// for one desired amount, check it against the caller's minimums, pull both
// legs, then mint LP proportional to the reserve growth (sqrt(a*b) on the
// first deposit).
func (p *PairPool) AddLiquidity(from model.Address, desiredBase, desiredPaired, minBase, minPaired *uint256.Int, to model.Address) (*uint256.Int, *uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if desiredBase.IsZero() || desiredPaired.IsZero() {
		return nil, nil, nil, ErrZeroAmount
	}

	reserveBase := p.base.BalanceOf(p.addr)
	reservePaired := p.paired.BalanceOf(p.addr)

	useBase := new(uint256.Int).Set(desiredBase)
	usePaired := new(uint256.Int).Set(desiredPaired)

	if !reserveBase.IsZero() && !reservePaired.IsZero() {
		optimalPaired := model.MulDiv(desiredBase, reservePaired, reserveBase)
		if !optimalPaired.Gt(desiredPaired) {
			if optimalPaired.Lt(minPaired) {
				return nil, nil, nil, ErrInsufficientInputMin
			}
			usePaired = optimalPaired
		} else {
			optimalBase := model.MulDiv(desiredPaired, reserveBase, reservePaired)
			if optimalBase.Lt(minBase) {
				return nil, nil, nil, ErrInsufficientInputMin
			}
			useBase = optimalBase
		}
	}

	totalLP := p.lp.TotalSupply()
	var minted *uint256.Int
	if totalLP.IsZero() {
		minted = new(uint256.Int).Sqrt(new(uint256.Int).Mul(useBase, usePaired))
	} else {
		byBase := model.MulDiv(useBase, totalLP, reserveBase)
		byPaired := model.MulDiv(usePaired, totalLP, reservePaired)
		minted = byBase
		if byPaired.Lt(byBase) {
			minted = byPaired
		}
	}
	if minted.IsZero() {
		return nil, nil, nil, ErrZeroAmount
	}

	if err := p.base.TransferFrom(p.addr, from, p.addr, useBase); err != nil {
		return nil, nil, nil, err
	}
	if err := p.paired.TransferFrom(p.addr, from, p.addr, usePaired); err != nil {
		_ = p.base.Transfer(p.addr, from, useBase)
		return nil, nil, nil, err
	}
	if err := p.lp.Mint(p.addr, to, minted); err != nil {
		_ = p.base.Transfer(p.addr, from, useBase)
		_ = p.paired.Transfer(p.addr, from, usePaired)
		return nil, nil, nil, err
	}
	return useBase, usePaired, minted, nil
}

// Package ledger implements the fungible balance store every other component
// settles against. A configurable transfer tax is skimmed from non-exempt
// transfers into a tax-accumulator address; burning is restricted to
// authorized addresses and permanently reduces supply.
package ledger

import (
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"github.com/aethercycle/aethercycle-engine/internal/model"
)

var (
	ErrZeroAddress           = errors.New("ledger: zero address")
	ErrZeroAmount            = errors.New("ledger: zero amount")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrNotMinter             = errors.New("ledger: caller is not a minter")
	ErrNotBurner             = errors.New("ledger: caller is not a burner")
)

// Ledger is an in-memory token ledger guarded by a single mutex, matching the
// one-operation-at-a-time execution model of the settlement layer.
type Ledger struct {
	mu sync.Mutex

	symbol      string
	totalSupply *uint256.Int
	totalBurned *uint256.Int

	balances   map[model.Address]*uint256.Int
	allowances map[model.Address]map[model.Address]*uint256.Int

	taxBps       uint64
	taxCollector model.Address
	taxExempt    map[model.Address]bool

	minters map[model.Address]bool
	burners map[model.Address]bool
}

// Option configures a Ledger at construction. The minter/burner/exemption
// sets are fixed once New returns; there is no privileged mutation path.
type Option func(*Ledger)

// WithTransferTax skims bps of every non-exempt transfer to collector.
func WithTransferTax(bps uint64, collector model.Address) Option {
	return func(l *Ledger) {
		l.taxBps = bps
		l.taxCollector = collector
		l.taxExempt[collector] = true
	}
}

// WithTaxExempt marks addresses whose transfers are never taxed.
func WithTaxExempt(addrs ...model.Address) Option {
	return func(l *Ledger) {
		for _, a := range addrs {
			l.taxExempt[a] = true
		}
	}
}

// WithMinters authorizes addresses to mint.
func WithMinters(addrs ...model.Address) Option {
	return func(l *Ledger) {
		for _, a := range addrs {
			l.minters[a] = true
		}
	}
}

// WithBurners authorizes addresses to burn their own balance.
func WithBurners(addrs ...model.Address) Option {
	return func(l *Ledger) {
		for _, a := range addrs {
			l.burners[a] = true
		}
	}
}

// New creates an empty ledger.
func New(symbol string, opts ...Option) *Ledger {
	l := &Ledger{
		symbol:      symbol,
		totalSupply: uint256.NewInt(0),
		totalBurned: uint256.NewInt(0),
		balances:    make(map[model.Address]*uint256.Int),
		allowances:  make(map[model.Address]map[model.Address]*uint256.Int),
		taxExempt:   make(map[model.Address]bool),
		minters:     make(map[model.Address]bool),
		burners:     make(map[model.Address]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Symbol returns the token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// TotalSupply returns the live supply (minted minus burned).
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.totalSupply)
}

// TotalBurned returns the cumulative burned amount.
func (l *Ledger) TotalBurned() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.totalBurned)
}

// BalanceOf returns a copy of the balance of addr.
func (l *Ledger) BalanceOf(addr model.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.balance(addr))
}

func (l *Ledger) balance(addr model.Address) *uint256.Int {
	if b, ok := l.balances[addr]; ok {
		return b
	}
	return uint256.NewInt(0)
}

func (l *Ledger) credit(addr model.Address, amount *uint256.Int) {
	b, ok := l.balances[addr]
	if !ok {
		b = uint256.NewInt(0)
		l.balances[addr] = b
	}
	b.Add(b, amount)
}

// Mint credits newly created tokens. Restricted to configured minters.
func (l *Ledger) Mint(caller, to model.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.minters[caller] {
		return ErrNotMinter
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	l.credit(to, amount)
	l.totalSupply.Add(l.totalSupply, amount)
	return nil
}

// Transfer moves amount from from to to, skimming the transfer tax when
// neither party is exempt. The sender pays the full amount; the recipient
// receives amount minus tax.
func (l *Ledger) Transfer(from, to model.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

func (l *Ledger) transfer(from, to model.Address, amount *uint256.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	bal := l.balance(from)
	if bal.Lt(amount) {
		return ErrInsufficientBalance
	}

	tax := uint256.NewInt(0)
	if l.taxBps > 0 && !l.taxExempt[from] && !l.taxExempt[to] {
		tax = model.MulBps(amount, l.taxBps)
	}
	net := new(uint256.Int).Sub(amount, tax)

	bal.Sub(bal, amount)
	l.credit(to, net)
	if !tax.IsZero() {
		l.credit(l.taxCollector, tax)
	}
	return nil
}

// Approve lets spender pull up to amount from owner's balance.
func (l *Ledger) Approve(owner, spender model.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner.IsZero() || spender.IsZero() {
		return ErrZeroAddress
	}
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[model.Address]*uint256.Int)
		l.allowances[owner] = m
	}
	m[spender] = new(uint256.Int).Set(amount)
	return nil
}

// Allowance returns the remaining pull allowance of spender on owner.
func (l *Ledger) Allowance(owner, spender model.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(uint256.Int).Set(a)
		}
	}
	return uint256.NewInt(0)
}

// TransferFrom pulls amount from from to to on spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to model.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance, ok := l.allowances[from][spender]
	if !ok || allowance.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := l.transfer(from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

// Burn destroys amount from the caller's own balance. Restricted to
// configured burners; supply is permanently reduced.
func (l *Ledger) Burn(caller model.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.burners[caller] {
		return ErrNotBurner
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	bal := l.balance(caller)
	if bal.Lt(amount) {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	l.totalSupply.Sub(l.totalSupply, amount)
	l.totalBurned.Add(l.totalBurned, amount)
	return nil
}

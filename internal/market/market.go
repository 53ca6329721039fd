// Package market abstracts the constant-product venue the engine deploys
// liquidity into. The engine only ever sees this interface; every method is
// fallible and a failed call must leave balances untouched.
package market

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/aethercycle/aethercycle-engine/internal/model"
)

var (
	ErrZeroAmount           = errors.New("market: zero amount")
	ErrInsufficientOutput   = errors.New("market: output below minimum")
	ErrInsufficientInputMin = errors.New("market: optimal input below minimum")
	ErrNoLiquidity          = errors.New("market: pool has no liquidity")
)

// Market quotes and executes swaps of the base token for the paired asset
// and mints LP tokens for balanced deposits.
type Market interface {
	// Name identifies the venue for logs and records.
	Name() string

	// Quote returns the paired-asset output for amountIn of base token at
	// the current reserves, net of swap fee. No state change.
	Quote(amountIn *uint256.Int) (*uint256.Int, error)

	// Swap sells amountIn of base token from from's balance, crediting the
	// paired asset to to. Fails (no state change) if output < minOut.
	Swap(from model.Address, amountIn, minOut *uint256.Int, to model.Address) (*uint256.Int, error)

	// AddLiquidity deposits up to desiredBase/desiredPaired from from,
	// honoring minBase/minPaired acceptance bounds, and mints LP tokens to
	// to. Returns the amounts actually used and the LP minted.
	AddLiquidity(from model.Address, desiredBase, desiredPaired, minBase, minPaired *uint256.Int, to model.Address) (usedBase, usedPaired, lpMinted *uint256.Int, err error)
}

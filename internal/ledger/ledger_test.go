package ledger

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/aethercycle/aethercycle-engine/internal/model"
)

const (
	genesis   model.Address = "test:genesis"
	collector model.Address = "test:tax"
	alice     model.Address = "test:alice"
	bob       model.Address = "test:bob"
	burner    model.Address = "test:burner"
)

func newTaxedLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New("AEC",
		WithTransferTax(250, collector),
		WithMinters(genesis),
		WithBurners(burner),
	)
	require.NoError(t, l.Mint(genesis, alice, model.Tokens(1000)))
	return l
}

func TestTransfer_SkimsTax(t *testing.T) {
	l := newTaxedLedger(t)

	require.NoError(t, l.Transfer(alice, bob, model.Tokens(100)))

	// 2.5% of 100 = 2.5 tokens to the collector, 97.5 to bob.
	wantTax := new(uint256.Int).Div(model.Tokens(25), uint256.NewInt(10))
	require.Equal(t, wantTax, l.BalanceOf(collector))
	require.Equal(t, new(uint256.Int).Sub(model.Tokens(100), wantTax), l.BalanceOf(bob))
	require.Equal(t, model.Tokens(900), l.BalanceOf(alice))
}

func TestTransfer_ExemptPartiesSkipTax(t *testing.T) {
	l := New("AEC",
		WithTransferTax(250, collector),
		WithTaxExempt(alice),
		WithMinters(genesis),
	)
	require.NoError(t, l.Mint(genesis, alice, model.Tokens(100)))

	require.NoError(t, l.Transfer(alice, bob, model.Tokens(100)))
	require.True(t, l.BalanceOf(collector).IsZero())
	require.Equal(t, model.Tokens(100), l.BalanceOf(bob))
}

func TestTransfer_Preconditions(t *testing.T) {
	l := newTaxedLedger(t)

	require.ErrorIs(t, l.Transfer(alice, model.ZeroAddress, model.Tokens(1)), ErrZeroAddress)
	require.ErrorIs(t, l.Transfer(alice, bob, uint256.NewInt(0)), ErrZeroAmount)
	require.ErrorIs(t, l.Transfer(bob, alice, model.Tokens(1)), ErrInsufficientBalance)
}

func TestTransferFrom_ConsumesAllowance(t *testing.T) {
	l := newTaxedLedger(t)

	require.NoError(t, l.Approve(alice, bob, model.Tokens(50)))
	require.NoError(t, l.TransferFrom(bob, alice, bob, model.Tokens(30)))
	require.Equal(t, model.Tokens(20), l.Allowance(alice, bob))

	err := l.TransferFrom(bob, alice, bob, model.Tokens(30))
	require.ErrorIs(t, err, ErrInsufficientAllowance)
}

func TestBurn_RestrictedAndReducesSupply(t *testing.T) {
	l := newTaxedLedger(t)
	require.NoError(t, l.Transfer(alice, burner, model.Tokens(100)))
	burnerBal := l.BalanceOf(burner)
	supplyBefore := l.TotalSupply()

	require.ErrorIs(t, l.Burn(alice, model.Tokens(1)), ErrNotBurner)

	require.NoError(t, l.Burn(burner, burnerBal))
	require.True(t, l.BalanceOf(burner).IsZero())
	require.Equal(t, burnerBal, l.TotalBurned())
	require.Equal(t, new(uint256.Int).Sub(supplyBefore, burnerBal), l.TotalSupply())
}

func TestMint_Restricted(t *testing.T) {
	l := newTaxedLedger(t)
	require.ErrorIs(t, l.Mint(alice, alice, model.Tokens(1)), ErrNotMinter)
}

func TestSupplyConservation(t *testing.T) {
	l := newTaxedLedger(t)

	require.NoError(t, l.Transfer(alice, bob, model.Tokens(500)))
	require.NoError(t, l.Transfer(bob, alice, model.Tokens(100)))

	sum := uint256.NewInt(0)
	for _, a := range []model.Address{genesis, collector, alice, bob, burner} {
		sum.Add(sum, l.BalanceOf(a))
	}
	require.Equal(t, l.TotalSupply(), sum)
}

package engine

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/aethercycle/aethercycle-engine/internal/model"
)

// Outcome classifies a RunCycle invocation. Skips are expected steady-state
// outcomes, not errors; partial sub-step failures still complete the cycle
// and surface only through Diagnostics.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
)

// Skip reasons.
const (
	SkipCooldown       = "cooldown"
	SkipBelowThreshold = "below_threshold"
)

// CycleResult is the single structured completion record emitted per cycle,
// itemizing every sub-amount for auditability.
type CycleResult struct {
	ID        string
	Timestamp time.Time
	Caller    model.Address

	Outcome    Outcome
	SkipReason string

	// Inflows this cycle.
	NewTax      *uint256.Int
	EndowmentIn *uint256.Int
	RewardsIn   *uint256.Int // claimed from the LP pool's reward path

	// Allocation of the processable balance.
	Processed    *uint256.Int
	Burned       *uint256.Int
	BurnDeferred *uint256.Int

	// Liquidity deployment.
	LPBaseDeployed   *uint256.Int // AEC swapped plus AEC paired
	LPPairedDeployed *uint256.Int
	LPMinted         *uint256.Int
	LPPreserved      *uint256.Int // budget not deployed; stays for next cycle

	// Refill delivery, net of the LP pool's automatic engine return.
	RefillLP       *uint256.Int
	RefillToken    *uint256.Int
	RefillNFT      *uint256.Int
	RefillDeferred *uint256.Int

	CallerPaid *uint256.Int

	// Diagnostics records swallowed external-call failures.
	Diagnostics []string
}

func newCycleResult(id string, ts time.Time, caller model.Address) *CycleResult {
	zero := func() *uint256.Int { return uint256.NewInt(0) }
	return &CycleResult{
		ID:               id,
		Timestamp:        ts,
		Caller:           caller,
		NewTax:           zero(),
		EndowmentIn:      zero(),
		RewardsIn:        zero(),
		Processed:        zero(),
		Burned:           zero(),
		BurnDeferred:     zero(),
		LPBaseDeployed:   zero(),
		LPPairedDeployed: zero(),
		LPMinted:         zero(),
		LPPreserved:      zero(),
		RefillLP:         zero(),
		RefillToken:      zero(),
		RefillNFT:        zero(),
		RefillDeferred:   zero(),
		CallerPaid:       zero(),
	}
}

func (r *CycleResult) diag(format string, args ...any) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

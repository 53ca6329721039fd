package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/aethercycle/aethercycle-engine/internal/model"
)

// maxSwapRounds bounds the adaptive halving loop; worst-case work per cycle
// is fixed regardless of venue behavior.
const maxSwapRounds = 5

// dustDivisor: endowment pulls below MinProcessAmount/dustDivisor are not
// worth a release.
const dustDivisor = 10

// Config is immutable after construction; Validate is the deployment gate.
type Config struct {
	Address      model.Address
	TaxCollector model.Address

	// Split of the processable balance, basis points, must sum to 10000.
	BurnBps   uint64
	LpBps     uint64
	RefillBps uint64

	// CallerBps applies to newly collected tax only.
	CallerBps uint64

	SlippageBps      uint64
	MinProcessAmount *uint256.Int
	Cooldown         time.Duration

	// Sub-split of the refill bucket across the three pools, sums to 10000.
	RefillLpBps    uint64
	RefillTokenBps uint64
	RefillNftBps   uint64

	// Endowment pulls below this efficiency (amount/call-cost in bps) are
	// skipped.
	EfficiencyFloorBps uint64

	// StateFile persists cycle state across restarts; empty disables.
	StateFile string
}

// Validate applies the hard preconditions; failure aborts deployment.
func (c Config) Validate() error {
	if c.Address.IsZero() || c.TaxCollector.IsZero() {
		return errors.New("engine: zero address in config")
	}
	if sum := c.BurnBps + c.LpBps + c.RefillBps; sum != model.BpsDenom {
		return fmt.Errorf("engine: burn/lp/refill bps sum %d, want %d", sum, model.BpsDenom)
	}
	if sum := c.RefillLpBps + c.RefillTokenBps + c.RefillNftBps; sum != model.BpsDenom {
		return fmt.Errorf("engine: refill sub-split bps sum %d, want %d", sum, model.BpsDenom)
	}
	if c.CallerBps >= model.BpsDenom {
		return errors.New("engine: caller bps must be below 10000")
	}
	if c.SlippageBps >= model.BpsDenom {
		return errors.New("engine: slippage bps must be below 10000")
	}
	if c.MinProcessAmount == nil || c.MinProcessAmount.IsZero() {
		return errors.New("engine: min process amount required")
	}
	if c.Cooldown <= 0 {
		return errors.New("engine: cooldown required")
	}
	return nil
}

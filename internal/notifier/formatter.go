package notifier

import (
	"fmt"
	"strings"

	"github.com/aethercycle/aethercycle-engine/internal/engine"
	"github.com/aethercycle/aethercycle-engine/internal/model"
)

// FormatCycleReport renders one cycle's completion record as a readable
// summary for webhook delivery.
func FormatCycleReport(res *engine.CycleResult) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("AetherCycle | %s\n", res.Timestamp.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("cycle %s by %s\n\n", res.ID, res.Caller))

	if res.Outcome == engine.OutcomeSkipped {
		b.WriteString(fmt.Sprintf("skipped: %s\n", res.SkipReason))
		return b.String()
	}

	b.WriteString(fmt.Sprintf("inflows: tax %.2f | endowment %.2f | rewards %.2f\n",
		model.ToFloatTokens(res.NewTax), model.ToFloatTokens(res.EndowmentIn), model.ToFloatTokens(res.RewardsIn)))
	b.WriteString(fmt.Sprintf("processed: %.2f\n", model.ToFloatTokens(res.Processed)))
	b.WriteString(fmt.Sprintf("burned: %.2f\n", model.ToFloatTokens(res.Burned)))
	b.WriteString(fmt.Sprintf("liquidity: %.2f AEC + %.2f paired -> %.2f LP (preserved %.2f)\n",
		model.ToFloatTokens(res.LPBaseDeployed), model.ToFloatTokens(res.LPPairedDeployed),
		model.ToFloatTokens(res.LPMinted), model.ToFloatTokens(res.LPPreserved)))
	b.WriteString(fmt.Sprintf("refills: lp %.2f | token %.2f | nft %.2f\n",
		model.ToFloatTokens(res.RefillLP), model.ToFloatTokens(res.RefillToken), model.ToFloatTokens(res.RefillNFT)))
	b.WriteString(fmt.Sprintf("caller paid: %.2f\n", model.ToFloatTokens(res.CallerPaid)))

	if len(res.Diagnostics) > 0 {
		b.WriteString(fmt.Sprintf("\n%d deferred sub-steps:\n", len(res.Diagnostics)))
		for _, d := range res.Diagnostics {
			b.WriteString("  - " + d + "\n")
		}
	}
	return b.String()
}

// FormatStatus renders the engine health view.
func FormatStatus(st engine.Status) string {
	var b strings.Builder
	b.WriteString("AetherCycle status\n\n")
	b.WriteString(fmt.Sprintf("engine balance: %.2f AEC / %.2f paired\n",
		model.ToFloatTokens(st.EngineBalance), model.ToFloatTokens(st.PairedBalance)))
	b.WriteString(fmt.Sprintf("cycles: %d (skips %d), last %s\n",
		st.TotalCycles, st.TotalSkips, st.LastProcessTime.Format("2006-01-02 15:04")))
	b.WriteString(fmt.Sprintf("lifetime: in %.2f | burned %.2f | lp %.2f | refilled %.2f | callers %.2f\n",
		model.ToFloatTokens(st.TotalInflow), model.ToFloatTokens(st.TotalBurned),
		model.ToFloatTokens(st.TotalLPDeployed), model.ToFloatTokens(st.TotalRefilled),
		model.ToFloatTokens(st.TotalCallerPaid)))
	b.WriteString(fmt.Sprintf("conservation: %v\n", st.Conserved))
	return b.String()
}

package recorder

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aethercycle/aethercycle-engine/internal/engine"
	"github.com/aethercycle/aethercycle-engine/internal/model"
)

func newTestRecorder(t *testing.T) (*SQLiteRecorder, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	r, err := NewSQLiteRecorder(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, r.db
}

func sampleResult() *engine.CycleResult {
	return &engine.CycleResult{
		ID:               "cycle-1",
		Timestamp:        time.Unix(1_700_000_000, 0),
		Caller:           model.Address("aec:caller"),
		Outcome:          engine.OutcomeCompleted,
		NewTax:           model.Tokens(10_000),
		EndowmentIn:      uint256.NewInt(0),
		RewardsIn:        uint256.NewInt(0),
		Processed:        model.Tokens(9_990),
		Burned:           model.Tokens(1_998),
		BurnDeferred:     uint256.NewInt(0),
		LPBaseDeployed:   model.Tokens(3_996),
		LPPairedDeployed: model.Tokens(199),
		LPMinted:         model.Tokens(500),
		LPPreserved:      uint256.NewInt(0),
		RefillLP:         uint256.NewInt(0),
		RefillToken:      model.Tokens(1_498),
		RefillNFT:        model.Tokens(499),
		RefillDeferred:   uint256.NewInt(0),
		CallerPaid:       model.Tokens(10),
		Diagnostics:      []string{"refill lp failed, retained"},
	}
}

func TestRecordCycle_PersistsAmountsAsDecimalStrings(t *testing.T) {
	r, db := newTestRecorder(t)
	require.NoError(t, r.RecordCycle(sampleResult()))

	var outcome, newTax, burned string
	row := db.QueryRow(`SELECT outcome, new_tax, burned FROM cycles WHERE id = ?`, "cycle-1")
	require.NoError(t, row.Scan(&outcome, &newTax, &burned))
	require.Equal(t, "completed", outcome)
	require.Equal(t, model.Tokens(10_000).Dec(), newTax)
	require.Equal(t, model.Tokens(1_998).Dec(), burned)

	var diagCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM diagnostics WHERE cycle_id = ?`, "cycle-1").Scan(&diagCount))
	require.Equal(t, 1, diagCount)
}

func TestRecordCycle_DuplicateIDRejected(t *testing.T) {
	r, _ := newTestRecorder(t)
	require.NoError(t, r.RecordCycle(sampleResult()))
	require.Error(t, r.RecordCycle(sampleResult()))
}

func TestRecordStatus_PersistsSnapshot(t *testing.T) {
	r, db := newTestRecorder(t)

	require.NoError(t, r.RecordStatus(engine.Status{
		EngineBalance:   model.Tokens(1_998),
		PairedBalance:   model.Tokens(42),
		TotalCycles:     3,
		TotalSkips:      1,
		TotalInflow:     model.Tokens(30_000),
		TotalBurned:     model.Tokens(5_994),
		TotalLPDeployed: model.Tokens(11_988),
		TotalRefilled:   model.Tokens(9_000),
		TotalCallerPaid: model.Tokens(30),
		Conserved:       true,
	}))

	var cycles int
	var inflow string
	var conserved int
	row := db.QueryRow(`SELECT total_cycles, total_inflow, conserved FROM status_snapshots ORDER BY id DESC LIMIT 1`)
	require.NoError(t, row.Scan(&cycles, &inflow, &conserved))
	require.Equal(t, 3, cycles)
	require.Equal(t, model.Tokens(30_000).Dec(), inflow)
	require.Equal(t, 1, conserved)
}

func TestRecorder_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	r, err := NewSQLiteRecorder(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.RecordCycle(sampleResult()))
	require.NoError(t, r.Close())

	r2, err := NewSQLiteRecorder(path, zerolog.Nop())
	require.NoError(t, err)
	defer r2.Close()

	var count int
	require.NoError(t, r2.db.QueryRow(`SELECT COUNT(*) FROM cycles`).Scan(&count))
	require.Equal(t, 1, count)
}

package recorder

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aethercycle/aethercycle-engine/internal/engine"
)

// SQLiteRecorder persists the audit trail to a SQLite database. Amounts are
// stored as decimal strings; they exceed any integer column type.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string, log zerolog.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so dashboards can read while the daemon writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("path", dbPath).Msg("sqlite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id             TEXT PRIMARY KEY,
			timestamp      INTEGER NOT NULL,
			caller         TEXT,
			outcome        TEXT,
			skip_reason    TEXT,
			new_tax        TEXT,
			endowment_in   TEXT,
			rewards_in     TEXT,
			processed      TEXT,
			burned         TEXT,
			burn_deferred  TEXT,
			lp_base        TEXT,
			lp_paired      TEXT,
			lp_minted      TEXT,
			lp_preserved   TEXT,
			refill_lp      TEXT,
			refill_token   TEXT,
			refill_nft     TEXT,
			refill_deferred TEXT,
			caller_paid    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_ts ON cycles(timestamp)`,

		`CREATE TABLE IF NOT EXISTS diagnostics (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id  TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			message   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_diag_cycle ON diagnostics(cycle_id)`,

		`CREATE TABLE IF NOT EXISTS status_snapshots (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp         INTEGER NOT NULL,
			engine_balance    TEXT,
			paired_balance    TEXT,
			total_cycles      INTEGER,
			total_skips       INTEGER,
			total_inflow      TEXT,
			total_burned      TEXT,
			total_lp_deployed TEXT,
			total_refilled    TEXT,
			total_caller_paid TEXT,
			conserved         INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_ts ON status_snapshots(timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordCycle(res *engine.CycleResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO cycles
		(id, timestamp, caller, outcome, skip_reason,
		 new_tax, endowment_in, rewards_in, processed,
		 burned, burn_deferred,
		 lp_base, lp_paired, lp_minted, lp_preserved,
		 refill_lp, refill_token, refill_nft, refill_deferred,
		 caller_paid)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.Timestamp.Unix(), string(res.Caller), string(res.Outcome), res.SkipReason,
		res.NewTax.Dec(), res.EndowmentIn.Dec(), res.RewardsIn.Dec(), res.Processed.Dec(),
		res.Burned.Dec(), res.BurnDeferred.Dec(),
		res.LPBaseDeployed.Dec(), res.LPPairedDeployed.Dec(), res.LPMinted.Dec(), res.LPPreserved.Dec(),
		res.RefillLP.Dec(), res.RefillToken.Dec(), res.RefillNFT.Dec(), res.RefillDeferred.Dec(),
		res.CallerPaid.Dec(),
	)
	if err != nil {
		return err
	}

	for _, msg := range res.Diagnostics {
		if _, err := r.db.Exec(`INSERT INTO diagnostics (cycle_id, timestamp, message) VALUES (?,?,?)`,
			res.ID, res.Timestamp.Unix(), msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordStatus(st engine.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conserved := 0
	if st.Conserved {
		conserved = 1
	}
	_, err := r.db.Exec(`INSERT INTO status_snapshots
		(timestamp, engine_balance, paired_balance, total_cycles, total_skips,
		 total_inflow, total_burned, total_lp_deployed, total_refilled, total_caller_paid, conserved)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		time.Now().Unix(), st.EngineBalance.Dec(), st.PairedBalance.Dec(),
		st.TotalCycles, st.TotalSkips,
		st.TotalInflow.Dec(), st.TotalBurned.Dec(), st.TotalLPDeployed.Dec(),
		st.TotalRefilled.Dec(), st.TotalCallerPaid.Dec(), conserved,
	)
	return err
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info().Msg("closing sqlite recorder")
	return r.db.Close()
}

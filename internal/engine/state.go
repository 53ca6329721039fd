package engine

import (
	"encoding/json"
	"os"
	"time"

	"github.com/holiman/uint256"
)

// State is the mutable cycle-engine singleton, persisted across daemon
// restarts. The lifetime totals back the conservation audit in Status:
// TotalInflow == TotalBurned + TotalLPDeployed + TotalRefilled +
// TotalCallerPaid + current engine balance.
type State struct {
	LastProcessTime time.Time `json:"last_process_time"`
	TotalCycles     uint64    `json:"total_cycles"`
	TotalSkips      uint64    `json:"total_skips"`

	TotalInflow     *uint256.Int `json:"total_inflow"`
	TotalBurned     *uint256.Int `json:"total_burned"`
	TotalLPDeployed *uint256.Int `json:"total_lp_deployed"`
	TotalRefilled   *uint256.Int `json:"total_refilled"`
	TotalCallerPaid *uint256.Int `json:"total_caller_paid"`

	UpdatedAt time.Time `json:"updated_at"`
}

func newState() *State {
	return &State{
		TotalInflow:     uint256.NewInt(0),
		TotalBurned:     uint256.NewInt(0),
		TotalLPDeployed: uint256.NewInt(0),
		TotalRefilled:   uint256.NewInt(0),
		TotalCallerPaid: uint256.NewInt(0),
	}
}

// LoadState reads persisted state, returning a zero state if the file does
// not exist or persistence is disabled.
func LoadState(path string) (*State, error) {
	if path == "" {
		return newState(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}
	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveState writes the state to disk. No-op when persistence is disabled.
func SaveState(path string, state *State) error {
	if path == "" {
		return nil
	}
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

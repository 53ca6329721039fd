package staking

import "time"

// Tier maps a lock commitment to a weight multiplier. The table is ordered by
// commitment; a staker may move up the table on later stakes but never down.
type Tier struct {
	Name          string
	MultiplierBps uint64 // >= 10000; weighted = principal * multiplier / 10000
	LockDuration  time.Duration
}

// DefaultTiers is the public ladder plus the distinguished engine tier at the
// highest index. The engine tier carries no multiplier advantage over the
// lowest public tier; its only distinction is the permanent lock.
var DefaultTiers = []Tier{
	{Name: "flexible", MultiplierBps: 10000, LockDuration: 7 * 24 * time.Hour},
	{Name: "monthly", MultiplierBps: 11000, LockDuration: 30 * 24 * time.Hour},
	{Name: "quarterly", MultiplierBps: 13000, LockDuration: 90 * 24 * time.Hour},
	{Name: "engine", MultiplierBps: 10000, LockDuration: 0},
}

// permanentUnlock marks the engine position as never withdrawable.
var permanentUnlock = time.Unix(1<<62-1, 0)

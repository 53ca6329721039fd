package model

// Address identifies an account on the ledger. Protocol entities (engine,
// endowment, pools, pair custody) are ordinary addresses with no special
// treatment at the ledger level beyond tax exemption.
type Address string

// ZeroAddress is never a valid transfer party.
const ZeroAddress Address = ""

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == ZeroAddress }

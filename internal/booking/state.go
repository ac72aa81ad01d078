package booking

// State is a booking attempt's position in the finalization flow.
type State int

const (
	Selecting State = iota
	Locking
	Locked
	Finalizing
	Pending
	Confirmed
	Cancelled
	Expired
)

var stateNames = [...]string{
	Selecting:  "selecting",
	Locking:    "locking",
	Locked:     "locked",
	Finalizing: "finalizing",
	Pending:    "pending",
	Confirmed:  "confirmed",
	Cancelled:  "cancelled",
	Expired:    "expired",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Confirmed || s == Cancelled }

// Settled reports whether the attempt is over from the user's point of view:
// terminal, or expired so that only a full reselect can continue.
func (s State) Settled() bool { return s.Terminal() || s == Expired }

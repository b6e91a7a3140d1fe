package boxrelay

// Status represents the lifecycle state of a box item.
type Status int16

const (
	// StatusPending indicates the item waits for its first attempt or for a retry.
	StatusPending Status = 0
	// StatusFailed indicates the item exhausted its retries.
	StatusFailed Status = 1
	// StatusDelivered indicates every transport accepted the item.
	StatusDelivered Status = 2
	// StatusDiscarded indicates a retry strategy dropped the item.
	StatusDiscarded Status = 3
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusDelivered:
		return "delivered"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDiscarded || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed.
// Pending may loop on itself while waiting for a retry.
func (s Status) CanTransition(next Status) bool {
	if s != StatusPending {
		return false
	}

	switch next {
	case StatusPending, StatusFailed, StatusDelivered, StatusDiscarded:
		return true
	default:
		return false
	}
}

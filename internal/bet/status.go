package bet

// Status is the lifecycle state of a Bet.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusResolved  Status = "RESOLVED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// transitions is the complete lifecycle graph. Anything absent is invalid.
var transitions = map[Status][]Status{
	StatusDraft:    {StatusOpen, StatusCancelled},
	StatusOpen:     {StatusClosed, StatusCancelled},
	StatusClosed:   {StatusResolved, StatusCancelled},
	StatusResolved: {StatusPaid},
}

// CanTransitionTo reports whether s → to is an edge of the lifecycle.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusOpen, StatusClosed, StatusResolved, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

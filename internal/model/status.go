package model

// ConnectionStatus is the lifecycle state of a Connection.
type ConnectionStatus string

const (
	StatusPending ConnectionStatus = "pending"
	StatusActive  ConnectionStatus = "active"
	StatusExpired ConnectionStatus = "expired"
	StatusRevoked ConnectionStatus = "revoked"
)

var connectionTransitions = map[ConnectionStatus]map[ConnectionStatus]struct{}{
	StatusPending: {
		StatusActive:  {},
		StatusRevoked: {},
	},
	StatusActive: {
		StatusExpired: {},
		StatusRevoked: {},
	},
	StatusExpired: {
		StatusActive:  {},
		StatusRevoked: {},
	},
	StatusRevoked: {},
}

// Valid reports whether s is one of the known statuses.
func (s ConnectionStatus) Valid() bool {
	_, ok := connectionTransitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s ConnectionStatus) Terminal() bool { return s == StatusRevoked }

// CanTransition reports whether s -> next is allowed by the lifecycle.
func (s ConnectionStatus) CanTransition(next ConnectionStatus) bool {
	_, ok := connectionTransitions[s][next]
	return ok
}

// SourcesOf returns every status that may move to next.
func SourcesOf(next ConnectionStatus) []ConnectionStatus {
	var out []ConnectionStatus
	for _, from := range []ConnectionStatus{StatusPending, StatusActive, StatusExpired, StatusRevoked} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

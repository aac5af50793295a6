package game

import "time"

// Rules are the deadlines and limits the lifecycle enforces.
type Rules struct {
	// LobbyTimeout cancels a lobby that has not reached the minimum roster.
	LobbyTimeout time.Duration
	// HostInactivity is how long a lobby creator may go unseen before the
	// host role moves on.
	HostInactivity   time.Duration
	RevealWindow     time.Duration
	RoleViewDuration time.Duration
	DiscussionPeriod time.Duration
	VotingPeriod     time.Duration
	// DisputeWindow is how long after ending a session may be disputed.
	DisputeWindow time.Duration
	// DisputeTimeout resolves an open dispute to refund-all.
	DisputeTimeout time.Duration
	// MaxRounds ends a stalemate with refund-all. Zero disables the guard.
	MaxRounds int
}

// DefaultRules returns the production defaults.
func DefaultRules() Rules {
	return Rules{
		LobbyTimeout:     10 * time.Minute,
		HostInactivity:   5 * time.Minute,
		RevealWindow:     30 * time.Second,
		RoleViewDuration: 3 * time.Second,
		DiscussionPeriod: 2 * time.Minute,
		VotingPeriod:     30 * time.Second,
		DisputeWindow:    24 * time.Hour,
		DisputeTimeout:   72 * time.Hour,
		MaxRounds:        10,
	}
}

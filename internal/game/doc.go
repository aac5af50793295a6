// Package game drives sessions through their lifecycle.
//
// The Controller accepts participant intents (join, start, call a vote,
// cast a ballot, defect, dispute) and turns each into one guarded ledger
// transaction. Before handling any intent it lets the Monitor apply
// whatever deadlines have lapsed since the last call, so no background
// timer is needed for correctness.
//
// # Lifecycle
//
//	Lobby -> RoleCommitted -> RoleRevealed -> Discussion <-> Voting -> Ended
//	Lobby -> Cancelled
//	RoleCommitted -> Cancelled (reveal timeout)
//	{RoleCommitted..Voting} -> Disputed -> {Ended, Cancelled}
//
// Funds only move through a staged settlement executed by payout.Engine.
// A failed transfer leaves the session in place with its pot intact;
// Payout resumes it.
package game

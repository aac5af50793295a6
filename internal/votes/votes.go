// Package votes validates elimination ballots and resolves a round by strict
// majority.
package votes

import (
	"sort"
	"time"

	"github.com/lox/sus/internal/session"
)

// Validate checks that voter may cast a ballot against target in round.
func Validate(s *session.Session, round int, voter, target session.Identity) error {
	if s.State != session.Voting || s.Settling() {
		return session.ErrWrongPhase.With("state", s.State, "required", session.Voting)
	}
	if round != s.Round {
		return session.ErrWrongPhase.With("round", round, "current_round", s.Round)
	}
	v, ok := s.Participant(voter)
	if !ok || !v.Live() {
		return session.ErrIneligibleVoter.With("voter", voter)
	}
	if v.Voted {
		return session.ErrAlreadyVoted.With("voter", voter, "round", round)
	}
	if target == voter {
		return session.ErrInvalidTarget.With("target", target, "reason", "self")
	}
	t, ok := s.Participant(target)
	if !ok {
		return session.ErrInvalidTarget.With("target", target, "reason", "not a participant")
	}
	if !t.Live() {
		return session.ErrInvalidTarget.With("target", target, "reason", "eliminated")
	}
	return nil
}

// Record validates and stores a ballot on the session.
func Record(s *session.Session, round int, voter, target session.Identity, at time.Time) error {
	if err := Validate(s, round, voter, target); err != nil {
		return err
	}
	p, _ := s.Participant(voter)
	p.Voted = true
	s.Ballots = append(s.Ballots, session.Ballot{
		Round:  round,
		Voter:  voter,
		Target: target,
		CastAt: at,
	})
	return nil
}

// Tally is a target and its ballot count.
type Tally struct {
	Target session.Identity
	Votes  int
}

// Result is the resolution of one round.
type Result struct {
	Round   int
	Alive   int
	Cast    int
	Tallies []Tally
	// Eliminated is empty for a no-kill round.
	Eliminated session.Identity
	Votes      int
	Tie        bool
}

// Count resolves the ballots of the session's current round. A target is
// eliminated only with the strictly highest count and more than half of the
// live participants' votes.
func Count(s *session.Session) Result {
	counts := make(map[session.Identity]int)
	cast := 0
	for _, b := range s.Ballots {
		if b.Round != s.Round {
			continue
		}
		counts[b.Target]++
		cast++
	}

	r := Result{Round: s.Round, Alive: s.AliveCount(), Cast: cast}
	for target, n := range counts {
		r.Tallies = append(r.Tallies, Tally{Target: target, Votes: n})
	}
	// Deterministic order: most votes first, then roster order.
	sort.Slice(r.Tallies, func(i, j int) bool {
		if r.Tallies[i].Votes != r.Tallies[j].Votes {
			return r.Tallies[i].Votes > r.Tallies[j].Votes
		}
		return s.Index(r.Tallies[i].Target) < s.Index(r.Tallies[j].Target)
	})

	if len(r.Tallies) == 0 {
		return r
	}
	top := r.Tallies[0]
	if len(r.Tallies) > 1 && r.Tallies[1].Votes == top.Votes {
		r.Tie = true
		return r
	}
	if top.Votes*2 > r.Alive {
		r.Eliminated = top.Target
		r.Votes = top.Votes
	}
	return r
}

// ResetRound clears round-scoped voting state.
func ResetRound(s *session.Session) {
	s.Ballots = nil
	for i := range s.Participants {
		s.Participants[i].Voted = false
	}
}

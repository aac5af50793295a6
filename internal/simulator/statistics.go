package simulator

import (
	"fmt"
	"sort"
	"time"

	"github.com/lox/sus/internal/session"
)

// Statistics aggregates simulated sessions.
type Statistics struct {
	Sessions  int
	ByState   map[session.State]int
	ByOutcome map[session.Outcome]int
	ByReason  map[string]int

	Staked session.Amount
	Paid   session.Amount

	Rounds    int
	MaxRounds int
	Joins     int

	Rejected     int // intents refused by the rules
	Retries      int // transfer failures retried
	Disputed     int
	Unresolvable int

	Duration time.Duration
}

// NewStatistics returns empty statistics.
func NewStatistics() *Statistics {
	return &Statistics{
		ByState:   make(map[session.State]int),
		ByOutcome: make(map[session.Outcome]int),
		ByReason:  make(map[string]int),
	}
}

// Add folds one session result in.
func (s *Statistics) Add(r Result) {
	s.Sessions++
	s.ByState[r.Final]++
	s.ByOutcome[r.Outcome]++
	s.ByReason[r.Reason]++
	s.Staked += r.Staked
	s.Paid += r.Paid
	s.Rounds += r.Rounds
	s.MaxRounds = max(s.MaxRounds, r.Rounds)
	s.Joins += r.Joins
	s.Rejected += r.Rejected
	s.Retries += r.Retries
	if r.Disputed {
		s.Disputed++
	}
	if r.Unresolvable {
		s.Unresolvable++
	}
}

// MeanRounds returns the average number of rounds played per session.
func (s *Statistics) MeanRounds() float64 {
	if s.Sessions == 0 {
		return 0
	}
	return float64(s.Rounds) / float64(s.Sessions)
}

// Reasons returns the recorded end reasons, most frequent first.
func (s *Statistics) Reasons() []string {
	reasons := make([]string, 0, len(s.ByReason))
	for r := range s.ByReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if s.ByReason[reasons[i]] != s.ByReason[reasons[j]] {
			return s.ByReason[reasons[i]] > s.ByReason[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})
	return reasons
}

// Validate checks that the aggregate is internally consistent.
func (s *Statistics) Validate() error {
	if s.Paid != s.Staked {
		return fmt.Errorf("paid %d but %d was staked", s.Paid, s.Staked)
	}
	terminal := s.ByState[session.Ended] + s.ByState[session.Cancelled]
	if terminal != s.Sessions {
		return fmt.Errorf("%d of %d sessions reached a terminal state", terminal, s.Sessions)
	}
	outcomes := 0
	for _, n := range s.ByOutcome {
		outcomes += n
	}
	if outcomes != s.Sessions {
		return fmt.Errorf("outcome counts %d do not match sessions %d", outcomes, s.Sessions)
	}
	return nil
}
